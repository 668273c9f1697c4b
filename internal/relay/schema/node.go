// Package schema parses response schemas and validates provider output
// against them.
//
// A schema is a tree of Nodes. Every node has exactly one Kind and only the
// fields of that kind are meaningful. String nodes may be flagged
// Unstructured, which marks their content as untrusted free text; the flag
// defaults to false.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// Kind tags a schema node.
type Kind string

const (
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindEnum    Kind = "enum"
)

// MaxDepth bounds schema nesting.
const MaxDepth = 32

// Supported string formats.
const (
	FormatEmail    = "email"
	FormatURI      = "uri"
	FormatUUID     = "uuid"
	FormatDateTime = "date-time"
	FormatDate     = "date"
)

// Node is one schema node.
type Node struct {
	Kind Kind

	// object
	Properties map[string]*Node
	Required   map[string]bool

	// array
	Items    *Node
	MinItems *int
	MaxItems *int

	// string
	MinLength    *int
	MaxLength    *int
	Pattern      *regexp.Regexp
	Format       string
	Unstructured bool

	// number
	Integer bool
	Minimum *float64
	Maximum *float64

	// enum
	Enum []interface{}
}

// Keys returns the declared property names in sorted order.
func (n *Node) Keys() []string {
	keys := make([]string, 0, len(n.Properties))
	for k := range n.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasUnstructured reports whether any node in the tree is unstructured.
func (n *Node) HasUnstructured() bool {
	switch n.Kind {
	case KindString:
		return n.Unstructured
	case KindArray:
		return n.Items.HasUnstructured()
	case KindObject:
		for _, child := range n.Properties {
			if child.HasUnstructured() {
				return true
			}
		}
	}
	return false
}

// SchemaError describes why a schema document was rejected.
type SchemaError struct {
	Path string
	Msg  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %s: %s", e.Path, e.Msg)
}

// definition is the JSON shape of a node.
type definition struct {
	Type                 *string                    `json:"type"`
	Description          string                     `json:"description,omitempty"`
	Properties           map[string]json.RawMessage `json:"properties"`
	Required             []string                   `json:"required"`
	AdditionalProperties *bool                      `json:"additionalProperties"`
	Items                json.RawMessage            `json:"items"`
	MinItems             *int                       `json:"minItems"`
	MaxItems             *int                       `json:"maxItems"`
	MinLength            *int                       `json:"minLength"`
	MaxLength            *int                       `json:"maxLength"`
	Pattern              *string                    `json:"pattern"`
	Format               string                     `json:"format"`
	Unstructured         *bool                      `json:"unstructured"`
	Minimum              *float64                   `json:"minimum"`
	Maximum              *float64                   `json:"maximum"`
	Enum                 []json.RawMessage          `json:"enum"`
}

// Parse reads a schema document. The document is either a single node or a
// bare map of field name to node, which is shorthand for an object whose
// fields are all required.
func Parse(raw []byte) (*Node, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, &SchemaError{Path: rootPath, Msg: "schema must be a JSON object"}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &SchemaError{Path: rootPath, Msg: err.Error()}
	}
	if isNodeDocument(fields) {
		return parseNode(raw, rootPath, 0)
	}

	if len(fields) == 0 {
		return nil, &SchemaError{Path: rootPath, Msg: "schema declares no fields"}
	}
	node := &Node{
		Kind:       KindObject,
		Properties: make(map[string]*Node, len(fields)),
		Required:   make(map[string]bool, len(fields)),
	}
	for name, childRaw := range fields {
		child, err := parseNode(childRaw, childPath(rootPath, name), 1)
		if err != nil {
			return nil, err
		}
		node.Properties[name] = child
		node.Required[name] = true
	}
	return node, nil
}

// isNodeDocument tells a node apart from the shorthand field map: a node
// has a string "type" or an array "enum".
func isNodeDocument(fields map[string]json.RawMessage) bool {
	if t, ok := fields["type"]; ok {
		var s string
		if json.Unmarshal(t, &s) == nil {
			return true
		}
	}
	if e, ok := fields["enum"]; ok {
		trimmed := bytes.TrimSpace(e)
		return len(trimmed) > 0 && trimmed[0] == '['
	}
	return false
}

func parseNode(raw json.RawMessage, path string, depth int) (*Node, error) {
	if depth > MaxDepth {
		return nil, &SchemaError{Path: path, Msg: fmt.Sprintf("nesting deeper than %d", MaxDepth)}
	}

	var def definition
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&def); err != nil {
		return nil, &SchemaError{Path: path, Msg: "node must be a JSON object"}
	}

	if def.Enum != nil {
		return parseEnum(def, path)
	}
	if def.Type == nil {
		return nil, &SchemaError{Path: path, Msg: "missing type"}
	}
	if def.Unstructured != nil && *def.Unstructured && *def.Type != string(KindString) {
		return nil, &SchemaError{Path: path, Msg: "unstructured is only allowed on string nodes"}
	}

	switch *def.Type {
	case string(KindObject):
		return parseObject(def, path, depth)
	case string(KindArray):
		return parseArray(def, path, depth)
	case string(KindString):
		return parseString(def, path)
	case string(KindNumber), "integer":
		if def.Minimum != nil && def.Maximum != nil && *def.Minimum > *def.Maximum {
			return nil, &SchemaError{Path: path, Msg: "minimum is greater than maximum"}
		}
		return &Node{
			Kind:    KindNumber,
			Integer: *def.Type == "integer",
			Minimum: def.Minimum,
			Maximum: def.Maximum,
		}, nil
	case string(KindBoolean):
		return &Node{Kind: KindBoolean}, nil
	default:
		return nil, &SchemaError{Path: path, Msg: fmt.Sprintf("unsupported type %q", *def.Type)}
	}
}

func parseObject(def definition, path string, depth int) (*Node, error) {
	if def.AdditionalProperties != nil && *def.AdditionalProperties {
		return nil, &SchemaError{Path: path, Msg: "additionalProperties is not supported; declare every field"}
	}
	node := &Node{
		Kind:       KindObject,
		Properties: make(map[string]*Node, len(def.Properties)),
		Required:   make(map[string]bool, len(def.Required)),
	}
	for name, childRaw := range def.Properties {
		child, err := parseNode(childRaw, childPath(path, name), depth+1)
		if err != nil {
			return nil, err
		}
		node.Properties[name] = child
	}
	for _, name := range def.Required {
		if _, ok := node.Properties[name]; !ok {
			return nil, &SchemaError{Path: path, Msg: fmt.Sprintf("required field %q is not declared", name)}
		}
		node.Required[name] = true
	}
	return node, nil
}

func parseArray(def definition, path string, depth int) (*Node, error) {
	if len(def.Items) == 0 {
		return nil, &SchemaError{Path: path, Msg: "array nodes need items"}
	}
	items, err := parseNode(def.Items, path+"[]", depth+1)
	if err != nil {
		return nil, err
	}
	if err := checkBounds(path, def.MinItems, def.MaxItems, "minItems", "maxItems"); err != nil {
		return nil, err
	}
	return &Node{
		Kind:     KindArray,
		Items:    items,
		MinItems: def.MinItems,
		MaxItems: def.MaxItems,
	}, nil
}

func parseString(def definition, path string) (*Node, error) {
	node := &Node{
		Kind:      KindString,
		MinLength: def.MinLength,
		MaxLength: def.MaxLength,
		Format:    def.Format,
	}
	if err := checkBounds(path, def.MinLength, def.MaxLength, "minLength", "maxLength"); err != nil {
		return nil, err
	}
	if def.Pattern != nil {
		re, err := regexp.Compile(*def.Pattern)
		if err != nil {
			return nil, &SchemaError{Path: path, Msg: fmt.Sprintf("invalid pattern: %v", err)}
		}
		node.Pattern = re
	}
	switch def.Format {
	case "", FormatEmail, FormatURI, FormatUUID, FormatDateTime, FormatDate:
	default:
		return nil, &SchemaError{Path: path, Msg: fmt.Sprintf("unsupported format %q", def.Format)}
	}
	if def.Unstructured != nil && *def.Unstructured {
		// Content of an unstructured field is never inspected.
		if node.Pattern != nil || node.Format != "" {
			return nil, &SchemaError{Path: path, Msg: "unstructured strings cannot carry a pattern or format"}
		}
		node.Unstructured = true
	}
	return node, nil
}

func parseEnum(def definition, path string) (*Node, error) {
	if def.Unstructured != nil && *def.Unstructured {
		return nil, &SchemaError{Path: path, Msg: "unstructured is only allowed on string nodes"}
	}
	if len(def.Enum) == 0 {
		return nil, &SchemaError{Path: path, Msg: "enum must list at least one value"}
	}
	node := &Node{Kind: KindEnum, Enum: make([]interface{}, 0, len(def.Enum))}
	for _, raw := range def.Enum {
		var v interface{}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, &SchemaError{Path: path, Msg: "invalid enum value"}
		}
		switch v.(type) {
		case string, json.Number, bool, nil:
		default:
			return nil, &SchemaError{Path: path, Msg: "enum values must be scalars"}
		}
		node.Enum = append(node.Enum, v)
	}
	return node, nil
}

func checkBounds(path string, lo, hi *int, loName, hiName string) error {
	if lo != nil && *lo < 0 {
		return &SchemaError{Path: path, Msg: loName + " must not be negative"}
	}
	if lo != nil && hi != nil && *lo > *hi {
		return &SchemaError{Path: path, Msg: fmt.Sprintf("%s is greater than %s", loName, hiName)}
	}
	return nil
}
