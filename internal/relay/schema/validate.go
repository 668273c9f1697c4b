package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/mail"
	"net/url"
	"regexp"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"agent-relay/pkg/token"
)

const rootPath = "$"

var identRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Violation is one reason a value does not satisfy a schema. Actual never
// contains provider string content: it names the JSON type observed and, at
// most, a number or a length.
type Violation struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: expected %s, got %s", v.Path, v.Expected, v.Actual)
}

// Validate checks value against node and returns every violation found.
// An empty result means the value is valid. Object keys are visited in
// sorted order so the result is deterministic.
//
// value is a decoded JSON tree: map[string]interface{}, []interface{},
// string, bool, nil and json.Number or any Go numeric type.
func Validate(node *Node, value interface{}) []Violation {
	var out []Violation
	validate(node, value, rootPath, &out)
	return out
}

// ValidateJSON decodes raw with UseNumber and validates the result. Keys
// repeated within one object are violations: decoding keeps only the last
// copy, so the others would otherwise go unchecked.
func ValidateJSON(node *Node, raw []byte) ([]Violation, error) {
	value, err := DecodeValue(raw)
	if err != nil {
		return nil, err
	}
	var out []Violation
	duplicateKeys(node, gjson.ParseBytes(raw), rootPath, &out)
	return append(out, Validate(node, value)...), nil
}

// duplicateKeys reports repeated keys in every object the schema describes.
// Subtrees the schema does not describe fail validation on their own.
func duplicateKeys(node *Node, v gjson.Result, path string, out *[]Violation) {
	switch {
	case node.Kind == KindObject && v.IsObject():
		seen := make(map[string]bool)
		v.ForEach(func(key, child gjson.Result) bool {
			name := key.Str
			childNode, declared := node.Properties[name]
			p := childPath(path, name)
			if !declared {
				p = path + "[" + quote(token.Encode(name)) + "]"
			}
			if seen[name] {
				*out = append(*out, Violation{Path: p, Expected: "unique object keys", Actual: "duplicate key"})
				return true
			}
			seen[name] = true
			if declared {
				duplicateKeys(childNode, child, p, out)
			}
			return true
		})
	case node.Kind == KindArray && v.IsArray():
		i := 0
		v.ForEach(func(_, item gjson.Result) bool {
			duplicateKeys(node.Items, item, fmt.Sprintf("%s[%d]", path, i), out)
			i++
			return true
		})
	}
}

// DecodeValue decodes a JSON document keeping numbers as json.Number.
func DecodeValue(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value interface{}
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("decode value: trailing data after JSON document")
	}
	return value, nil
}

func validate(node *Node, value interface{}, path string, out *[]Violation) {
	switch node.Kind {
	case KindObject:
		validateObject(node, value, path, out)
	case KindArray:
		validateArray(node, value, path, out)
	case KindString:
		validateString(node, value, path, out)
	case KindNumber:
		validateNumber(node, value, path, out)
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			*out = append(*out, Violation{Path: path, Expected: "boolean", Actual: describe(value)})
		}
	case KindEnum:
		for _, candidate := range node.Enum {
			if scalarEqual(candidate, value) {
				return
			}
		}
		*out = append(*out, Violation{Path: path, Expected: "one of " + enumList(node.Enum), Actual: describe(value)})
	}
}

func validateObject(node *Node, value interface{}, path string, out *[]Violation) {
	obj, ok := value.(map[string]interface{})
	if !ok {
		*out = append(*out, Violation{Path: path, Expected: "object", Actual: describe(value)})
		return
	}

	for _, name := range node.Keys() {
		child, present := obj[name]
		if !present {
			if node.Required[name] {
				*out = append(*out, Violation{Path: childPath(path, name), Expected: "required field", Actual: "missing"})
			}
			continue
		}
		validate(node.Properties[name], child, childPath(path, name), out)
	}

	for _, name := range sortedKeys(obj) {
		if _, declared := node.Properties[name]; !declared {
			// Undeclared key names are provider text and are reported encoded.
			*out = append(*out, Violation{
				Path:     path + "[" + quote(token.Encode(name)) + "]",
				Expected: "no undeclared fields",
				Actual:   "undeclared field",
			})
		}
	}
}

func validateArray(node *Node, value interface{}, path string, out *[]Violation) {
	arr, ok := value.([]interface{})
	if !ok {
		*out = append(*out, Violation{Path: path, Expected: "array", Actual: describe(value)})
		return
	}
	if node.MinItems != nil && len(arr) < *node.MinItems {
		*out = append(*out, Violation{Path: path, Expected: fmt.Sprintf("at least %d items", *node.MinItems), Actual: describe(value)})
	}
	if node.MaxItems != nil && len(arr) > *node.MaxItems {
		*out = append(*out, Violation{Path: path, Expected: fmt.Sprintf("at most %d items", *node.MaxItems), Actual: describe(value)})
	}
	for i, item := range arr {
		validate(node.Items, item, fmt.Sprintf("%s[%d]", path, i), out)
	}
}

func validateString(node *Node, value interface{}, path string, out *[]Violation) {
	s, ok := value.(string)
	if !ok {
		*out = append(*out, Violation{Path: path, Expected: "string", Actual: describe(value)})
		return
	}

	n := utf8.RuneCountInString(s)
	if node.MinLength != nil && n < *node.MinLength {
		*out = append(*out, Violation{Path: path, Expected: fmt.Sprintf("string of at least %d characters", *node.MinLength), Actual: describe(value)})
	}
	if node.MaxLength != nil && n > *node.MaxLength {
		*out = append(*out, Violation{Path: path, Expected: fmt.Sprintf("string of at most %d characters", *node.MaxLength), Actual: describe(value)})
	}
	if node.Unstructured {
		return
	}
	if node.Pattern != nil && !node.Pattern.MatchString(s) {
		*out = append(*out, Violation{Path: path, Expected: "string matching " + node.Pattern.String(), Actual: "non-matching " + describe(value)})
	}
	if node.Format != "" && !matchesFormat(node.Format, s) {
		*out = append(*out, Violation{Path: path, Expected: node.Format + " string", Actual: "malformed " + describe(value)})
	}
}

func validateNumber(node *Node, value interface{}, path string, out *[]Violation) {
	f, ok := toFloat(value)
	if !ok {
		expected := "number"
		if node.Integer {
			expected = "integer"
		}
		*out = append(*out, Violation{Path: path, Expected: expected, Actual: describe(value)})
		return
	}
	if node.Integer && f != math.Trunc(f) {
		*out = append(*out, Violation{Path: path, Expected: "integer", Actual: describe(value)})
		return
	}
	if node.Minimum != nil && f < *node.Minimum {
		*out = append(*out, Violation{Path: path, Expected: fmt.Sprintf("number >= %s", formatFloat(*node.Minimum)), Actual: describe(value)})
	}
	if node.Maximum != nil && f > *node.Maximum {
		*out = append(*out, Violation{Path: path, Expected: fmt.Sprintf("number <= %s", formatFloat(*node.Maximum)), Actual: describe(value)})
	}
}

func matchesFormat(format, s string) bool {
	switch format {
	case FormatEmail:
		addr, err := mail.ParseAddress(s)
		return err == nil && addr.Address == s
	case FormatURI:
		u, err := url.Parse(s)
		return err == nil && u.Scheme != "" && (u.Host != "" || u.Opaque != "")
	case FormatUUID:
		_, err := uuid.Parse(s)
		return err == nil && len(s) == 36
	case FormatDateTime:
		_, err := time.Parse(time.RFC3339, s)
		return err == nil
	case FormatDate:
		_, err := time.Parse("2006-01-02", s)
		return err == nil
	}
	return false
}

// describe renders the observed type of a value without its string content.
func describe(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case bool:
		return fmt.Sprintf("boolean %t", v)
	case string:
		return fmt.Sprintf("string of length %d", utf8.RuneCountInString(v))
	case []interface{}:
		return fmt.Sprintf("array of length %d", len(v))
	case map[string]interface{}:
		return fmt.Sprintf("object with %d fields", len(v))
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return "number"
		}
		return "number " + formatFloat(f)
	}
	if f, ok := toFloat(value); ok {
		return "number " + formatFloat(f)
	}
	return fmt.Sprintf("%T", value)
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

func scalarEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func enumList(values []interface{}) string {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Sprint(values)
	}
	return string(data)
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}

// childPath renders obj.key, falling back to obj["key"] for names that are
// not plain identifiers.
func childPath(parent, name string) string {
	if identRegex.MatchString(name) {
		return parent + "." + name
	}
	return parent + "[" + quote(name) + "]"
}

func quote(s string) string {
	data, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(data)
}

func sortedKeys(obj map[string]interface{}) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
