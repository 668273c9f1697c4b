// Package encoder opaques the unstructured fields of validated provider
// output.
package encoder

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"

	"agent-relay/internal/relay/schema"
	"agent-relay/pkg/token"
)

// Encode walks raw alongside node and replaces every string at an
// unstructured position with its token. Keys keep their document order and
// every other leaf is copied byte for byte; the result is compacted.
//
// raw must already have passed validation against node. Encode does not
// re-validate, but inside any subtree holding unstructured fields it fails
// on a value of the wrong type, an undeclared key or a repeated key rather
// than copying it unencoded. It returns the encoded document and the
// number of fields encoded.
func Encode(node *schema.Node, raw []byte) (json.RawMessage, int, error) {
	if !gjson.ValidBytes(raw) {
		return nil, 0, fmt.Errorf("encode: invalid JSON document")
	}

	w := &walker{}
	w.value(node, gjson.ParseBytes(raw))
	if w.err != nil {
		return nil, 0, w.err
	}
	return json.RawMessage(pretty.Ugly(w.buf.Bytes())), w.encoded, nil
}

type walker struct {
	buf     bytes.Buffer
	encoded int
	err     error
}

func (w *walker) value(node *schema.Node, v gjson.Result) {
	if w.err != nil {
		return
	}
	if node == nil || !node.HasUnstructured() {
		w.buf.WriteString(v.Raw)
		return
	}

	switch {
	case node.Kind == schema.KindObject && v.IsObject():
		w.object(node, v)
	case node.Kind == schema.KindArray && v.IsArray():
		w.array(node, v)
	case node.Kind == schema.KindString && v.Type == gjson.String:
		w.leaf(v.Str)
	default:
		w.err = fmt.Errorf("encode: %s value where the schema expects %s", v.Type, node.Kind)
	}
}

func (w *walker) object(node *schema.Node, v gjson.Result) {
	w.buf.WriteByte('{')
	first := true
	seen := make(map[string]bool)
	v.ForEach(func(key, child gjson.Result) bool {
		childNode, declared := node.Properties[key.Str]
		if !declared {
			w.err = fmt.Errorf("encode: undeclared key in object")
			return false
		}
		if seen[key.Str] {
			w.err = fmt.Errorf("encode: repeated key in object")
			return false
		}
		seen[key.Str] = true
		if !first {
			w.buf.WriteByte(',')
		}
		first = false
		w.buf.WriteString(key.Raw)
		w.buf.WriteByte(':')
		w.value(childNode, child)
		return w.err == nil
	})
	w.buf.WriteByte('}')
}

func (w *walker) array(node *schema.Node, v gjson.Result) {
	w.buf.WriteByte('[')
	first := true
	v.ForEach(func(_, item gjson.Result) bool {
		if !first {
			w.buf.WriteByte(',')
		}
		first = false
		w.value(node.Items, item)
		return w.err == nil
	})
	w.buf.WriteByte(']')
}

func (w *walker) leaf(s string) {
	if s == "" {
		w.buf.WriteString(`""`)
		return
	}
	data, err := json.Marshal(token.Encode(s))
	if err != nil {
		w.err = fmt.Errorf("encode: %w", err)
		return
	}
	w.buf.Write(data)
	w.encoded++
}
