// Package node defines the document tree model and the walker used by every
// structural method.
//
// A Node is a JSON-shaped value: nil, bool, float64, string, []any or
// map[string]any. A mapping with a string "type" field is an Entity; every
// other container is plain structure that the walker recurses through.
package node

import (
	"encoding/json"
	"fmt"
)

// Node is any value in a document tree.
type Node = any

// Entity is a typed node in the document tree.
type Entity map[string]any

// Kind classifies the entities the method set cares about.
type Kind int

const (
	KindOther Kind = iota
	KindCodeChunk
	KindCodeExpression
)

func (k Kind) String() string {
	switch k {
	case KindCodeChunk:
		return "CodeChunk"
	case KindCodeExpression:
		return "CodeExpression"
	default:
		return "Other"
	}
}

// AsEntity reports whether v is an Entity and returns it.
func AsEntity(v any) (Entity, bool) {
	switch m := v.(type) {
	case Entity:
		_, ok := m["type"].(string)
		return m, ok
	case map[string]any:
		if _, ok := m["type"].(string); ok {
			return Entity(m), true
		}
	}
	return nil, false
}

// AsMap returns the mapping behind a plain map or an Entity.
func AsMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case Entity:
		return m, true
	case map[string]any:
		return m, true
	}
	return nil, false
}

// Type returns the discriminant tag.
func (e Entity) Type() string {
	t, _ := e["type"].(string)
	return t
}

// Kind returns the variant of the entity.
func (e Entity) Kind() Kind {
	switch e.Type() {
	case "CodeChunk":
		return KindCodeChunk
	case "CodeExpression":
		return KindCodeExpression
	default:
		return KindOther
	}
}

// Text returns the code text of a code entity.
func (e Entity) Text() string {
	s, _ := e["text"].(string)
	return s
}

// Language returns the declared programming language.
func (e Entity) Language() string {
	s, _ := e["programmingLanguage"].(string)
	return s
}

// IsJavaScript reports whether the entity is code in a language the
// embedded interpreter runs.
func (e Entity) IsJavaScript() bool {
	switch e.Language() {
	case "js", "javascript":
		return true
	}
	return false
}

// Strings returns a string-list property. Non-string items are skipped, and
// items that are entities with a "name" (e.g. SoftwareSourceCode) give that.
func (e Entity) Strings(key string) []string {
	items, _ := e[key].([]any)
	if items == nil {
		if ss, ok := e[key].([]string); ok {
			return append([]string(nil), ss...)
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if name, ok := v["name"].(string); ok {
				out = append(out, name)
			}
		}
	}
	return out
}

// SetStrings sets a string-list property. An empty list removes it.
func (e Entity) SetStrings(key string, values []string) {
	if len(values) == 0 {
		delete(e, key)
		return
	}
	items := make([]any, len(values))
	for i, v := range values {
		items[i] = v
	}
	e[key] = items
}

// Meta returns the entity's meta mapping, or nil.
func (e Entity) Meta() map[string]any {
	m, _ := e["meta"].(map[string]any)
	return m
}

// Clone returns a deep copy of the entity.
func (e Entity) Clone() Entity {
	return Entity(Copy(map[string]any(e)).(map[string]any))
}

// Copy returns a deep copy of a node.
func Copy(n Node) Node {
	switch v := n.(type) {
	case Entity:
		return Entity(Copy(map[string]any(v)).(map[string]any))
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = Copy(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = Copy(child)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	default:
		return v
	}
}

// Normalize converts an arbitrary Go value into a JSON-shaped Node by a JSON
// round trip. Values that cannot be marshalled are rendered with %v.
func Normalize(v any) Node {
	switch v.(type) {
	case nil, bool, float64, string:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return out
}

// TypeName returns the node type name of a value.
func TypeName(v any) string {
	switch v.(type) {
	case nil:
		return "Null"
	case bool:
		return "Boolean"
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return "Number"
	case string:
		return "Text"
	case []any:
		return "Array"
	}
	if e, ok := AsEntity(v); ok {
		return e.Type()
	}
	return "Object"
}

// CodeError builds the entity attached to code nodes when execution fails.
func CodeError(errorType, message, stack string) Entity {
	e := Entity{
		"type":         "CodeError",
		"errorMessage": message,
	}
	if errorType != "" {
		e["errorType"] = errorType
	}
	if stack != "" {
		e["stackTrace"] = stack
	}
	return e
}
