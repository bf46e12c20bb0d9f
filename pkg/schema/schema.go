// Package schema provides structural validation of capability arguments
// against JSON Schema documents, plus a helper that derives a schema from a
// Go struct so handlers can declare their input shape in one place.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/invopop/jsonschema"
)

// Schema is a parsed subset of JSON Schema sufficient for argument
// validation: object structure, required fields, scalar constraints and
// enums.
type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`
	Minimum              *float64           `json:"minimum,omitempty"`
	Maximum              *float64           `json:"maximum,omitempty"`
	MinLength            *int               `json:"minLength,omitempty"`
	MaxLength            *int               `json:"maxLength,omitempty"`
}

// Parse decodes a raw schema document.
func Parse(raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("malformed schema: %w", err)
	}
	return &s, nil
}

// For derives a schema document from a Go struct type. Definitions are
// inlined and the $schema header dropped so the result is a plain object
// schema usable for validation and for advertising in list results.
func For[T any]() json.RawMessage {
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	s := reflector.Reflect(&zero)
	s.Version = ""
	raw, err := json.Marshal(s)
	if err != nil {
		// Reflection over a plain struct cannot fail to marshal.
		panic(fmt.Sprintf("schema reflection: %v", err))
	}
	return raw
}

// Violation names one offending field and why it was rejected.
type Violation struct {
	Field  string
	Reason string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Reason)
}

// Validate checks a decoded argument document against the schema and returns
// every violation found. A nil schema accepts anything.
func Validate(s *Schema, args json.RawMessage) []Violation {
	if s == nil {
		return nil
	}
	var doc any
	if len(args) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(args, &doc); err != nil {
		return []Violation{{Field: "", Reason: "arguments are not valid JSON"}}
	}
	return validate(s, doc, "")
}

func validate(s *Schema, doc any, path string) []Violation {
	var out []Violation

	if len(s.Enum) > 0 && !enumContains(s.Enum, doc) {
		return append(out, Violation{Field: orRoot(path), Reason: "value not in enum"})
	}

	switch s.Type {
	case "object", "":
		obj, ok := doc.(map[string]any)
		if !ok {
			if s.Type == "" {
				return nil
			}
			return append(out, Violation{Field: orRoot(path), Reason: "expected object"})
		}
		for _, req := range s.Required {
			if _, present := obj[req]; !present {
				out = append(out, Violation{Field: join(path, req), Reason: "required field missing"})
			}
		}
		for name, value := range obj {
			prop, known := s.Properties[name]
			if !known {
				if s.AdditionalProperties != nil && !*s.AdditionalProperties {
					out = append(out, Violation{Field: join(path, name), Reason: "unknown field"})
				}
				continue
			}
			out = append(out, validate(prop, value, join(path, name))...)
		}
	case "string":
		str, ok := doc.(string)
		if !ok {
			return append(out, Violation{Field: orRoot(path), Reason: "expected string"})
		}
		if s.MinLength != nil && len(str) < *s.MinLength {
			out = append(out, Violation{Field: orRoot(path), Reason: fmt.Sprintf("shorter than %d characters", *s.MinLength)})
		}
		if s.MaxLength != nil && len(str) > *s.MaxLength {
			out = append(out, Violation{Field: orRoot(path), Reason: fmt.Sprintf("longer than %d characters", *s.MaxLength)})
		}
	case "number", "integer":
		num, ok := doc.(float64)
		if !ok {
			return append(out, Violation{Field: orRoot(path), Reason: "expected " + s.Type})
		}
		if s.Type == "integer" && num != math.Trunc(num) {
			out = append(out, Violation{Field: orRoot(path), Reason: "expected integer"})
		}
		if s.Minimum != nil && num < *s.Minimum {
			out = append(out, Violation{Field: orRoot(path), Reason: fmt.Sprintf("below minimum %v", *s.Minimum)})
		}
		if s.Maximum != nil && num > *s.Maximum {
			out = append(out, Violation{Field: orRoot(path), Reason: fmt.Sprintf("above maximum %v", *s.Maximum)})
		}
	case "boolean":
		if _, ok := doc.(bool); !ok {
			out = append(out, Violation{Field: orRoot(path), Reason: "expected boolean"})
		}
	case "array":
		items, ok := doc.([]any)
		if !ok {
			return append(out, Violation{Field: orRoot(path), Reason: "expected array"})
		}
		if s.Items != nil {
			for i, item := range items {
				out = append(out, validate(s.Items, item, fmt.Sprintf("%s[%d]", orRoot(path), i))...)
			}
		}
	case "null":
		if doc != nil {
			out = append(out, Violation{Field: orRoot(path), Reason: "expected null"})
		}
	}

	return out
}

func enumContains(enum []any, v any) bool {
	for _, candidate := range enum {
		if candidate == v {
			return true
		}
	}
	return false
}

func join(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

func orRoot(path string) string {
	if path == "" {
		return "(arguments)"
	}
	return path
}

// FieldNames extracts the distinct offending field names from violations,
// sorted for stable error messages.
func FieldNames(violations []Violation) []string {
	seen := make(map[string]bool)
	var names []string
	for _, v := range violations {
		if !seen[v.Field] {
			seen[v.Field] = true
			names = append(names, v.Field)
		}
	}
	sort.Strings(names)
	return names
}

// Canonicalize re-encodes a JSON document with object keys sorted so that
// semantically equal argument payloads produce identical bytes. Used to
// derive stable cache keys.
func Canonicalize(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "{}", nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	// encoding/json marshals map keys in sorted order.
	out, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return string(out), nil
}
