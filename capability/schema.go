package capability

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Schema is the simplified JSON schema advertised for a capability's input
// or output. It is the discovery-facing shape; runtime enforcement combines
// strict decoding (unknown fields rejected) with the checks in Validate.
type Schema struct {
	Type                 string              `json:"type"`
	Properties           map[string]Property `json:"properties,omitempty"`
	Required             []string            `json:"required,omitempty"`
	AdditionalProperties bool                `json:"additionalProperties"`
}

// Property describes one schema property.
type Property struct {
	Type        string              `json:"type,omitempty"`
	Description string              `json:"description,omitempty"`
	Enum        []any               `json:"enum,omitempty"`
	Items       *Property           `json:"items,omitempty"`
	Properties  map[string]Property `json:"properties,omitempty"`
}

// Reflect derives a Schema from a Go struct type using invopop/jsonschema.
// Non-object types collapse to an empty object schema.
func Reflect[T any](allowAdditional bool) Schema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(T))

	if s == nil || s.Type != "object" {
		return Schema{
			Type:                 "object",
			Properties:           map[string]Property{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]Property)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return Schema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

func toProperty(s *jsonschema.Schema) Property {
	if s == nil {
		return Property{}
	}
	p := Property{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]Property, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// Validate checks a JSON payload against the schema: the payload must be an
// object, every required property must be present, and present properties
// must match their declared primitive type. Unknown fields are rejected
// unless the schema allows additional properties.
func (s Schema) Validate(payload []byte) error {
	if len(payload) == 0 {
		if len(s.Required) > 0 {
			return fmt.Errorf("missing required property %q", s.Required[0])
		}
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return fmt.Errorf("payload is not a JSON object: %v", err)
	}

	for _, name := range s.Required {
		if _, ok := obj[name]; !ok {
			return fmt.Errorf("missing required property %q", name)
		}
	}

	for name, raw := range obj {
		prop, known := s.Properties[name]
		if !known {
			if !s.AdditionalProperties {
				return fmt.Errorf("unknown property %q", name)
			}
			continue
		}
		if err := checkType(prop.Type, raw); err != nil {
			return fmt.Errorf("property %q: %v", name, err)
		}
	}
	return nil
}

func checkType(want string, raw json.RawMessage) error {
	if want == "" || len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	ok := false
	switch want {
	case "string":
		_, ok = v.(string)
	case "boolean":
		_, ok = v.(bool)
	case "number":
		_, ok = v.(float64)
	case "integer":
		f, isNum := v.(float64)
		ok = isNum && f == float64(int64(f))
	case "array":
		_, ok = v.([]any)
	case "object":
		_, ok = v.(map[string]any)
	default:
		return nil
	}
	if !ok {
		return fmt.Errorf("expected %s", want)
	}
	return nil
}
