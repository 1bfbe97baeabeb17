package schema

import (
	"reflect"
	"strconv"
	"strings"
)

// Schema represents a JSON Schema.
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Description string             `json:"description,omitempty"`
	Default     any                `json:"default,omitempty"`
	Enum        []any              `json:"enum,omitempty"`
	Minimum     *float64           `json:"minimum,omitempty"`
	Maximum     *float64           `json:"maximum,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
}

// Object returns an object schema with the given properties. Properties
// named in required must be present.
func Object(properties map[string]*Schema, required ...string) *Schema {
	if properties == nil {
		properties = make(map[string]*Schema)
	}
	return &Schema{Type: typeObject, Properties: properties, Required: required}
}

// String returns a string schema with the given description.
func String(description string) *Schema {
	return &Schema{Type: typeString, Description: description}
}

// Generate creates a JSON Schema from a Go value.
func Generate(v any) (*Schema, error) {
	return generateFromType(reflect.TypeOf(v))
}

// GenerateFromType creates a JSON Schema from a reflect.Type.
func GenerateFromType(t reflect.Type) (*Schema, error) {
	return generateFromType(t)
}

func generateFromType(t reflect.Type) (*Schema, error) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.Struct:
		return generateStructSchema(t)
	case reflect.String:
		return &Schema{Type: typeString}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &Schema{Type: typeInteger}, nil
	case reflect.Float32, reflect.Float64:
		return &Schema{Type: typeNumber}, nil
	case reflect.Bool:
		return &Schema{Type: typeBoolean}, nil
	case reflect.Slice, reflect.Array:
		items, err := generateFromType(t.Elem())
		if err != nil {
			return nil, err
		}
		return &Schema{Type: typeArray, Items: items}, nil
	case reflect.Map:
		return &Schema{Type: typeObject}, nil
	default:
		return &Schema{}, nil
	}
}

func generateStructSchema(t reflect.Type) (*Schema, error) {
	s := Object(nil)

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		name, skip := jsonName(field)
		if skip {
			continue
		}

		fieldSchema, err := generateFromType(field.Type)
		if err != nil {
			return nil, err
		}
		if applyTag(field.Tag.Get("jsonschema"), fieldSchema) {
			s.Required = append(s.Required, name)
		}
		s.Properties[name] = fieldSchema
	}

	return s, nil
}

func jsonName(field reflect.StructField) (string, bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", true
	}
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name, false
	}
	return field.Name, false
}

// applyTag applies a jsonschema struct tag to s and reports whether the
// field is required. Supported keys: required, description=, enum=a|b,
// minimum=, maximum=. The description must come last when it contains
// commas.
func applyTag(tag string, s *Schema) bool {
	required := false
	for tag != "" {
		var part string
		part, tag, _ = strings.Cut(tag, ",")
		part = strings.TrimSpace(part)

		key, value, _ := strings.Cut(part, "=")
		switch key {
		case "required":
			required = true
		case "description":
			// Everything after description= belongs to it.
			if tag != "" {
				value += "," + tag
				tag = ""
			}
			s.Description = value
		case "enum":
			for _, v := range strings.Split(value, "|") {
				s.Enum = append(s.Enum, v)
			}
		case "minimum":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				s.Minimum = &f
			}
		case "maximum":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				s.Maximum = &f
			}
		}
	}
	return required
}
