package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/duynguyendang/toolbridge/pkg/common/errors"
	"github.com/google/generative-ai-go/genai"
	"github.com/xeipuuv/gojsonschema"
)

// FieldType is one of the primitive types a derived schema can express.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
)

var fieldTypes = []string{
	string(TypeString), string(TypeInteger), string(TypeNumber), string(TypeBoolean), string(TypeArray),
}

// typeAliases accepts the spellings people use in "name: type" descriptions.
var typeAliases = map[string]FieldType{
	"string": TypeString, "str": TypeString, "text": TypeString,
	"integer": TypeInteger, "int": TypeInteger,
	"number": TypeNumber, "float": TypeNumber, "double": TypeNumber, "decimal": TypeNumber,
	"boolean": TypeBoolean, "bool": TypeBoolean,
	"array": TypeArray, "list": TypeArray,
}

// Field is a single named, typed slot of a record.
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Description string    `json:"description,omitempty"`
}

// Schema is the structured type derived from a natural-language description.
type Schema struct {
	Description string
	Fields      []Field
}

// defineSchemaDecl is the function the model is forced to call in order to
// declare a record type.
var defineSchemaDecl = &genai.FunctionDeclaration{
	Name:        "define_schema",
	Description: "Declare the fields of the record type described by the user.",
	Parameters: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"fields": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"name":        {Type: genai.TypeString, Description: "snake_case field name"},
						"type":        {Type: genai.TypeString, Format: "enum", Enum: fieldTypes},
						"description": {Type: genai.TypeString},
					},
					Required: []string{"name", "type"},
				},
			},
		},
		Required: []string{"fields"},
	},
}

// parseFields turns define_schema call arguments into a checked field list.
func parseFields(args map[string]any) ([]Field, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: define_schema arguments: %v", apperrors.ErrUpstream, err)
	}
	var decl struct {
		Fields []struct {
			Name        string `json:"name"`
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(raw, &decl); err != nil {
		return nil, fmt.Errorf("%w: define_schema arguments: %v", apperrors.ErrUpstream, err)
	}
	if len(decl.Fields) == 0 {
		return nil, fmt.Errorf("%w: model declared no fields", apperrors.ErrUpstream)
	}

	seen := make(map[string]bool, len(decl.Fields))
	fields := make([]Field, 0, len(decl.Fields))
	for _, f := range decl.Fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: model declared a field without a name", apperrors.ErrUpstream)
		}
		if seen[name] {
			continue
		}
		typ, ok := typeAliases[strings.ToLower(strings.TrimSpace(f.Type))]
		if !ok {
			return nil, fmt.Errorf("%w: field %q has unsupported type %q", apperrors.ErrUpstream, name, f.Type)
		}
		seen[name] = true
		fields = append(fields, Field{Name: name, Type: typ, Description: f.Description})
	}
	return fields, nil
}

func (s Schema) names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// ResponseSchema is the constraint passed to the model's JSON mode.
func (s Schema) ResponseSchema() *genai.Schema {
	props := make(map[string]*genai.Schema, len(s.Fields))
	for _, f := range s.Fields {
		prop := &genai.Schema{Description: f.Description, Nullable: true}
		switch f.Type {
		case TypeInteger:
			prop.Type = genai.TypeInteger
		case TypeNumber:
			prop.Type = genai.TypeNumber
		case TypeBoolean:
			prop.Type = genai.TypeBoolean
		case TypeArray:
			prop.Type = genai.TypeArray
			prop.Items = &genai.Schema{Type: genai.TypeString}
		default:
			prop.Type = genai.TypeString
		}
		props[f.Name] = prop
	}
	return &genai.Schema{
		Type:       genai.TypeObject,
		Properties: props,
		Required:   s.names(),
	}
}

// JSONSchema is the equivalent JSON Schema document used to validate output.
// Array items are left unconstrained.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		props[f.Name] = map[string]any{"type": []any{string(f.Type), "null"}}
	}
	required := make([]any, 0, len(s.Fields))
	for _, name := range s.names() {
		required = append(required, name)
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Validate checks raw model output against the schema and returns the record
// restricted to the schema's fields.
func (s Schema) Validate(raw []byte) (Record, error) {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(s.JSONSchema()), gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrSchemaValidation, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSchemaValidation, strings.Join(msgs, "; "))
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrSchemaValidation, err)
	}
	record := make(Record, len(s.Fields))
	for _, f := range s.Fields {
		record[f.Name] = out[f.Name]
	}
	return record, nil
}
