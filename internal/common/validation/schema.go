package validation

import (
	"fmt"
	"strings"

	apperrors "deal-pipeline/internal/common/errors"

	"github.com/xeipuuv/gojsonschema"
)

const rootField = "(root)"

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Schema is a compiled JSON schema.
type Schema struct {
	name   string
	schema *gojsonschema.Schema
}

// Compile parses schemaJSON once so it can be applied to many documents.
func Compile(name, schemaJSON string) (*Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, schema: s}, nil
}

// MustCompile is Compile for package-level schemas.
func MustCompile(name, schemaJSON string) *Schema {
	s, err := Compile(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) Name() string {
	return s.name
}

// Validate checks a Go value (maps, slices, structs with json tags).
func (s *Schema) Validate(doc interface{}) (*ValidationResult, error) {
	return s.validate(gojsonschema.NewGoLoader(doc))
}

// ValidateJSON checks a raw JSON document.
func (s *Schema) ValidateJSON(data []byte) (*ValidationResult, error) {
	return s.validate(gojsonschema.NewBytesLoader(data))
}

func (s *Schema) validate(doc gojsonschema.JSONLoader) (*ValidationResult, error) {
	result, err := s.schema.Validate(doc)
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", s.name, err)
	}

	out := &ValidationResult{Valid: result.Valid()}
	for _, desc := range result.Errors() {
		out.Errors = append(out.Errors, ValidationError{
			Field:   fieldName(desc),
			Message: desc.Description(),
			Code:    desc.Type(),
		})
	}
	return out, nil
}

// Check validates doc and converts a failure into a VALIDATION_FAILED error.
func (s *Schema) Check(doc interface{}) error {
	result, err := s.Validate(doc)
	if err != nil {
		return apperrors.NewValidationError(s.name, err.Error())
	}
	return result.Err()
}

// CheckJSON is Check for raw JSON.
func (s *Schema) CheckJSON(data []byte) error {
	result, err := s.ValidateJSON(data)
	if err != nil {
		return apperrors.NewValidationError(s.name, err.Error())
	}
	return result.Err()
}

// Err returns nil for a valid result, otherwise a VALIDATION_FAILED error naming the
// first offending field.
func (vr *ValidationResult) Err() error {
	if vr == nil || vr.Valid {
		return nil
	}
	field := ""
	if len(vr.Errors) > 0 {
		field = vr.Errors[0].Field
	}
	return apperrors.NewValidationError(field, strings.Join(vr.GetErrorMessages(), "; "))
}

// GetErrorMessages returns a simple list of error messages
func (vr *ValidationResult) GetErrorMessages() []string {
	messages := make([]string, len(vr.Errors))
	for i, err := range vr.Errors {
		messages[i] = fmt.Sprintf("%s: %s", err.Field, err.Message)
	}
	return messages
}

// fieldName reports the offending property. Required-property errors are raised on the
// parent object, so the missing property name is appended.
func fieldName(desc gojsonschema.ResultError) string {
	field := desc.Field()
	if desc.Type() == "required" {
		if prop, ok := desc.Details()["property"].(string); ok {
			if field == rootField || field == "" {
				return prop
			}
			return field + "." + prop
		}
	}
	return field
}
