package api

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const verifySchemaURL = "https://geoattest.local/schema/verify-request-v1.schema.json"

//go:embed schema/verify-request-v1.schema.json
var verifySchemaJSON []byte

// SchemaViolation is one failed schema keyword.
type SchemaViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RequestValidator checks raw request bodies against the embedded schema.
type RequestValidator struct {
	schema *jsonschema.Schema
}

// NewRequestValidator compiles the verification request schema.
func NewRequestValidator() (*RequestValidator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	compiler.AssertContent = true
	if err := compiler.AddResource(verifySchemaURL, bytes.NewReader(verifySchemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(verifySchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &RequestValidator{schema: schema}, nil
}

// Validate parses body and returns the schema violations, if any. A body
// that is not JSON yields a single violation at the document root.
func (v *RequestValidator) Validate(body []byte) []SchemaViolation {
	var instance any
	if err := json.Unmarshal(body, &instance); err != nil {
		return []SchemaViolation{{Field: "/", Message: "malformed JSON: " + err.Error()}}
	}

	err := v.schema.Validate(instance)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []SchemaViolation{{Field: "/", Message: err.Error()}}
	}

	var out []SchemaViolation
	for _, e := range verr.BasicOutput().Errors {
		// The root entry only says "doesn't validate with ..."; the
		// leaves carry the useful messages.
		if e.InstanceLocation == "" && e.KeywordLocation == "" {
			continue
		}
		field := e.InstanceLocation
		if field == "" {
			field = "/"
		}
		out = append(out, SchemaViolation{Field: field, Message: e.Error})
	}
	if len(out) == 0 {
		out = append(out, SchemaViolation{Field: "/", Message: verr.Message})
	}
	return out
}
