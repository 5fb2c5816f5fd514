// Package validation rejects malformed A2A request params before they reach
// the task manager, using the JSON Schema documents in schemas.go.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/agentrt/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator checks the params of one RPC method. Methods without a schema
// pass unchecked.
type Validator interface {
	ValidateParams(method string, params json.RawMessage) error
}

// JSONSchemaValidator validates RPC params against precompiled schemas.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	byMethod map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the params schema of every RPC method.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	for name, doc := range documents {
		parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", name, err)
		}
		if err := c.AddResource(schemaBase+name, parsed); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}

	byMethod := make(map[string]*jsonschema.Schema, len(methodSchemas))
	compiled := map[string]*jsonschema.Schema{}
	for method, name := range methodSchemas {
		sch, ok := compiled[name]
		if !ok {
			var err error
			sch, err = c.Compile(schemaBase + name)
			if err != nil {
				return nil, fmt.Errorf("compile %s: %w", name, err)
			}
			compiled[name] = sch
		}
		byMethod[method] = sch
	}
	return &JSONSchemaValidator{byMethod: byMethod}, nil
}

// ValidateParams checks params for method. Unknown methods yield
// METHOD_NOT_FOUND; violations yield a VALIDATION_ERROR listing every path.
func (v *JSONSchemaValidator) ValidateParams(method string, params json.RawMessage) error {
	sch, ok := v.byMethod[method]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeMethodNotFound, "method %q not found", method)
	}
	if len(bytes.TrimSpace(params)) == 0 {
		return schema.NewError(schema.ErrCodeInvalidParams, "params are required")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidParams, "params are not valid JSON: %s", err).WithCause(err)
	}
	if err := sch.Validate(doc); err != nil {
		return toIssues(err).ToError()
	}
	return nil
}

// toIssues flattens a ValidationError tree into located issues.
func toIssues(err error) *schema.Issues {
	issues := &schema.Issues{}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		issues.AddError("/", "schema", err.Error())
		return issues
	}
	collect(verr, issues)
	if issues.Valid() {
		issues.AddError("/", "schema", verr.Error())
	}
	return issues
}

func collect(verr *jsonschema.ValidationError, issues *schema.Issues) {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		issues.AddError(loc, "schema", verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collect(cause, issues)
	}
}

var _ Validator = (*JSONSchemaValidator)(nil)
