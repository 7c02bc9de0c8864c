package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ArgsValidator checks command arguments against per-action JSON Schemas.
// Actions without a schema always validate.
type ArgsValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewArgsValidator compiles the raw JSON Schema documents in schemas, keyed
// by action name.
func NewArgsValidator(namespace string, schemas map[string]string) (*ArgsValidator, error) {
	compiled := make(map[string]*jsonschema.Schema, len(schemas))
	if len(schemas) == 0 {
		return &ArgsValidator{schemas: compiled}, nil
	}
	compiler := jsonschema.NewCompiler()
	for action, raw := range schemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s/%s args schema: %w", namespace, action, err)
		}
		location := "https://devicesync.local/schemas/" + url.PathEscape(namespace) + "/" + url.PathEscape(action) + ".json"
		if err := compiler.AddResource(location, doc); err != nil {
			return nil, fmt.Errorf("add %s/%s args schema: %w", namespace, action, err)
		}
		schema, err := compiler.Compile(location)
		if err != nil {
			return nil, fmt.Errorf("compile %s/%s args schema: %w", namespace, action, err)
		}
		compiled[action] = schema
	}
	return &ArgsValidator{schemas: compiled}, nil
}

func (v *ArgsValidator) Validate(action string, args map[string]any) error {
	if v == nil {
		return nil
	}
	schema, ok := v.schemas[action]
	if !ok {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through the schema library's decoder so numbers are
	// represented the way it expects.
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: encode args: %v", ErrInvalidInput, err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: decode args: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s args: %v", ErrInvalidInput, action, err)
	}
	return nil
}

func (v *ArgsValidator) Has(action string) bool {
	if v == nil {
		return false
	}
	_, ok := v.schemas[action]
	return ok
}
