package api

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Validator holds the compiled ingest body schemas.
type Validator struct {
	auth *jsonschema.Schema
	flow *jsonschema.Schema
	ids  *jsonschema.Schema
}

// NewValidator compiles the embedded ingest schemas.
func NewValidator() (*Validator, error) {
	compile := func(name string) (*jsonschema.Schema, error) {
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read embedded schema %s: %w", name, err)
		}
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		return schema, nil
	}

	auth, err := compile("auth_event.json")
	if err != nil {
		return nil, err
	}
	flow, err := compile("flow_event.json")
	if err != nil {
		return nil, err
	}
	ids, err := compile("ids_event.json")
	if err != nil {
		return nil, err
	}
	return &Validator{auth: auth, flow: flow, ids: ids}, nil
}

// ValidateAuth validates a decoded auth ingest body.
func (v *Validator) ValidateAuth(body map[string]any) error {
	return validate(v.auth, body)
}

// ValidateFlow validates a decoded flow ingest body.
func (v *Validator) ValidateFlow(body map[string]any) error {
	return validate(v.flow, body)
}

// ValidateIDS validates a decoded IDS ingest body.
func (v *Validator) ValidateIDS(body map[string]any) error {
	return validate(v.ids, body)
}

func validate(schema *jsonschema.Schema, body map[string]any) error {
	if err := schema.Validate(body); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
