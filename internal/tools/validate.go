package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator checks tool-call arguments against each tool's JSON Schema.
// Compiled schemas are cached per tool name.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate returns nil when params conform to the tool's schema. Tools with
// no schema accept anything.
func (v *Validator) Validate(tool Tool, params json.RawMessage) error {
	raw := tool.Schema()
	if len(raw) == 0 {
		return nil
	}

	schema, err := v.schemaFor(tool.Name(), raw)
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", tool.Name(), err)
	}

	var instance any
	decoder := json.NewDecoder(bytes.NewReader(params))
	decoder.UseNumber()
	if err := decoder.Decode(&instance); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(instance)
}

func (v *Validator) schemaFor(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if schema, ok := v.compiled[name]; ok {
		return schema, nil
	}
	schema, err := jsonschema.CompileString(name+".json", string(raw))
	if err != nil {
		return nil, err
	}
	v.compiled[name] = schema
	return schema, nil
}
