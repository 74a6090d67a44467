package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// definitionSchemaJSON is the JSON Schema for pipeline definitions.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://budpipeline.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": ["string", "number"]},
    "description": {"type": "string"},
    "parameters": {
      "type": "array",
      "items": {"$ref": "#/$defs/parameter"}
    },
    "settings": {"$ref": "#/$defs/settings"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/$defs/step"}
    },
    "outputs": {"type": "object"}
  },
  "$defs": {
    "parameter": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "type": {"type": "string", "enum": ["string", "integer", "number", "boolean", "object", "array", "any"]},
        "description": {"type": "string"},
        "required": {"type": "boolean"},
        "default": {}
      }
    },
    "settings": {
      "type": "object",
      "properties": {
        "timeout_seconds": {"type": "integer", "minimum": 0},
        "max_parallel_steps": {"type": "integer", "minimum": 0},
        "fail_fast": {"type": "boolean"},
        "retry_policy": {"$ref": "#/$defs/retry"}
      }
    },
    "step": {
      "type": "object",
      "required": ["id", "action"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "action": {"type": "string", "minLength": 1},
        "params": {"type": "object"},
        "depends_on": {"type": "array", "items": {"type": "string"}},
        "outputs": {"type": "array", "items": {"type": "string"}},
        "condition": {"type": "string"},
        "on_failure": {"type": "string", "enum": ["fail", "continue", "retry"]},
        "timeout_seconds": {"type": "integer", "minimum": 0},
        "retry": {"$ref": "#/$defs/retry"}
      }
    },
    "retry": {
      "type": "object",
      "properties": {
        "max_attempts": {"type": "integer", "minimum": 1},
        "backoff_seconds": {"type": "number", "minimum": 0},
        "backoff_multiplier": {"type": "number", "minimum": 1},
        "max_backoff_seconds": {"type": "number", "minimum": 0}
      }
    }
  }
}`

const definitionSchemaURL = "https://budpipeline.dev/schemas/pipeline.json"

// JSONSchemaValidator checks pipeline definitions and action parameters
// against JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the definition schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newInputCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &JSONSchemaValidator{
		definitionSchema: compiled,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks a raw definition document and returns every violation.
func (v *JSONSchemaValidator) ValidateDefinition(doc map[string]any) []string {
	if doc == nil {
		return []string{"/: definition is empty"}
	}
	return validateWith(v.definitionSchema, doc)
}

// ValidateInput checks input against a JSON Schema given as raw bytes. The
// compiled schema is cached. An empty schema accepts anything.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) []string {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}
	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return []string{fmt.Sprintf("invalid parameter schema: %v", err)}
	}
	return validateWith(compiled, input)
}

// RequiredKeys returns the top-level "required" list of a schema.
func RequiredKeys(inputSchema []byte) []string {
	if len(inputSchema) == 0 {
		return nil
	}
	var s struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(inputSchema, &s); err != nil {
		return nil
	}
	return s.Required
}

func validateWith(s *jsonschema.Schema, value any) []string {
	doc, err := toJSONValue(value)
	if err != nil {
		return []string{fmt.Sprintf("/: cannot serialize value: %v", err)}
	}
	if err := s.Validate(doc); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return []string{err.Error()}
		}
		violations := collectViolations(verr)
		if len(violations) == 0 {
			return []string{verr.Error()}
		}
		sort.Strings(violations)
		return violations
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("budpipeline://params-schema/%d", len(v.cache))

	c := newInputCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newInputCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
