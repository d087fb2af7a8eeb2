// Package validate performs structural validation of a LockedWorkflow and
// of declared component input schemas, using JSON Schema Draft 2020-12.
// Grounded on internal/validation/jsonschema.go's JSONSchemaValidator:
// pre-compiled workflow schema, a double-checked cache of dynamically
// compiled input schemas, and the same violation-collection shape for
// agent-friendly error messages.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/definitelycarter/fuschia/internal/xerrors"
)

// workflowSchemaJSON constrains the shape of a LockedWorkflow document
// (pkg/fuschia.LockedWorkflow) before internal/graph.Build ever runs;
// catches malformed documents with precise, addressable error locations
// that a hand-rolled struct-tag check cannot produce.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://fuschia.dev/schemas/workflow.json",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["node_id", "type"],
      "properties": {
        "node_id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["trigger", "component", "http", "join", "loop"]
        },
        "critical": { "type": "boolean" },
        "timeout_ms": { "type": "integer" },
        "condition": { "type": "string" }
      }
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 }
      }
    }
  }
}`

// Validator validates LockedWorkflow documents and component input schemas.
type Validator struct {
	workflowSchema *jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// New pre-compiles the workflow schema.
func New() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://fuschia.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile("https://fuschia.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &Validator{workflowSchema: wfSchema, cache: make(map[string]*jsonschema.Schema)}, nil
}

// ValidateWorkflow checks a raw LockedWorkflow document against the
// structural schema, per spec.md section 4.1's "InvalidGraph" family.
func (v *Validator) ValidateWorkflow(raw json.RawMessage) error {
	doc, err := toJSONValue(raw)
	if err != nil {
		return xerrors.InvalidGraph("%s", "failed to parse workflow document: "+err.Error())
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toEngineError("", err)
	}
	return nil
}

// ValidateInput checks resolved node input against a component's declared
// JSON Schema, per spec.md section 4.4. A nil/empty schema means no
// validation is required.
func (v *Validator) ValidateInput(nodeID string, input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return xerrors.InputResolution(nodeID, "invalid input schema: "+err.Error())
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return xerrors.InputResolution(nodeID, "failed to serialize input: "+err.Error())
	}
	if err := compiled.Validate(doc); err != nil {
		return toEngineError(nodeID, err)
	}
	return nil
}

func (v *Validator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
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
	url := fmt.Sprintf("fuschia://input-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
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

func toJSONValue(v any) (any, error) {
	var b []byte
	var err error
	if raw, ok := v.(json.RawMessage); ok {
		b = raw
	} else {
		b, err = json.Marshal(v)
		if err != nil {
			return nil, err
		}
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toEngineError(nodeID string, err error) error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		if nodeID == "" {
			return xerrors.InvalidGraph("%s", err.Error())
		}
		return xerrors.InputResolution(nodeID, err.Error())
	}

	violations := collectViolations(verr)
	msg := strings.Join(violations, "; ")
	if nodeID == "" {
		return xerrors.InvalidGraph("%s", msg).WithDetails(map[string]any{"violations": violations})
	}
	return xerrors.InputResolution(nodeID, msg).WithDetails(map[string]any{"violations": violations})
}

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
