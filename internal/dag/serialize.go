package dag

import (
	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/rendis/budpipeline/pkg/schema"
)

// ToMap converts a DAG back into its document form.
func ToMap(d *schema.WorkflowDAG) (map[string]any, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ToJSON renders a DAG as indented JSON.
func ToJSON(d *schema.WorkflowDAG) ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// ToYAML renders a DAG as YAML. Step parameters keep their source key
// order.
func ToYAML(d *schema.WorkflowDAG) ([]byte, error) {
	m, err := ToMap(d)
	if err != nil {
		return nil, err
	}
	steps, _ := m["steps"].([]any)
	for i, raw := range steps {
		step, ok := raw.(map[string]any)
		if !ok || i >= len(d.Steps) {
			continue
		}
		delete(step, "param_key_order")
		params, ok := step["params"]
		if !ok {
			continue
		}
		node, err := orderedNode(params, "", d.Steps[i].ParamKeyOrder)
		if err != nil {
			return nil, err
		}
		step["params"] = node
	}
	return yaml.Marshal(m)
}
