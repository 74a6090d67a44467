package dag

import (
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/rendis/budpipeline/pkg/schema"
)

// AttachKeyOrder records the source key order of step parameters found in
// raw on every step of d that does not carry one yet.
func AttachKeyOrder(d *schema.WorkflowDAG, raw []byte) {
	if d == nil {
		return
	}
	orders := paramKeyOrders(raw)
	if len(orders) == 0 {
		return
	}
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.ParamKeyOrder == nil {
			s.ParamKeyOrder = orders[s.ID]
		}
	}
}

// paramKeyOrders reads steps[].params of a YAML or JSON document and
// returns, per step id, the key order of every mapping with more than one
// key. Unreadable documents yield nil.
func paramKeyOrders(raw []byte) map[string]map[string][]string {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil || len(doc.Content) == 0 {
		return nil
	}
	steps := mappingValue(doc.Content[0], "steps")
	if steps == nil || steps.Kind != yaml.SequenceNode {
		return nil
	}

	out := make(map[string]map[string][]string)
	for _, step := range steps.Content {
		id := mappingValue(step, "id")
		params := mappingValue(step, "params")
		if id == nil || id.Kind != yaml.ScalarNode || params == nil {
			continue
		}
		orders := make(map[string][]string)
		collectKeyOrder(params, "", orders, 0)
		if len(orders) > 0 {
			out[id.Value] = orders
		}
	}
	return out
}

// maxKeyOrderDepth bounds the walk over alias cycles.
const maxKeyOrderDepth = 64

func collectKeyOrder(n *yaml.Node, path string, orders map[string][]string, depth int) {
	n = resolveAlias(n)
	if n == nil || depth > maxKeyOrderDepth {
		return
	}
	switch n.Kind {
	case yaml.MappingNode:
		keys := make([]string, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			keys = append(keys, key)
			collectKeyOrder(n.Content[i+1], joinPath(path, key), orders, depth+1)
		}
		if len(keys) > 1 {
			orders[path] = keys
		}
	case yaml.SequenceNode:
		for i, item := range n.Content {
			collectKeyOrder(item, joinPath(path, strconv.Itoa(i)), orders, depth+1)
		}
	}
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	n = resolveAlias(n)
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return resolveAlias(n.Content[i+1])
		}
	}
	return nil
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	for i := 0; n != nil && n.Kind == yaml.AliasNode && i < maxKeyOrderDepth; i++ {
		n = n.Alias
	}
	return n
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// orderedNode encodes v as a YAML node whose mappings follow the recorded
// key order.
func orderedNode(v any, path string, order map[string][]string) (*yaml.Node, error) {
	switch t := v.(type) {
	case map[string]any:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		if len(t) == 0 {
			n.Style = yaml.FlowStyle
		}
		for _, k := range schema.OrderedKeys(t, order[path]) {
			key := &yaml.Node{}
			if err := key.Encode(k); err != nil {
				return nil, err
			}
			child, err := orderedNode(t[k], joinPath(path, k), order)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, key, child)
		}
		return n, nil
	case []any:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		if len(t) == 0 {
			n.Style = yaml.FlowStyle
		}
		for i, item := range t {
			child, err := orderedNode(item, joinPath(path, strconv.Itoa(i)), order)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, child)
		}
		return n, nil
	default:
		n := &yaml.Node{}
		if err := n.Encode(v); err != nil {
			return nil, err
		}
		return n, nil
	}
}
