package diagram

import (
	"fmt"

	"github.com/rendis/budpipeline/internal/dag"
	"github.com/rendis/budpipeline/internal/store"
	"github.com/rendis/budpipeline/pkg/schema"
)

// Classifier maps an action name to a node kind.
type Classifier func(action string) NodeKind

// DefaultClassifier knows the control actions by name.
func DefaultClassifier(action string) NodeKind {
	switch action {
	case "conditional":
		return NodeKindConditional
	case "wait":
		return NodeKindEvent
	default:
		return NodeKindAction
	}
}

// Build constructs a DiagramModel from a definition and optional step
// executions. A nil classify uses DefaultClassifier.
func Build(d *schema.WorkflowDAG, steps []*store.StepExecution, classify Classifier) (*DiagramModel, error) {
	g, err := dag.BuildGraph(d)
	if err != nil {
		return nil, fmt.Errorf("diagram: build graph: %w", err)
	}
	if classify == nil {
		classify = DefaultClassifier
	}

	states := make(map[string]*store.StepExecution, len(steps))
	for _, s := range steps {
		states[s.StepID] = s
	}

	nodes := make([]*Node, 0, len(g.Sorted)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, id := range g.Sorted {
		step := g.Steps[id]
		node := &Node{
			ID:     id,
			Label:  step.DisplayName(),
			Action: step.Action,
			Kind:   classify(step.Action),
		}
		if se, ok := states[id]; ok {
			node.Status = overlay(se)
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  title(d),
		Nodes:  nodes,
		Edges:  buildEdges(g),
		Levels: buildLevels(g),
	}, nil
}

func overlay(se *store.StepExecution) *StatusOverlay {
	o := &StatusOverlay{
		Status:     string(se.Status),
		RetryCount: se.RetryCount,
		Error:      se.Error,
	}
	if se.StartedAt != nil && se.CompletedAt != nil {
		o.DurationMs = se.CompletedAt.Sub(*se.StartedAt).Milliseconds()
	}
	return o
}

// buildEdges follows topological order so output is deterministic.
func buildEdges(g *dag.Graph) []Edge {
	var edges []Edge
	for _, root := range g.Roots {
		edges = append(edges, Edge{From: startID, To: root, Label: conditionLabel(g.Steps[root])})
	}
	for _, id := range g.Sorted {
		for _, dep := range g.Edges[id] {
			edges = append(edges, Edge{From: dep, To: id, Label: conditionLabel(g.Steps[id])})
		}
	}
	for _, id := range g.Sorted {
		if len(g.Reverse[id]) == 0 {
			edges = append(edges, Edge{From: id, To: endID})
		}
	}
	return edges
}

func conditionLabel(step *schema.WorkflowStep) string {
	if step.Condition != "" {
		return "if"
	}
	return ""
}

func buildLevels(g *dag.Graph) [][]string {
	levels := make([][]string, 0, len(g.Levels)+2)
	levels = append(levels, []string{startID})
	levels = append(levels, g.Levels...)
	levels = append(levels, []string{endID})
	return levels
}

func title(d *schema.WorkflowDAG) string {
	if d.Name == "" {
		return "Pipeline"
	}
	if d.Version != "" {
		return d.Name + " v" + d.Version
	}
	return d.Name
}
