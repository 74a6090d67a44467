// Package diagram renders pipeline definitions, optionally overlaid with
// the step states of an execution, as Mermaid, ASCII or graphviz images.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindAction      NodeKind = "action"
	NodeKindConditional NodeKind = "conditional"
	// NodeKindEvent marks event-driven steps that await an external event.
	NodeKindEvent NodeKind = "event"
	NodeKindStart NodeKind = "start"
	NodeKindEnd   NodeKind = "end"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is a single step, or the virtual start or end node.
type Node struct {
	ID     string
	Label  string
	Action string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the runtime state of a step.
type StatusOverlay struct {
	Status     string // schema.StepStatus
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge is a dependency: From must finish before To runs. Label is "if" when
// To carries a condition.
type Edge struct {
	From  string
	To    string
	Label string
}

func (m *DiagramModel) node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
