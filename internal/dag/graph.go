package dag

import (
	"sort"

	"github.com/rendis/budpipeline/pkg/schema"
)

// Graph is the dependency graph of a WorkflowDAG. It is built at execution
// start; building it is where cycles are rejected.
type Graph struct {
	Steps      map[string]*schema.WorkflowStep // step ID → definition
	Edges      map[string][]string             // step ID → dependencies (depends_on)
	Reverse    map[string][]string             // step ID → dependents
	Sorted     []string                        // topological order
	Roots      []string                        // steps with no dependencies
	Levels     [][]string                      // parallel execution levels
	declaredAt map[string]int
}

// BuildGraph builds the dependency graph and sorts it topologically with
// Kahn's algorithm. Ties are broken by declaration order. A cycle yields a
// CyclicDependencyError naming the offending path.
func BuildGraph(d *schema.WorkflowDAG) (*Graph, error) {
	if d == nil || len(d.Steps) == 0 {
		return nil, schema.NewValidationError([]string{"workflow has no steps"})
	}

	g := &Graph{
		Steps:      make(map[string]*schema.WorkflowStep, len(d.Steps)),
		Edges:      make(map[string][]string, len(d.Steps)),
		Reverse:    make(map[string][]string, len(d.Steps)),
		declaredAt: make(map[string]int, len(d.Steps)),
	}
	for i := range d.Steps {
		step := &d.Steps[i]
		if _, exists := g.Steps[step.ID]; exists {
			return nil, schema.NewValidationError([]string{"duplicate step id: " + step.ID})
		}
		g.Steps[step.ID] = step
		g.declaredAt[step.ID] = i
	}

	var problems []string
	for _, id := range d.StepIDs() {
		step := g.Steps[id]
		seen := make(map[string]bool, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := g.Steps[dep]; !exists {
				problems = append(problems, "step '"+id+"' depends on unknown step '"+dep+"'")
				continue
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.Edges[id] = append(g.Edges[id], dep)
			g.Reverse[dep] = append(g.Reverse[dep], id)
		}
	}
	if len(problems) > 0 {
		return nil, schema.NewValidationError(problems)
	}

	inDegree := make(map[string]int, len(g.Steps))
	var ready []string
	for _, id := range d.StepIDs() {
		inDegree[id] = len(g.Edges[id])
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	g.Roots = append([]string(nil), ready...)

	sorted := make([]string, 0, len(g.Steps))
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		sorted = append(sorted, node)

		for _, dep := range g.Reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		g.sortByDeclaration(ready)
	}

	if len(sorted) != len(g.Steps) {
		return nil, schema.NewCycleError(g.findCycle(inDegree))
	}

	g.Sorted = sorted
	g.Levels = g.computeLevels()
	return g, nil
}

// findCycle walks dependency edges among the nodes Kahn could not drain and
// returns the first cycle found, closed on its starting node.
func (g *Graph) findCycle(inDegree map[string]int) []string {
	var remaining []string
	for id, deg := range inDegree {
		if deg > 0 {
			remaining = append(remaining, id)
		}
	}
	g.sortByDeclaration(remaining)

	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(remaining))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = onStack
		stack = append(stack, id)
		for _, dep := range g.Edges[id] {
			switch state[dep] {
			case onStack:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, id := range remaining {
		if state[id] == unvisited && visit(id) {
			return cycle
		}
	}
	return remaining
}

// computeLevels groups steps into parallel execution levels.
// Steps at the same level have all dependencies satisfied by previous levels.
func (g *Graph) computeLevels() [][]string {
	depth := make(map[string]int, len(g.Steps))
	maxLevel := 0
	for _, id := range g.Sorted {
		maxDep := -1
		for _, dep := range g.Edges[id] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[id] = maxDep + 1
		if depth[id] > maxLevel {
			maxLevel = depth[id]
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// LevelOf returns the execution level of a step, or -1 if unknown.
func (g *Graph) LevelOf(stepID string) int {
	for i, level := range g.Levels {
		for _, id := range level {
			if id == stepID {
				return i
			}
		}
	}
	return -1
}

// Dependencies returns the declared dependencies of a step.
func (g *Graph) Dependencies(stepID string) []string {
	return g.Edges[stepID]
}

// Dependents returns the steps that declare a dependency on stepID.
func (g *Graph) Dependents(stepID string) []string {
	return g.Reverse[stepID]
}

// Ancestors returns every step stepID transitively depends on.
func (g *Graph) Ancestors(stepID string) map[string]bool {
	out := make(map[string]bool)
	queue := append([]string(nil), g.Edges[stepID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if out[id] {
			continue
		}
		out[id] = true
		queue = append(queue, g.Edges[id]...)
	}
	return out
}

func (g *Graph) sortByDeclaration(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return g.declaredAt[ids[i]] < g.declaredAt[ids[j]]
	})
}
