package scheduler

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
)

// candidate stands in for a task that has not been assigned an id yet.
type candidate struct{}

// Graph is a read-only view of the dependency edges over a task snapshot.
type Graph struct {
	tasks      map[int64]Task    // All tasks indexed by ID
	dependents map[int64][]int64 // Maps taskID -> tasks that depend on it directly
	ids        []int64           // Ascending task ids
}

// NewGraph builds a graph over the given snapshot.
func NewGraph(tasks []Task) *Graph {
	g := &Graph{
		tasks:      make(map[int64]Task, len(tasks)),
		dependents: make(map[int64][]int64),
		ids:        make([]int64, 0, len(tasks)),
	}
	for _, t := range tasks {
		g.tasks[t.ID] = t
		g.ids = append(g.ids, t.ID)
		for _, dep := range t.Dependencies {
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}
	sort.Slice(g.ids, func(i, j int) bool { return g.ids[i] < g.ids[j] })
	return g
}

// CheckSubmission verifies that a new task depending on deps references only
// known tasks and would not close a cycle among non-terminal tasks.
func (g *Graph) CheckSubmission(deps []int64) error {
	for _, depID := range deps {
		if _, exists := g.tasks[depID]; !exists {
			return fmt.Errorf("%w: task %d does not exist", ErrInvalidDependency, depID)
		}
	}

	edges := g.activeEdges()
	edges = append(edges, toposort.Edge{nil, candidate{}})
	for _, depID := range deps {
		if !g.tasks[depID].Status.Terminal() {
			edges = append(edges, toposort.Edge{depID, candidate{}})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("%w: dependency cycle: %v", ErrInvalidDependency, err)
	}
	return nil
}

// Validate runs a topological sort over the non-terminal tasks and returns
// their ids in dependency order, or an error if a cycle or dangling reference exists.
func (g *Graph) Validate() ([]int64, error) {
	for _, id := range g.ids {
		for _, depID := range g.tasks[id].Dependencies {
			if _, exists := g.tasks[depID]; !exists {
				return nil, fmt.Errorf("%w: task %d depends on non-existent task %d", ErrInvalidDependency, id, depID)
			}
		}
	}

	sorted, err := toposort.Toposort(g.activeEdges())
	if err != nil {
		return nil, fmt.Errorf("%w: dependency cycle: %v", ErrInvalidDependency, err)
	}

	order := make([]int64, 0, len(sorted))
	for _, node := range sorted {
		if id, ok := node.(int64); ok {
			order = append(order, id)
		}
	}
	return order, nil
}

// activeEdges returns toposort edges over non-terminal tasks only. Terminal
// tasks cannot take part in a cycle that matters for scheduling.
func (g *Graph) activeEdges() []toposort.Edge {
	var edges []toposort.Edge
	for _, id := range g.ids {
		task := g.tasks[id]
		if task.Status.Terminal() {
			continue
		}
		// Edge from nil ensures tasks without active dependencies are included
		edges = append(edges, toposort.Edge{nil, id})
		for _, depID := range task.Dependencies {
			if dep, ok := g.tasks[depID]; ok && !dep.Status.Terminal() {
				// Edge (depID, id) means depID must come before id
				edges = append(edges, toposort.Edge{depID, id})
			}
		}
	}
	return edges
}

// Dependents returns every task that transitively depends on id, in ascending order.
func (g *Graph) Dependents(id int64) []int64 {
	seen := make(map[int64]bool)
	queue := append([]int64(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, g.dependents[next]...)
	}

	out := make([]int64, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Get returns the task with the given id from the snapshot.
func (g *Graph) Get(id int64) (Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}
