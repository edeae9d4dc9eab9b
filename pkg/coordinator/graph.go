package coordinator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/harun/wavefront/pkg/workitem"
)

// ErrDependencyCycle is returned by BuildGraph when the requested items
// depend on each other in a loop.
var ErrDependencyCycle = errors.New("dependency cycle")

// GraphError carries the cycle found while building a graph
type GraphError struct {
	Path []int // first and last element are the same id
}

func (e *GraphError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = strconv.Itoa(id)
	}
	return fmt.Sprintf("%s: %s", ErrDependencyCycle, strings.Join(parts, " -> "))
}

func (e *GraphError) Unwrap() error {
	return ErrDependencyCycle
}

// Node is the scheduling state of one work item
type Node struct {
	ID           int
	Dependencies []int // only dependencies inside the requested set
	Dependents   []int
	Ready        bool
	Started      bool
	Completed    bool
	Failed       bool
}

// Graph is the dependency graph of one coordinator run. It is not safe for
// concurrent use; the coordinator mutates it between wavefronts only.
type Graph struct {
	nodes map[int]*Node
	order []int
}

// BuildGraph creates one node per item. Dependencies on ids outside items
// are ignored. Items already completed start out completed.
func BuildGraph(items []workitem.WorkItem) (*Graph, error) {
	g := &Graph{nodes: make(map[int]*Node, len(items))}

	for _, item := range items {
		if _, ok := g.nodes[item.ID]; ok {
			continue
		}
		g.nodes[item.ID] = &Node{
			ID:        item.ID,
			Completed: item.Status == workitem.StatusCompleted,
		}
		g.order = append(g.order, item.ID)
	}

	linked := make(map[int]bool, len(items))
	for _, item := range items {
		if linked[item.ID] {
			continue
		}
		linked[item.ID] = true
		node := g.nodes[item.ID]
		seen := make(map[int]bool)
		for _, dep := range item.Dependencies {
			target, ok := g.nodes[dep]
			if !ok || seen[dep] {
				continue
			}
			seen[dep] = true
			node.Dependencies = append(node.Dependencies, dep)
			target.Dependents = append(target.Dependents, item.ID)
		}
	}

	if path := g.findCycle(); path != nil {
		return nil, &GraphError{Path: path}
	}
	return g, nil
}

// findCycle walks the graph depth first with white/gray/black colouring and
// returns the first cycle found in request order. Completed nodes are
// already satisfied, so edges out of them cannot hold anything back.
func (g *Graph) findCycle() []int {
	const (
		white = iota
		gray
		black
	)

	color := make(map[int]int, len(g.nodes))
	var stack []int

	var visit func(id int) []int
	visit = func(id int) []int {
		if g.nodes[id].Completed {
			color[id] = black
			return nil
		}
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range g.nodes[id].Dependencies {
			switch color[dep] {
			case gray:
				start := 0
				for i, v := range stack {
					if v == dep {
						start = i
						break
					}
				}
				path := append([]int(nil), stack[start:]...)
				return append(path, dep)
			case white:
				if path := visit(dep); path != nil {
					return path
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if path := visit(id); path != nil {
				return path
			}
		}
	}
	return nil
}

func (g *Graph) ready(n *Node) bool {
	if n.Completed || n.Failed || n.Started {
		return false
	}
	for _, dep := range n.Dependencies {
		if !g.nodes[dep].Completed {
			return false
		}
	}
	return true
}

// Ready returns the ids that can start now, in request order
func (g *Graph) Ready() []int {
	var ids []int
	for _, id := range g.order {
		if g.ready(g.nodes[id]) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Blocked returns the ids that neither completed nor failed
func (g *Graph) Blocked() []int {
	var ids []int
	for _, id := range g.order {
		n := g.nodes[id]
		if !n.Completed && !n.Failed {
			ids = append(ids, id)
		}
	}
	return ids
}

// Node returns a snapshot of the node for id
func (g *Graph) Node(id int) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	snapshot := *n
	snapshot.Dependencies = append([]int(nil), n.Dependencies...)
	snapshot.Dependents = append([]int(nil), n.Dependents...)
	snapshot.Ready = n.Completed || g.ready(n)
	return snapshot, true
}

// IDs returns every node id in request order
func (g *Graph) IDs() []int {
	return append([]int(nil), g.order...)
}

// Len returns the number of nodes
func (g *Graph) Len() int {
	return len(g.order)
}

// MarkStarted records that an agent was started for id
func (g *Graph) MarkStarted(id int) {
	if n, ok := g.nodes[id]; ok {
		n.Started = true
	}
}

// MarkCompleted records a successful outcome for id
func (g *Graph) MarkCompleted(id int) {
	if n, ok := g.nodes[id]; ok {
		n.Completed = true
		n.Failed = false
	}
}

// MarkFailed records a failed outcome for id. Failed nodes are never
// retried and keep their dependents blocked.
func (g *Graph) MarkFailed(id int) {
	if n, ok := g.nodes[id]; ok {
		n.Failed = true
	}
}

// Completed returns the completed ids in request order
func (g *Graph) Completed() []int {
	var ids []int
	for _, id := range g.order {
		if g.nodes[id].Completed {
			ids = append(ids, id)
		}
	}
	return ids
}
