// Package dependency maintains the instance dependency graph built from
// plugin manifests and answers ordering queries for start/stop sequencing.
// The graph must stay acyclic; cycles are rejected at registration time so
// that orchestration can never deadlock on a circular wait.
package dependency

import (
	"fmt"
	"sort"
	"sync"

	"conductor/internal/api"
)

// Node represents a plugin instance together with its dependency list.
type Node struct {
	ID        string
	DependsOn []string
}

// Graph answers dependency queries. All methods are safe for concurrent
// use.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// AddNode adds (or replaces) a node. It fails with a DependencyError if the
// addition would introduce a cycle; the graph is left unchanged in that
// case.
func (g *Graph) AddNode(n Node) error {
	if n.ID == "" {
		return api.NewValidationError("dependency node", "id", "must not be empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	previous, replaced := g.nodes[n.ID]
	copied := n
	copied.DependsOn = append([]string(nil), n.DependsOn...)
	g.nodes[n.ID] = &copied

	if cycle := g.findCycleFrom(n.ID); cycle != nil {
		// Roll back before reporting.
		if replaced {
			g.nodes[n.ID] = previous
		} else {
			delete(g.nodes, n.ID)
		}
		return api.NewDependencyError(n.ID, "", fmt.Sprintf("cycle detected: %v", cycle))
	}
	return nil
}

// Remove deletes a node. Edges pointing at the removed node become dangling
// and surface as unresolved dependencies on query.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
}

// Dependencies returns the immediate dependency ids of the given node. A
// node that was never registered resolves to no dependencies.
func (g *Graph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if n, ok := g.nodes[id]; ok {
		deps := make([]string, len(n.DependsOn))
		copy(deps, n.DependsOn)
		return deps
	}
	return nil
}

// Dependents returns all node ids that directly depend on the given node.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var res []string
	for _, n := range g.nodes {
		for _, dep := range n.DependsOn {
			if dep == id {
				res = append(res, n.ID)
				break
			}
		}
	}
	sort.Strings(res)
	return res
}

// Contains reports whether the node is registered.
func (g *Graph) Contains(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// StartOrder returns the transitive dependency closure of id in start
// order: every dependency appears before its dependents, ending with id
// itself. A dependency that is not registered fails with a
// DependencyError.
func (g *Graph) StartOrder(id string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var order []string
	visited := make(map[string]bool)

	var visit func(current string) error
	visit = func(current string) error {
		if visited[current] {
			return nil
		}
		n, ok := g.nodes[current]
		if !ok {
			return api.NewDependencyError(id, current, "dependency not registered")
		}
		visited[current] = true
		for _, dep := range n.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		order = append(order, current)
		return nil
	}

	if err := visit(id); err != nil {
		return nil, err
	}
	return order, nil
}

// StopOrder is the reverse of StartOrder: dependents stop before the nodes
// they depend on.
func (g *Graph) StopOrder(id string) ([]string, error) {
	order, err := g.StartOrder(id)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// Levels partitions the given ids into topological levels: level 0 holds
// ids with no dependencies among the set, level n+1 holds ids whose
// dependencies all appear in levels <= n. An id depending on something
// outside the set fails with a DependencyError; so does a cycle within the
// set (which can only happen for edges supplied via deps rather than
// registered nodes).
func Levels(ids []string, deps map[string][]string) ([][]string, error) {
	pending := make(map[string][]string, len(ids))
	inSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		inSet[id] = true
	}
	for _, id := range ids {
		for _, dep := range deps[id] {
			if !inSet[dep] {
				return nil, api.NewDependencyError(id, dep, "dependency not part of the set")
			}
		}
		pending[id] = append([]string(nil), deps[id]...)
	}

	var levels [][]string
	done := make(map[string]bool, len(ids))

	for len(done) < len(ids) {
		var level []string
		for _, id := range ids {
			if done[id] {
				continue
			}
			ready := true
			for _, dep := range pending[id] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			return nil, api.NewDependencyError("batch", "", "dependency cycle among remaining items")
		}
		for _, id := range level {
			done[id] = true
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// findCycleFrom walks the graph from start and returns the first cycle
// found, or nil. Caller holds at least a read lock.
func (g *Graph) findCycleFrom(start string) []string {
	const (
		unvisited = 0
		inStack   = 1
		finished  = 2
	)
	colors := make(map[string]int)
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		n, ok := g.nodes[id]
		if !ok {
			// Dangling edge: not a cycle.
			return nil
		}
		colors[id] = inStack
		stack = append(stack, id)
		for _, dep := range n.DependsOn {
			switch colors[dep] {
			case inStack:
				// Slice out the cycle portion of the stack.
				for i, onStack := range stack {
					if onStack == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = finished
		return nil
	}

	return visit(start)
}
