package workflow

import (
	"fmt"
	"sort"
)

// Graph is the dependency DAG of one workflow definition, with edges induced
// by node references: a node referring to another's output depends on it.
type Graph struct {
	nodes      map[string]*Node
	deps       map[string][]string
	dependents map[string][]string
	order      []string
}

// Graph builds the dependency graph and its topological order. Ties are
// broken by node id so the order is stable across runs. A reference to an
// unknown node, a self-reference, or a cycle fails the build.
func (d *Definition) Graph() (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]*Node, len(d.Nodes)),
		deps:       make(map[string][]string, len(d.Nodes)),
		dependents: make(map[string][]string, len(d.Nodes)),
	}

	for i := range d.Nodes {
		node := &d.Nodes[i]
		if _, exists := g.nodes[node.ID]; exists {
			return nil, fmt.Errorf("workflow %s: duplicate node id %s", d.ID, node.ID)
		}
		g.nodes[node.ID] = node
	}

	for id, node := range g.nodes {
		refs := node.References()
		deps := make([]string, 0, len(refs))
		for _, ref := range refs {
			if ref == id {
				return nil, fmt.Errorf("workflow %s: node %s references itself", d.ID, id)
			}
			if _, exists := g.nodes[ref]; !exists {
				return nil, fmt.Errorf("workflow %s: node %s references unknown node %s", d.ID, id, ref)
			}
			deps = append(deps, ref)
			g.dependents[ref] = append(g.dependents[ref], id)
		}
		sort.Strings(deps)
		g.deps[id] = deps
	}
	for id := range g.dependents {
		sort.Strings(g.dependents[id])
	}

	if err := g.sortTopologically(d.ID); err != nil {
		return nil, err
	}
	return g, nil
}

// sortTopologically runs Kahn's algorithm over the adjacency lists. The
// ready queue is kept sorted, so among simultaneously-eligible nodes the
// smallest id always comes first.
func (g *Graph) sortTopologically(workflowID string) error {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.deps[id])
	}

	ready := make([]string, 0, len(g.nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, dependent := range g.dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
	}

	if len(order) != len(g.nodes) {
		// Any node still holding an in-degree sits on (or behind) a cycle;
		// name the smallest for a stable error message.
		var blocked []string
		for id, deg := range inDegree {
			if deg > 0 {
				blocked = append(blocked, id)
			}
		}
		sort.Strings(blocked)
		return fmt.Errorf("workflow %s: dependency cycle involving node %s", workflowID, blocked[0])
	}

	g.order = order
	return nil
}

// Order returns the topological node order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Dependencies returns the ids the given node depends on, sorted.
func (g *Graph) Dependencies(id string) []string {
	deps := g.deps[id]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// Dependents returns the ids that depend on the given node, sorted.
func (g *Graph) Dependents(id string) []string {
	deps := g.dependents[id]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	node, ok := g.nodes[id]
	return node, ok
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Roots returns the nodes without dependencies, sorted by id.
func (g *Graph) Roots() []string {
	var roots []string
	for id := range g.nodes {
		if len(g.deps[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// TransitiveDependents returns every node reachable from the given node
// through dependent edges, sorted by id. Used to mark the downstream set of
// a failed node.
func (g *Graph) TransitiveDependents(id string) []string {
	visited := make(map[string]bool)
	var walk func(string)
	walk = func(current string) {
		for _, dependent := range g.dependents[current] {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			walk(dependent)
		}
	}
	walk(id)

	out := make([]string, 0, len(visited))
	for dependent := range visited {
		out = append(out, dependent)
	}
	sort.Strings(out)
	return out
}
