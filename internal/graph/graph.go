// Package graph maintains the dataflow node/edge collections and their
// derived indices as an always-valid unit. Edits that would violate a graph
// invariant (cycles, duplicate edges, dangling references) are rejected at
// the call site.
package graph

// Graph is an ordered sequence of nodes plus a set of directed edges,
// together with always-consistent derived indices. It is not safe for
// concurrent use; the owning engine serializes access.
type Graph struct {
	nodes []Node
	edges []Edge

	// byID maps a node ID to its position in nodes.
	byID map[NodeID]int
	// incoming maps a destination node ID to its incoming edges, in edge
	// insertion order. The insertion order determines the parameter order
	// of compiled node functions, so it must be stable.
	incoming map[NodeID][]Edge
	// order is a topological ordering of positions into nodes.
	order []int
}

// New returns an initialized, empty graph.
func New() *Graph {
	g := &Graph{}
	g.reindex()
	return g
}

// Nodes returns a copy of the node list in insertion order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns a copy of the edge list in insertion order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Node looks a node up by ID.
func (g *Graph) Node(id NodeID) (Node, bool) {
	idx, ok := g.byID[id]
	if !ok {
		return Node{}, false
	}
	return g.nodes[idx], true
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// IncomingEdges returns the edges arriving at the given node, in edge
// insertion order.
func (g *Graph) IncomingEdges(to NodeID) []Edge {
	in := g.incoming[to]
	out := make([]Edge, len(in))
	copy(out, in)
	return out
}

// TopoOrder returns the node IDs in topological order: for every edge
// (from, to), from precedes to.
func (g *Graph) TopoOrder() []NodeID {
	out := make([]NodeID, len(g.order))
	for i, idx := range g.order {
		out[i] = g.nodes[idx].ID
	}
	return out
}

// reindex rebuilds every derived index. Mutations already reject any edit
// that could introduce a cycle, so a cycle observed here means the node or
// edge slices were corrupted out-of-band and the graph is unrecoverable.
func (g *Graph) reindex() {
	g.byID = make(map[NodeID]int, len(g.nodes))
	for i, n := range g.nodes {
		g.byID[n.ID] = i
	}
	g.incoming = make(map[NodeID][]Edge)
	for _, e := range g.edges {
		g.incoming[e.To] = append(g.incoming[e.To], e)
	}
	order, ok := g.topoSort()
	if !ok {
		panic("graph: cycle in validated graph, state is corrupted")
	}
	g.order = order
}

// topoSort runs Kahn's algorithm over the current nodes and edges. It
// returns false instead of a partial order when a cycle exists.
func (g *Graph) topoSort() ([]int, bool) {
	indeg := make([]int, len(g.nodes))
	succ := make(map[int][]int, len(g.nodes))
	for _, e := range g.edges {
		from, okF := g.byID[e.From]
		to, okT := g.byID[e.To]
		if !okF || !okT {
			// Dangling edges are removed by DeleteNode before reindexing.
			continue
		}
		succ[from] = append(succ[from], to)
		indeg[to]++
	}

	queue := make([]int, 0, len(g.nodes))
	for i := range g.nodes {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, len(g.nodes))
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		order = append(order, v)
		for _, s := range succ[v] {
			indeg[s]--
			if indeg[s] == 0 {
				queue = append(queue, s)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, false
	}
	return order, true
}
