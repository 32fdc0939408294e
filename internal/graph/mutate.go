package graph

// AddNode assigns the next unused ID, appends a node at the given canvas
// position and recomputes indices. The returned node carries its assigned
// ID and color.
func (g *Graph) AddNode(x, y float64, name string, fn FunctionKind) Node {
	var maxID NodeID
	for _, n := range g.nodes {
		if n.ID > maxID {
			maxID = n.ID
		}
	}

	node := Node{
		ID:     maxID + 1,
		Config: Config{Name: name, Function: fn},
		Meta: Meta{
			Autorun: true,
			Format:  FormatExpression,
			X:       x,
			Y:       y,
			Color:   g.LeastUsedColor(),
		},
	}
	g.nodes = append(g.nodes, node)
	g.reindex()
	return node
}

// DeleteNode removes the node and every edge touching it as source or
// destination.
func (g *Graph) DeleteNode(id NodeID) error {
	idx, ok := g.byID[id]
	if !ok {
		return nodeNotFound(id)
	}
	g.nodes = append(g.nodes[:idx], g.nodes[idx+1:]...)

	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.From != id && e.To != id {
			kept = append(kept, e)
		}
	}
	g.edges = kept
	g.reindex()
	return nil
}

// UpdateNode replaces the stored node with the same ID. The ID itself is
// immutable; attempts to change it are rejected by lookup failure.
func (g *Graph) UpdateNode(node Node) error {
	idx, ok := g.byID[node.ID]
	if !ok {
		return nodeNotFound(node.ID)
	}
	g.nodes[idx] = node
	g.reindex()
	return nil
}

// AddEdge validates and appends a directed edge. It is rejected when it
// would self-loop, duplicate an existing ordered pair, target a trigger
// node, or close a cycle.
func (g *Graph) AddEdge(from, to NodeID) error {
	if _, ok := g.byID[from]; !ok {
		return nodeNotFound(from)
	}
	toNode, ok := g.Node(to)
	if !ok {
		return nodeNotFound(to)
	}
	if from == to {
		return edgeError(ErrSelfLoop, from, to)
	}
	for _, e := range g.edges {
		if e.From == from && e.To == to {
			return edgeError(ErrDuplicateEdge, from, to)
		}
	}
	if toNode.Config.Function == FunctionTrigger {
		return edgeError(ErrTriggerTarget, from, to)
	}
	if g.reaches(to, from) {
		return edgeError(ErrCycle, from, to)
	}

	g.edges = append(g.edges, Edge{From: from, To: to})
	g.reindex()
	return nil
}

// DeleteEdge removes the edge for the given ordered pair.
func (g *Graph) DeleteEdge(from, to NodeID) error {
	for i, e := range g.edges {
		if e.From == from && e.To == to {
			g.edges = append(g.edges[:i], g.edges[i+1:]...)
			g.reindex()
			return nil
		}
	}
	return edgeError(ErrEdgeNotFound, from, to)
}

// reaches reports whether target is reachable from start by following
// edges forward. Used to detect that a proposed edge (target -> start)
// would close a cycle. Visited-set pruning bounds the walk by node count,
// so termination holds on any graph.
func (g *Graph) reaches(start, target NodeID) bool {
	visited := map[NodeID]bool{}
	stack := []NodeID{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, e := range g.edges {
			if e.From == cur {
				stack = append(stack, e.To)
			}
		}
	}
	return false
}
