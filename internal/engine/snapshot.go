package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dimfeld/ergo-sub000/internal/graph"
	"github.com/dimfeld/ergo-sub000/internal/sandbox"
	"github.com/dimfeld/ergo-sub000/internal/statecodec"
)

// SnapshotEdge references nodes by their position in the snapshot's node
// list. Positions are stable only within one snapshot.
type SnapshotEdge struct {
	From int `json:"from" msgpack:"from"`
	To   int `json:"to" msgpack:"to"`
}

// Snapshot is the persistence-boundary artifact: everything needed to
// store a graph durably and reconstruct it, plus a standalone-executable
// bundle of the node functions for running outside the editor.
type Snapshot struct {
	Nodes  []graph.Node   `json:"nodes" msgpack:"nodes"`
	Edges  []SnapshotEdge `json:"edges" msgpack:"edges"`
	Bundle string         `json:"bundle" msgpack:"bundle"`
	State  []byte         `json:"state" msgpack:"state"`
}

// Compile produces the persistable snapshot of the current graph and
// runtime state.
func (e *Engine) Compile() (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	nodes := e.graph.Nodes()
	edges := e.graph.Edges()

	pos := make(map[graph.NodeID]int, len(nodes))
	for i, n := range nodes {
		pos[n.ID] = i
	}
	snapEdges := make([]SnapshotEdge, len(edges))
	for i, edge := range edges {
		snapEdges[i] = SnapshotEdge{From: pos[edge.From], To: pos[edge.To]}
	}

	state, err := statecodec.Encode(e.state)
	if err != nil {
		return nil, fmt.Errorf("engine: encoding state: %w", err)
	}

	return &Snapshot{
		Nodes:  nodes,
		Edges:  snapEdges,
		Bundle: bundle(nodes, edges),
		State:  state,
	}, nil
}

// Load reconstructs an engine from a snapshot: rebuild the graph, push
// configuration into a fresh sandbox, and restore the saved runtime state
// as the observable baseline.
func Load(ctx context.Context, snap *Snapshot, opts Options) (*Engine, error) {
	e, err := New(ctx, opts)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Node IDs are reassigned on load; remap saved state keys onto the
	// fresh IDs through the snapshot's positional order.
	idMap := make(map[graph.NodeID]graph.NodeID, len(snap.Nodes))
	for _, n := range snap.Nodes {
		restored := e.graph.AddNode(n.Meta.X, n.Meta.Y, n.Config.Name, n.Config.Function)
		idMap[n.ID] = restored.ID
		restored.Config = n.Config
		restored.Meta = n.Meta
		if err := e.graph.UpdateNode(restored); err != nil {
			e.tr.Destroy()
			return nil, err
		}
	}
	nodes := e.graph.Nodes()
	for _, edge := range snap.Edges {
		if edge.From < 0 || edge.From >= len(nodes) || edge.To < 0 || edge.To >= len(nodes) {
			e.tr.Destroy()
			return nil, fmt.Errorf("engine: snapshot edge %d -> %d out of range", edge.From, edge.To)
		}
		if err := e.graph.AddEdge(nodes[edge.From].ID, nodes[edge.To].ID); err != nil {
			e.tr.Destroy()
			return nil, fmt.Errorf("engine: snapshot edge rejected: %w", err)
		}
	}

	if len(snap.State) > 0 {
		saved, err := statecodec.Decode(snap.State)
		if err != nil {
			e.tr.Destroy()
			return nil, err
		}
		state := make(sandbox.State, len(saved))
		for id, v := range saved {
			if mapped, ok := idMap[id]; ok {
				state[mapped] = v
			}
		}
		e.state = state
	}

	if err := e.pushConfig(ctx); err != nil {
		e.tr.Destroy()
		return nil, err
	}
	return e, nil
}

// bundle generates a self-contained JavaScript program: every node's
// wrapper function plus a driver that executes the autorun set in
// topological order. It mirrors the sandbox's own execution algorithm so
// the compiled artifact behaves like an editor run.
func bundle(nodes []graph.Node, edges []graph.Edge) string {
	params := sandbox.InputParams(nodes, edges)

	order := topoIDs(nodes, edges)
	var b strings.Builder
	b.WriteString("(function () {\n\"use strict\";\nvar nodes = {\n")
	for _, n := range nodes {
		key := strconv.Itoa(int(n.ID))
		b.WriteString("  " + strconv.Quote(key) + ": {\n")
		b.WriteString("    name: " + strconv.Quote(n.Config.Name) + ",\n")
		b.WriteString("    autorun: " + strconv.FormatBool(n.Meta.Autorun) + ",\n")
		b.WriteString("    allowNull: " + strconv.FormatBool(n.Meta.AllowNullInputs) + ",\n")
		b.WriteString("    inputs: [")
		for i, p := range params[n.ID] {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("{from: " + strconv.Quote(strconv.Itoa(int(p.From))) + ", name: " + strconv.Quote(p.Name) + "}")
		}
		b.WriteString("],\n")
		b.WriteString("    fn: " + sandbox.WrapSource(n, params[n.ID]) + ",\n")
		b.WriteString("  },\n")
	}
	b.WriteString("};\nvar order = [")
	for i, id := range order {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Quote(strconv.Itoa(int(id))))
	}
	b.WriteString("];\n")
	b.WriteString(`return function run(state) {
  state = state || {};
  for (var i = 0; i < order.length; i++) {
    var id = order[i];
    var node = nodes[id];
    if (!node.autorun) { continue; }
    var args = {};
    var skip = false;
    for (var j = 0; j < node.inputs.length; j++) {
      var input = node.inputs[j];
      var value = state[input.from];
      if ((value === undefined || value === null) && !node.allowNull) { skip = true; break; }
      args[input.name] = value;
    }
    if (skip) { continue; }
    state[id] = node.inputs.length > 0 ? node.fn(args) : node.fn();
  }
  return state;
};
})()
`)
	return b.String()
}

// topoIDs is Kahn's algorithm over snapshot inputs; the graph was already
// validated, so the order is always total.
func topoIDs(nodes []graph.Node, edges []graph.Edge) []graph.NodeID {
	indeg := make(map[graph.NodeID]int, len(nodes))
	succ := make(map[graph.NodeID][]graph.NodeID)
	for _, n := range nodes {
		indeg[n.ID] = 0
	}
	for _, e := range edges {
		succ[e.From] = append(succ[e.From], e.To)
		indeg[e.To]++
	}
	var queue []graph.NodeID
	for _, n := range nodes {
		if indeg[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	order := make([]graph.NodeID, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, s := range succ[id] {
			indeg[s]--
			if indeg[s] == 0 {
				queue = append(queue, s)
			}
		}
	}
	return order
}
