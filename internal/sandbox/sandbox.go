// Package sandbox is the isolated execution context for node code. It owns
// an embedded JavaScript engine, the compiled per-node functions, the
// per-node output state and the per-node error map. It is reachable only
// through the transport; one node's failure is recorded as data and never
// crashes the runtime.
package sandbox

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/dimfeld/ergo-sub000/internal/graph"
	"github.com/dimfeld/ergo-sub000/internal/transport"
)

// ErrorKind tags a node's active error.
type ErrorKind string

const (
	// KindCompile means the node's source failed to produce a callable
	// function.
	KindCompile ErrorKind = "compile"
	// KindRun means the node's function threw during execution.
	KindRun ErrorKind = "run"
)

// NodeError is the at-most-one active error record for a node.
type NodeError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// ErrorMap is the full per-node error state returned by every operation.
type ErrorMap map[graph.NodeID]*NodeError

// State maps node IDs to their current output values. A missing key means
// the node has never produced output.
type State map[graph.NodeID]any

// Config is the set_config payload: the whole node and edge state.
type Config struct {
	Nodes []graph.Node
	Edges []graph.Edge
}

// NodeUpdate is the update_node payload. Nil fields are unchanged.
type NodeUpdate struct {
	ID       graph.NodeID
	Name     *string
	Contents *string
}

// RunResult is returned by run_all and run_from.
type RunResult struct {
	Errors ErrorMap
	State  State
	Ran    []graph.NodeID
}

// Runtime holds everything the sandbox owns. It is driven by a single
// transport worker goroutine, so it needs no locking of its own.
type Runtime struct {
	vm    *goja.Runtime
	nodes []graph.Node
	edges []graph.Edge
	byID  map[graph.NodeID]int

	fns    map[graph.NodeID]goja.Callable
	params map[graph.NodeID][]Param
	state  State
	errs   ErrorMap
}

// New creates an empty runtime with a fresh JavaScript engine.
func New() *Runtime {
	return &Runtime{
		vm:     goja.New(),
		byID:   map[graph.NodeID]int{},
		fns:    map[graph.NodeID]goja.Callable{},
		params: map[graph.NodeID][]Param{},
		state:  State{},
		errs:   ErrorMap{},
	}
}

// NewHandler is the transport.Factory for sandbox runtimes.
func NewHandler() (transport.Handler, error) {
	return New(), nil
}

// Interrupt aborts any script currently executing in the VM. The transport
// calls this when the runtime's worker is destroyed; the aborted call fails
// and this runtime is never dispatched to again, so the interrupt flag is
// never cleared. Safe to call from another goroutine.
func (r *Runtime) Interrupt() {
	r.vm.Interrupt("sandbox torn down")
}

// Handle dispatches one transport request. The switch is exhaustive over
// the operation enum; anything else is a protocol error.
func (r *Runtime) Handle(req transport.Request) (any, error) {
	switch req.Op {
	case transport.OpSetConfig:
		cfg, ok := req.Payload.(Config)
		if !ok {
			return nil, badPayload(req)
		}
		return r.setConfig(cfg), nil

	case transport.OpUpdateNode:
		upd, ok := req.Payload.(NodeUpdate)
		if !ok {
			return nil, badPayload(req)
		}
		return r.updateNode(upd)

	case transport.OpUpdateEdges:
		edges, ok := req.Payload.([]graph.Edge)
		if !ok {
			return nil, badPayload(req)
		}
		return r.updateEdges(edges), nil

	case transport.OpRunAll:
		return r.runAll(), nil

	case transport.OpRunFrom:
		id, ok := req.Payload.(graph.NodeID)
		if !ok {
			return nil, badPayload(req)
		}
		return r.runFrom(id)
	}
	return nil, fmt.Errorf("sandbox: unhandled operation %s", req.Op)
}

func badPayload(req transport.Request) error {
	return fmt.Errorf("sandbox: bad payload %T for %s", req.Payload, req.Op)
}

// setConfig replaces node and edge state wholesale and recompiles every
// node. Output state survives for nodes that still exist.
func (r *Runtime) setConfig(cfg Config) ErrorMap {
	r.nodes = cfg.Nodes
	r.edges = cfg.Edges
	r.rebuild()
	return r.errorsCopy()
}

// updateNode applies a single-node edit. A rename forces a full rebuild,
// because upstream names are baked into every generated wrapper. A
// contents-only change recompiles just that node, keeping its existing
// input-name list.
func (r *Runtime) updateNode(upd NodeUpdate) (ErrorMap, error) {
	idx, ok := r.byID[upd.ID]
	if !ok {
		return nil, fmt.Errorf("sandbox: update_node: unknown node %d", upd.ID)
	}

	renamed := false
	if upd.Name != nil && *upd.Name != r.nodes[idx].Config.Name {
		r.nodes[idx].Config.Name = *upd.Name
		renamed = true
	}
	if upd.Contents != nil {
		r.nodes[idx].Meta.Contents = *upd.Contents
	}

	if renamed {
		r.rebuild()
		return r.errorsCopy(), nil
	}
	if upd.Contents != nil {
		r.compileNode(r.nodes[idx], r.params[upd.ID])
	}
	return r.errorsCopy(), nil
}

// updateEdges replaces the edge set. Input lists may have changed for any
// node, so this is a full rebuild.
func (r *Runtime) updateEdges(edges []graph.Edge) ErrorMap {
	r.edges = edges
	r.rebuild()
	return r.errorsCopy()
}

// errorsCopy returns the error map as a copy; the controller only ever
// observes copies of sandbox-owned state.
func (r *Runtime) errorsCopy() ErrorMap {
	out := make(ErrorMap, len(r.errs))
	for id, e := range r.errs {
		out[id] = e
	}
	return out
}

func (r *Runtime) stateCopy() State {
	out := make(State, len(r.state))
	for id, v := range r.state {
		out[id] = v
	}
	return out
}
