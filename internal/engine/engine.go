// Package engine bridges the graph model to the sandbox runtime. Every
// editing operation mutates the graph, pushes the corresponding sandbox
// operation through the transport, and merges the returned error map into
// the engine's observable state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dimfeld/ergo-sub000/internal/ctxlog"
	"github.com/dimfeld/ergo-sub000/internal/graph"
	"github.com/dimfeld/ergo-sub000/internal/sandbox"
	"github.com/dimfeld/ergo-sub000/internal/transport"
)

// Options configures an engine.
type Options struct {
	// CallTimeout bounds every sandbox call. Zero means no timeout.
	CallTimeout time.Duration
	// Factory overrides the sandbox factory; tests use this to inject
	// misbehaving handlers. Nil means the real sandbox runtime.
	Factory transport.Factory
}

// Engine owns the graph model and the transport to the sandbox. All
// methods are safe for concurrent use; operations are serialized so that
// interleaved graph mutations and runs are never observable.
type Engine struct {
	mu          sync.Mutex
	graph       *graph.Graph
	tr          *transport.Transport
	errs        sandbox.ErrorMap
	state       sandbox.State
	callTimeout time.Duration
}

// New creates an engine with an empty graph and a fresh sandbox.
func New(ctx context.Context, opts Options) (*Engine, error) {
	factory := opts.Factory
	if factory == nil {
		factory = sandbox.NewHandler
	}
	tr, err := transport.New(ctx, factory)
	if err != nil {
		return nil, err
	}
	return &Engine{
		graph:       graph.New(),
		tr:          tr,
		errs:        sandbox.ErrorMap{},
		state:       sandbox.State{},
		callTimeout: opts.CallTimeout,
	}, nil
}

// Close tears down the sandbox and rejects any in-flight calls.
func (e *Engine) Close() { e.tr.Destroy() }

// NodeChange describes a node edit. Nil fields are unchanged.
type NodeChange struct {
	Name            *string
	Contents        *string
	Autorun         *bool
	AllowNullInputs *bool
	Format          *graph.Format
	X, Y            *float64
}

// AddNode assigns an ID and color, appends the node, and pushes the new
// configuration to the sandbox. An empty name is synthesized from the
// "node" prefix.
func (e *Engine) AddNode(ctx context.Context, x, y float64, name string, fn graph.FunctionKind) (graph.Node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if name == "" {
		name = e.graph.UniqueName("node")
	}
	node := e.graph.AddNode(x, y, name, fn)
	ctxlog.FromContext(ctx).Info("Node added.", "id", node.ID, "name", name)

	if err := e.pushConfig(ctx); err != nil {
		return node, err
	}
	return node, nil
}

// DeleteNode removes the node, its touching edges and its runtime state,
// then pushes the new configuration.
func (e *Engine) DeleteNode(ctx context.Context, id graph.NodeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.graph.DeleteNode(id); err != nil {
		return err
	}
	delete(e.state, id)
	delete(e.errs, id)
	ctxlog.FromContext(ctx).Info("Node deleted.", "id", id)
	return e.pushConfig(ctx)
}

// UpdateNode applies a node edit, pushes it to the sandbox, and re-runs
// the node's downstream chain when its contents changed and compiled.
func (e *Engine) UpdateNode(ctx context.Context, id graph.NodeID, change NodeChange) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.graph.Node(id)
	if !ok {
		return fmt.Errorf("%w: %d", graph.ErrNodeNotFound, id)
	}

	flagsChanged := false
	if change.Name != nil {
		node.Config.Name = *change.Name
	}
	if change.Contents != nil {
		node.Meta.Contents = *change.Contents
	}
	if change.Autorun != nil {
		node.Meta.Autorun = *change.Autorun
		flagsChanged = true
	}
	if change.AllowNullInputs != nil {
		node.Meta.AllowNullInputs = *change.AllowNullInputs
		flagsChanged = true
	}
	if change.Format != nil {
		node.Meta.Format = *change.Format
		flagsChanged = true
	}
	if change.X != nil {
		node.Meta.X = *change.X
	}
	if change.Y != nil {
		node.Meta.Y = *change.Y
	}
	if err := e.graph.UpdateNode(node); err != nil {
		return err
	}

	// Flag and format changes alter run behavior the sandbox tracks per
	// node, so fall back to a full configuration push for those.
	if flagsChanged {
		if err := e.pushConfig(ctx); err != nil {
			return err
		}
	} else if change.Name != nil || change.Contents != nil {
		data, err := e.push(ctx, transport.OpUpdateNode, sandbox.NodeUpdate{
			ID:       id,
			Name:     change.Name,
			Contents: change.Contents,
		})
		if err != nil {
			return err
		}
		e.mergeErrors(data)
	}

	// A content edit that compiled cleanly re-evaluates the node and its
	// downstream chain; a compile error suppresses execution until fixed.
	if change.Contents != nil {
		if ne, bad := e.errs[id]; !bad || ne.Kind != sandbox.KindCompile {
			if _, err := e.runFromLocked(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddEdge validates the edge against graph invariants and pushes the new
// edge set to the sandbox.
func (e *Engine) AddEdge(ctx context.Context, from, to graph.NodeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.graph.AddEdge(from, to); err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Info("Edge added.", "from", from, "to", to)
	data, err := e.push(ctx, transport.OpUpdateEdges, e.graph.Edges())
	if err != nil {
		return err
	}
	e.mergeErrors(data)
	return nil
}

// DeleteEdge removes the edge and then re-runs the destination node:
// losing an input changes its available values even though no new edge
// carries data.
func (e *Engine) DeleteEdge(ctx context.Context, from, to graph.NodeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.graph.DeleteEdge(from, to); err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Info("Edge deleted.", "from", from, "to", to)
	data, err := e.push(ctx, transport.OpUpdateEdges, e.graph.Edges())
	if err != nil {
		return err
	}
	e.mergeErrors(data)

	_, err = e.runFromLocked(ctx, to)
	return err
}

// RunAll executes every autorun node in topological order.
func (e *Engine) RunAll(ctx context.Context) (sandbox.RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := e.push(ctx, transport.OpRunAll, nil)
	if err != nil {
		return sandbox.RunResult{}, err
	}
	return e.mergeRun(data)
}

// RunFrom executes the node and its downstream autorun chain.
func (e *Engine) RunFrom(ctx context.Context, id graph.NodeID) (sandbox.RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runFromLocked(ctx, id)
}

func (e *Engine) runFromLocked(ctx context.Context, id graph.NodeID) (sandbox.RunResult, error) {
	data, err := e.push(ctx, transport.OpRunFrom, id)
	if err != nil {
		return sandbox.RunResult{}, err
	}
	return e.mergeRun(data)
}

// Graph returns a snapshot of the node and edge lists.
func (e *Engine) Graph() ([]graph.Node, []graph.Edge) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Nodes(), e.graph.Edges()
}

// Errors returns a copy of the observable per-node error map.
func (e *Engine) Errors() sandbox.ErrorMap {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(sandbox.ErrorMap, len(e.errs))
	for id, ne := range e.errs {
		out[id] = ne
	}
	return out
}

// State returns a copy of the last observed node output state.
func (e *Engine) State() sandbox.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(sandbox.State, len(e.state))
	for id, v := range e.state {
		out[id] = v
	}
	return out
}

// push performs one sandbox call. A transport-level failure means the
// sandbox was (or will be) restarted and holds no configuration, so the
// full config is re-sent before surfacing the original error. The failed
// operation itself is not retried; that is the caller's decision.
func (e *Engine) push(ctx context.Context, op transport.Op, payload any) (any, error) {
	data, err := e.tr.Call(ctx, op, payload, e.callTimeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) || errors.Is(err, transport.ErrTerminated) {
			ctxlog.FromContext(ctx).Warn("Sandbox configuration lost, resending.", "op", op.String(), "error", err)
			e.resync(ctx)
		}
		return nil, err
	}
	return data, nil
}

// pushConfig sends the full graph to the sandbox and merges the returned
// error map.
func (e *Engine) pushConfig(ctx context.Context) error {
	data, err := e.push(ctx, transport.OpSetConfig, sandbox.Config{
		Nodes: e.graph.Nodes(),
		Edges: e.graph.Edges(),
	})
	if err != nil {
		return err
	}
	e.mergeErrors(data)
	return nil
}

// resync re-establishes configuration against a freshly restarted sandbox.
// Best effort: a second transport failure here leaves the next operation
// to try again.
func (e *Engine) resync(ctx context.Context) {
	data, err := e.tr.Call(ctx, transport.OpSetConfig, sandbox.Config{
		Nodes: e.graph.Nodes(),
		Edges: e.graph.Edges(),
	}, e.callTimeout)
	if err != nil {
		ctxlog.FromContext(ctx).Error("Failed to resync sandbox configuration.", "error", err)
		return
	}
	e.mergeErrors(data)
}

func (e *Engine) mergeErrors(data any) {
	if errs, ok := data.(sandbox.ErrorMap); ok {
		e.errs = errs
	}
}

func (e *Engine) mergeRun(data any) (sandbox.RunResult, error) {
	res, ok := data.(sandbox.RunResult)
	if !ok {
		return sandbox.RunResult{}, fmt.Errorf("engine: unexpected run result %T", data)
	}
	e.errs = res.Errors
	e.state = res.State
	return res, nil
}
