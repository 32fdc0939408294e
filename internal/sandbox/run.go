package sandbox

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/dimfeld/ergo-sub000/internal/graph"
)

// runAll executes every autorun node in topological order, skipping nodes
// with no compiled function (active compile error).
func (r *Runtime) runAll() RunResult {
	var ran []graph.NodeID
	for _, id := range r.topoOrder() {
		n := r.nodes[r.byID[id]]
		if !n.Meta.Autorun {
			continue
		}
		if r.runNode(id) {
			ran = append(ran, id)
		}
	}
	return RunResult{Errors: r.errorsCopy(), State: r.stateCopy(), Ran: ran}
}

// runFrom executes the given node and then every downstream autorun node
// reachable from it, each at most once, in topological order. The starting
// node runs regardless of its autorun flag.
func (r *Runtime) runFrom(start graph.NodeID) (RunResult, error) {
	if _, ok := r.byID[start]; !ok {
		return RunResult{}, fmt.Errorf("sandbox: run_from: unknown node %d", start)
	}

	// Downstream closure. A node already collected is not re-enqueued, so
	// diamond dependencies are executed once.
	reachable := map[graph.NodeID]bool{}
	queue := []graph.NodeID{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range r.edges {
			if e.From == cur && !reachable[e.To] {
				reachable[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}

	var ran []graph.NodeID
	for _, id := range r.topoOrder() {
		n := r.nodes[r.byID[id]]
		switch {
		case id == start:
		case reachable[id] && n.Meta.Autorun:
		default:
			continue
		}
		if r.runNode(id) {
			ran = append(ran, id)
		}
	}
	return RunResult{Errors: r.errorsCopy(), State: r.stateCopy(), Ran: ran}, nil
}

// runNode executes a single node: gather upstream outputs, apply the
// null-input policy, invoke, await, commit. Returns whether the node ran
// to completion and committed output. On a thrown error the prior output
// is left untouched and a run error is recorded.
func (r *Runtime) runNode(id graph.NodeID) bool {
	fn, ok := r.fns[id]
	if !ok {
		return false
	}
	n := r.nodes[r.byID[id]]
	params := r.params[id]

	values := make([]any, len(params))
	for i, p := range params {
		v, ok := r.state[p.From]
		if (!ok || v == nil) && !n.Meta.AllowNullInputs {
			// Skip: no execution, no error, prior state untouched.
			return false
		}
		values[i] = v
	}

	var args []goja.Value
	if len(params) > 0 {
		obj := r.vm.NewObject()
		for i, p := range params {
			if err := obj.Set(p.Name, r.vm.ToValue(values[i])); err != nil {
				r.errs[id] = &NodeError{Kind: KindRun, Message: err.Error()}
				return false
			}
		}
		args = append(args, obj)
	}

	res, err := fn(goja.Undefined(), args...)
	if err != nil {
		r.errs[id] = runError(err)
		return false
	}
	out, err := awaitValue(res)
	if err != nil {
		r.errs[id] = runError(err)
		return false
	}

	r.state[id] = out
	if e, ok := r.errs[id]; ok && e.Kind == KindRun {
		delete(r.errs, id)
	}
	return true
}

// awaitValue unwraps a settled promise result. Node functions may be
// async, but the sandbox has no external event loop: a promise that is
// still pending after the call stack drained can never settle.
func awaitValue(v goja.Value) (any, error) {
	if v == nil {
		return nil, nil
	}
	if p, ok := v.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return p.Result().Export(), nil
		case goja.PromiseStateRejected:
			return nil, errors.New(p.Result().String())
		default:
			return nil, errors.New("async result never settled: pending external work is not supported")
		}
	}
	return v.Export(), nil
}

func runError(err error) *NodeError {
	ne := &NodeError{Kind: KindRun, Message: err.Error()}
	if ex, ok := err.(*goja.Exception); ok {
		ne.Stack = ex.String()
		// The thrown value's own message reads better than goja's
		// "Error: x at <eval>..." prefix dump.
		if obj, ok := ex.Value().(*goja.Object); ok {
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				ne.Message = msg.String()
			}
		}
	}
	return ne
}

// topoOrder is Kahn's algorithm over the sandbox's own copy of the graph.
// The controller validates edges before they ever reach the sandbox, so a
// cycle here means corrupted state; the transport turns the panic into a
// reject instead of crashing the controller.
func (r *Runtime) topoOrder() []graph.NodeID {
	indeg := make(map[graph.NodeID]int, len(r.nodes))
	succ := make(map[graph.NodeID][]graph.NodeID, len(r.nodes))
	for _, n := range r.nodes {
		indeg[n.ID] = 0
	}
	for _, e := range r.edges {
		succ[e.From] = append(succ[e.From], e.To)
		indeg[e.To]++
	}

	var queue []graph.NodeID
	for _, n := range r.nodes {
		if indeg[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]graph.NodeID, 0, len(r.nodes))
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
	if len(order) != len(r.nodes) {
		panic("sandbox: cycle in configured graph")
	}
	return order
}
