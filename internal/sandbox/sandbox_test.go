package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimfeld/ergo-sub000/internal/graph"
	"github.com/dimfeld/ergo-sub000/internal/transport"
)

// twoNodeConfig is the a=5, b=a+1 graph used across several tests.
func twoNodeConfig() Config {
	return Config{
		Nodes: []graph.Node{
			codeNode(1, "a", "5"),
			codeNode(2, "b", "a + 1"),
		},
		Edges: []graph.Edge{{From: 1, To: 2}},
	}
}

func TestSetConfigAndRunAll(t *testing.T) {
	r := New()
	errs := r.setConfig(twoNodeConfig())
	assert.Empty(t, errs)

	res := r.runAll()
	assert.Empty(t, res.Errors)
	assert.Equal(t, []graph.NodeID{1, 2}, res.Ran)
	assert.Equal(t, int64(5), res.State[1])
	assert.Equal(t, int64(6), res.State[2])
}

func TestRunErrorKeepsPriorOutput(t *testing.T) {
	r := New()
	r.setConfig(twoNodeConfig())
	first := r.runAll()
	require.Empty(t, first.Errors)

	// Change node 1's code to reference an undefined variable: compiles
	// fine, throws at run time.
	contents := "a"
	_, err := r.updateNode(NodeUpdate{ID: 1, Contents: &contents})
	require.NoError(t, err)

	res := r.runAll()
	require.Contains(t, res.Errors, graph.NodeID(1))
	assert.Equal(t, KindRun, res.Errors[1].Kind)
	assert.NotContains(t, res.Errors, graph.NodeID(2))

	// Node 1's prior output survives the failed run, so node 2 still
	// recomputes from it.
	assert.Equal(t, int64(5), res.State[1])
	assert.Equal(t, int64(6), res.State[2])
}

func TestRunErrorWithNoPriorOutputLeavesStateAbsent(t *testing.T) {
	r := New()
	cfg := twoNodeConfig()
	cfg.Nodes[0].Meta.Contents = "a" // run error from the start
	r.setConfig(cfg)

	res := r.runAll()
	require.Contains(t, res.Errors, graph.NodeID(1))
	assert.Equal(t, KindRun, res.Errors[1].Kind)
	assert.NotContains(t, res.State, graph.NodeID(1))
	// Node 2's required input is absent, so it is skipped without error.
	assert.NotContains(t, res.State, graph.NodeID(2))
	assert.NotContains(t, res.Errors, graph.NodeID(2))
	assert.Empty(t, res.Ran)
}

func TestCompileError(t *testing.T) {
	r := New()
	cfg := Config{Nodes: []graph.Node{codeNode(1, "a", "5 +")}}
	errs := r.setConfig(cfg)

	require.Contains(t, errs, graph.NodeID(1))
	assert.Equal(t, KindCompile, errs[1].Kind)
	assert.NotEmpty(t, errs[1].Message)

	// A node with no compiled function is skipped by run_all.
	res := r.runAll()
	assert.Empty(t, res.Ran)
	assert.NotContains(t, res.State, graph.NodeID(1))

	t.Run("fixing the source clears the error", func(t *testing.T) {
		contents := "5"
		errs, err := r.updateNode(NodeUpdate{ID: 1, Contents: &contents})
		require.NoError(t, err)
		assert.NotContains(t, errs, graph.NodeID(1))
	})
}

func TestErrorIsolationAcrossChain(t *testing.T) {
	// a -> b -> c where b throws: c is skipped, neither a nor c errors.
	r := New()
	r.setConfig(Config{
		Nodes: []graph.Node{
			codeNode(1, "a", "1"),
			codeNode(2, "b", "a.missing.deep"),
			codeNode(3, "c", "b + 1"),
		},
		Edges: []graph.Edge{{From: 1, To: 2}, {From: 2, To: 3}},
	})

	res := r.runAll()
	assert.Equal(t, []graph.NodeID{1}, res.Ran)
	require.Contains(t, res.Errors, graph.NodeID(2))
	assert.Equal(t, KindRun, res.Errors[2].Kind)
	assert.NotContains(t, res.Errors, graph.NodeID(1))
	assert.NotContains(t, res.Errors, graph.NodeID(3))
	assert.NotContains(t, res.State, graph.NodeID(3))
}

func TestAllowNullInputs(t *testing.T) {
	r := New()
	sink := codeNode(2, "b", "a === undefined || a === null")
	sink.Meta.AllowNullInputs = true
	r.setConfig(Config{
		Nodes: []graph.Node{codeNode(1, "a", "a"), sink}, // node 1 always throws
		Edges: []graph.Edge{{From: 1, To: 2}},
	})

	res := r.runAll()
	assert.Equal(t, []graph.NodeID{2}, res.Ran)
	assert.Equal(t, true, res.State[2])
}

func TestRunFrom(t *testing.T) {
	// Diamond: a -> b, a -> c, b -> d, c -> d. Each node counts its own
	// executions so double-running is observable.
	counter := func(id graph.NodeID, name string, inputs string) graph.Node {
		n := codeNode(id, name, "")
		n.Meta.Format = graph.FormatStatements
		n.Meta.Contents = "globalThis.runs = globalThis.runs || {};\n" +
			"globalThis.runs." + name + " = (globalThis.runs." + name + " || 0) + 1;\n" +
			"return " + inputs + ";"
		n.Meta.AllowNullInputs = true
		return n
	}
	r := New()
	r.setConfig(Config{
		Nodes: []graph.Node{
			counter(1, "a", "1"),
			counter(2, "b", "2"),
			counter(3, "c", "3"),
			counter(4, "d", "4"),
		},
		Edges: []graph.Edge{
			{From: 1, To: 2}, {From: 1, To: 3},
			{From: 2, To: 4}, {From: 3, To: 4},
		},
	})

	res, err := r.runFrom(1)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.ElementsMatch(t, []graph.NodeID{1, 2, 3, 4}, res.Ran)

	runs, rerr := r.vm.RunString("globalThis.runs.d")
	require.NoError(t, rerr)
	assert.Equal(t, int64(1), runs.Export(), "diamond join ran more than once")

	t.Run("unrelated upstream nodes do not run", func(t *testing.T) {
		res, err := r.runFrom(2)
		require.NoError(t, err)
		assert.ElementsMatch(t, []graph.NodeID{2, 4}, res.Ran)
	})

	t.Run("unknown node is rejected", func(t *testing.T) {
		_, err := r.runFrom(99)
		assert.Error(t, err)
	})

	t.Run("start node runs even without autorun", func(t *testing.T) {
		upd := r.nodes[r.byID[2]]
		upd.Meta.Autorun = false
		r.nodes[r.byID[2]] = upd
		res, err := r.runFrom(2)
		require.NoError(t, err)
		assert.Contains(t, res.Ran, graph.NodeID(2))
	})
}

func TestRenameRebuildsDownstreamWrappers(t *testing.T) {
	r := New()
	r.setConfig(twoNodeConfig())
	require.Empty(t, r.runAll().Errors)

	// Rename a -> base. Node 2's wrapper must now bind `base`; its old
	// contents reference `a`, which turns into a run error, proving the
	// wrapper was regenerated.
	name := "base"
	errs, err := r.updateNode(NodeUpdate{ID: 1, Name: &name})
	require.NoError(t, err)
	assert.Empty(t, errs)

	res := r.runAll()
	require.Contains(t, res.Errors, graph.NodeID(2))
	assert.Equal(t, KindRun, res.Errors[2].Kind)

	// Updating node 2 to the new name heals it.
	contents := "base + 1"
	_, err = r.updateNode(NodeUpdate{ID: 2, Contents: &contents})
	require.NoError(t, err)
	res = r.runAll()
	assert.Empty(t, res.Errors)
	assert.Equal(t, int64(6), res.State[2])
}

func TestUpdateEdgesRebuilds(t *testing.T) {
	r := New()
	r.setConfig(twoNodeConfig())
	require.Empty(t, r.runAll().Errors)

	// Drop the edge: node 2's wrapper loses its parameter and `a` becomes
	// undefined at run time.
	errs := r.updateEdges(nil)
	assert.Empty(t, errs)
	res := r.runAll()
	require.Contains(t, res.Errors, graph.NodeID(2))
	assert.Equal(t, KindRun, res.Errors[2].Kind)
}

func TestSetConfigDropsDeletedNodeState(t *testing.T) {
	r := New()
	r.setConfig(twoNodeConfig())
	require.Empty(t, r.runAll().Errors)

	cfg := Config{Nodes: []graph.Node{codeNode(2, "b", "7")}}
	r.setConfig(cfg)
	res := r.runAll()
	assert.NotContains(t, res.State, graph.NodeID(1))
	assert.Equal(t, int64(7), res.State[2])
}

func TestAsyncNodeResult(t *testing.T) {
	r := New()
	n := codeNode(1, "a", "Promise.resolve(41).then(function (v) { return v + 1; })")
	r.setConfig(Config{Nodes: []graph.Node{n}})

	res := r.runAll()
	require.Empty(t, res.Errors)
	assert.Equal(t, int64(42), res.State[1])

	t.Run("rejected promise is a run error", func(t *testing.T) {
		contents := "Promise.reject(new Error('nope'))"
		_, err := r.updateNode(NodeUpdate{ID: 1, Contents: &contents})
		require.NoError(t, err)
		res := r.runAll()
		require.Contains(t, res.Errors, graph.NodeID(1))
		assert.Equal(t, KindRun, res.Errors[1].Kind)
		// Prior output stays committed.
		assert.Equal(t, int64(42), res.State[1])
	})
}

func TestHandleDispatch(t *testing.T) {
	r := New()

	data, err := r.Handle(transport.Request{ID: 1, Op: transport.OpSetConfig, Payload: twoNodeConfig()})
	require.NoError(t, err)
	assert.Empty(t, data.(ErrorMap))

	data, err = r.Handle(transport.Request{ID: 2, Op: transport.OpRunAll})
	require.NoError(t, err)
	res := data.(RunResult)
	assert.Equal(t, int64(6), res.State[2])

	t.Run("bad payload", func(t *testing.T) {
		_, err := r.Handle(transport.Request{ID: 3, Op: transport.OpRunFrom, Payload: "one"})
		assert.Error(t, err)
	})

	t.Run("unknown op", func(t *testing.T) {
		_, err := r.Handle(transport.Request{ID: 4, Op: transport.Op(99)})
		assert.Error(t, err)
	})
}

func TestInterruptAbortsRunningScript(t *testing.T) {
	r := New()
	errs := r.setConfig(Config{Nodes: []graph.Node{
		codeNode(1, "a", "(function () { while (true) {} })()"),
	}})
	require.Empty(t, errs)

	done := make(chan RunResult, 1)
	go func() { done <- r.runAll() }()
	time.Sleep(50 * time.Millisecond)

	r.Interrupt()

	select {
	case res := <-done:
		require.Contains(t, res.Errors, graph.NodeID(1))
		assert.Equal(t, KindRun, res.Errors[1].Kind)
		assert.NotContains(t, res.State, graph.NodeID(1))
	case <-time.After(2 * time.Second):
		t.Fatal("looping script was not aborted")
	}
}
