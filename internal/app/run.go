package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dimfeld/ergo-sub000/internal/ctxlog"
	"github.com/dimfeld/ergo-sub000/internal/graph"
	"github.com/dimfeld/ergo-sub000/internal/hclgraph"
	"github.com/dimfeld/ergo-sub000/internal/sandbox"
	"github.com/dimfeld/ergo-sub000/internal/server"
)

// Run executes the main application logic: load the graph definition,
// then either serve the editing API or perform a single run and print the
// results.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	var ids map[string]graph.NodeID
	if a.config.GraphPath != "" {
		def, err := hclgraph.LoadFile(ctx, a.config.GraphPath)
		if err != nil {
			return err
		}
		ids, err = def.Apply(ctx, a.engine)
		if err != nil {
			return fmt.Errorf("building graph: %w", err)
		}
		a.logger.Info("Graph loaded.", "path", a.config.GraphPath, "nodes", len(def.Nodes), "edges", len(def.Edges))
	}

	if a.config.Serve {
		a.logger.Info("Serving editing API.", "addr", a.config.ListenAddr)
		return server.New(ctx, a.engine).Listen(a.config.ListenAddr)
	}

	res, err := a.engine.RunAll(ctx)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	a.logger.Info("Run finished.", "ranNodes", len(res.Ran), "errors", len(res.Errors))

	if err := a.printResult(ids, res); err != nil {
		return err
	}

	if a.config.SnapshotPath != "" {
		if err := a.writeSnapshot(); err != nil {
			return err
		}
		a.logger.Info("Snapshot written.", "path", a.config.SnapshotPath)
	}

	a.logger.Debug("App.Run method finished.")
	return nil
}

// printResult emits the run outcome as JSON keyed by node name.
func (a *App) printResult(ids map[string]graph.NodeID, res sandbox.RunResult) error {
	names := make(map[graph.NodeID]string, len(ids))
	for name, id := range ids {
		names[id] = name
	}
	key := func(id graph.NodeID) string {
		if name, ok := names[id]; ok {
			return name
		}
		return fmt.Sprintf("%d", id)
	}

	out := struct {
		State  map[string]any                `json:"state"`
		Errors map[string]*sandbox.NodeError `json:"errors,omitempty"`
	}{State: map[string]any{}}
	for id, v := range res.State {
		out.State[key(id)] = v
	}
	if len(res.Errors) > 0 {
		out.Errors = map[string]*sandbox.NodeError{}
		for id, ne := range res.Errors {
			out.Errors[key(id)] = ne
		}
	}

	enc := json.NewEncoder(a.outW)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (a *App) writeSnapshot() error {
	snap, err := a.engine.Compile()
	if err != nil {
		return err
	}
	raw, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	return os.WriteFile(a.config.SnapshotPath, raw, 0o644)
}
