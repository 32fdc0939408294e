// Package server exposes the execution engine to the editing surface as an
// HTTP API. Graph invariant violations map to 422, missing entities to
// 404; run endpoints return the updated error map and state.
package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/dimfeld/ergo-sub000/internal/ctxlog"
	"github.com/dimfeld/ergo-sub000/internal/engine"
	"github.com/dimfeld/ergo-sub000/internal/graph"
)

// New builds the fiber application around an engine. The ctx carries the
// logger used for request-scoped logging.
func New(ctx context.Context, eng *engine.Engine) *fiber.App {
	app := fiber.New()
	logger := ctxlog.FromContext(ctx)

	// ── Graph ─────────────────────────────────────────────────────────
	app.Get("/graph", func(c fiber.Ctx) error {
		nodes, edges := eng.Graph()
		return c.JSON(fiber.Map{"nodes": nodes, "edges": edges})
	})

	app.Get("/state", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"state": eng.State(), "errors": eng.Errors()})
	})

	// ── Nodes ─────────────────────────────────────────────────────────
	app.Post("/nodes", func(c fiber.Ctx) error {
		var req struct {
			Name     string  `json:"name"`
			Function string  `json:"function"`
			X        float64 `json:"x"`
			Y        float64 `json:"y"`
		}
		if err := c.Bind().JSON(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid body"})
		}
		fn := graph.FunctionKind(req.Function)
		if fn == "" {
			fn = graph.FunctionCode
		}
		if fn != graph.FunctionCode && fn != graph.FunctionTrigger {
			return c.Status(400).JSON(fiber.Map{"error": "unknown function kind"})
		}
		node, err := eng.AddNode(c.Context(), req.X, req.Y, req.Name, fn)
		if err != nil {
			return fail(c, err)
		}
		return c.Status(201).JSON(node)
	})

	app.Patch("/nodes/:id", func(c fiber.Ctx) error {
		id, err := nodeID(c)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid node id"})
		}
		var req struct {
			Name            *string  `json:"name"`
			Contents        *string  `json:"contents"`
			Autorun         *bool    `json:"autorun"`
			AllowNullInputs *bool    `json:"allow_null_inputs"`
			Format          *string  `json:"format"`
			X               *float64 `json:"x"`
			Y               *float64 `json:"y"`
		}
		if err := c.Bind().JSON(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid body"})
		}
		change := engine.NodeChange{
			Name:            req.Name,
			Contents:        req.Contents,
			Autorun:         req.Autorun,
			AllowNullInputs: req.AllowNullInputs,
			X:               req.X,
			Y:               req.Y,
		}
		if req.Format != nil {
			f := graph.Format(*req.Format)
			if f != graph.FormatExpression && f != graph.FormatStatements {
				return c.Status(400).JSON(fiber.Map{"error": "unknown format"})
			}
			change.Format = &f
		}
		if err := eng.UpdateNode(c.Context(), id, change); err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"errors": eng.Errors(), "state": eng.State()})
	})

	app.Delete("/nodes/:id", func(c fiber.Ctx) error {
		id, err := nodeID(c)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid node id"})
		}
		if err := eng.DeleteNode(c.Context(), id); err != nil {
			return fail(c, err)
		}
		return c.SendStatus(204)
	})

	// ── Edges ─────────────────────────────────────────────────────────
	app.Post("/edges", func(c fiber.Ctx) error {
		var req struct {
			From graph.NodeID `json:"from"`
			To   graph.NodeID `json:"to"`
		}
		if err := c.Bind().JSON(&req); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid body"})
		}
		if err := eng.AddEdge(c.Context(), req.From, req.To); err != nil {
			return fail(c, err)
		}
		return c.Status(201).JSON(fiber.Map{"errors": eng.Errors()})
	})

	app.Delete("/edges/:from/:to", func(c fiber.Ctx) error {
		from, err1 := strconv.Atoi(c.Params("from"))
		to, err2 := strconv.Atoi(c.Params("to"))
		if err1 != nil || err2 != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid edge reference"})
		}
		if err := eng.DeleteEdge(c.Context(), graph.NodeID(from), graph.NodeID(to)); err != nil {
			return fail(c, err)
		}
		return c.JSON(fiber.Map{"errors": eng.Errors(), "state": eng.State()})
	})

	// ── Runs ──────────────────────────────────────────────────────────
	app.Post("/run", func(c fiber.Ctx) error {
		runID := uuid.NewString()
		res, err := eng.RunAll(c.Context())
		if err != nil {
			logger.Error("Run failed.", "runID", runID, "error", err)
			return c.Status(502).JSON(fiber.Map{"run_id": runID, "error": err.Error()})
		}
		logger.Info("Run completed.", "runID", runID, "ranNodes", len(res.Ran))
		return c.JSON(fiber.Map{"run_id": runID, "ran": res.Ran, "state": res.State, "errors": res.Errors})
	})

	app.Post("/nodes/:id/run", func(c fiber.Ctx) error {
		id, err := nodeID(c)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "invalid node id"})
		}
		if !nodeExists(eng, id) {
			return fail(c, fmt.Errorf("%w: %d", graph.ErrNodeNotFound, id))
		}
		runID := uuid.NewString()
		res, err := eng.RunFrom(c.Context(), id)
		if err != nil {
			logger.Error("Partial run failed.", "runID", runID, "node", id, "error", err)
			return c.Status(502).JSON(fiber.Map{"run_id": runID, "error": err.Error()})
		}
		return c.JSON(fiber.Map{"run_id": runID, "ran": res.Ran, "state": res.State, "errors": res.Errors})
	})

	// ── Snapshot ──────────────────────────────────────────────────────
	app.Post("/snapshot", func(c fiber.Ctx) error {
		snap, err := eng.Compile()
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"id": uuid.NewString(), "snapshot": snap})
	})

	return app
}

func nodeExists(eng *engine.Engine, id graph.NodeID) bool {
	nodes, _ := eng.Graph()
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

func nodeID(c fiber.Ctx) (graph.NodeID, error) {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return 0, err
	}
	return graph.NodeID(id), nil
}

// fail maps engine and graph errors onto HTTP statuses.
func fail(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, graph.ErrNodeNotFound), errors.Is(err, graph.ErrEdgeNotFound):
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, graph.ErrCycle),
		errors.Is(err, graph.ErrDuplicateEdge),
		errors.Is(err, graph.ErrSelfLoop),
		errors.Is(err, graph.ErrTriggerTarget):
		return c.Status(422).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(500).JSON(fiber.Map{"error": err.Error()})
}
