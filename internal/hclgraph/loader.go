// Package hclgraph loads dataflow graph definitions from HCL files. A
// definition is a flat list of node and edge blocks:
//
//	node "a" {
//	  contents = "5"
//	}
//
//	node "b" {
//	  format   = "statements"
//	  contents = "return a + 1;"
//	}
//
//	edge {
//	  from = "a"
//	  to   = "b"
//	}
//
// Edges reference nodes by name, so names must be unique within a file.
package hclgraph

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/dimfeld/ergo-sub000/internal/ctxlog"
	"github.com/dimfeld/ergo-sub000/internal/engine"
	"github.com/dimfeld/ergo-sub000/internal/graph"
)

type fileRoot struct {
	Nodes []*nodeBlock `hcl:"node,block"`
	Edges []*edgeBlock `hcl:"edge,block"`
}

type nodeBlock struct {
	Name            string     `hcl:"name,label"`
	Function        *string    `hcl:"function,optional"`
	Format          *string    `hcl:"format,optional"`
	Contents        string     `hcl:"contents"`
	Autorun         *bool      `hcl:"autorun,optional"`
	AllowNullInputs *bool      `hcl:"allow_null_inputs,optional"`
	X               *float64   `hcl:"x,optional"`
	Y               *float64   `hcl:"y,optional"`
	Meta            *metaBlock `hcl:"meta,block"`
}

// metaBlock captures arbitrary presentation attributes without a fixed
// schema.
type metaBlock struct {
	Body hcl.Body `hcl:",remain"`
}

type edgeBlock struct {
	From string  `hcl:"from"`
	To   string  `hcl:"to"`
	Name *string `hcl:"name,optional"`
}

// NodeDef is one parsed node definition, not yet assigned an ID.
type NodeDef struct {
	Name     string
	Function graph.FunctionKind
	Meta     graph.Meta
}

// EdgeDef references its endpoints by node name.
type EdgeDef struct {
	From, To string
}

// Definition is a parsed graph file.
type Definition struct {
	Nodes []NodeDef
	Edges []EdgeDef
}

// LoadFile parses a graph definition from disk.
func LoadFile(ctx context.Context, path string) (*Definition, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hclgraph: reading %s: %w", path, err)
	}
	return Parse(ctx, src, path)
}

// Parse decodes a graph definition from source bytes.
func Parse(ctx context.Context, src []byte, filename string) (*Definition, error) {
	logger := ctxlog.FromContext(ctx)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("hclgraph: parsing %s: %w", filename, diags)
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("hclgraph: decoding %s: %w", filename, diags)
	}

	def := &Definition{}
	seen := map[string]bool{}
	for _, nb := range root.Nodes {
		if seen[nb.Name] {
			return nil, fmt.Errorf("hclgraph: %s: duplicate node name %q", filename, nb.Name)
		}
		seen[nb.Name] = true

		nd, err := translateNode(nb)
		if err != nil {
			return nil, fmt.Errorf("hclgraph: %s: node %q: %w", filename, nb.Name, err)
		}
		def.Nodes = append(def.Nodes, nd)
	}
	for _, eb := range root.Edges {
		if !seen[eb.From] {
			return nil, fmt.Errorf("hclgraph: %s: edge references unknown node %q", filename, eb.From)
		}
		if !seen[eb.To] {
			return nil, fmt.Errorf("hclgraph: %s: edge references unknown node %q", filename, eb.To)
		}
		def.Edges = append(def.Edges, EdgeDef{From: eb.From, To: eb.To})
	}

	logger.Debug("Graph definition parsed.", "file", filename, "nodes", len(def.Nodes), "edges", len(def.Edges))
	return def, nil
}

func translateNode(nb *nodeBlock) (NodeDef, error) {
	nd := NodeDef{
		Name:     nb.Name,
		Function: graph.FunctionCode,
		Meta: graph.Meta{
			Autorun:  true,
			Format:   graph.FormatExpression,
			Contents: nb.Contents,
		},
	}

	if nb.Function != nil {
		switch graph.FunctionKind(*nb.Function) {
		case graph.FunctionCode, graph.FunctionTrigger:
			nd.Function = graph.FunctionKind(*nb.Function)
		default:
			return nd, fmt.Errorf("unknown function kind %q", *nb.Function)
		}
	}
	if nb.Format != nil {
		switch graph.Format(*nb.Format) {
		case graph.FormatExpression, graph.FormatStatements:
			nd.Meta.Format = graph.Format(*nb.Format)
		default:
			return nd, fmt.Errorf("unknown format %q", *nb.Format)
		}
	}
	if nb.Autorun != nil {
		nd.Meta.Autorun = *nb.Autorun
	}
	if nb.AllowNullInputs != nil {
		nd.Meta.AllowNullInputs = *nb.AllowNullInputs
	}
	if nb.X != nil {
		nd.Meta.X = *nb.X
	}
	if nb.Y != nil {
		nd.Meta.Y = *nb.Y
	}
	if nb.Meta != nil {
		extra, err := decodeMeta(nb.Meta.Body)
		if err != nil {
			return nd, err
		}
		nd.Meta.Extra = extra
	}
	return nd, nil
}

// Apply builds the definition into the engine: all nodes, then all edges,
// then node contents. Wiring edges before contents means a node whose
// upstream has not produced output yet is skipped by the incremental runs
// that content edits trigger, instead of erroring on an unbound name.
// Returns the name-to-ID assignment.
func (d *Definition) Apply(ctx context.Context, eng *engine.Engine) (map[string]graph.NodeID, error) {
	ids := make(map[string]graph.NodeID, len(d.Nodes))
	for _, nd := range d.Nodes {
		node, err := eng.AddNode(ctx, nd.Meta.X, nd.Meta.Y, nd.Name, nd.Function)
		if err != nil {
			return nil, fmt.Errorf("hclgraph: adding node %q: %w", nd.Name, err)
		}
		ids[nd.Name] = node.ID
	}
	for _, ed := range d.Edges {
		if err := eng.AddEdge(ctx, ids[ed.From], ids[ed.To]); err != nil {
			return nil, fmt.Errorf("hclgraph: edge %s -> %s: %w", ed.From, ed.To, err)
		}
	}
	for _, nd := range d.Nodes {
		meta := nd.Meta
		change := engine.NodeChange{
			Contents:        &meta.Contents,
			Autorun:         &meta.Autorun,
			AllowNullInputs: &meta.AllowNullInputs,
			Format:          &meta.Format,
		}
		if err := eng.UpdateNode(ctx, ids[nd.Name], change); err != nil {
			return nil, fmt.Errorf("hclgraph: configuring node %q: %w", nd.Name, err)
		}
	}
	return ids, nil
}
