package hclgraph

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimfeld/ergo-sub000/internal/engine"
	"github.com/dimfeld/ergo-sub000/internal/graph"
)

const chainSource = `
node "a" {
  contents = "5"
}

node "b" {
  format   = "statements"
  contents = "return a + 1;"
  x        = 120
  y        = 40

  meta {
    collapsed = true
    tags      = ["demo", "chain"]
  }
}

edge {
  from = "a"
  to   = "b"
}
`

func TestParse(t *testing.T) {
	def, err := Parse(context.Background(), []byte(chainSource), "chain.hcl")
	require.NoError(t, err)

	require.Len(t, def.Nodes, 2)
	require.Len(t, def.Edges, 1)

	a := def.Nodes[0]
	assert.Equal(t, "a", a.Name)
	assert.Equal(t, graph.FunctionCode, a.Function)
	assert.Equal(t, graph.FormatExpression, a.Meta.Format)
	assert.True(t, a.Meta.Autorun)

	b := def.Nodes[1]
	assert.Equal(t, graph.FormatStatements, b.Meta.Format)
	assert.Equal(t, 120.0, b.Meta.X)

	wantExtra := map[string]any{
		"collapsed": true,
		"tags":      []any{"demo", "chain"},
	}
	if diff := cmp.Diff(wantExtra, b.Meta.Extra); diff != "" {
		t.Errorf("meta mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, EdgeDef{From: "a", To: "b"}, def.Edges[0])
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"bad syntax":        `node "a" {`,
		"missing contents":  `node "a" {}`,
		"duplicate name":    `node "a" { contents = "1" }` + "\n" + `node "a" { contents = "2" }`,
		"unknown edge node": `node "a" { contents = "1" }` + "\n" + `edge { from = "a" to = "zzz" }`,
		"bad format":        `node "a" { contents = "1" format = "prose" }`,
		"bad function":      `node "a" { contents = "1" function = "teleport" }`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(context.Background(), []byte(src), "test.hcl")
			assert.Error(t, err)
		})
	}
}

func TestApply(t *testing.T) {
	def, err := Parse(context.Background(), []byte(chainSource), "chain.hcl")
	require.NoError(t, err)

	eng, err := engine.New(context.Background(), engine.Options{CallTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	ids, err := def.Apply(context.Background(), eng)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	res, err := eng.RunAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, int64(5), res.State[ids["a"]])
	assert.Equal(t, int64(6), res.State[ids["b"]])
}
