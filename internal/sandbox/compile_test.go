package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimfeld/ergo-sub000/internal/graph"
)

func codeNode(id graph.NodeID, name, contents string) graph.Node {
	return graph.Node{
		ID:     id,
		Config: graph.Config{Name: name, Function: graph.FunctionCode},
		Meta: graph.Meta{
			Autorun:  true,
			Format:   graph.FormatExpression,
			Contents: contents,
		},
	}
}

func TestInputParams(t *testing.T) {
	nodes := []graph.Node{
		codeNode(1, "first", "1"),
		codeNode(2, "second", "2"),
		codeNode(3, "sink", "first + second"),
	}
	edges := []graph.Edge{{From: 2, To: 3}, {From: 1, To: 3}}

	params := InputParams(nodes, edges)
	require.Len(t, params[3], 2)
	// Edge insertion order, not node order.
	assert.Equal(t, "second", params[3][0].Name)
	assert.Equal(t, graph.NodeID(2), params[3][0].From)
	assert.Equal(t, "first", params[3][1].Name)
	assert.Empty(t, params[1])
}

func TestInputParamsDisambiguatesCollisions(t *testing.T) {
	nodes := []graph.Node{
		codeNode(1, "dup", "1"),
		codeNode(2, "dup", "2"),
		codeNode(3, "dup", "3"),
		codeNode(4, "sink", "0"),
	}
	edges := []graph.Edge{{From: 1, To: 4}, {From: 2, To: 4}, {From: 3, To: 4}}

	params := InputParams(nodes, edges)
	require.Len(t, params[4], 3)
	assert.Equal(t, "dup", params[4][0].Name)
	assert.Equal(t, "dup0", params[4][1].Name)
	assert.Equal(t, "dup1", params[4][2].Name)
}

func TestWrapSource(t *testing.T) {
	t.Run("expression with no inputs", func(t *testing.T) {
		src := WrapSource(codeNode(1, "a", "5"), nil)
		assert.Equal(t, "(function () {\nreturn (\n5\n);\n})", src)
	})

	t.Run("expression with inputs destructures one object", func(t *testing.T) {
		src := WrapSource(codeNode(2, "b", "a + 1"), []Param{{Name: "a", From: 1}})
		assert.Equal(t, "(function ({a}) {\nreturn (\na + 1\n);\n})", src)
	})

	t.Run("statement block is verbatim", func(t *testing.T) {
		n := codeNode(3, "c", "let x = 2; return x * 2;")
		n.Meta.Format = graph.FormatStatements
		src := WrapSource(n, nil)
		assert.Equal(t, "(function () {\nlet x = 2; return x * 2;\n})", src)
	})
}

func TestSanitizeIdent(t *testing.T) {
	cases := map[string]string{
		"plain":     "plain",
		"with code": "with_code",
		"9lives":    "_lives",
		"":          "_",
		"for":       "_for",
		"null":      "_null",
		"a-b.c":     "a_b_c",
		"$cash":     "$cash",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeIdent(in), "input %q", in)
	}
}
