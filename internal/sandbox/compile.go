package sandbox

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/dop251/goja"

	"github.com/dimfeld/ergo-sub000/internal/graph"
)

// rebuild recomputes the id index and input lists from the current nodes
// and edges, then recompiles every node.
func (r *Runtime) rebuild() {
	r.byID = make(map[graph.NodeID]int, len(r.nodes))
	for i, n := range r.nodes {
		r.byID[n.ID] = i
	}

	r.params = InputParams(r.nodes, r.edges)
	r.fns = make(map[graph.NodeID]goja.Callable, len(r.nodes))

	live := make(map[graph.NodeID]bool, len(r.nodes))
	for _, n := range r.nodes {
		live[n.ID] = true
		r.compileNode(n, r.params[n.ID])
	}

	// Drop state and errors belonging to deleted nodes.
	for id := range r.state {
		if !live[id] {
			delete(r.state, id)
		}
	}
	for id := range r.errs {
		if !live[id] {
			delete(r.errs, id)
		}
	}
}

// compileNode compiles one node's source into a callable and updates the
// error map: success clears a prior compile error, failure records one and
// leaves no callable registered.
func (r *Runtime) compileNode(n graph.Node, params []Param) {
	// A node whose source is still empty has no function and no error; it
	// is skipped by runs until the user writes something.
	if strings.TrimSpace(n.Meta.Contents) == "" {
		delete(r.fns, n.ID)
		if e, ok := r.errs[n.ID]; ok && e.Kind == KindCompile {
			delete(r.errs, n.ID)
		}
		return
	}

	src := WrapSource(n, params)
	v, err := r.vm.RunString(src)
	if err != nil {
		delete(r.fns, n.ID)
		r.errs[n.ID] = compileError(err)
		return
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		delete(r.fns, n.ID)
		r.errs[n.ID] = &NodeError{Kind: KindCompile, Message: "source did not produce a function"}
		return
	}

	r.fns[n.ID] = fn
	if e, ok := r.errs[n.ID]; ok && e.Kind == KindCompile {
		delete(r.errs, n.ID)
	}
}

func compileError(err error) *NodeError {
	ne := &NodeError{Kind: KindCompile, Message: err.Error()}
	if ex, ok := err.(*goja.Exception); ok {
		ne.Stack = ex.String()
	}
	return ne
}

// Param is one formal parameter of a generated wrapper: the identifier it
// binds and the upstream node it reads.
type Param struct {
	Name string
	From graph.NodeID
}

// InputParams derives each node's formal parameter list: upstream node
// names in edge insertion order, sanitized to identifiers, with collisions
// disambiguated by suffixing.
func InputParams(nodes []graph.Node, edges []graph.Edge) map[graph.NodeID][]Param {
	names := make(map[graph.NodeID]string, len(nodes))
	for _, n := range nodes {
		names[n.ID] = n.Config.Name
	}

	out := make(map[graph.NodeID][]Param, len(nodes))
	for _, n := range nodes {
		var params []Param
		used := map[string]bool{}
		for _, e := range edges {
			if e.To != n.ID {
				continue
			}
			name := sanitizeIdent(names[e.From])
			if used[name] {
				for i := 0; ; i++ {
					probe := name + strconv.Itoa(i)
					if !used[probe] {
						name = probe
						break
					}
				}
			}
			used[name] = true
			params = append(params, Param{Name: name, From: e.From})
		}
		out[n.ID] = params
	}
	return out
}

// WrapSource generates the JavaScript function expression for one node.
// Expression-format contents become `return (<contents>);`; statement
// blocks are used verbatim. With one or more inputs the arguments are
// destructured from a single object parameter.
func WrapSource(n graph.Node, params []Param) string {
	var body string
	if n.Meta.Format == graph.FormatStatements {
		body = n.Meta.Contents
	} else {
		body = "return (\n" + n.Meta.Contents + "\n);"
	}

	if len(params) == 0 {
		return "(function () {\n" + body + "\n})"
	}
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	return "(function ({" + strings.Join(names, ", ") + "}) {\n" + body + "\n})"
}

// reservedWords are JavaScript keywords that cannot be parameter names.
var reservedWords = map[string]bool{
	"await": true, "break": true, "case": true, "catch": true, "class": true,
	"const": true, "continue": true, "debugger": true, "default": true,
	"delete": true, "do": true, "else": true, "enum": true, "export": true,
	"extends": true, "false": true, "finally": true, "for": true,
	"function": true, "if": true, "import": true, "in": true,
	"instanceof": true, "let": true, "new": true, "null": true,
	"return": true, "static": true, "super": true, "switch": true,
	"this": true, "throw": true, "true": true, "try": true, "typeof": true,
	"var": true, "void": true, "while": true, "with": true, "yield": true,
}

// sanitizeIdent maps an arbitrary node name onto a valid JavaScript
// identifier, deterministically.
func sanitizeIdent(name string) string {
	var b strings.Builder
	for i, r := range name {
		valid := r == '_' || r == '$' || unicode.IsLetter(r) ||
			(i > 0 && unicode.IsDigit(r))
		if valid {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" {
		return "_"
	}
	if reservedWords[s] {
		return "_" + s
	}
	return s
}
