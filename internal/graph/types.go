package graph

// NodeID is the stable identity of a node. IDs are assigned monotonically
// by the owning Graph and are never reused within it.
type NodeID int

// FunctionKind describes what a node's function descriptor is.
type FunctionKind string

const (
	// FunctionCode is a pure code node: its contents are compiled into a
	// function of its upstream values.
	FunctionCode FunctionKind = "code"
	// FunctionTrigger is an event-source node. It produces values on its
	// own and may never be the destination of an edge.
	FunctionTrigger FunctionKind = "trigger"
)

// Format describes how a node's contents are interpreted when compiled.
type Format string

const (
	// FormatExpression wraps the contents as `return (<contents>);`.
	FormatExpression Format = "expression"
	// FormatStatements uses the contents verbatim as a function body.
	FormatStatements Format = "statements"
)

// Config is the user-visible identity of a node.
type Config struct {
	Name     string       `json:"name"`
	Function FunctionKind `json:"function"`
}

// Meta holds per-node execution flags plus presentation data that the
// engine carries but does not interpret.
type Meta struct {
	Autorun         bool    `json:"autorun"`
	Format          Format  `json:"format"`
	Contents        string  `json:"contents"`
	AllowNullInputs bool    `json:"allow_null_inputs"`
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	Color           string  `json:"color"`
	// Extra holds free-form presentation attributes (from graph definition
	// files or the editing surface). Never consulted by execution.
	Extra map[string]any `json:"extra,omitempty"`
}

// Node is a unit of computation in the dataflow graph.
type Node struct {
	ID     NodeID `json:"id"`
	Config Config `json:"config"`
	Meta   Meta   `json:"meta"`
}

// Edge is a directed data dependency: From's output feeds To's input.
type Edge struct {
	From NodeID `json:"from"`
	To   NodeID `json:"to"`
	Name string `json:"name,omitempty"`
}
