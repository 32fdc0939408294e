package transport

import (
	"errors"
	"fmt"
)

// Op identifies a sandbox operation. Keeping this a closed enum gives the
// dispatcher an exhaustive switch instead of a stringly-typed handler table
// with a runtime "no handler" fallback.
type Op int

const (
	OpSetConfig Op = iota
	OpUpdateNode
	OpUpdateEdges
	OpRunAll
	OpRunFrom
)

// String returns the wire name of the operation.
func (op Op) String() string {
	switch op {
	case OpSetConfig:
		return "set_config"
	case OpUpdateNode:
		return "update_node"
	case OpUpdateEdges:
		return "update_edges"
	case OpRunAll:
		return "run_all"
	case OpRunFrom:
		return "run_from"
	}
	return fmt.Sprintf("op(%d)", int(op))
}

// Response names on the wire. Every request is answered by exactly one of
// these, reusing the request's correlation ID.
const (
	nameResolve = "respond_resolve"
	nameReject  = "respond_reject"
)

// Request is the message sent to the isolated context.
type Request struct {
	ID      uint64
	Op      Op
	Payload any
}

// Response is the message returned by the isolated context. Data is set for
// respond_resolve, Fault for respond_reject.
type Response struct {
	ID    uint64
	Name  string
	Data  any
	Fault *Fault
}

// Fault is the reject payload: a message plus the remote stack, enough to
// reconstruct a native error on the receiving side.
type Fault struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

func (f *Fault) Error() string { return f.Message }

// Transport-level failures. Node-level errors never surface here; they are
// data inside resolve payloads.
var (
	// ErrTimeout marks a call that outlived its deadline. The worker has
	// been restarted; any configuration it held is gone.
	ErrTimeout = errors.New("transport: call timed out")
	// ErrTerminated marks a call that was pending when the worker was
	// destroyed or restarted; the replacement context has no memory of it.
	ErrTerminated = errors.New("transport: worker terminated")
	// ErrDestroyed is returned for calls issued after Destroy.
	ErrDestroyed = errors.New("transport: transport destroyed")
)

// Handler processes one request inside the isolated context. Returning an
// error produces a respond_reject for that request.
type Handler interface {
	Handle(req Request) (any, error)
}

// Factory creates a fresh isolated context. Called once at construction and
// once per restart.
type Factory func() (Handler, error)

// Interrupter is an optional Handler extension: a handler that can abort
// work already executing when its worker is torn down. Handlers without it
// are merely abandoned on restart, which leaks whatever they were doing.
type Interrupter interface {
	Interrupt()
}

// stackProvider lets handler errors carry a script-level stack trace into
// the reject payload.
type stackProvider interface {
	ErrorStack() string
}
