// Package transport implements the one-shot request/response exchange
// between the controller and the sandbox runtime. The sandbox runs on its
// own goroutine with no shared mutable state; every interaction is a
// correlated message pair. A timed-out call destroys and recreates the
// sandbox, rejecting everything else in flight.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dimfeld/ergo-sub000/internal/ctxlog"
)

// requestBuffer bounds how many requests may queue ahead of the serial
// worker before callers block.
const requestBuffer = 64

type call struct {
	data any
	err  error
}

// Transport owns the worker lifecycle and the pending-call table. Safe for
// concurrent use by multiple callers; requests are handled strictly
// serially by one worker goroutine per generation.
type Transport struct {
	factory Factory

	mu sync.Mutex
	// nextID is the correlation id counter. Scoped to this instance, never
	// shared across transports.
	nextID    uint64
	gen       uint64
	handler   Handler
	pending   map[uint64]chan call
	requests  chan Request
	stop      chan struct{}
	destroyed bool
}

// New creates a transport and spawns the first worker from the factory.
func New(ctx context.Context, factory Factory) (*Transport, error) {
	t := &Transport{
		factory: factory,
		pending: make(map[uint64]chan call),
	}
	if err := t.spawnLocked(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// spawnLocked starts a fresh worker generation. Callers must hold mu (New
// is single-threaded at construction and may call it unlocked).
func (t *Transport) spawnLocked(ctx context.Context) error {
	handler, err := t.factory()
	if err != nil {
		return fmt.Errorf("transport: creating worker context: %w", err)
	}
	t.gen++
	t.handler = handler
	t.requests = make(chan Request, requestBuffer)
	t.stop = make(chan struct{})
	go t.serve(ctx, handler, t.requests, t.stop, t.gen)
	return nil
}

// interruptLocked aborts work executing inside the current handler, for
// handlers that support it. Without this a worker stuck in a request would
// keep running after its generation is retired.
func (t *Transport) interruptLocked() {
	if ir, ok := t.handler.(Interrupter); ok {
		ir.Interrupt()
	}
}

// serve is the worker loop: it drains requests one at a time and answers
// each with exactly one resolve or reject. A panicking handler rejects the
// request instead of crashing the controller.
func (t *Transport) serve(ctx context.Context, h Handler, requests chan Request, stop chan struct{}, gen uint64) {
	logger := ctxlog.FromContext(ctx).With("transportGen", gen)
	logger.Debug("Worker started.")
	for {
		select {
		case <-stop:
			logger.Debug("Worker stopped.")
			return
		case req := <-requests:
			t.deliver(ctx, gen, handle(h, req))
		}
	}
}

// handle invokes the handler and shapes the wire response.
func handle(h Handler, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = Response{ID: req.ID, Name: nameReject, Fault: &Fault{
				Message: fmt.Sprintf("handler panic in %s: %v", req.Op, r),
			}}
		}
	}()

	data, err := h.Handle(req)
	if err != nil {
		fault := &Fault{Message: err.Error()}
		if sp, ok := err.(stackProvider); ok {
			fault.Stack = sp.ErrorStack()
		}
		return Response{ID: req.ID, Name: nameReject, Fault: fault}
	}
	return Response{ID: req.ID, Name: nameResolve, Data: data}
}

// deliver routes a worker response to its pending caller. Responses from a
// superseded generation or for an unknown id are logged and dropped.
func (t *Transport) deliver(ctx context.Context, gen uint64, resp Response) {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := ctxlog.FromContext(ctx)
	if gen != t.gen {
		logger.Debug("Dropping response from stale worker generation.", "id", resp.ID, "gen", gen)
		return
	}
	ch, ok := t.pending[resp.ID]
	if !ok {
		logger.Warn("Dropping response for unknown correlation id.", "id", resp.ID, "name", resp.Name)
		return
	}
	delete(t.pending, resp.ID)

	if resp.Name == nameReject {
		ch <- call{err: resp.Fault}
		return
	}
	ch <- call{data: resp.Data}
}

// Call sends one request and waits for its response. A timeout of zero
// means wait indefinitely (or until ctx is done). On timeout the call
// fails with ErrTimeout and the worker is destructively restarted,
// rejecting all other pending calls with ErrTerminated.
func (t *Transport) Call(ctx context.Context, op Op, payload any, timeout time.Duration) (any, error) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil, ErrDestroyed
	}
	t.nextID++
	id := t.nextID
	ch := make(chan call, 1)
	t.pending[id] = ch
	requests := t.requests
	t.mu.Unlock()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case requests <- Request{ID: id, Op: op, Payload: payload}:
	case res := <-ch:
		// A concurrent restart rejected us before the request was even
		// enqueued.
		return res.data, res.err
	case <-timeoutC:
		t.abandon(id)
		t.restart(ctx, op)
		return nil, fmt.Errorf("%s after %v: %w", op, timeout, ErrTimeout)
	case <-ctx.Done():
		t.abandon(id)
		return nil, ctx.Err()
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-timeoutC:
		t.abandon(id)
		t.restart(ctx, op)
		return nil, fmt.Errorf("%s after %v: %w", op, timeout, ErrTimeout)
	case <-ctx.Done():
		t.abandon(id)
		return nil, ctx.Err()
	}
}

// abandon forgets a pending call, typically because its caller already has
// an answer (timeout or cancellation).
func (t *Transport) abandon(id uint64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// restart tears the worker context down and builds a fresh one. Every
// other pending call is rejected with ErrTerminated: the replacement
// worker holds no configuration and would never answer them.
func (t *Transport) restart(ctx context.Context, cause Op) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}

	logger := ctxlog.FromContext(ctx)
	logger.Warn("Restarting sandbox worker.", "cause", cause.String(), "rejectedCalls", len(t.pending))

	close(t.stop)
	t.interruptLocked()
	t.rejectAllLocked()
	if err := t.spawnLocked(ctx); err != nil {
		// Without a worker the transport is unusable; surface that on the
		// next Call rather than hiding it.
		logger.Error("Failed to respawn sandbox worker.", "error", err)
		t.destroyed = true
	}
}

// Destroy tears down the worker and rejects all pending calls. Idempotent.
func (t *Transport) Destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}
	t.destroyed = true
	close(t.stop)
	t.interruptLocked()
	t.rejectAllLocked()
}

func (t *Transport) rejectAllLocked() {
	for id, ch := range t.pending {
		delete(t.pending, id)
		ch <- call{err: ErrTerminated}
	}
}
