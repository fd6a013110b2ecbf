package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/tjfontaine/agent-stream/internal/domain"
)

// ErrSuperseded is the cancellation cause of a run replaced by a newer one.
var ErrSuperseded = errors.New("superseded by a newer stream")

// ErrStopped is the cancellation cause used by Guard.Cancel.
var ErrStopped = errors.New("stream stopped")

// Guard allows at most one active run per conversation key. Starting a run
// for a key cancels the previous one; a cancelled run delivers nothing more
// to its sinks.
type Guard struct {
	dispatcher *Dispatcher

	mu     sync.Mutex
	active map[string]*guardedRun
}

type guardedRun struct {
	stale  atomic.Bool
	cancel context.CancelCauseFunc
}

// stop marks the run stale and cancels it. Sink calls that start after stop
// are dropped; a call already in progress runs to completion. Sinks may stop
// their own run.
func (g *guardedRun) stop(cause error) {
	g.stale.Store(true)
	g.cancel(cause)
}

func (g *guardedRun) deliver(fn func()) {
	if !g.stale.Load() {
		fn()
	}
}

// NewGuard wraps d.
func NewGuard(d *Dispatcher) *Guard {
	return &Guard{
		dispatcher: d,
		active:     make(map[string]*guardedRun),
	}
}

// Run executes req as the only active run for key.
func (g *Guard) Run(ctx context.Context, key string, req *Request, sinks Sinks) domain.StreamResult {
	ctx, cancel := context.WithCancelCause(ctx)
	current := &guardedRun{cancel: cancel}

	g.mu.Lock()
	prev := g.active[key]
	g.active[key] = current
	g.mu.Unlock()

	if prev != nil {
		prev.stop(ErrSuperseded)
	}

	defer func() {
		g.mu.Lock()
		if g.active[key] == current {
			delete(g.active, key)
		}
		g.mu.Unlock()
		cancel(nil)
	}()

	return g.dispatcher.Run(ctx, req, guardSinks(current, sinks))
}

// Cancel stops the active run for key and reports whether one existed.
func (g *Guard) Cancel(key string) bool {
	g.mu.Lock()
	run := g.active[key]
	delete(g.active, key)
	g.mu.Unlock()

	if run == nil {
		return false
	}
	run.stop(ErrStopped)
	return true
}

// Active reports whether key has a running stream.
func (g *Guard) Active(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[key] != nil
}

func guardSinks(run *guardedRun, sinks Sinks) Sinks {
	var out Sinks
	if sinks.Status != nil {
		out.Status = StatusFunc(func(u domain.StatusUpdate) {
			run.deliver(func() { sinks.Status.Status(u) })
		})
	}
	if sinks.Content != nil {
		out.Content = ContentFunc(func(s string) {
			run.deliver(func() { sinks.Content.Content(s) })
		})
	}
	if sinks.Error != nil {
		out.Error = ErrorFunc(func(err *domain.StreamError) {
			run.deliver(func() { sinks.Error.Error(err) })
		})
	}
	if sinks.Diagnostic != nil {
		out.Diagnostic = DiagnosticFunc(func(err *domain.StreamError) {
			run.deliver(func() { sinks.Diagnostic.Diagnostic(err) })
		})
	}
	return out
}
