package reactive

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Effect is a reactive scope: its body runs synchronously to register
// signal dependencies, may spawn cancellable async tasks, register
// cleanup callbacks, and create nested effects. When a tracked signal
// changes, the body re-runs: the previous run's cleanups fire (LIFO),
// its children close, and its spawned tasks are cancelled and joined,
// before the body runs again from scratch. Closing an effect does the
// same teardown permanently and prevents further re-runs.
type Effect struct {
	parent *Effect
	ctx    context.Context
	cancel context.CancelFunc
	body   func(*Effect)

	mu        sync.Mutex
	closed    bool
	running   bool
	cleanups  []func()
	children  []*Effect
	deps      []func()
	runCtx    context.Context
	runCancel context.CancelFunc
	group     *errgroup.Group
}

// NewRoot creates a top-level effect with no body of its own. It never
// re-runs; it exists only as the owning scope for nested Child effects
// and Spawn'd tasks, and is the thing a caller Closes to tear down an
// entire subtree (e.g. an outermost broadcast scope).
func NewRoot(ctx context.Context) *Effect {
	e := &Effect{body: func(*Effect) {}}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.beginRun()
	return e
}

// Child creates a nested effect owned by e: it runs body immediately,
// and closes automatically when e closes or re-runs. It re-runs on its
// own whenever a signal read (via Get) during its own body changes.
func (e *Effect) Child(body func(*Effect)) *Effect {
	child := &Effect{parent: e, body: body}
	child.ctx, child.cancel = context.WithCancel(e.ctx)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		child.cancel()
		return child
	}
	e.children = append(e.children, child)
	e.mu.Unlock()

	child.beginRun()
	return child
}

// OnCleanup registers fn to run when the current run of e ends — either
// because e is re-running (a dependency changed) or e is closing. Cleanups
// run in LIFO order, each exactly once per run.
func (e *Effect) OnCleanup(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.cleanups = append(e.cleanups, fn)
}

// Spawn launches fn in its own goroutine, owned by e's current run. The
// context passed to fn is cancelled when e's current run ends (re-run or
// close), whichever comes first; closing/re-running e waits for fn to
// return before the teardown is considered complete. A non-nil error
// from fn is discarded: neither a re-run nor Close reports it — the core
// treats task failure as a condition to observe via signals, not a
// panic source.
func (e *Effect) Spawn(fn func(ctx context.Context) error) {
	e.mu.Lock()
	if e.closed || e.group == nil {
		e.mu.Unlock()
		return
	}
	g := e.group
	runCtx := e.runCtx
	e.mu.Unlock()

	g.Go(func() error {
		return fn(runCtx)
	})
}

// Context returns the context for e's current run: it is cancelled when
// the run ends, whether by re-run or Close.
func (e *Effect) Context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

// addDep registers unsub to be called when e's current run ends. Used by
// Signal.Get to wire up dependency teardown.
func (e *Effect) addDep(unsub func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		unsub()
		return
	}
	e.deps = append(e.deps, unsub)
}

// scheduleRerun is called by a Signal when it changes. It re-runs any
// effect that is not closed. A root's body reads no signals, so a root
// only gets here if a caller passes it to Signal.Get directly; in normal
// use this is reached only for effects created via Child.
func (e *Effect) scheduleRerun() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.rerun()
}

// beginRun tears down nothing (there is no prior run) and executes body
// for the first time, installing a fresh run scope.
func (e *Effect) beginRun() {
	e.mu.Lock()
	e.runCtx, e.runCancel = context.WithCancel(e.ctx)
	e.group = &errgroup.Group{}
	e.running = true
	e.mu.Unlock()

	e.body(e)
}

// rerun disposes the current run (cleanups, children, spawned tasks) and
// executes body again with a fresh run scope.
func (e *Effect) rerun() {
	e.disposeRun()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.beginRun()
}

// disposeRun closes children, cancels spawned tasks and waits for them,
// then fires cleanups in LIFO order, then clears tracked dependencies.
// It is idempotent-safe to call even when there is no active run.
func (e *Effect) disposeRun() {
	e.mu.Lock()
	children := e.children
	e.children = nil
	cleanups := e.cleanups
	e.cleanups = nil
	deps := e.deps
	e.deps = nil
	cancel := e.runCancel
	group := e.group
	e.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		children[i].Close()
	}

	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}

	for _, unsub := range deps {
		unsub()
	}
}

// Close tears down e's current run and permanently prevents further
// re-runs. Closing an already-closed effect is a no-op.
func (e *Effect) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.disposeRun()
	e.cancel()
}

// Closed reports whether e has been closed.
func (e *Effect) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
