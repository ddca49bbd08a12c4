package relay

import (
	"context"
	"sync"
)

// OnceShutdownHandler is implemented by an object managed by a
// ShutdownGroup. HandleOnceShutdown is invoked exactly once, in its own
// goroutine, and should release all resources the object owns directly
// (not its children, which the group shuts down separately).
type OnceShutdownHandler interface {
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is the minimal interface a child must satisfy to be
// registered with a parent ShutdownGroup.
type AsyncShutdowner interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	WaitShutdown() error
}

// ShutdownGroup anchors a component's goroutines to its own lifetime:
// cancelling it propagates to every child added with AddChild, and
// nothing is considered "done" until every child has finished. This is
// the structured-concurrency root used by tunnels, sub-streams, and
// pending requests so that no goroutine outlives its owner.
type ShutdownGroup struct {
	Logger

	mu sync.Mutex

	handler OnceShutdownHandler

	started bool
	done    bool
	err     error

	startedChan    chan struct{}
	handlerDone    chan struct{}
	doneChan       chan struct{}
	wg             sync.WaitGroup
}

// Init prepares the group in place. Must be called before use.
func (g *ShutdownGroup) Init(logger Logger, handler OnceShutdownHandler) {
	g.Logger = logger
	g.handler = handler
	g.startedChan = make(chan struct{})
	g.handlerDone = make(chan struct{})
	g.doneChan = make(chan struct{})
}

// StartShutdown schedules shutdown if it has not already started. It
// does not block.
func (g *ShutdownGroup) StartShutdown(completionErr error) {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.err = completionErr
	g.mu.Unlock()

	close(g.startedChan)
	go func() {
		g.err = g.handler.HandleOnceShutdown(g.err)
		close(g.handlerDone)
		g.wg.Wait()
		g.mu.Lock()
		g.done = true
		g.mu.Unlock()
		close(g.doneChan)
	}()
}

// Shutdown starts (if needed) and waits for shutdown, returning the
// final completion error.
func (g *ShutdownGroup) Shutdown(completionErr error) error {
	g.StartShutdown(completionErr)
	return g.WaitShutdown()
}

// Close is shorthand for Shutdown(nil).
func (g *ShutdownGroup) Close() error {
	return g.Shutdown(nil)
}

// WaitShutdown blocks until shutdown is complete and returns the final
// completion error. It does not itself initiate shutdown.
func (g *ShutdownGroup) WaitShutdown() error {
	<-g.doneChan
	return g.err
}

// ShutdownDoneChan returns a channel closed once shutdown is complete.
func (g *ShutdownGroup) ShutdownDoneChan() <-chan struct{} {
	return g.doneChan
}

// ShutdownStartedChan returns a channel closed once shutdown has begun.
func (g *ShutdownGroup) ShutdownStartedChan() <-chan struct{} {
	return g.startedChan
}

// IsStartedShutdown reports whether shutdown has begun.
func (g *ShutdownGroup) IsStartedShutdown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}

// ShutdownOnContext begins background monitoring of ctx and starts
// shutdown with ctx.Err() if/when ctx is done, unless shutdown has
// already started for another reason.
func (g *ShutdownGroup) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-g.startedChan:
		case <-ctx.Done():
			g.StartShutdown(ctx.Err())
		}
	}()
}

// AddChild registers a child so that this group's shutdown also shuts
// the child down (with this group's completion error as advisory
// status), and so this group does not finish shutting down until the
// child has. The child may also finish on its own; either way this
// group waits for it.
func (g *ShutdownGroup) AddChild(child AsyncShutdowner) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		select {
		case <-child.ShutdownDoneChan():
		case <-g.handlerDone:
			child.StartShutdown(g.err)
			child.WaitShutdown()
		}
	}()
}

// AddChildFunc registers an arbitrary cleanup function as a child: it
// runs when this group's own HandleOnceShutdown has completed, and this
// group's shutdown will not be considered complete until it returns.
func (g *ShutdownGroup) AddChildFunc(fn func(completionErr error)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		<-g.handlerDone
		fn(g.err)
	}()
}
