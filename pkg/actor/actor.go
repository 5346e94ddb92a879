// Package actor provides a minimal actor runtime.
//
// Each actor owns a FIFO mailbox and processes messages one at a time on its
// own goroutine. Sends are fire-and-forget: Tell never blocks and never waits
// for the message to be handled. Lifecycle hooks run on the actor goroutine,
// so Started, Receive and Stopped never overlap.
package actor

import (
	"errors"
	"log/slog"
)

// Runtime errors.
var (
	// ErrStopped is returned when sending to or executing on a stopped actor.
	ErrStopped = errors.New("actor: stopped")

	// ErrMailboxFull is returned by Tell when a bounded mailbox is at capacity.
	ErrMailboxFull = errors.New("actor: mailbox full")

	// ErrSystemStopped is returned by Spawn after Shutdown.
	ErrSystemStopped = errors.New("actor: system stopped")

	// ErrDuplicateID is returned by Spawn when a running actor already has the ID.
	ErrDuplicateID = errors.New("actor: id already in use")
)

// Actor handles messages delivered to its mailbox.
type Actor interface {
	// Receive is called for every message, one at a time, in enqueue order.
	Receive(ctx *Context, msg any)
}

// Starter is implemented by actors that need setup before the first message.
// A non-nil error aborts the spawn.
type Starter interface {
	Started(ctx *Context) error
}

// Stopper is implemented by actors that need teardown after the last message.
type Stopper interface {
	Stopped(ctx *Context)
}

// Ref is an addressable mailbox.
type Ref interface {
	// ID returns the identifier of the actor behind this reference.
	ID() string

	// Tell enqueues msg without waiting for it to be handled.
	Tell(msg any) error
}

// Context is handed to lifecycle hooks and Receive.
type Context struct {
	self   *PID
	system *System
	defers []func()
}

// Self returns the actor's own reference.
func (c *Context) Self() *PID { return c.self }

// System returns the owning actor system.
func (c *Context) System() *System { return c.system }

// Logger returns a logger annotated with the actor ID.
func (c *Context) Logger() *slog.Logger {
	return c.system.log.With("actor_id", c.self.id)
}

// Defer registers fn to run when the actor terminates. Deferred functions run
// in LIFO order after Stopped, and also when Started fails or Receive panics.
func (c *Context) Defer(fn func()) {
	c.defers = append(c.defers, fn)
}

// Stop asks the actor to stop after the messages already in its mailbox.
// It does not wait and is safe to call from Receive.
func (c *Context) Stop() {
	c.self.requestStop()
}

func (c *Context) runDefers() {
	for i := len(c.defers) - 1; i >= 0; i-- {
		c.safeCall(c.defers[i])
	}
	c.defers = nil
}

func (c *Context) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.Logger().Error("deferred cleanup panicked", "panic", r)
		}
	}()
	fn()
}
