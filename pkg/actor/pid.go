package actor

import (
	"context"
	"fmt"
)

// PID is a live actor reference.
type PID struct {
	id     string
	actor  Actor
	system *System
	mb     *mailbox
	done   chan struct{}
}

type stopMsg struct{}

type execMsg struct {
	fn     func(Actor)
	result chan error
}

// ID returns the actor identifier.
func (p *PID) ID() string { return p.id }

// Tell enqueues msg. It returns ErrStopped once the actor is stopping and
// ErrMailboxFull when a bounded mailbox is at capacity.
func (p *PID) Tell(msg any) error {
	return p.mb.push(msg, false)
}

// Exec runs fn on the actor goroutine, between messages, and waits for it.
func (p *PID) Exec(ctx context.Context, fn func(Actor)) error {
	m := execMsg{fn: fn, result: make(chan error, 1)}
	if err := p.mb.push(m, true); err != nil {
		return err
	}
	select {
	case err := <-m.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops the actor after the messages already queued and waits for its
// teardown to finish. Must not be called from the actor's own Receive; use
// Context.Stop there.
func (p *PID) Stop(ctx context.Context) error {
	p.requestStop()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the actor has terminated.
func (p *PID) Done() <-chan struct{} { return p.done }

// Pending returns the number of queued messages.
func (p *PID) Pending() int { return p.mb.len() }

func (p *PID) requestStop() {
	_ = p.mb.pushFinal(stopMsg{})
}

// Query runs fn against the actor's state on its goroutine and returns the result.
func Query[A Actor, T any](ctx context.Context, pid *PID, fn func(A) T) (T, error) {
	var out T
	var typeErr error
	err := pid.Exec(ctx, func(a Actor) {
		typed, ok := a.(A)
		if !ok {
			typeErr = fmt.Errorf("actor: %s is %T", pid.id, a)
			return
		}
		out = fn(typed)
	})
	if err != nil {
		return out, err
	}
	return out, typeErr
}

func (p *PID) run(ctx *Context, started chan<- error) {
	defer close(p.done)
	defer p.system.remove(p)

	if err := p.start(ctx); err != nil {
		p.discard(p.mb.close())
		ctx.runDefers()
		started <- err
		return
	}
	started <- nil

	for range p.mb.signal {
		batch := p.mb.take()
		for i, msg := range batch {
			switch m := msg.(type) {
			case stopMsg:
				p.finish(ctx)
				return
			case execMsg:
				m.result <- p.exec(m.fn)
			default:
				if !p.receive(ctx, msg) {
					p.discard(batch[i+1:])
					p.finish(ctx)
					return
				}
			}
		}
	}
}

func (p *PID) start(ctx *Context) (err error) {
	s, ok := p.actor.(Starter)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor: started panicked: %v", r)
		}
	}()
	return s.Started(ctx)
}

func (p *PID) receive(ctx *Context, msg any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ctx.Logger().Error("receive panicked, stopping actor", "panic", r, "message", fmt.Sprintf("%T", msg))
			ok = false
		}
	}()
	p.actor.Receive(ctx, msg)
	return true
}

func (p *PID) exec(fn func(Actor)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor: exec panicked: %v", r)
		}
	}()
	fn(p.actor)
	return nil
}

func (p *PID) finish(ctx *Context) {
	if s, ok := p.actor.(Stopper); ok {
		ctx.safeCall(func() { s.Stopped(ctx) })
	}
	ctx.runDefers()
	p.discard(p.mb.close())
}

// discard fails pending Exec calls left behind a stop.
func (p *PID) discard(rest []any) {
	for _, msg := range rest {
		if m, ok := msg.(execMsg); ok {
			m.result <- ErrStopped
		}
	}
}

var _ Ref = (*PID)(nil)
