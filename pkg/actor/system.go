package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Config configures an actor System.
type Config struct {
	// Name identifies the system in logs. Default: "actors".
	Name string

	// MailboxSize bounds every mailbox (0 = unbounded).
	MailboxSize int

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// System owns a set of running actors.
type System struct {
	cfg *Config

	mu      sync.RWMutex
	actors  map[string]*PID
	stopped bool

	log *slog.Logger
}

// NewSystem creates an actor system.
func NewSystem(cfg *Config) *System {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Name == "" {
		cfg.Name = "actors"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &System{
		cfg:    cfg,
		actors: make(map[string]*PID),
		log:    cfg.Logger.With("system", cfg.Name),
	}
}

// SpawnOption configures a single spawn.
type SpawnOption func(*spawnOptions)

type spawnOptions struct {
	id          string
	mailboxSize int
}

// WithID sets the actor identifier instead of a generated one. The ID must
// not belong to a running actor of the same system.
func WithID(id string) SpawnOption {
	return func(o *spawnOptions) {
		o.id = id
	}
}

// WithMailboxSize bounds this actor's mailbox.
func WithMailboxSize(n int) SpawnOption {
	return func(o *spawnOptions) {
		o.mailboxSize = n
	}
}

// Spawn starts a as a new actor and waits for its Started hook.
func (s *System) Spawn(ctx context.Context, a Actor, opts ...SpawnOption) (*PID, error) {
	o := spawnOptions{mailboxSize: s.cfg.MailboxSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	pid := &PID{
		id:     o.id,
		actor:  a,
		system: s,
		mb:     newMailbox(o.mailboxSize),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrSystemStopped
	}
	if _, ok := s.actors[pid.id]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, pid.id)
	}
	s.actors[pid.id] = pid
	s.mu.Unlock()

	started := make(chan error, 1)
	go pid.run(&Context{self: pid, system: s}, started)

	select {
	case err := <-started:
		if err != nil {
			s.log.Debug("actor failed to start", "actor_id", pid.id, "error", err)
			return nil, err
		}
		return pid, nil
	case <-ctx.Done():
		pid.requestStop()
		return nil, ctx.Err()
	}
}

// Lookup returns a running actor by ID.
func (s *System) Lookup(id string) (*PID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pid, ok := s.actors[id]
	return pid, ok
}

// Count returns the number of running actors.
func (s *System) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.actors)
}

// Shutdown stops every actor and waits for them to terminate.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	pids := make([]*PID, 0, len(s.actors))
	for _, pid := range s.actors {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	for _, pid := range pids {
		pid.requestStop()
	}
	for _, pid := range pids {
		select {
		case <-pid.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *System) remove(pid *PID) {
	s.mu.Lock()
	if cur, ok := s.actors[pid.id]; ok && cur == pid {
		delete(s.actors, pid.id)
	}
	s.mu.Unlock()
}
