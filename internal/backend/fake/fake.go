// Package fake is an in-process Backend for tests and BACKEND=fake runs.
// Nothing is actually started; containers are entries in a map whose
// behavior is driven by a Script.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yungbote/notebookhub/internal/backend"
	"github.com/yungbote/notebookhub/internal/domain/session"
)

const (
	OpCreate    = "create"
	OpStart     = "start"
	OpPollReady = "poll_ready"
	OpStop      = "stop"
	OpRemove    = "remove"
)

// Script controls how the fake responds.
type Script struct {
	CreateErr  error
	StartErr   error
	StopErr    error
	RemoveErr  error
	NeverReady bool
	// CreateGate, when non-nil, blocks Create until it is closed.
	CreateGate chan struct{}
	// ReadyGate, when non-nil, blocks PollReady until it is closed.
	ReadyGate    chan struct{}
	PollInterval time.Duration
	BasePort     int
}

type container struct {
	spec    backend.Spec
	started bool
	running bool
	removed bool
	ip      string
}

type Backend struct {
	mu         sync.Mutex
	script     Script
	calls      map[string]int
	containers map[backend.Ref]*container
	order      []backend.Ref
	seq        int
	lastPoll   time.Duration
}

var (
	_ backend.Backend   = (*Backend)(nil)
	_ backend.Inspector = (*Backend)(nil)
)

func New() *Backend {
	return &Backend{
		script:     Script{PollInterval: 5 * time.Millisecond, BasePort: 8888},
		calls:      make(map[string]int),
		containers: make(map[backend.Ref]*container),
	}
}

// Set edits the script under the lock.
func (b *Backend) Set(fn func(s *Script)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.script)
}

func (b *Backend) snapshot(op string) Script {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[op]++
	return b.script
}

func (b *Backend) Create(ctx context.Context, spec backend.Spec) (backend.Ref, error) {
	s := b.snapshot(OpCreate)
	if s.CreateGate != nil {
		select {
		case <-s.CreateGate:
		case <-ctx.Done():
			return "", fmt.Errorf("create %s: %w", spec.User, backend.ErrBackendUnavailable)
		}
	}
	if s.CreateErr != nil {
		return "", s.CreateErr
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ref := backend.Ref(fmt.Sprintf("fake-%s-%d", backend.EscapeUser(spec.User), b.seq))
	b.containers[ref] = &container{spec: spec, ip: fmt.Sprintf("10.0.0.%d", b.seq%250+2)}
	b.order = append(b.order, ref)
	return ref, nil
}

func (b *Backend) Start(_ context.Context, ref backend.Ref) error {
	s := b.snapshot(OpStart)
	if s.StartErr != nil {
		return s.StartErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[ref]
	if !ok || c.removed {
		return fmt.Errorf("start %s: no such container: %w", ref, backend.ErrBackendUnavailable)
	}
	c.started = true
	c.running = true
	return nil
}

func (b *Backend) PollReady(ctx context.Context, ref backend.Ref, timeout time.Duration) (session.Endpoint, error) {
	s := b.snapshot(OpPollReady)
	b.mu.Lock()
	b.lastPoll = timeout
	b.mu.Unlock()
	if s.ReadyGate != nil {
		select {
		case <-s.ReadyGate:
		case <-ctx.Done():
			return session.Endpoint{}, ctx.Err()
		}
	}
	return backend.Poll(ctx, s.PollInterval, timeout, func(context.Context) (session.Endpoint, bool, error) {
		if s.NeverReady {
			return session.Endpoint{}, false, nil
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		c, ok := b.containers[ref]
		if !ok || !c.running {
			return session.Endpoint{}, false, nil
		}
		return session.Endpoint{Host: c.ip, Port: s.BasePort}, true, nil
	})
}

func (b *Backend) Stop(_ context.Context, ref backend.Ref) error {
	s := b.snapshot(OpStop)
	b.mu.Lock()
	if c, ok := b.containers[ref]; ok {
		c.running = false
	}
	b.mu.Unlock()
	return s.StopErr
}

func (b *Backend) Remove(_ context.Context, ref backend.Ref) error {
	s := b.snapshot(OpRemove)
	if s.RemoveErr != nil {
		return s.RemoveErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.containers[ref]; ok {
		c.running = false
		c.removed = true
	}
	return nil
}

func (b *Backend) Running(_ context.Context, ref backend.Ref) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[ref]
	if !ok {
		return false, nil
	}
	return c.running, nil
}

// Crash simulates the container exiting on its own.
func (b *Backend) Crash(ref backend.Ref) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.containers[ref]; ok {
		c.running = false
	}
}

// Calls returns how many times op was invoked.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// LastPollTimeout returns the timeout passed to the latest PollReady.
func (b *Backend) LastPollTimeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPoll
}

// Refs lists created containers in creation order.
func (b *Backend) Refs() []backend.Ref {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backend.Ref, len(b.order))
	copy(out, b.order)
	return out
}

// Spec returns the spec a container was created with.
func (b *Backend) Spec(ref backend.Ref) (backend.Spec, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[ref]
	if !ok {
		return backend.Spec{}, false
	}
	return c.spec, true
}
