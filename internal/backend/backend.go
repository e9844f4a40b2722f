// Package backend abstracts the container runtime that hosts single-user
// notebook servers. The orchestrator only decides what should exist; a
// Backend makes it so.
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/yungbote/notebookhub/internal/domain/session"
)

var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrImagePullFailed    = errors.New("image pull failed")
	ErrStartTimeout       = errors.New("start timeout")
)

// Ref is the opaque handle a backend returns from Create.
type Ref string

// Spec describes the container to create for one user.
type Spec struct {
	User     string
	ImageKey string
	Image    string
	// Mounts maps volume name to mount path inside the container.
	Mounts map[string]string
	Env    map[string]string
}

// Backend drives one container through its lifecycle. Every method may block;
// callers bound them with ctx.
type Backend interface {
	Create(ctx context.Context, spec Spec) (Ref, error)
	Start(ctx context.Context, ref Ref) error
	// PollReady waits until the container serves traffic or timeout elapses,
	// in which case it fails with ErrStartTimeout.
	PollReady(ctx context.Context, ref Ref, timeout time.Duration) (session.Endpoint, error)
	Stop(ctx context.Context, ref Ref) error
	Remove(ctx context.Context, ref Ref) error
}

// Inspector is implemented by backends that can report whether a container
// is still running. The dispatcher uses it to detect crashes.
type Inspector interface {
	Running(ctx context.Context, ref Ref) (bool, error)
}

// ProbeFunc reports readiness. A non-nil error other than ErrBackendUnavailable
// aborts polling; (false, nil) means try again.
type ProbeFunc func(ctx context.Context) (session.Endpoint, bool, error)

// Poll calls probe every interval until it reports ready, returns a hard
// error, or timeout elapses.
func Poll(ctx context.Context, interval, timeout time.Duration, probe ProbeFunc) (session.Endpoint, error) {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ep, ready, err := probe(ctx)
		switch {
		case err != nil && !errors.Is(err, ErrBackendUnavailable):
			return session.Endpoint{}, err
		case ready:
			return ep, nil
		}
		select {
		case <-ctx.Done():
			return session.Endpoint{}, ctx.Err()
		case <-deadline.C:
			return session.Endpoint{}, ErrStartTimeout
		case <-ticker.C:
		}
	}
}
