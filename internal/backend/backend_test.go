package backend

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yungbote/notebookhub/internal/domain/session"
)

func TestPollReturnsOnceReady(t *testing.T) {
	var calls int32
	ep, err := Poll(context.Background(), 5*time.Millisecond, time.Second, func(context.Context) (session.Endpoint, bool, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return session.Endpoint{}, false, nil
		}
		return session.Endpoint{Host: "10.0.0.9", Port: 8888}, true, nil
	})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if ep.Port != 8888 || atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("ep=%+v calls=%d", ep, calls)
	}
}

func TestPollTimesOut(t *testing.T) {
	start := time.Now()
	_, err := Poll(context.Background(), 5*time.Millisecond, 40*time.Millisecond, func(context.Context) (session.Endpoint, bool, error) {
		return session.Endpoint{}, false, ErrBackendUnavailable
	})
	if !errors.Is(err, ErrStartTimeout) {
		t.Fatalf("want ErrStartTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("poll overran its budget")
	}
}

func TestPollAbortsOnHardError(t *testing.T) {
	boom := errors.New("container exited")
	_, err := Poll(context.Background(), time.Millisecond, time.Second, func(context.Context) (session.Endpoint, bool, error) {
		return session.Endpoint{}, false, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
}

func TestPollHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Poll(ctx, time.Millisecond, time.Second, func(context.Context) (session.Endpoint, bool, error) {
		return session.Endpoint{}, false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestEscapeUserAndMounts(t *testing.T) {
	cases := map[string]string{
		"alice":      "alice",
		"Alice":      "Alice",
		"a-b":        "a-2db",
		"bob@x.org":  "bob-40x.org",
		"with space": "with-20space",
	}
	for in, want := range cases {
		if got := EscapeUser(in); got != want {
			t.Fatalf("EscapeUser(%q)=%q want %q", in, got, want)
		}
	}
	m := ExpandMounts("jupyterhub-user-{username}", "/home/jovyan/work", "bob@x.org")
	if m["jupyterhub-user-bob-40x.org"] != "/home/jovyan/work" || len(m) != 1 {
		t.Fatalf("mounts=%v", m)
	}
	if ExpandMounts("", "/x", "a") != nil {
		t.Fatalf("empty template should disable mounts")
	}
	if got := ContainerName("alice"); got != "jupyter-alice" {
		t.Fatalf("container name=%q", got)
	}
}

type nopBackend struct{ Backend }

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := r.Register("nop", func() (Backend, error) { return nopBackend{}, nil }); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("nop", func() (Backend, error) { return nopBackend{}, nil }); err == nil {
		t.Fatalf("duplicate register should fail")
	}
	if _, err := r.Open("nop"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := r.Open("kubernetes"); err == nil {
		t.Fatalf("unknown backend should fail")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "nop" {
		t.Fatalf("names=%v", names)
	}
}
