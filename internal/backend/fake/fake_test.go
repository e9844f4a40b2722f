package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yungbote/notebookhub/internal/backend"
)

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	b := New()
	ref, err := b.Create(ctx, backend.Spec{User: "alice", Image: "img"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := b.Start(ctx, ref); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ep, err := b.PollReady(ctx, ref, time.Second)
	if err != nil || ep.Port != 8888 || ep.Host == "" {
		t.Fatalf("PollReady ep=%+v err=%v", ep, err)
	}
	if ok, _ := b.Running(ctx, ref); !ok {
		t.Fatalf("container should be running")
	}
	b.Crash(ref)
	if ok, _ := b.Running(ctx, ref); ok {
		t.Fatalf("crashed container reported running")
	}
	if err := b.Remove(ctx, ref); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if b.Calls(OpCreate) != 1 || b.Calls(OpRemove) != 1 || b.Calls(OpStop) != 0 {
		t.Fatalf("calls create=%d remove=%d stop=%d", b.Calls(OpCreate), b.Calls(OpRemove), b.Calls(OpStop))
	}
}

func TestNeverReadyTimesOut(t *testing.T) {
	ctx := context.Background()
	b := New()
	b.Set(func(s *Script) { s.NeverReady = true })
	ref, _ := b.Create(ctx, backend.Spec{User: "bob"})
	_ = b.Start(ctx, ref)
	if _, err := b.PollReady(ctx, ref, 30*time.Millisecond); !errors.Is(err, backend.ErrStartTimeout) {
		t.Fatalf("want ErrStartTimeout, got %v", err)
	}
}

func TestScriptedCreateError(t *testing.T) {
	b := New()
	b.Set(func(s *Script) { s.CreateErr = backend.ErrImagePullFailed })
	if _, err := b.Create(context.Background(), backend.Spec{User: "c"}); !errors.Is(err, backend.ErrImagePullFailed) {
		t.Fatalf("got %v", err)
	}
	if len(b.Refs()) != 0 {
		t.Fatalf("failed create should not leave a container")
	}
}
