package sessions

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/yungbote/notebookhub/internal/data/db"
	"github.com/yungbote/notebookhub/internal/domain/session"
	"github.com/yungbote/notebookhub/internal/platform/logger"
)

func sqliteStore(tb testing.TB) Store {
	tb.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrateAll(gdb); err != nil {
		tb.Fatalf("migrate: %v", err)
	}
	tb.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewSessionRepo(gdb, logger.Nop())
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, sqliteStore(t)) })
}

func requested(user string) *session.Record {
	return &session.Record{User: user, ImageKey: "Jupyter base", ImageRef: "jupyter/base-notebook:latest", State: session.StateRequested}
}

func TestStoreSingleLivePerUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := requested("alice")
		if err := s.Create(ctx, first); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if first.ID == uuid.Nil {
			t.Fatalf("Create should assign an id")
		}
		if err := s.Create(ctx, requested("alice")); !errors.Is(err, ErrConflict) {
			t.Fatalf("second live create: want ErrConflict, got %v", err)
		}
		if err := s.Create(ctx, requested("bob")); err != nil {
			t.Fatalf("other user: %v", err)
		}

		live, err := s.GetLive(ctx, "alice")
		if err != nil || live == nil || live.ID != first.ID {
			t.Fatalf("GetLive: rec=%v err=%v", live, err)
		}

		// terminate, then a fresh record is allowed
		live.State = session.StateFailed
		now := time.Now()
		live.FinishedAt = &now
		if err := s.Update(ctx, live, session.StateRequested); err != nil {
			t.Fatalf("Update to failed: %v", err)
		}
		if got, _ := s.GetLive(ctx, "alice"); got != nil {
			t.Fatalf("terminal record still live: %+v", got)
		}
		next := requested("alice")
		if err := s.Create(ctx, next); err != nil {
			t.Fatalf("Create after terminal: %v", err)
		}
		if next.ID == first.ID {
			t.Fatalf("new record reused id")
		}
		latest, err := s.Latest(ctx, "alice")
		if err != nil || latest == nil || latest.ID != next.ID {
			t.Fatalf("Latest: rec=%v err=%v", latest, err)
		}
	})
}

func TestStoreUpdateCompareOnState(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := requested("carol")
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}

		stale := rec.Clone()

		rec.State = session.StateProvisioning
		if err := s.Update(ctx, rec, session.StateRequested); err != nil {
			t.Fatalf("Update: %v", err)
		}

		stale.State = session.StateFailed
		if err := s.Update(ctx, stale, session.StateRequested); !errors.Is(err, ErrConflict) {
			t.Fatalf("stale update: want ErrConflict, got %v", err)
		}

		missing := requested("nobody")
		missing.ID = uuid.New()
		if err := s.Update(ctx, missing, session.StateRequested); !errors.Is(err, ErrNotFound) {
			t.Fatalf("missing update: want ErrNotFound, got %v", err)
		}

		got, err := s.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State != session.StateProvisioning {
			t.Fatalf("state=%s", got.State)
		}
	})
}

func TestStoreRejectsInvariantViolations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := requested("dave")
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}
		rec.State = session.StateReady
		rec.BackendRef = "c1"
		// endpoint missing for Ready
		if err := s.Update(ctx, rec, session.StateRequested); err == nil {
			t.Fatalf("expected invariant error")
		}
		rec.SetEndpoint(session.Endpoint{Host: "10.0.0.2", Port: 8888})
		if err := s.Update(ctx, rec, session.StateRequested); err != nil {
			t.Fatalf("valid ready update: %v", err)
		}
		got, err := s.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Endpoint().Port != 8888 || got.BackendRef != "c1" {
			t.Fatalf("round trip lost fields: %+v", got)
		}

		// clearing columns back to zero must be persisted
		got.State = session.StateStopping
		got.SetEndpoint(session.Endpoint{})
		if err := s.Update(ctx, got, session.StateReady); err != nil {
			t.Fatalf("Update to stopping: %v", err)
		}
		again, _ := s.Get(ctx, rec.ID)
		if !again.Endpoint().IsZero() {
			t.Fatalf("endpoint not cleared: %+v", again.Endpoint())
		}
	})
}

func TestStorePurgeTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old := requested("erin")
		if err := s.Create(ctx, old); err != nil {
			t.Fatalf("Create: %v", err)
		}
		old.State = session.StateStopped
		finished := time.Now().Add(-time.Hour)
		old.FinishedAt = &finished
		if err := s.Update(ctx, old, session.StateRequested); err != nil {
			t.Fatalf("Update: %v", err)
		}
		live := requested("erin")
		if err := s.Create(ctx, live); err != nil {
			t.Fatalf("Create live: %v", err)
		}

		n, err := s.PurgeTerminal(ctx, time.Now().Add(-time.Minute))
		if err != nil {
			t.Fatalf("PurgeTerminal: %v", err)
		}
		if n != 1 {
			t.Fatalf("purged=%d", n)
		}
		if _, err := s.Get(ctx, old.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("purged record still present: %v", err)
		}
		all, err := s.List(ctx)
		if err != nil || len(all) != 1 {
			t.Fatalf("List: len=%d err=%v", len(all), err)
		}
		lives, err := s.ListLive(ctx)
		if err != nil || len(lives) != 1 || lives[0].ID != live.ID {
			t.Fatalf("ListLive: %v err=%v", lives, err)
		}
	})
}
