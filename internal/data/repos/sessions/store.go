package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/notebookhub/internal/domain/session"
)

var (
	ErrNotFound = errors.New("session record not found")
	// ErrConflict means the write lost a race: another live record exists for
	// the user, or the record moved out of the expected state.
	ErrConflict = errors.New("session record conflict")
)

// Store persists session records. Implementations return copies; callers
// never share a *Record with the store.
type Store interface {
	Create(ctx context.Context, rec *session.Record) error
	Get(ctx context.Context, id uuid.UUID) (*session.Record, error)
	// GetLive returns the user's non-terminal record, or nil when none exists.
	GetLive(ctx context.Context, user string) (*session.Record, error)
	// Latest returns the user's most recent record of any state, or nil.
	Latest(ctx context.Context, user string) (*session.Record, error)
	// Update writes rec only if the stored state still equals expect.
	Update(ctx context.Context, rec *session.Record, expect session.State) error
	ListLive(ctx context.Context) ([]*session.Record, error)
	List(ctx context.Context) ([]*session.Record, error)
	// PurgeTerminal deletes terminal records finished before cutoff.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}

func prepare(rec *session.Record, now time.Time) error {
	rec.Live = !rec.State.Terminal()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastActivityAt.IsZero() {
		rec.LastActivityAt = rec.CreatedAt
	}
	rec.UpdatedAt = now
	return rec.Validate()
}
