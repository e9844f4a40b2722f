package handlers

import (
	"context"

	"github.com/yungbote/notebookhub/internal/backend"
	"github.com/yungbote/notebookhub/internal/domain/session"
)

// Sessions is the session surface the HTTP layer drives. The dispatcher
// implements it.
type Sessions interface {
	EnsureSession(ctx context.Context, user, key string) (*session.Record, error)
	StopSession(ctx context.Context, user string, reason session.StopReason) (*session.Record, error)
	Touch(ctx context.Context, user string) (*session.Record, error)
	NotifyCrash(ctx context.Context, user string, ref backend.Ref) (*session.Record, error)
	Current(ctx context.Context, user string) (*session.Record, error)
	List(ctx context.Context) ([]*session.Record, error)
}
