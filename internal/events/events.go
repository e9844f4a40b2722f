// Package events carries session lifecycle transitions from the orchestrator
// to progress streams, possibly across hub replicas.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/notebookhub/internal/domain/session"
	"github.com/yungbote/notebookhub/internal/proxy"
)

type Event struct {
	ID        uuid.UUID     `json:"id"`
	User      string        `json:"user"`
	SessionID uuid.UUID     `json:"session_id"`
	From      session.State `json:"from,omitempty"`
	To        session.State `json:"to"`
	Reason    string        `json:"reason,omitempty"`
	Message   string        `json:"message,omitempty"`
	Progress  int           `json:"progress"`
	// Ready and Failed mark the final event of a spawn, matching the
	// progress stream shape notebook clients expect.
	Ready  bool      `json:"ready,omitempty"`
	Failed bool      `json:"failed,omitempty"`
	URL    string    `json:"url,omitempty"`
	At     time.Time `json:"at"`
}

// Progress maps a state to a spawn progress percentage.
func Progress(s session.State) int {
	switch s {
	case session.StateRequested:
		return 0
	case session.StateProvisioning:
		return 10
	case session.StateStarting:
		return 50
	case session.StateReady, session.StateActive, session.StateStopped, session.StateFailed:
		return 100
	default:
		return 0
	}
}

// NewEvent describes the committed transition of rec out of from.
func NewEvent(from session.State, rec *session.Record, msg string, at time.Time) Event {
	ev := Event{
		ID:        uuid.New(),
		User:      rec.User,
		SessionID: rec.ID,
		From:      from,
		To:        rec.State,
		Reason:    string(rec.StopReason),
		Message:   msg,
		Progress:  Progress(rec.State),
		Ready:     rec.State == session.StateReady,
		Failed:    rec.State == session.StateFailed,
		At:        at,
	}
	if ev.Ready {
		ev.URL = proxy.RoutePath(rec.User)
	}
	if ev.Failed && rec.FailureReason != "" {
		ev.Reason = rec.FailureReason
	}
	return ev
}

// Final reports whether ev ends a spawn progress stream.
func (ev Event) Final() bool {
	return ev.Ready || ev.Failed || ev.To == session.StateStopped
}

type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// StartForwarder delivers every published event to onEvent until ctx ends.
	StartForwarder(ctx context.Context, onEvent func(ev Event)) error
	Close() error
}
