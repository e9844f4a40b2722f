package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/notebookhub/internal/domain/session"
)

// Guard serializes work for one user and returns the matching unlock.
type Guard func(user string) (unlock func())

type SweepResult struct {
	Stopped int
	Purged  int64
}

// Sweep stops sessions idle longer than the idle timeout and purges
// terminal records past the retention window. Each idle user is re-checked
// under guard before it is stopped; a nil guard means the caller already
// serializes.
func (o *Orchestrator) Sweep(ctx context.Context, now time.Time, guard Guard) (SweepResult, error) {
	var res SweepResult
	live, err := o.store.ListLive(ctx)
	if err != nil {
		return res, fmt.Errorf("sweep list: %w", err)
	}

	byState := make(map[string]int)
	for _, rec := range live {
		byState[string(rec.State)]++
		if !o.idle(rec, now) {
			continue
		}
		stopped, err := o.stopIfIdle(ctx, rec.User, now, guard)
		if err != nil {
			o.log.Warn("Idle stop failed", "user", rec.User, "error", err)
			continue
		}
		if stopped {
			res.Stopped++
			byState[string(rec.State)]--
		}
	}

	purged, err := o.store.PurgeTerminal(ctx, now.Add(-o.set.Retention))
	if err != nil {
		return res, fmt.Errorf("sweep purge: %w", err)
	}
	res.Purged = purged
	o.metrics.SetLiveSessions(byState)
	o.metrics.AddSweep(res.Stopped, res.Purged)
	if res.Stopped > 0 || res.Purged > 0 {
		o.log.Info("Sweep finished", "stopped", res.Stopped, "purged", res.Purged)
	}
	return res, nil
}

func (o *Orchestrator) idle(rec *session.Record, now time.Time) bool {
	if o.set.IdleTimeout <= 0 || !rec.State.Running() {
		return false
	}
	return now.Sub(rec.LastActivityAt) >= o.set.IdleTimeout
}

func (o *Orchestrator) stopIfIdle(ctx context.Context, user string, now time.Time, guard Guard) (bool, error) {
	if guard != nil {
		unlock := guard(user)
		defer unlock()
	}
	// Activity may have arrived while we waited for the lock.
	rec, err := o.store.GetLive(ctx, user)
	if err != nil {
		return false, err
	}
	if rec == nil || !o.idle(rec, now) {
		return false, nil
	}
	if _, err := o.teardownAt(ctx, rec, session.StateStopped, session.StopIdle, "", now); err != nil {
		return false, err
	}
	return true, nil
}

// Live lists every non-terminal record.
func (o *Orchestrator) Live(ctx context.Context) ([]*session.Record, error) {
	return o.store.ListLive(ctx)
}

// List returns all retained records, live and terminal.
func (o *Orchestrator) List(ctx context.Context) ([]*session.Record, error) {
	return o.store.List(ctx)
}

// Current returns the user's live record, or the most recent terminal one.
func (o *Orchestrator) Current(ctx context.Context, user string) (*session.Record, error) {
	user = session.NormalizeUser(user)
	rec, err := o.store.GetLive(ctx, user)
	if err != nil || rec != nil {
		return rec, err
	}
	return o.store.Latest(ctx, user)
}
