// Package dispatcher is the entry point for session requests. It collapses
// duplicate requests, serializes work per user, caps concurrent spawns, and
// runs the idle-sweep and crash-poll loops.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/yungbote/notebookhub/internal/backend"
	"github.com/yungbote/notebookhub/internal/config"
	"github.com/yungbote/notebookhub/internal/domain/session"
	"github.com/yungbote/notebookhub/internal/orchestrator"
	"github.com/yungbote/notebookhub/internal/platform/logger"
)

var ErrShuttingDown = errors.New("hub is shutting down")

type Config struct {
	SweepInterval     time.Duration
	CrashPollInterval time.Duration
	SpawnLimit        int
	CleanupOnShutdown bool
	// ShutdownParallelism caps concurrent stops during Shutdown.
	ShutdownParallelism int
}

func ConfigFrom(cfg *config.Config) Config {
	sp := cfg.Spawner
	return Config{
		SweepInterval:       sp.SweepInterval.Duration,
		CrashPollInterval:   sp.CrashPollInterval.Duration,
		SpawnLimit:          sp.ConcurrentSpawnLimit,
		CleanupOnShutdown:   sp.CleanupOnShutdown,
		ShutdownParallelism: 16,
	}
}

type Dispatcher struct {
	log       *logger.Logger
	orch      *orchestrator.Orchestrator
	inspector backend.Inspector
	cfg       Config

	locks   *keyedLocks
	flights singleflight.Group
	spawns  *semaphore.Weighted
	closing atomic.Bool
	loops   sync.WaitGroup
	now     func() time.Time

	loopMu    sync.Mutex
	stopLoops context.CancelFunc
}

// New builds a dispatcher. be is only consulted for the optional Inspector
// capability that drives crash polling.
func New(baseLog *logger.Logger, orch *orchestrator.Orchestrator, be backend.Backend, cfg Config) *Dispatcher {
	if cfg.SpawnLimit <= 0 {
		cfg.SpawnLimit = 100
	}
	if cfg.ShutdownParallelism <= 0 {
		cfg.ShutdownParallelism = 16
	}
	insp, _ := be.(backend.Inspector)
	return &Dispatcher{
		log:       baseLog.With("component", "Dispatcher"),
		orch:      orch,
		inspector: insp,
		cfg:       cfg,
		locks:     newKeyedLocks(),
		spawns:    semaphore.NewWeighted(int64(cfg.SpawnLimit)),
		now:       time.Now,
	}
}

// EnsureSession returns a ready session for user on image key. Identical
// concurrent requests share one underlying call; the shared call is not
// cancelled when one waiting caller gives up.
func (d *Dispatcher) EnsureSession(ctx context.Context, user, key string) (*session.Record, error) {
	user, _, err := d.orch.Validate(user, key)
	if err != nil {
		return nil, err
	}
	if d.closing.Load() {
		return nil, ErrShuttingDown
	}

	ch := d.flights.DoChan(user+"\x00"+key, func() (interface{}, error) {
		set := d.orch.Settings()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), set.StartTimeout+4*set.CallTimeout)
		defer cancel()

		unlock, err := d.locks.Lock(sctx, user)
		if err != nil {
			return nil, fmt.Errorf("wait for %s: %w", user, err)
		}
		defer unlock()
		if d.closing.Load() {
			return nil, ErrShuttingDown
		}

		if d.needsSpawn(sctx, user, key) {
			if err := d.spawns.Acquire(sctx, 1); err != nil {
				return nil, fmt.Errorf("wait for spawn slot: %w", err)
			}
			defer d.spawns.Release(1)
		}
		return d.orch.EnsureSession(sctx, user, key)
	})

	select {
	case res := <-ch:
		rec, _ := res.Val.(*session.Record)
		return rec.Clone(), res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// needsSpawn reports whether EnsureSession will provision a container. A
// lookup error counts as yes so the slot is held conservatively.
func (d *Dispatcher) needsSpawn(ctx context.Context, user, key string) bool {
	rec, err := d.orch.Current(ctx, user)
	if err != nil || rec == nil {
		return true
	}
	return !(rec.State.Running() && rec.ImageKey == key)
}

// StopSession stops the user's session. A spawn in progress is cancelled at
// its next step boundary.
func (d *Dispatcher) StopSession(ctx context.Context, user string, reason session.StopReason) (*session.Record, error) {
	user = session.NormalizeUser(user)
	if user == "" {
		return nil, &orchestrator.ValidationError{Field: "user", Reason: "empty identity"}
	}
	if d.orch.RequestStop(user, reason) {
		d.log.Info("Stop requested during spawn", "user", user, "reason", string(reason))
	}
	unlock, err := d.locks.Lock(ctx, user)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return d.orch.Stop(ctx, user, reason)
}

func (d *Dispatcher) Touch(ctx context.Context, user string) (*session.Record, error) {
	unlock, err := d.locks.Lock(ctx, session.NormalizeUser(user))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return d.orch.Touch(ctx, user)
}

func (d *Dispatcher) NotifyCrash(ctx context.Context, user string, ref backend.Ref) (*session.Record, error) {
	unlock, err := d.locks.Lock(ctx, session.NormalizeUser(user))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return d.orch.Crash(ctx, user, ref)
}

// Current reads without the user lock; it may observe a spawn mid-flight.
func (d *Dispatcher) Current(ctx context.Context, user string) (*session.Record, error) {
	return d.orch.Current(ctx, user)
}

func (d *Dispatcher) List(ctx context.Context) ([]*session.Record, error) {
	return d.orch.List(ctx)
}

func (d *Dispatcher) guard(user string) func() {
	unlock, err := d.locks.Lock(context.Background(), user)
	if err != nil {
		return func() {}
	}
	return unlock
}

func (d *Dispatcher) Sweep(ctx context.Context) (orchestrator.SweepResult, error) {
	return d.orch.Sweep(ctx, d.now(), d.guard)
}

// PollCrashes fails every running session whose container is gone.
func (d *Dispatcher) PollCrashes(ctx context.Context) (int, error) {
	if d.inspector == nil {
		return 0, nil
	}
	live, err := d.orch.Live(ctx)
	if err != nil {
		return 0, err
	}
	crashed := 0
	for _, rec := range live {
		if !rec.State.Running() || rec.BackendRef == "" {
			continue
		}
		ref := backend.Ref(rec.BackendRef)
		running, err := d.inspector.Running(ctx, ref)
		if err != nil {
			d.log.Warn("Inspect failed", "user", rec.User, "backend_ref", rec.BackendRef, "error", err)
			continue
		}
		if running {
			continue
		}
		failed, err := d.NotifyCrash(ctx, rec.User, ref)
		if err != nil {
			d.log.Warn("Crash handling failed", "user", rec.User, "error", err)
			continue
		}
		if failed != nil {
			crashed++
		}
	}
	return crashed, nil
}

// Start launches the background loops; they exit when ctx is done or
// Shutdown is called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.loopMu.Lock()
	if d.stopLoops != nil {
		d.stopLoops()
	}
	d.stopLoops = cancel
	d.loopMu.Unlock()

	d.log.Info("Starting dispatcher loops",
		"sweep_interval", d.cfg.SweepInterval.String(),
		"crash_poll_interval", d.cfg.CrashPollInterval.String(),
		"crash_poll", d.inspector != nil,
	)
	d.runLoop(ctx, "idle_sweep", d.cfg.SweepInterval, func(ctx context.Context) error {
		_, err := d.Sweep(ctx)
		return err
	})
	if d.inspector != nil {
		d.runLoop(ctx, "crash_poll", d.cfg.CrashPollInterval, func(ctx context.Context) error {
			_, err := d.PollCrashes(ctx)
			return err
		})
	}
}

func (d *Dispatcher) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		interval = time.Minute
	}
	d.loops.Add(1)
	go func() {
		defer d.loops.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				d.log.Info("Dispatcher loop stopped", "loop", name)
				return
			case <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil {
							d.log.Error("Dispatcher loop panic", "loop", name, "panic", r)
						}
					}()
					if err := fn(ctx); err != nil {
						d.log.Warn("Dispatcher loop iteration failed", "loop", name, "error", err)
					}
				}()
			}
		}
	}()
}

// Shutdown refuses new sessions, waits for the loops, and stops every live
// session in parallel unless cleanup on shutdown is disabled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.closing.Store(true)
	d.loopMu.Lock()
	if d.stopLoops != nil {
		d.stopLoops()
	}
	d.loopMu.Unlock()

	loopsDone := make(chan struct{})
	go func() {
		d.loops.Wait()
		close(loopsDone)
	}()
	select {
	case <-loopsDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	if !d.cfg.CleanupOnShutdown {
		d.log.Info("Leaving sessions running on shutdown")
		return nil
	}
	live, err := d.orch.Live(ctx)
	if err != nil {
		return err
	}
	d.log.Info("Stopping live sessions", "count", len(live))

	var g errgroup.Group
	g.SetLimit(d.cfg.ShutdownParallelism)
	for _, rec := range live {
		user := rec.User
		g.Go(func() error {
			if _, err := d.StopSession(ctx, user, session.StopShutdown); err != nil {
				d.log.Warn("Shutdown stop failed", "user", user, "error", err)
				return fmt.Errorf("stop %s: %w", user, err)
			}
			return nil
		})
	}
	return g.Wait()
}
