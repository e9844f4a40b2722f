// Package orchestrator drives one user's session record through its
// lifecycle. Callers serialize work per user (see dispatcher); the
// orchestrator itself only guards the pending-stop bookkeeping.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/yungbote/notebookhub/internal/backend"
	"github.com/yungbote/notebookhub/internal/config"
	"github.com/yungbote/notebookhub/internal/data/repos/sessions"
	"github.com/yungbote/notebookhub/internal/domain/session"
	"github.com/yungbote/notebookhub/internal/events"
	"github.com/yungbote/notebookhub/internal/observability"
	"github.com/yungbote/notebookhub/internal/platform/logger"
	"github.com/yungbote/notebookhub/internal/proxy"
)

var (
	ErrValidation = errors.New("validation failed")
	// ErrSpawnCancelled is returned by EnsureSession when a stop request
	// arrived while the container was still coming up.
	ErrSpawnCancelled = errors.New("spawn cancelled by stop request")
	ErrNoSession      = errors.New("no running session")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type Settings struct {
	StartTimeout time.Duration
	// HTTPTimeout caps the wait for the notebook server to answer once the
	// container is started. Zero means the rest of StartTimeout.
	HTTPTimeout    time.Duration
	CallTimeout    time.Duration
	IdleTimeout    time.Duration
	Retention      time.Duration
	NotebookDir    string
	VolumeTemplate string
}

func SettingsFrom(cfg *config.Config) Settings {
	sp := cfg.Spawner
	return Settings{
		StartTimeout:   sp.StartTimeout.Duration,
		HTTPTimeout:    sp.HTTPTimeout.Duration,
		CallTimeout:    sp.CallTimeout.Duration,
		IdleTimeout:    sp.IdleTimeout.Duration,
		Retention:      sp.Retention.Duration,
		NotebookDir:    sp.NotebookDir,
		VolumeTemplate: sp.VolumeTemplate,
	}
}

type Deps struct {
	Log     *logger.Logger
	Store   sessions.Store
	Backend backend.Backend
	Proxy   proxy.Proxy
	// Bus and Metrics are optional.
	Bus     events.Bus
	Metrics *observability.Metrics
	Catalog *config.Catalog
}

type Orchestrator struct {
	log     *logger.Logger
	store   sessions.Store
	be      backend.Backend
	px      proxy.Proxy
	bus     events.Bus
	metrics *observability.Metrics
	catalog *config.Catalog
	set     Settings
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
	pending  map[string]session.StopReason
	// routed holds users whose route this process registered. A stored
	// Routed flag from an earlier process is not trusted on its own.
	routed map[string]bool
}

func New(d Deps, s Settings) (*Orchestrator, error) {
	if d.Log == nil || d.Store == nil || d.Backend == nil || d.Proxy == nil || d.Catalog == nil {
		return nil, errors.New("orchestrator: log, store, backend, proxy and catalog are required")
	}
	if s.StartTimeout <= 0 || s.CallTimeout <= 0 {
		return nil, errors.New("orchestrator: start and call timeouts must be positive")
	}
	return &Orchestrator{
		log:      d.Log.With("component", "Orchestrator"),
		store:    d.Store,
		be:       d.Backend,
		px:       d.Proxy,
		bus:      d.Bus,
		metrics:  d.Metrics,
		catalog:  d.Catalog,
		set:      s,
		now:      time.Now,
		inflight: make(map[string]bool),
		pending:  make(map[string]session.StopReason),
		routed:   make(map[string]bool),
	}, nil
}

func (o *Orchestrator) Settings() Settings { return o.set }

// Validate normalizes user and resolves key against the catalog.
func (o *Orchestrator) Validate(user, key string) (string, string, error) {
	user = session.NormalizeUser(user)
	if user == "" {
		return "", "", &ValidationError{Field: "user", Reason: "empty identity"}
	}
	image, ok := o.catalog.Lookup(key)
	if !ok {
		return "", "", &ValidationError{Field: "image", Reason: fmt.Sprintf("%q is not an allowed image", key)}
	}
	return user, image, nil
}

// EnsureSession returns a ready session for user running image key,
// creating one if needed. The caller must hold the user's lock.
func (o *Orchestrator) EnsureSession(ctx context.Context, user, key string) (*session.Record, error) {
	user, image, err := o.Validate(user, key)
	if err != nil {
		return nil, err
	}

	rec, err := o.store.GetLive(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("load session for %s: %w", user, err)
	}
	if rec != nil {
		switch {
		case rec.ImageKey != key:
			o.log.Info("Replacing session with new image", "user", user, "from", rec.ImageKey, "to", key)
			if _, err := o.teardown(ctx, rec, session.StateStopped, session.StopReplaced, ""); err != nil {
				return nil, err
			}
		case rec.State.Running():
			return o.resume(ctx, rec)
		case rec.State == session.StateStopping:
			if _, err := o.teardown(ctx, rec, session.StateStopped, rec.StopReason, ""); err != nil {
				return nil, err
			}
		default:
			// Nothing is spawning under our lock, so this record was
			// abandoned by an earlier process.
			if _, err := o.teardown(ctx, rec, session.StateFailed, "", "interrupted before ready"); err != nil {
				return nil, err
			}
		}
	}
	return o.spawn(ctx, user, key, image)
}

func (o *Orchestrator) resume(ctx context.Context, rec *session.Record) (*session.Record, error) {
	if rec.Routed && !o.routedHere(rec.User) {
		o.log.Info("Re-registering route from an earlier run", "user", rec.User)
	}
	if !rec.Routed || !o.routedHere(rec.User) {
		routed, err := o.route(ctx, rec)
		if err != nil {
			return routed, err
		}
		rec = routed
	}
	return o.touch(ctx, rec)
}

func (o *Orchestrator) spawn(ctx context.Context, user, key, image string) (*session.Record, error) {
	o.beginSpawn(user)
	defer o.endSpawn(user)
	started := time.Now()

	mounts := backend.ExpandMounts(o.set.VolumeTemplate, o.set.NotebookDir, user)
	var mountsJSON datatypes.JSON
	if len(mounts) > 0 {
		raw, err := json.Marshal(mounts)
		if err != nil {
			return nil, err
		}
		mountsJSON = datatypes.JSON(raw)
	}
	now := o.now()
	rec := &session.Record{
		User:           user,
		ImageKey:       key,
		ImageRef:       image,
		Mounts:         mountsJSON,
		State:          session.StateRequested,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := o.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create session for %s: %w", user, err)
	}
	o.metrics.ObserveTransition("", string(rec.State))
	o.publish(ctx, "", rec, "Server requested")

	next := rec.Clone()
	next.State = session.StateProvisioning
	rec, err := o.commit(ctx, rec, next, "Provisioning container")
	if err != nil {
		return nil, err
	}
	if reason, ok := o.takePending(user); ok {
		return o.cancelSpawn(ctx, rec, reason)
	}

	var ref backend.Ref
	err = o.call(ctx, "backend.create", rec, o.set.CallTimeout, func(ctx context.Context) error {
		var cerr error
		ref, cerr = o.be.Create(ctx, backend.Spec{
			User:     user,
			ImageKey: key,
			Image:    image,
			Mounts:   mounts,
		})
		return cerr
	})
	if err != nil {
		o.metrics.ObserveSpawn(key, "failed", time.Since(started))
		failed, ferr := o.teardown(ctx, rec, session.StateFailed, "", err.Error())
		return failed, errors.Join(err, ferr)
	}

	next = rec.Clone()
	next.State = session.StateStarting
	next.BackendRef = string(ref)
	readyBy := o.now().Add(o.set.StartTimeout)
	next.ReadyDeadline = &readyBy
	committed, err := o.commit(ctx, rec, next, "Starting container")
	if err != nil {
		o.discard(ctx, rec, ref)
		return nil, err
	}
	rec = committed
	if reason, ok := o.takePending(user); ok {
		return o.cancelSpawn(ctx, rec, reason)
	}

	startCtx, cancel := context.WithTimeout(ctx, o.set.StartTimeout)
	defer cancel()
	if err := o.call(startCtx, "backend.start", rec, 0, func(ctx context.Context) error {
		return o.be.Start(ctx, ref)
	}); err != nil {
		return o.failSpawn(ctx, rec, key, started, o.asTimeout(ctx, err))
	}
	if reason, ok := o.takePending(user); ok {
		return o.cancelSpawn(ctx, rec, reason)
	}

	var ep session.Endpoint
	budget := o.readyBudget(time.Since(started))
	err = o.call(startCtx, "backend.poll_ready", rec, budget, func(ctx context.Context) error {
		var perr error
		ep, perr = o.be.PollReady(ctx, ref, budget)
		return perr
	})
	if err != nil {
		return o.failSpawn(ctx, rec, key, started, o.asTimeout(ctx, err))
	}
	if reason, ok := o.takePending(user); ok {
		return o.cancelSpawn(ctx, rec, reason)
	}

	next = rec.Clone()
	next.State = session.StateReady
	next.SetEndpoint(ep)
	next.ReadyDeadline = nil
	next.LastActivityAt = o.now()
	rec, err = o.commit(ctx, rec, next, "Server ready at "+proxy.RoutePath(user))
	if err != nil {
		return nil, err
	}
	o.metrics.ObserveSpawn(key, "ready", time.Since(started))
	return o.route(ctx, rec)
}

// readyBudget is what is left of the start timeout after elapsed, capped
// by the HTTP timeout.
func (o *Orchestrator) readyBudget(elapsed time.Duration) time.Duration {
	budget := o.set.StartTimeout - elapsed
	if o.set.HTTPTimeout > 0 && budget > o.set.HTTPTimeout {
		budget = o.set.HTTPTimeout
	}
	if budget <= 0 {
		budget = time.Millisecond
	}
	return budget
}

// asTimeout maps a start deadline that fired inside an adapter call to
// ErrStartTimeout; a cancelled caller context passes through.
func (o *Orchestrator) asTimeout(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil && !errors.Is(err, backend.ErrStartTimeout) {
		return fmt.Errorf("%v: %w", err, backend.ErrStartTimeout)
	}
	return err
}

func (o *Orchestrator) failSpawn(ctx context.Context, rec *session.Record, key string, started time.Time, cause error) (*session.Record, error) {
	o.metrics.ObserveSpawn(key, "failed", time.Since(started))
	failed, err := o.teardown(ctx, rec, session.StateFailed, "", cause.Error())
	return failed, errors.Join(cause, err)
}

func (o *Orchestrator) cancelSpawn(ctx context.Context, rec *session.Record, reason session.StopReason) (*session.Record, error) {
	o.log.Info("Applying pending stop", "user", rec.User, "state", rec.State, "reason", reason)
	stopped, err := o.teardown(ctx, rec, session.StateStopped, reason, "")
	return stopped, errors.Join(ErrSpawnCancelled, err)
}

// discard removes a container whose record could not be committed.
func (o *Orchestrator) discard(ctx context.Context, rec *session.Record, ref backend.Ref) {
	ctx = context.WithoutCancel(ctx)
	if err := o.call(ctx, "backend.remove", rec, o.set.CallTimeout, func(ctx context.Context) error {
		return o.be.Remove(ctx, ref)
	}); err != nil {
		o.log.Warn("Discarding orphan container failed", "user", rec.User, "backend_ref", string(ref), "error", err)
	}
}

func (o *Orchestrator) route(ctx context.Context, rec *session.Record) (*session.Record, error) {
	ep := rec.Endpoint()
	if err := o.call(ctx, "proxy.register", rec, o.set.CallTimeout, func(ctx context.Context) error {
		return o.px.Register(ctx, rec.User, ep)
	}); err != nil {
		o.log.Warn("Route registration failed; session left unrouted", "user", rec.User, "error", err)
		return rec, fmt.Errorf("register route for %s: %w", rec.User, err)
	}
	o.setRouted(rec.User, true)
	if rec.Routed {
		return rec, nil
	}
	next := rec.Clone()
	next.Routed = true
	return o.commit(ctx, rec, next, "")
}

func (o *Orchestrator) routedHere(user string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.routed[user]
}

func (o *Orchestrator) setRouted(user string, on bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if on {
		o.routed[user] = true
		return
	}
	delete(o.routed, user)
}

func (o *Orchestrator) touch(ctx context.Context, rec *session.Record) (*session.Record, error) {
	next := rec.Clone()
	next.LastActivityAt = o.now()
	next.State = session.StateActive
	return o.commit(ctx, rec, next, "Activity")
}

// Touch records activity for the user's running session.
func (o *Orchestrator) Touch(ctx context.Context, user string) (*session.Record, error) {
	user = session.NormalizeUser(user)
	rec, err := o.store.GetLive(ctx, user)
	if err != nil {
		return nil, err
	}
	if rec == nil || !rec.State.Running() {
		return nil, ErrNoSession
	}
	return o.touch(ctx, rec)
}

// RequestStop marks a pending stop for a spawn in progress. It reports
// false when nothing is spawning for user.
func (o *Orchestrator) RequestStop(user string, reason session.StopReason) bool {
	user = session.NormalizeUser(user)
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.inflight[user] {
		return false
	}
	o.pending[user] = reason
	return true
}

func (o *Orchestrator) beginSpawn(user string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight[user] = true
	delete(o.pending, user)
}

func (o *Orchestrator) endSpawn(user string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, user)
	delete(o.pending, user)
}

func (o *Orchestrator) takePending(user string) (session.StopReason, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reason, ok := o.pending[user]
	if ok {
		delete(o.pending, user)
	}
	return reason, ok
}

// Stop tears down the user's live session. It is a no-op (nil, nil) when
// nothing is live.
func (o *Orchestrator) Stop(ctx context.Context, user string, reason session.StopReason) (*session.Record, error) {
	user = session.NormalizeUser(user)
	rec, err := o.store.GetLive(ctx, user)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if rec.State == session.StateStopping && rec.StopReason != "" {
		reason = rec.StopReason
	}
	return o.teardown(ctx, rec, session.StateStopped, reason, "")
}

// Crash fails the user's session after its container died. A ref that no
// longer matches the live record is ignored.
func (o *Orchestrator) Crash(ctx context.Context, user string, ref backend.Ref) (*session.Record, error) {
	user = session.NormalizeUser(user)
	if ref == "" {
		return nil, &ValidationError{Field: "backend_ref", Reason: "required"}
	}
	rec, err := o.store.GetLive(ctx, user)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.BackendRef != string(ref) {
		o.log.Debug("Ignoring stale crash notification", "user", user, "backend_ref", string(ref))
		return nil, nil
	}
	o.log.Warn("Session container crashed", "user", user, "backend_ref", string(ref), "state", rec.State)
	return o.teardown(ctx, rec, session.StateFailed, session.StopCrash, "container exited unexpectedly")
}

// teardown releases everything rec holds and commits the final state.
// Cleanup failures are logged and never block reaching final.
func (o *Orchestrator) teardown(ctx context.Context, rec *session.Record, final session.State, reason session.StopReason, failure string) (*session.Record, error) {
	return o.teardownAt(ctx, rec, final, reason, failure, o.now())
}

// teardownAt is teardown with an explicit finish time, so a sweep stamps
// records with the same clock it judged them by.
func (o *Orchestrator) teardownAt(ctx context.Context, rec *session.Record, final session.State, reason session.StopReason, failure string, finished time.Time) (*session.Record, error) {
	ctx = context.WithoutCancel(ctx)
	wasRouted := rec.Routed || rec.State.Running()
	cur := rec

	if final == session.StateStopped && cur.State.HoldsBackend() && cur.State != session.StateStopping {
		next := cur.Clone()
		next.State = session.StateStopping
		next.StopReason = reason
		next.SetEndpoint(session.Endpoint{})
		var err error
		if cur, err = o.commit(ctx, cur, next, "Stopping server"); err != nil {
			return cur, err
		}
	}

	if wasRouted {
		o.setRouted(cur.User, false)
		if err := o.call(ctx, "proxy.deregister", cur, o.set.CallTimeout, func(ctx context.Context) error {
			return o.px.Deregister(ctx, cur.User)
		}); err != nil {
			o.log.Warn("Route deregistration failed", "user", cur.User, "error", err)
		}
	}
	if ref := backend.Ref(cur.BackendRef); ref != "" {
		if err := o.call(ctx, "backend.stop", cur, o.set.CallTimeout, func(ctx context.Context) error {
			return o.be.Stop(ctx, ref)
		}); err != nil {
			o.log.Warn("Container stop failed", "user", cur.User, "backend_ref", cur.BackendRef, "error", err)
		}
		if err := o.call(ctx, "backend.remove", cur, o.set.CallTimeout, func(ctx context.Context) error {
			return o.be.Remove(ctx, ref)
		}); err != nil {
			o.log.Warn("Container remove failed", "user", cur.User, "backend_ref", cur.BackendRef, "error", err)
		}
	}

	next := cur.Clone()
	next.State = final
	next.BackendRef = ""
	next.Routed = false
	next.SetEndpoint(session.Endpoint{})
	next.ReadyDeadline = nil
	next.FinishedAt = &finished
	if reason != "" {
		next.StopReason = reason
	}
	next.FailureReason = failure
	msg := "Server stopped"
	if final == session.StateFailed {
		msg = "Spawn failed: " + failure
	}
	return o.commit(ctx, cur, next, msg)
}

// commit writes next if the stored record is still in cur's state.
func (o *Orchestrator) commit(ctx context.Context, cur, next *session.Record, msg string) (*session.Record, error) {
	if err := o.store.Update(ctx, next, cur.State); err != nil {
		return cur, fmt.Errorf("commit %s %s->%s: %w", cur.User, cur.State, next.State, err)
	}
	if cur.State != next.State {
		o.log.Info("Session transition",
			"user", next.User,
			"session_id", next.ID.String(),
			"from", string(cur.State),
			"to", string(next.State),
			"reason", string(next.StopReason),
		)
		o.metrics.ObserveTransition(string(cur.State), string(next.State))
		o.publish(ctx, cur.State, next, msg)
	}
	return next, nil
}

func (o *Orchestrator) publish(ctx context.Context, from session.State, rec *session.Record, msg string) {
	if o.bus == nil {
		return
	}
	ev := events.NewEvent(from, rec, msg, o.now())
	if err := o.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		o.log.Warn("Publishing session event failed", "user", rec.User, "error", err)
	}
}

// call runs one adapter operation inside a span, bounded by timeout when
// timeout is positive.
func (o *Orchestrator) call(ctx context.Context, op string, rec *session.Record, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := observability.StartSpan(ctx, op, "hub.user", rec.User, "hub.session_id", rec.ID.String())
	err := fn(ctx)
	observability.EndSpan(span, err)
	o.metrics.ObserveAdapterCall(op, err)
	return err
}
