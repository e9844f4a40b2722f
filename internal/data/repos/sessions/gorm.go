package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/yungbote/notebookhub/internal/domain/session"
	"github.com/yungbote/notebookhub/internal/platform/logger"
)

type sessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

// NewSessionRepo returns a Store backed by the session_record table. The
// table and its unique live index must already exist (db.AutoMigrateAll).
func NewSessionRepo(db *gorm.DB, baseLog *logger.Logger) Store {
	return &sessionRepo{
		db:  db,
		log: baseLog.With("repo", "SessionRepo"),
		now: time.Now,
	}
}

func (r *sessionRepo) Create(ctx context.Context, rec *session.Record) error {
	if rec == nil {
		return fmt.Errorf("nil record")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if err := prepare(rec, r.now()); err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rec.Live {
			var count int64
			if err := tx.Model(&session.Record{}).
				Where("user_name = ? AND live = ?", rec.User, true).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return fmt.Errorf("create for %s: live record exists: %w", rec.User, ErrConflict)
			}
		}
		if err := tx.Create(rec).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("create for %s: %w", rec.User, ErrConflict)
			}
			return err
		}
		return nil
	})
}

func (r *sessionRepo) Get(ctx context.Context, id uuid.UUID) (*session.Record, error) {
	if id == uuid.Nil {
		return nil, ErrNotFound
	}
	var rec session.Record
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *sessionRepo) GetLive(ctx context.Context, user string) (*session.Record, error) {
	var rec session.Record
	err := r.db.WithContext(ctx).
		Where("user_name = ? AND live = ?", user, true).
		Limit(1).
		Find(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == uuid.Nil {
		return nil, nil
	}
	return &rec, nil
}

func (r *sessionRepo) Latest(ctx context.Context, user string) (*session.Record, error) {
	var rec session.Record
	err := r.db.WithContext(ctx).
		Where("user_name = ?", user).
		Order("created_at DESC").
		Limit(1).
		Find(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == uuid.Nil {
		return nil, nil
	}
	return &rec, nil
}

func (r *sessionRepo) Update(ctx context.Context, rec *session.Record, expect session.State) error {
	if rec == nil || rec.ID == uuid.Nil {
		return fmt.Errorf("update: record has no id")
	}
	if err := prepare(rec, r.now()); err != nil {
		return err
	}
	res := r.db.WithContext(ctx).
		Model(&session.Record{}).
		Where("id = ? AND state = ?", rec.ID, expect).
		Updates(columns(rec))
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return fmt.Errorf("update %s: %w", rec.User, ErrConflict)
		}
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&session.Record{}).Where("id = ?", rec.ID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return fmt.Errorf("update %s: state moved from %s: %w", rec.User, expect, ErrConflict)
}

func (r *sessionRepo) ListLive(ctx context.Context) ([]*session.Record, error) {
	var out []*session.Record
	if err := r.db.WithContext(ctx).
		Where("live = ?", true).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sessionRepo) List(ctx context.Context) ([]*session.Record, error) {
	var out []*session.Record
	if err := r.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *sessionRepo) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("live = ? AND finished_at IS NOT NULL AND finished_at < ?", false, cutoff).
		Delete(&session.Record{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		r.log.Debug("Purged terminal session records", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

// columns lists every mutable column so zero values (cleared backend_ref,
// endpoint) are written too.
func columns(rec *session.Record) map[string]interface{} {
	return map[string]interface{}{
		"image_key":        rec.ImageKey,
		"image_ref":        rec.ImageRef,
		"mounts":           rec.Mounts,
		"backend_ref":      rec.BackendRef,
		"endpoint_host":    rec.EndpointHost,
		"endpoint_port":    rec.EndpointPort,
		"routed":           rec.Routed,
		"state":            rec.State,
		"live":             rec.Live,
		"stop_reason":      rec.StopReason,
		"failure_reason":   rec.FailureReason,
		"updated_at":       rec.UpdatedAt,
		"last_activity_at": rec.LastActivityAt,
		"ready_deadline":   rec.ReadyDeadline,
		"finished_at":      rec.FinishedAt,
	}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
