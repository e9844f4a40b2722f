package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/notebookhub/internal/domain/session"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(&session.Record{}); err != nil {
		return fmt.Errorf("automigrate session_record: %w", err)
	}
	return EnsureSessionIndexes(db)
}

// EnsureSessionIndexes enforces one live record per user in the database.
// Partial indexes are supported by both sqlite and postgres.
func EnsureSessionIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_session_record_user_live
		ON session_record (user_name)
		WHERE live;
	`).Error; err != nil {
		return fmt.Errorf("create idx_session_record_user_live: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_session_record_state_activity
		ON session_record (state, last_activity_at);
	`).Error; err != nil {
		return fmt.Errorf("create idx_session_record_state_activity: %w", err)
	}
	return nil
}
