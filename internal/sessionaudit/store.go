package sessionaudit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SessionEvent is one row of the audit log. It never carries key material:
// keys are identified by fingerprint only.
type SessionEvent struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID  string    `gorm:"index;not null;size:64" json:"session_id"`
	SandboxID  string    `gorm:"index;not null" json:"sandbox_id"`
	EventType  string    `gorm:"index;not null;size:64" json:"event_type"`
	Details    string    `gorm:"type:text" json:"details"`
	DurationMs int64     `gorm:"default:0" json:"duration_ms"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// Open opens (creating if needed) the sqlite audit database at path.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create audit db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	return db, nil
}

// Close releases the database handle.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
