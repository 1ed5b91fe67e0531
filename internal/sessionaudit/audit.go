// Package sessionaudit records the lifecycle of bridge sessions in a local
// sqlite database.
package sessionaudit

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gluk-w/ezdevbox/internal/logutil"
)

// Event types.
const (
	EventSessionCreated      = "session_created"
	EventSessionBootstrapped = "session_bootstrapped"
	EventSessionAttached     = "session_attached"
	EventSessionCleaned      = "session_cleaned"
	EventBootstrapFailed     = "bootstrap_failed"
	EventHostKeyMismatch     = "host_key_mismatch"
	EventCleanupStepFailed   = "cleanup_step_failed"
)

// DefaultRetentionDays is the default number of days to keep audit rows.
const DefaultRetentionDays = 90

// Auditor writes and queries session events. A nil *Auditor discards
// everything, so callers need not check whether auditing is enabled.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	logger        *zap.Logger
	nowFn         func() time.Time
}

// NewAuditor migrates the schema and returns an Auditor. If retentionDays
// is not positive, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int, logger *zap.Logger) (*Auditor, error) {
	if db == nil {
		return nil, errors.New("sessionaudit: nil database")
	}
	if err := db.AutoMigrate(&SessionEvent{}); err != nil {
		return nil, err
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		logger:        logger.Named("audit"),
		nowFn:         time.Now,
	}, nil
}

// Log records an event. Details are redacted before they are stored.
func (a *Auditor) Log(event SessionEvent) error {
	if a == nil {
		return nil
	}
	event.ID = 0
	event.Details = logutil.RedactSensitive(event.Details)
	event.CreatedAt = a.nowFn()

	a.mu.Lock()
	err := a.db.Create(&event).Error
	a.mu.Unlock()
	if err != nil {
		a.logger.Warn("failed to write audit event", zap.String("event", event.EventType), zap.Error(err))
		return err
	}

	a.logger.Debug(event.EventType,
		zap.String("session_id", event.SessionID),
		zap.String("sandbox_id", logutil.SanitizeForLog(event.SandboxID)),
		zap.String("details", event.Details))
	return nil
}

// QueryOptions filters Query. Zero values match everything.
type QueryOptions struct {
	SessionID string
	SandboxID string
	EventType string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult holds matching events, newest first, and the total match count.
type QueryResult struct {
	Entries []SessionEvent `json:"entries"`
	Total   int64          `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

// Query returns the events matching opts.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	if a == nil {
		return &QueryResult{}, nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&SessionEvent{})
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.SandboxID != "" {
		tx = tx.Where("sandbox_id = ?", opts.SandboxID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []SessionEvent
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan deletes events older than days. A non-positive value uses
// the configured retention period. It returns the number of rows deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if a == nil {
		return 0, nil
	}
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&SessionEvent{})
	a.mu.Unlock()
	if result.Error != nil {
		a.logger.Warn("purge failed", zap.Error(result.Error))
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		a.logger.Info("purged audit events", zap.Int64("rows", result.RowsAffected), zap.Int("days", days))
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc replaces the clock.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
