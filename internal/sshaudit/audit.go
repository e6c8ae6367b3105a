package sshaudit

import (
	"log"
	"sync"
	"time"

	"github.com/gluk-w/claworc/ssh-service/internal/database"
	"github.com/gluk-w/claworc/ssh-service/internal/logutil"
	"gorm.io/gorm"
)

// Event types for relay audit logging.
const (
	EventSessionOpened      = "session_opened"
	EventSessionClosed      = "session_closed"
	EventConnectFailed      = "connect_failed"
	EventConnectRateLimited = "connect_rate_limited"
	EventClientConnected    = "client_connected"
	EventClientDisconnected = "client_disconnected"
)

// DefaultRetention is used when NewAuditor is given no retention.
const DefaultRetention = 90 * 24 * time.Hour

// AuditEntry contains the fields needed to create an audit log entry.
type AuditEntry struct {
	EventType    string
	ConnectionID string
	ClientID     string
	Target       string
	SourceIP     string
	Details      string
	DurationMs   int64
}

// Auditor records relay events to the database and the standard logger.
type Auditor struct {
	mu        sync.RWMutex
	db        *gorm.DB
	retention time.Duration
	nowFn     func() time.Time
}

// NewAuditor creates an Auditor writing to db. A zero retention selects
// DefaultRetention.
func NewAuditor(db *gorm.DB, retention time.Duration) *Auditor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Auditor{
		db:        db,
		retention: retention,
		nowFn:     time.Now,
	}
}

// Log records an audit event to the database and standard logger.
func (a *Auditor) Log(entry AuditEntry) error {
	record := database.AuditLog{
		EventType:    entry.EventType,
		ConnectionID: entry.ConnectionID,
		ClientID:     entry.ClientID,
		Target:       logutil.SanitizeForLog(entry.Target),
		SourceIP:     entry.SourceIP,
		Details:      logutil.SanitizeForLog(entry.Details),
		DurationMs:   entry.DurationMs,
		CreatedAt:    a.nowFn(),
	}

	a.mu.RLock()
	err := a.db.Create(&record).Error
	a.mu.RUnlock()
	if err != nil {
		log.Printf("[ssh-audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[ssh-audit] %s connection=%s client=%s target=%s details=%s",
		entry.EventType, entry.ConnectionID, entry.ClientID, record.Target, record.Details)
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	EventType    string
	ConnectionID string
	ClientID     string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves audit log entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.AuditLog{})

	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.ConnectionID != "" {
		tx = tx.Where("connection_id = ?", opts.ConnectionID)
	}
	if opts.ClientID != "" {
		tx = tx.Where("client_id = ?", opts.ClientID)
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

	var entries []database.AuditLog
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

// PurgeOlderThan removes entries older than age. A zero age uses the
// configured retention. Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(age time.Duration) (int64, error) {
	if age <= 0 {
		age = a.retention
	}
	cutoff := a.nowFn().Add(-age)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	a.mu.Unlock()
	if result.Error != nil {
		log.Printf("[ssh-audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[ssh-audit] purged %d audit log entries older than %s", result.RowsAffected, age)
	}
	return result.RowsAffected, nil
}

// Retention returns the configured retention period.
func (a *Auditor) Retention() time.Duration {
	return a.retention
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
