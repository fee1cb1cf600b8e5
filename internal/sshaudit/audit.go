package sshaudit

import (
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chardonnay/korTTY/internal/database"
	"github.com/chardonnay/korTTY/internal/logutil"
	"github.com/chardonnay/korTTY/internal/profile"
	"github.com/chardonnay/korTTY/internal/sshsession"
)

// DefaultRetentionDays is the default number of days to keep history.
const DefaultRetentionDays = 90

// Entry contains the fields needed to create a history record.
type Entry struct {
	SessionID   string
	ProfileKey  string
	ProfileName string
	Host        string
	Port        int
	Username    string
	EventType   string
	Details     string
	DurationMs  int64
}

// Auditor records session events to the database and the standard logger,
// and keeps the per-profile usage counter. It implements
// sshsession.Auditor.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing

	startMu sync.Mutex
	started map[string]time.Time
}

// NewAuditor creates an Auditor writing to db and migrates its tables.
// If retentionDays is 0, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate audit tables: %w", err)
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
		started:       make(map[string]time.Time),
	}, nil
}

// ProfileKey identifies a profile in the history: its ID when set,
// otherwise user@host:port.
func ProfileKey(p *profile.Profile) string {
	if p.ID != "" {
		return p.ID
	}
	return p.Username + "@" + p.Address()
}

// Log records one entry.
func (a *Auditor) Log(entry Entry) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	record := database.ConnectionLog{
		SessionID:   entry.SessionID,
		ProfileKey:  entry.ProfileKey,
		ProfileName: entry.ProfileName,
		Host:        entry.Host,
		Port:        entry.Port,
		Username:    entry.Username,
		EventType:   entry.EventType,
		Details:     entry.Details,
		DurationMs:  entry.DurationMs,
		CreatedAt:   a.nowFn(),
	}
	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[audit] failed to write history entry: %v", err)
		return err
	}

	log.Printf("[audit] %s profile=%s user=%s host=%s details=%s",
		entry.EventType,
		logutil.SanitizeForLog(entry.ProfileName),
		logutil.SanitizeForLog(entry.Username),
		logutil.SanitizeForLog(entry.Host),
		logutil.SanitizeForLog(entry.Details),
	)
	return nil
}

// SessionEvent records a session manager event. A connect counts as one use
// of the profile; a disconnect records how long the session lasted.
func (a *Auditor) SessionEvent(ev sshsession.Event, p *profile.Profile) {
	entry := Entry{
		SessionID:   ev.SessionID,
		ProfileKey:  ProfileKey(p),
		ProfileName: p.DisplayName(),
		Host:        p.Host,
		Port:        p.Port,
		Username:    p.Username,
		EventType:   string(ev.Type),
		Details:     ev.Details,
	}

	switch ev.Type {
	case sshsession.EventConnected:
		a.startMu.Lock()
		a.started[ev.SessionID] = ev.Timestamp
		a.startMu.Unlock()
		if err := a.recordUsage(entry.ProfileKey, entry.ProfileName, ev.Timestamp); err != nil {
			log.Printf("[audit] failed to update usage for %s: %v", logutil.SanitizeForLog(entry.ProfileName), err)
		}
	case sshsession.EventDisconnected:
		a.startMu.Lock()
		if start, ok := a.started[ev.SessionID]; ok {
			entry.DurationMs = ev.Timestamp.Sub(start).Milliseconds()
			delete(a.started, ev.SessionID)
		}
		a.startMu.Unlock()
	}

	a.Log(entry)
}

func (a *Auditor) recordUsage(key, name string, at time.Time) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	usage := database.ProfileUsage{
		ProfileKey:  key,
		ProfileName: name,
		Connections: 1,
		LastUsedAt:  at,
	}
	return a.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "profile_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"profile_name": name,
			"connections":  gorm.Expr("connections + 1"),
			"last_used_at": at,
		}),
	}).Create(&usage).Error
}

// QueryOptions specifies filters for retrieving history.
type QueryOptions struct {
	SessionID  string
	ProfileKey string
	EventType  string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// QueryResult contains history entries and pagination metadata.
type QueryResult struct {
	Entries []database.ConnectionLog `json:"entries"`
	Total   int64                    `json:"total"`
	Limit   int                      `json:"limit"`
	Offset  int                      `json:"offset"`
}

// Query retrieves history entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.ConnectionLog{})

	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.ProfileKey != "" {
		tx = tx.Where("profile_key = ?", opts.ProfileKey)
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

	var entries []database.ConnectionLog
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

// PurgeOlderThan removes history entries older than days, or the configured
// retention period when days is 0. Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.ConnectionLog{})
	a.mu.Unlock()
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d history entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
