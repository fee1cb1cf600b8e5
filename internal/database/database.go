package database

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chardonnay/korTTY/internal/config"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := Migrate(DB); err != nil {
		return err
	}
	return nil
}

// Migrate creates or updates the history tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ConnectionLog{}, &ProfileUsage{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// RecentProfiles returns the most recently used profiles, newest first.
func RecentProfiles(db *gorm.DB, limit int) ([]ProfileUsage, error) {
	if limit <= 0 {
		limit = 20
	}
	var usage []ProfileUsage
	if err := db.Order("last_used_at DESC").Limit(limit).Find(&usage).Error; err != nil {
		return nil, err
	}
	return usage, nil
}

// GetUsage returns the usage row for one profile.
func GetUsage(db *gorm.DB, profileKey string) (*ProfileUsage, error) {
	var u ProfileUsage
	if err := db.Where("profile_key = ?", profileKey).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// SessionLogs returns the history of one session, oldest first.
func SessionLogs(db *gorm.DB, sessionID string) ([]ConnectionLog, error) {
	var logs []ConnectionLog
	if err := db.Where("session_id = ?", sessionID).Order("id").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
