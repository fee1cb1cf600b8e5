package database

import "time"

// ConnectionLog is one session event in the connection history.
type ConnectionLog struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID   string    `gorm:"index;not null" json:"session_id"`
	ProfileKey  string    `gorm:"index;not null" json:"profile_key"`
	ProfileName string    `json:"profile_name"`
	Host        string    `gorm:"not null" json:"host"`
	Port        int       `gorm:"not null;default:22" json:"port"`
	Username    string    `json:"username"`
	EventType   string    `gorm:"index;not null" json:"event_type"`
	Details     string    `gorm:"type:text" json:"details"`
	DurationMs  int64     `gorm:"not null;default:0" json:"duration_ms"`
	CreatedAt   time.Time `gorm:"index;autoCreateTime" json:"created_at"`
}

// ProfileUsage counts successful connections per profile.
type ProfileUsage struct {
	ProfileKey  string    `gorm:"primaryKey" json:"profile_key"`
	ProfileName string    `gorm:"not null" json:"profile_name"`
	Connections int64     `gorm:"not null;default:0" json:"connections"`
	LastUsedAt  time.Time `gorm:"index" json:"last_used_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
