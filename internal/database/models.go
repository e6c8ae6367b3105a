package database

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	AuthTypePassword = "password"
	AuthTypeKey      = "key"
)

// SSHSession is a saved connection profile. Password, PrivateKey and
// Passphrase hold Fernet tokens, never plaintext.
type SSHSession struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	Name            string     `gorm:"not null" json:"name"`
	Host            string     `gorm:"not null" json:"host"`
	Port            int        `gorm:"not null;default:22" json:"port"`
	Username        string     `gorm:"not null" json:"username"`
	AuthType        string     `gorm:"not null;default:password" json:"authType"`
	Password        string     `json:"-"`
	PrivateKey      string     `gorm:"type:text" json:"-"`
	Passphrase      string     `json:"-"`
	Timeout         int        `gorm:"not null;default:30000" json:"timeout"` // milliseconds
	KeepAlive       bool       `gorm:"not null" json:"keepAlive"`
	TerminalType    string     `gorm:"not null;default:xterm-256color" json:"terminalType"`
	Cols            int        `gorm:"not null;default:80" json:"cols"`
	Rows            int        `gorm:"not null;default:24" json:"rows"`
	FontSize        int        `gorm:"not null;default:14" json:"fontSize"`
	FontFamily      string     `json:"fontFamily"`
	Theme           string     `gorm:"not null;default:default" json:"theme"`
	Group           string     `gorm:"column:group_name;index" json:"group"`
	IsFavorite      bool       `gorm:"not null" json:"isFavorite"`
	LastConnected   *time.Time `json:"lastConnected"`
	ConnectionCount int        `gorm:"not null;default:0" json:"connectionCount"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`

	History []ConnectionHistory `gorm:"foreignKey:SessionID" json:"-"`
}

func (s *SSHSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// ConnectionHistory records one use of a saved profile.
type ConnectionHistory struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string     `gorm:"not null;index;size:36" json:"sessionId"`
	ConnectedAt    time.Time  `gorm:"not null;index" json:"connectedAt"`
	DisconnectedAt *time.Time `json:"disconnectedAt"`
	Duration       int        `json:"duration"` // seconds
	Success        bool       `json:"success"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
}

// AuditLog is one relay event: a session opening, closing or failing, or a
// client channel coming and going.
type AuditLog struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType    string    `gorm:"not null;index" json:"eventType"`
	ConnectionID string    `gorm:"index;size:36" json:"connectionId,omitempty"`
	ClientID     string    `gorm:"index;size:36" json:"clientId,omitempty"`
	Target       string    `json:"target,omitempty"`
	SourceIP     string    `json:"sourceIp,omitempty"`
	Details      string    `json:"details,omitempty"`
	DurationMs   int64     `json:"durationMs,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"createdAt"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
