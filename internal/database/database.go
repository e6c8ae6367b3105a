package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gluk-w/claworc/ssh-service/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// ErrNotFound is returned when a profile or history row does not exist.
var ErrNotFound = errors.New("not found")

func Init() error {
	return Open(config.Cfg.DatabasePath)
}

// Open connects to the sqlite database at path and migrates the schema.
func Open(path string) error {
	dbDir := filepath.Dir(path)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(path), &gorm.Config{
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

	if err := DB.AutoMigrate(&SSHSession{}, &ConnectionHistory{}, &AuditLog{}, &Setting{}); err != nil {
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

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}

// Session profile helpers

// ListSessions returns profiles favourites first, then most recently used,
// then by name. A non-empty group restricts the result to that group.
func ListSessions(group string) ([]SSHSession, error) {
	var sessions []SSHSession
	q := DB.Order("is_favorite DESC").
		Order("last_connected IS NULL").
		Order("last_connected DESC").
		Order("name ASC")
	if group != "" {
		q = q.Where("group_name = ?", group)
	}
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func GetSession(id string) (*SSHSession, error) {
	var s SSHSession
	if err := DB.Where("id = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func CreateSession(s *SSHSession) error {
	return DB.Create(s).Error
}

// UpdateSession applies column updates to a profile and returns the result.
func UpdateSession(id string, updates map[string]interface{}) (*SSHSession, error) {
	if len(updates) > 0 {
		res := DB.Model(&SSHSession{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
	}
	return GetSession(id)
}

// DeleteSession removes a profile together with its history.
func DeleteSession(id string) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&ConnectionHistory{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&SSHSession{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListGroups returns the distinct non-empty group names, sorted.
func ListGroups() ([]string, error) {
	var groups []string
	err := DB.Model(&SSHSession{}).
		Where("group_name IS NOT NULL AND group_name != ''").
		Distinct().
		Order("group_name").
		Pluck("group_name", &groups).Error
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// RecordConnect bumps the profile's usage counters and appends a history row.
func RecordConnect(id string) (*SSHSession, *ConnectionHistory, error) {
	var (
		session SSHSession
		entry   ConnectionHistory
	)
	now := time.Now()
	err := DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&session).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Model(&session).Updates(map[string]interface{}{
			"last_connected":   now,
			"connection_count": gorm.Expr("connection_count + 1"),
		}).Error; err != nil {
			return err
		}
		entry = ConnectionHistory{SessionID: id, ConnectedAt: now, Success: true}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, nil, err
	}
	session.LastConnected = &now
	session.ConnectionCount++
	return &session, &entry, nil
}

// FinishHistory closes a history row with its outcome.
func FinishHistory(historyID uint, success bool, errMsg string) error {
	var entry ConnectionHistory
	if err := DB.First(&entry, historyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	now := time.Now()
	return DB.Model(&entry).Updates(map[string]interface{}{
		"disconnected_at": now,
		"duration":        int(now.Sub(entry.ConnectedAt).Seconds()),
		"success":         success,
		"error_message":   errMsg,
	}).Error
}

// ListHistory returns the most recent history rows for a profile.
func ListHistory(sessionID string, limit int) ([]ConnectionHistory, error) {
	var entries []ConnectionHistory
	q := DB.Where("session_id = ?", sessionID).Order("connected_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// HistoryCount returns the number of history rows per profile id.
func HistoryCount() (map[string]int64, error) {
	var rows []struct {
		SessionID string
		Count     int64
	}
	err := DB.Model(&ConnectionHistory{}).
		Select("session_id, COUNT(*) AS count").
		Group("session_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.SessionID] = r.Count
	}
	return counts, nil
}

// PruneHistory deletes history rows that started before cutoff.
func PruneHistory(cutoff time.Time) (int64, error) {
	res := DB.Where("connected_at < ?", cutoff).Delete(&ConnectionHistory{})
	return res.RowsAffected, res.Error
}

func SessionCount() (int64, error) {
	var count int64
	err := DB.Model(&SSHSession{}).Count(&count).Error
	return count, err
}
