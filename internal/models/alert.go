package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AlertLevel string

const (
	AlertLevelInfo  AlertLevel = "info"
	AlertLevelWarn  AlertLevel = "warn"
	AlertLevelError AlertLevel = "error"
	AlertLevelFatal AlertLevel = "fatal"
)

// Rank orders levels from least to most severe.
func (l AlertLevel) Rank() int {
	switch l {
	case AlertLevelWarn:
		return 1
	case AlertLevelError:
		return 2
	case AlertLevelFatal:
		return 3
	default:
		return 0
	}
}

// Alert is an operator notice. At most one unread alert exists per Identifier.
type Alert struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	Identifier string     `gorm:"index" json:"identifier"`
	Level      AlertLevel `json:"level"`
	Title      string     `json:"title"`
	Content    string     `gorm:"type:text" json:"content"`
	Read       bool       `gorm:"index" json:"read"`
	ReadAt     *time.Time `json:"read_at"`
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
}

func (a *Alert) BeforeCreate(tx *gorm.DB) (err error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Identifier == "" {
		a.Identifier = uuid.NewString()
	}
	return
}
