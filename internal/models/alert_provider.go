package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AlertProvider is an external push target for alerts, addressed by a
// shoutrrr URL.
type AlertProvider struct {
	ID      string `gorm:"primaryKey" json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"` // discord, slack, gotify, telegram, generic
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`
	// MinLevel filters out alerts below this severity.
	MinLevel AlertLevel `json:"min_level" gorm:"default:warn"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *AlertProvider) BeforeCreate(tx *gorm.DB) (err error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.MinLevel == "" {
		p.MinLevel = AlertLevelWarn
	}
	return
}
