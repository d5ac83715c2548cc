package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Ban sources.
const (
	BanSourceRule          = "btn-rule"
	BanSourceProgressCheat = "progress-cheat"
	BanSourceManual        = "manual"
)

// BanEntry is one row of the persisted ban list. Rule bans are address-wide
// and carry an empty TorrentID.
type BanEntry struct {
	ID        uint   `json:"id" gorm:"primaryKey"`
	UUID      string `json:"uuid" gorm:"uniqueIndex"`
	Address   string `json:"address" gorm:"not null;uniqueIndex:idx_ban_address_torrent"`
	TorrentID string `json:"torrent_id" gorm:"uniqueIndex:idx_ban_address_torrent"`
	Source    string `json:"source" gorm:"index"`
	Reason    string `json:"reason" gorm:"type:text"`
	// Metadata is a JSON object with the detector or matcher context.
	Metadata string `json:"metadata" gorm:"type:text"`
	// Uploaded is the number of bytes sent to the peer before the ban.
	Uploaded  int64     `json:"uploaded"`
	BannedAt  time.Time `json:"banned_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *BanEntry) BeforeCreate(tx *gorm.DB) (err error) {
	if b.UUID == "" {
		b.UUID = uuid.NewString()
	}
	if b.BannedAt.IsZero() {
		b.BannedAt = time.Now()
	}
	return
}
