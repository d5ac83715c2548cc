package models

import "time"

// CheatState is the progress-cheat classification of a (peer, torrent) pair.
type CheatState string

const (
	CheatStateClean      CheatState = "CLEAN"
	CheatStateSuspect    CheatState = "SUSPECT"
	CheatStatePendingBan CheatState = "PENDING_BAN"
	CheatStateBanned     CheatState = "BANNED"
)

// Valid reports whether s is one of the known states.
func (s CheatState) Valid() bool {
	switch s {
	case CheatStateClean, CheatStateSuspect, CheatStatePendingBan, CheatStateBanned:
		return true
	}
	return false
}

// Anomaly kinds recorded in CheatRecord.LastAnomaly.
const (
	AnomalyRewind              = "rewind"
	AnomalyDisproportionUpload = "disproportionate-upload"
	AnomalySuddenCompletion    = "sudden-completion"
)

// CheatRecord is the durable progress-cheat state of one peer address on one torrent.
type CheatRecord struct {
	ID        uint   `json:"id" gorm:"primaryKey"`
	Address   string `json:"address" gorm:"not null;uniqueIndex:idx_pcb_address_torrent"`
	TorrentID string `json:"torrent_id" gorm:"not null;uniqueIndex:idx_pcb_address_torrent;index"`

	State CheatState `json:"state" gorm:"not null;default:CLEAN;index"`

	LastReportedProgress        float64 `json:"last_reported_progress" gorm:"not null"`
	LastReportedUploaded        int64   `json:"last_reported_uploaded"`
	UploadedIncreaseAccumulator int64   `json:"uploaded_increase_accumulator"`
	TorrentSize                 int64   `json:"torrent_size"`

	RewindCount          int    `json:"rewind_count" gorm:"not null"`
	ProgressAnomalyCount int    `json:"progress_anomaly_count" gorm:"not null"`
	CleanStreak          int    `json:"clean_streak" gorm:"not null"`
	LastAnomaly          string `json:"last_anomaly"`

	FirstSeenAt  time.Time `json:"first_seen_at" gorm:"not null"`
	LastSeenAt   time.Time `json:"last_seen_at" gorm:"not null;index"`
	DownloaderID string    `json:"downloader_id" gorm:"not null"`

	BanDelayDeadline  *time.Time `json:"ban_delay_deadline"`
	NextFastRecheckAt time.Time  `json:"next_fast_recheck_at"`
	// VerdictDelivered is false while a BANNED record's verdict has not yet
	// been accepted by the ban decision sink.
	VerdictDelivered bool `json:"verdict_delivered"`

	// PreviousProgressSample is the progress reported two reports ago.
	PreviousProgressSample float64   `json:"previous_progress_sample"`
	PreviousSampleAt       time.Time `json:"previous_sample_at"`
	DecayedAt              time.Time `json:"decayed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the table name stable across struct renames.
func (CheatRecord) TableName() string {
	return "pcb_records"
}
