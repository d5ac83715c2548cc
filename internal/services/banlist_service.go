package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/peerbanhelper/backend/internal/logger"
	"github.com/peerbanhelper/backend/internal/metrics"
	"github.com/peerbanhelper/backend/internal/models"
)

var ErrBanNotFound = errors.New("ban entry not found")

// BanListService persists ban verdicts. It is the BanDecisionSink for both
// the rule matcher and the progress-cheat detector; repeated verdicts for the
// same (address, torrent) update the existing entry.
type BanListService struct {
	db *gorm.DB
}

func NewBanListService(db *gorm.DB) *BanListService {
	return &BanListService{db: db}
}

// OnBanVerdict records a ban. metadata["source"] selects the ban source,
// metadata["uploaded"] the bytes already sent to the peer, and
// metadata["progress"] with metadata["torrent_size"] estimate what the ban saves.
func (s *BanListService) OnBanVerdict(ctx context.Context, address, torrentID, reason string, metadata map[string]any) error {
	source := models.BanSourceManual
	if v, ok := metadata["source"].(string); ok && v != "" {
		source = v
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode ban metadata: %w", err)
	}
	uploaded := toInt64(metadata["uploaded"])

	var existing models.BanEntry
	err = s.db.WithContext(ctx).Where("address = ? AND torrent_id = ?", address, torrentID).First(&existing).Error
	switch {
	case err == nil:
		existing.Reason = reason
		existing.Metadata = string(payload)
		existing.Source = source
		return s.db.WithContext(ctx).Save(&existing).Error
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}

	entry := &models.BanEntry{
		Address:   address,
		TorrentID: torrentID,
		Source:    source,
		Reason:    reason,
		Metadata:  string(payload),
		Uploaded:  uploaded,
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return err
	}
	metrics.IncBan(source)
	metrics.AddWastedTraffic(uploaded)
	metrics.AddSavedTraffic(remainingBytes(metadata))
	logger.Component("banlist").WithField("address", address).WithField("torrent", torrentID).WithField("source", source).Info(reason)
	return nil
}

// OnUnban removes the ban for (address, torrent). Missing entries are ignored.
func (s *BanListService) OnUnban(ctx context.Context, address, torrentID string) error {
	res := s.db.WithContext(ctx).Where("address = ? AND torrent_id = ?", address, torrentID).Delete(&models.BanEntry{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		metrics.IncUnban()
		logger.Component("banlist").WithField("address", address).WithField("torrent", torrentID).Info("Ban lifted")
	}
	return nil
}

// UnbanAddress lifts every ban of an address and returns how many were removed.
func (s *BanListService) UnbanAddress(ctx context.Context, address string) (int64, error) {
	res := s.db.WithContext(ctx).Where("address = ?", address).Delete(&models.BanEntry{})
	if res.Error != nil {
		return 0, res.Error
	}
	for i := int64(0); i < res.RowsAffected; i++ {
		metrics.IncUnban()
	}
	return res.RowsAffected, nil
}

// IsBanned reports whether address is banned for torrentID, either directly
// or through an address-wide ban.
func (s *BanListService) IsBanned(ctx context.Context, address, torrentID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.BanEntry{}).
		Where("address = ? AND (torrent_id = ? OR torrent_id = ?)", address, torrentID, "").
		Count(&count).Error
	return count > 0, err
}

// BanFilter narrows List. Zero values match everything.
type BanFilter struct {
	Address   string
	TorrentID string
	Source    string
	Limit     int
}

// List returns bans ordered by most recent first.
func (s *BanListService) List(ctx context.Context, f BanFilter) ([]models.BanEntry, error) {
	var res []models.BanEntry
	q := s.db.WithContext(ctx).Order("banned_at desc")
	if f.Address != "" {
		q = q.Where("address = ?", f.Address)
	}
	if f.TorrentID != "" {
		q = q.Where("torrent_id = ?", f.TorrentID)
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Find(&res).Error; err != nil {
		return nil, err
	}
	return res, nil
}

// remainingBytes is what the peer still lacks, and so will not get from us.
func remainingBytes(metadata map[string]any) int64 {
	size := toInt64(metadata["torrent_size"])
	progress, ok := metadata["progress"].(float64)
	if size <= 0 || !ok || progress >= 1 {
		return 0
	}
	return int64((1 - max(0, progress)) * float64(size))
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
