package cheat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/peerbanhelper/backend/internal/models"
)

// Store persists CheatRecords. Implementations return raw errors; the
// detector wraps them in ErrStorePersistence.
type Store interface {
	// Load returns nil, nil when no record exists for the key.
	Load(ctx context.Context, address, torrentID string) (*models.CheatRecord, error)
	Upsert(ctx context.Context, rec *models.CheatRecord) error
	// DeleteOlderThan prunes records last seen before cutoff, except banned
	// records whose verdict has not been delivered yet.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	LoadAll(ctx context.Context) ([]models.CheatRecord, error)
	ListByState(ctx context.Context, states ...models.CheatState) ([]models.CheatRecord, error)
	ListByTorrent(ctx context.Context, torrentID string) ([]models.CheatRecord, error)
	DeleteTorrent(ctx context.Context, torrentID string) (int64, error)
}

// GormStore keeps records in the pcb_records table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Load(ctx context.Context, address, torrentID string) (*models.CheatRecord, error) {
	var rec models.CheatRecord
	err := s.db.WithContext(ctx).Where("address = ? AND torrent_id = ?", address, torrentID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormStore) Upsert(ctx context.Context, rec *models.CheatRecord) error {
	return s.db.WithContext(ctx).Save(rec).Error
}

func (s *GormStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("last_seen_at < ?", cutoff.UTC()).
		Where("NOT (state = ? AND verdict_delivered = ?)", models.CheatStateBanned, false).
		Delete(&models.CheatRecord{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) LoadAll(ctx context.Context) ([]models.CheatRecord, error) {
	var recs []models.CheatRecord
	err := s.db.WithContext(ctx).Order("id").Find(&recs).Error
	return recs, err
}

func (s *GormStore) ListByState(ctx context.Context, states ...models.CheatState) ([]models.CheatRecord, error) {
	var recs []models.CheatRecord
	q := s.db.WithContext(ctx).Order("last_seen_at desc")
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}
	err := q.Find(&recs).Error
	return recs, err
}

func (s *GormStore) ListByTorrent(ctx context.Context, torrentID string) ([]models.CheatRecord, error) {
	var recs []models.CheatRecord
	err := s.db.WithContext(ctx).Where("torrent_id = ?", torrentID).Order("id").Find(&recs).Error
	return recs, err
}

func (s *GormStore) DeleteTorrent(ctx context.Context, torrentID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("torrent_id = ?", torrentID).Delete(&models.CheatRecord{})
	return res.RowsAffected, res.Error
}
