package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbanhelper/backend/internal/cheat"
	"github.com/peerbanhelper/backend/internal/config"
	"github.com/peerbanhelper/backend/internal/models"
	"github.com/peerbanhelper/backend/internal/rules"
)

func setupObservationService(t *testing.T) (*ObservationService, *BanListService) {
	t.Helper()
	db := setupServicesTestDB(t)
	banlist := NewBanListService(db)

	matcher, err := rules.NewPeerMatcher(100)
	require.NoError(t, err)
	t.Cleanup(matcher.Close)
	doc, err := rules.ParseDocument([]byte(`{"version":"1","peer_id":{"xunlei":["-XL0012-"]}}`))
	require.NoError(t, err)
	rs, errs := rules.Compile(doc, rules.CompileOptions{})
	require.Empty(t, errs)
	matcher.Publish(rs)

	detector := cheat.NewDetector(config.DefaultDetectorConfig(), cheat.NewGormStore(db), banlist)
	return NewObservationService(matcher, detector, banlist), banlist
}

func TestObservationService_RuleMatchBansAddress(t *testing.T) {
	svc, banlist := setupObservationService(t)
	ctx := context.Background()

	res, err := svc.Observe(ctx, Observation{
		DownloaderID: "qb", TorrentID: "t1", Address: "::ffff:203.0.113.50", Port: 6881,
		PeerID: "-XL0012-abcdef", Progress: 0.2,
	})
	require.NoError(t, err)
	assert.True(t, res.Banned)
	assert.Equal(t, "203.0.113.50", res.Address)
	assert.Equal(t, rules.DimensionPeerID, res.RuleMatch.Dimension)
	require.NotNil(t, res.Cheat)
	assert.Equal(t, models.CheatStateClean, res.State)

	banned, err := banlist.IsBanned(ctx, "203.0.113.50", "t1")
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestObservationService_InvalidAddress(t *testing.T) {
	svc, _ := setupObservationService(t)
	_, err := svc.Observe(context.Background(), Observation{TorrentID: "t", Address: "not-an-ip"})
	assert.ErrorIs(t, err, ErrInvalidObservation)
}

func TestObservationService_BatchIsolatesFailures(t *testing.T) {
	svc, banlist := setupObservationService(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	var batch []Observation
	for i, p := range []float64{0.9, 0.7, 0.5, 0.3} {
		batch = append(batch, Observation{DownloaderID: "qb", TorrentID: "t9", Address: "192.0.2.10", Progress: p, ObservedAt: t0.Add(time.Duration(i) * time.Second)})
		results := svc.ObserveBatch(ctx, batch[len(batch)-1:])
		require.Len(t, results, 1)
		assert.Empty(t, results[0].Error)
	}

	results := svc.ObserveBatch(ctx, []Observation{
		{TorrentID: "t9", Address: "bogus"},
		{DownloaderID: "qb", TorrentID: "t9", Address: "192.0.2.10", Progress: 0.3, ObservedAt: t0.Add(11 * time.Minute)},
	})
	require.Len(t, results, 2)
	assert.NotEmpty(t, results[0].Error)
	assert.Empty(t, results[1].Error)
	assert.True(t, results[1].Banned)
	assert.Equal(t, models.CheatStateBanned, results[1].State)

	entries, err := banlist.List(ctx, BanFilter{Source: models.BanSourceProgressCheat})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t9", entries[0].TorrentID)
}
