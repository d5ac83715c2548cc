package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerbanhelper/backend/internal/cheat"
	"github.com/peerbanhelper/backend/internal/models"
)

type countingMaintainer struct {
	rechecks atomic.Int32
	sweeps   atomic.Int32
	fail     bool
}

func (m *countingMaintainer) Recheck(ctx context.Context, now time.Time) (int, error) {
	m.rechecks.Add(1)
	if m.fail {
		return 0, errors.New("store down")
	}
	return 1, nil
}

func (m *countingMaintainer) Sweep(ctx context.Context, now time.Time) (cheat.SweepResult, error) {
	m.sweeps.Add(1)
	if m.fail {
		return cheat.SweepResult{}, errors.New("store down")
	}
	return cheat.SweepResult{Decayed: 2, Pruned: 1}, nil
}

func TestMaintenanceService_ServeRunsRecheckTicker(t *testing.T) {
	det := &countingMaintainer{}
	svc := NewMaintenanceService(det, nil, 0, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	assert.Eventually(t, func() bool { return det.rechecks.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("maintenance service did not stop")
	}
	assert.Equal(t, "maintenance", svc.String())
}

func TestMaintenanceService_ServeWithoutDetector(t *testing.T) {
	db := setupServicesTestDB(t)
	svc := NewMaintenanceService(nil, NewAlertService(db, false), 24*time.Hour, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Serve(ctx), context.DeadlineExceeded)
}

func TestMaintenanceService_SweepAndRecheckTolerateErrors(t *testing.T) {
	det := &countingMaintainer{fail: true}
	svc := NewMaintenanceService(det, nil, 0, time.Second)

	svc.Sweep(context.Background())
	svc.Recheck(context.Background())
	assert.Equal(t, int32(1), det.sweeps.Load())
	assert.Equal(t, int32(1), det.rechecks.Load())
}

func TestMaintenanceService_CleanupAlerts(t *testing.T) {
	db := setupServicesTestDB(t)
	alerts := NewAlertService(db, false)
	now := time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)

	require.NoError(t, db.Create(&models.Alert{Identifier: "stale", Level: models.AlertLevelInfo, Title: "stale", CreatedAt: now.Add(-15 * 24 * time.Hour)}).Error)
	require.NoError(t, db.Create(&models.Alert{Identifier: "fresh", Level: models.AlertLevelInfo, Title: "fresh", CreatedAt: now.Add(-time.Hour)}).Error)

	svc := NewMaintenanceService(nil, alerts, 14*24*time.Hour, 0)
	svc.now = func() time.Time { return now }
	svc.CleanupAlerts()

	left, err := alerts.List(false)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "fresh", left[0].Identifier)
}

func TestKVFields(t *testing.T) {
	f := kvFields([]interface{}{"entry", 1, "next", "soon", "dangling"})
	assert.Equal(t, 1, f["entry"])
	assert.Equal(t, "soon", f["next"])
	assert.Len(t, f, 2)
}
