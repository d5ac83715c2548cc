package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/peerbanhelper/backend/internal/cheat"
	"github.com/peerbanhelper/backend/internal/logger"
)

// Cron specs for the periodic housekeeping jobs. The sweep also decays idle
// records, so it runs more often than the retention window alone requires.
const (
	SweepSchedule        = "@hourly"
	AlertCleanupSchedule = "@daily"
)

// CheatMaintainer is the housekeeping side of the progress-cheat detector.
type CheatMaintainer interface {
	Recheck(ctx context.Context, now time.Time) (int, error)
	Sweep(ctx context.Context, now time.Time) (cheat.SweepResult, error)
}

// MaintenanceService runs detector sweeps and alert cleanup on a cron
// schedule and the pending-ban fast recheck on a ticker.
type MaintenanceService struct {
	detector       CheatMaintainer
	alerts         *AlertService
	alertRetention time.Duration
	recheckEvery   time.Duration
	now            func() time.Time
	log            *logrus.Entry
}

// NewMaintenanceService wires the jobs. detector is nil when progress cheat
// detection is disabled; alert cleanup still runs.
func NewMaintenanceService(detector CheatMaintainer, alerts *AlertService, alertRetention, recheckEvery time.Duration) *MaintenanceService {
	return &MaintenanceService{
		detector:       detector,
		alerts:         alerts,
		alertRetention: alertRetention,
		recheckEvery:   recheckEvery,
		now:            time.Now,
		log:            logger.Component("maintenance"),
	}
}

// Serve implements suture.Service.
func (s *MaintenanceService) Serve(ctx context.Context) error {
	clog := cronLogger{s.log}
	c := cron.New(cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)), cron.WithLogger(clog))
	if s.detector != nil {
		if _, err := c.AddFunc(SweepSchedule, func() { s.Sweep(ctx) }); err != nil {
			return fmt.Errorf("schedule sweep: %w", err)
		}
	}
	if s.alerts != nil && s.alertRetention > 0 {
		if _, err := c.AddFunc(AlertCleanupSchedule, func() { s.CleanupAlerts() }); err != nil {
			return fmt.Errorf("schedule alert cleanup: %w", err)
		}
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	if s.detector == nil || s.recheckEvery <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.recheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Recheck(ctx)
		}
	}
}

func (s *MaintenanceService) String() string { return "maintenance" }

// Recheck fires pending bans whose delay elapsed.
func (s *MaintenanceService) Recheck(ctx context.Context) {
	fired, err := s.detector.Recheck(ctx, s.now())
	if err != nil {
		s.log.WithError(err).Warn("Pending ban recheck failed")
		return
	}
	if fired > 0 {
		s.log.WithField("fired", fired).Info("Pending bans fired")
	}
}

// Sweep decays idle detector records and prunes expired ones.
func (s *MaintenanceService) Sweep(ctx context.Context) {
	res, err := s.detector.Sweep(ctx, s.now())
	if err != nil {
		s.log.WithError(err).Warn("Detector sweep failed")
		return
	}
	s.log.WithFields(logrus.Fields{
		"decayed": res.Decayed,
		"banned":  res.Banned,
		"pruned":  res.Pruned,
	}).Info("Detector sweep finished")
}

// CleanupAlerts deletes alerts older than the retention window.
func (s *MaintenanceService) CleanupAlerts() {
	n, err := s.alerts.DeleteOlderThan(s.now().Add(-s.alertRetention))
	if err != nil {
		s.log.WithError(err).Warn("Alert cleanup failed")
		return
	}
	if n > 0 {
		s.log.WithField("deleted", n).Info("Old alerts removed")
	}
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
