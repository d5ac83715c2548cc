// Package engine assembles the rule engine, the progress-cheat detector and
// their supporting services from configuration.
package engine

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"
	"gorm.io/gorm"

	"github.com/peerbanhelper/backend/internal/cheat"
	"github.com/peerbanhelper/backend/internal/config"
	"github.com/peerbanhelper/backend/internal/logger"
	"github.com/peerbanhelper/backend/internal/metrics"
	"github.com/peerbanhelper/backend/internal/models"
	"github.com/peerbanhelper/backend/internal/rules"
	"github.com/peerbanhelper/backend/internal/rulesync"
	"github.com/peerbanhelper/backend/internal/services"
)

// Engine holds every long-lived component. Scheduler is nil when rule sync
// is disabled; Detector and CheatStore are nil when cheat detection is.
type Engine struct {
	Config   config.Config
	DB       *gorm.DB
	Registry *prometheus.Registry

	Matcher   *rules.PeerMatcher
	Scheduler *rulesync.Scheduler

	CheatStore cheat.Store
	Detector   *cheat.Detector

	Alerts       *services.AlertService
	Bans         *services.BanListService
	Observations *services.ObservationService
	Maintenance  *services.MaintenanceService
}

// New migrates the schema and wires all components. Nothing is started.
func New(db *gorm.DB, cfg config.Config) (*Engine, error) {
	if err := db.AutoMigrate(
		&models.Alert{},
		&models.AlertProvider{},
		&models.BanEntry{},
		&models.CheatRecord{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	matcher, err := rules.NewPeerMatcher(cfg.Matcher.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create peer matcher: %w", err)
	}

	e := &Engine{
		Config:   cfg,
		DB:       db,
		Registry: registry,
		Matcher:  matcher,
		Alerts:   services.NewAlertService(db, cfg.Alerts.PushEnabled),
		Bans:     services.NewBanListService(db),
	}

	if cfg.Detector.Enabled {
		e.CheatStore = cheat.NewGormStore(db)
		e.Detector = cheat.NewDetector(cfg.Detector, e.CheatStore, e.Bans)
	}

	// A nil *cheat.Detector must not become a non-nil interface value.
	var evaluator services.CheatEvaluator
	var maintainer services.CheatMaintainer
	if e.Detector != nil {
		evaluator, maintainer = e.Detector, e.Detector
	}
	e.Observations = services.NewObservationService(matcher, evaluator, e.Bans)
	e.Maintenance = services.NewMaintenanceService(maintainer, e.Alerts, cfg.Alerts.Retention, cfg.Detector.FastRecheckInterval)

	if cfg.RuleSync.Enabled {
		opts := rules.CompileOptions{ScriptExecute: cfg.Matcher.ScriptExecute, ScriptTimeout: cfg.Matcher.ScriptTimeout}
		e.Scheduler = rulesync.NewScheduler(cfg.RuleSync, opts, rulesync.NewRuleCache(cfg.RuleSync.CacheFile), matcher, e.Alerts)
		e.Scheduler.OnUpdate(reportRuleset)
	}

	return e, nil
}

func reportRuleset(rs *rules.CompiledRuleset) {
	sum := rs.Summary()
	counts := make(map[string]int, len(sum.Counts))
	fields := logrus.Fields{"revision": sum.Revision, "total": sum.Total}
	for dim, n := range sum.Counts {
		counts[string(dim)] = n
		fields[string(dim)] = n
	}
	metrics.SetActiveRules(counts)
	if sum.ScriptsSkipped > 0 {
		fields["scripts_skipped"] = sum.ScriptsSkipped
	}
	logger.Component("rules").WithFields(fields).Info("Ruleset activated")
}

// Services lists the background services to supervise.
func (e *Engine) Services() []suture.Service {
	var svcs []suture.Service
	if e.Scheduler != nil {
		svcs = append(svcs, e.Scheduler)
	}
	svcs = append(svcs, e.Maintenance)
	return svcs
}

// Close releases resources that outlive the supervisor.
func (e *Engine) Close() {
	e.Matcher.Close()
}
