package rulesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"github.com/peerbanhelper/backend/internal/config"
	"github.com/peerbanhelper/backend/internal/logger"
	"github.com/peerbanhelper/backend/internal/metrics"
	"github.com/peerbanhelper/backend/internal/models"
	"github.com/peerbanhelper/backend/internal/rules"
	"github.com/peerbanhelper/backend/internal/version"
)

// Alert identifiers. Each is raised at most once while unread and resolved
// by the next successful sync.
const (
	AlertNetwork  = "btn-rules-network"
	AlertProtocol = "btn-rules-protocol"
	AlertParse    = "btn-rules-parse"
	AlertCache    = "btn-rules-cache"
)

// InitialRevision is sent until the first ruleset has been accepted.
const InitialRevision = "initial"

const maxBodyBytes = 32 << 20

// Alerter is the subset of the alert service the scheduler needs.
type Alerter interface {
	Publish(level models.AlertLevel, identifier, title, body string) error
	Resolve(identifier string) error
}

// RulesetPublisher receives every newly compiled ruleset.
type RulesetPublisher interface {
	Publish(rs *rules.CompiledRuleset)
}

// Scheduler keeps the local ruleset in step with the rule authority.
type Scheduler struct {
	cfg         config.RuleSyncConfig
	compileOpts rules.CompileOptions
	cache       *RuleCache
	target      RulesetPublisher
	alerts      Alerter
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[*fetchResult]
	flight      singleflight.Group
	log         *logrus.Entry

	mu        sync.RWMutex
	status    Status
	revision  string
	listeners []func(*rules.CompiledRuleset)

	loadOnce sync.Once
}

type fetchResult struct {
	notModified bool
	body        []byte
}

// NewScheduler wires a scheduler. alerts may be nil.
func NewScheduler(cfg config.RuleSyncConfig, compileOpts rules.CompileOptions, cache *RuleCache, target RulesetPublisher, alerts Alerter) *Scheduler {
	s := &Scheduler{
		cfg:         cfg,
		compileOpts: compileOpts,
		cache:       cache,
		target:      target,
		alerts:      alerts,
		client:      &http.Client{},
		log:         logger.Component("rulesync"),
		status:      Status{State: StateIdle, Source: SourceNone},
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	s.breaker = gobreaker.NewCircuitBreaker[*fetchResult](gobreaker.Settings{
		Name:        "btn-rules",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("Rule sync circuit breaker state change")
		},
	})
	return s
}

// OnUpdate registers fn to run after each newly published ruleset.
func (s *Scheduler) OnUpdate(fn func(*rules.CompiledRuleset)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Status returns a snapshot of the sync state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Revision is the last accepted ruleset version, or empty before any.
func (s *Scheduler) Revision() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// LoadCache publishes the cached ruleset, if any. It runs once per scheduler;
// later calls are no-ops. A malformed cache is treated as absent.
func (s *Scheduler) LoadCache() {
	s.loadOnce.Do(func() {
		body, err := s.cache.Load()
		if err != nil {
			s.log.WithError(err).Warn("Unable to read rule cache")
			return
		}
		if body == nil {
			return
		}
		doc, err := rules.ParseDocument(body)
		if err != nil {
			s.log.WithError(err).Warn("Ignoring malformed rule cache")
			return
		}
		s.apply(doc, nil, SourceCache)
		s.log.WithField("revision", doc.Version).Info("Loaded rules from cache")
	})
}

// Serve implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.LoadCache()
	s.loop(ctx)
	return ctx.Err()
}

func (s *Scheduler) String() string { return "rule-sync" }

func (s *Scheduler) loop(ctx context.Context) {
	var delay time.Duration
	if s.cfg.RandomInitialDelay > 0 {
		delay = rand.N(s.cfg.RandomInitialDelay)
	}
	s.log.WithField("initial_delay", delay.String()).Debug("Rule sync scheduled")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			_, _ = s.TriggerNow(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// TriggerNow runs a sync immediately. A call made while another sync is in
// flight waits for that one instead of fetching again. The returned error is
// informational; sync failures never stop the scheduler.
func (s *Scheduler) TriggerNow(ctx context.Context) (Status, error) {
	shared := context.WithoutCancel(ctx)
	_, err, _ := s.flight.Do("sync", func() (interface{}, error) {
		return nil, s.syncOnce(shared)
	})
	return s.Status(), err
}

func (s *Scheduler) syncOnce(ctx context.Context) error {
	rev := s.Revision()
	if rev == "" {
		rev = InitialRevision
	}
	s.mu.Lock()
	now := time.Now()
	s.status.LastAttemptAt = &now
	s.mu.Unlock()

	res, err := s.breaker.Execute(func() (*fetchResult, error) {
		return s.fetch(ctx, rev)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: circuit open: %v", ErrNetwork, err)
		}
		s.fail(err)
		return err
	}

	if res.notModified {
		s.succeed("Rules are up to date", "unchanged")
		return nil
	}

	doc, err := rules.ParseDocument(res.body)
	if err != nil {
		perr := fmt.Errorf("%w: %v", ErrParse, err)
		s.fail(perr)
		return perr
	}

	s.apply(doc, res.body, SourceRemote)
	s.succeed("Rules updated", "updated")
	return nil
}

func (s *Scheduler) fetch(ctx context.Context, rev string) (*fetchResult, error) {
	u, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: bad endpoint: %v", ErrNetwork, err)
	}
	q := u.Query()
	q.Set("rev", rev)
	u.RawQuery = q.Encode()

	timeout := s.cfg.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return &fetchResult{notModified: true}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &fetchResult{body: body}, nil
	default:
		snippet := string(body)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, &ProtocolError{StatusCode: resp.StatusCode, Body: snippet}
	}
}

// apply compiles and publishes doc. body is written to the cache when non-nil.
func (s *Scheduler) apply(doc *rules.Document, body []byte, source Source) {
	rs, errs := rules.Compile(doc, s.compileOpts)
	for _, e := range errs {
		s.log.WithError(e).Warn("Rule entry skipped")
	}
	s.target.Publish(rs)

	s.mu.Lock()
	s.revision = doc.Version
	s.status.Revision = doc.Version
	s.status.Source = source
	if source == SourceCache {
		s.status.State = StateOK
		s.status.Message = "Rules loaded from cache"
	}
	listeners := append([]func(*rules.CompiledRuleset){}, s.listeners...)
	s.mu.Unlock()

	if body != nil {
		if err := s.cache.Store(body); err != nil {
			s.log.WithError(err).Error("Unable to persist rule cache")
			s.alert(models.AlertLevelWarn, AlertCache, "Rule cache not saved", err.Error())
		} else {
			s.resolve(AlertCache)
		}
	}

	for _, fn := range listeners {
		fn(rs)
	}
}

func (s *Scheduler) succeed(message, result string) {
	now := time.Now()
	s.mu.Lock()
	s.status.State = StateOK
	s.status.Message = message
	s.status.LastSuccessAt = &now
	s.status.LastError = ""
	s.status.ConsecutiveFailures = 0
	s.mu.Unlock()

	metrics.IncRuleSync(result)
	for _, id := range []string{AlertNetwork, AlertProtocol, AlertParse} {
		s.resolve(id)
	}
}

func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	s.status.State = StateDegraded
	s.status.Message = "Rule sync failed, keeping previous rules"
	s.status.LastError = err.Error()
	s.status.ConsecutiveFailures++
	failures := s.status.ConsecutiveFailures
	s.mu.Unlock()

	metrics.IncRuleSync("failed")
	s.log.WithError(err).WithField("consecutive_failures", failures).Warn("Rule sync failed")

	switch {
	case errors.Is(err, ErrParse):
		s.alert(models.AlertLevelError, AlertParse, "Rule update rejected", err.Error())
	case errors.Is(err, ErrProtocol):
		s.alert(models.AlertLevelWarn, AlertProtocol, "Rule server returned an error", err.Error())
	default:
		s.alert(models.AlertLevelWarn, AlertNetwork, "Rule server unreachable", err.Error())
	}
}

func (s *Scheduler) alert(level models.AlertLevel, id, title, body string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Publish(level, id, title, body); err != nil {
		s.log.WithError(err).Warn("Unable to publish alert")
	}
}

func (s *Scheduler) resolve(id string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Resolve(id); err != nil {
		s.log.WithError(err).Warn("Unable to resolve alert")
	}
}
