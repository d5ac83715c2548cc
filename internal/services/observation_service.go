package services

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/peerbanhelper/backend/internal/cheat"
	"github.com/peerbanhelper/backend/internal/logger"
	"github.com/peerbanhelper/backend/internal/metrics"
	"github.com/peerbanhelper/backend/internal/models"
	"github.com/peerbanhelper/backend/internal/rules"
)

var ErrInvalidObservation = errors.New("invalid observation")

// RuleMatcher is the query side of the rule engine.
type RuleMatcher interface {
	Match(attrs rules.PeerAttributes) rules.MatchResult
}

// CheatEvaluator is the progress-cheat detector.
type CheatEvaluator interface {
	Report(ctx context.Context, r cheat.Report) (cheat.Outcome, error)
}

// Observation is one peer of one torrent as seen by a download client poller.
type Observation struct {
	DownloaderID string    `json:"downloader" binding:"required"`
	TorrentID    string    `json:"torrent_id" binding:"required"`
	TorrentSize  int64     `json:"torrent_size"`
	Address      string    `json:"address" binding:"required"`
	Port         uint16    `json:"port"`
	PeerID       string    `json:"peer_id"`
	ClientName   string    `json:"client_name"`
	Progress     float64   `json:"progress"`
	Uploaded     int64     `json:"uploaded"`
	Downloaded   int64     `json:"downloaded"`
	UploadRate   int64     `json:"upload_rate"`
	ObservedAt   time.Time `json:"observed_at"`
}

// ObservationResult is the combined verdict for one observation.
type ObservationResult struct {
	Address   string            `json:"address"`
	TorrentID string            `json:"torrent_id"`
	RuleMatch rules.MatchResult `json:"rule_match"`
	Cheat     *cheat.Outcome    `json:"cheat,omitempty"`
	State     models.CheatState `json:"state,omitempty"`
	Banned    bool              `json:"banned"`
	Error     string            `json:"error,omitempty"`
}

// ObservationService runs each observation through the rule matcher and the
// progress-cheat detector independently and forwards rule hits to the sink.
type ObservationService struct {
	matcher     RuleMatcher
	detector    CheatEvaluator
	sink        cheat.BanDecisionSink
	parallelism int
}

// NewObservationService wires the pipeline. detector may be nil when cheat
// detection is disabled.
func NewObservationService(matcher RuleMatcher, detector CheatEvaluator, sink cheat.BanDecisionSink) *ObservationService {
	return &ObservationService{matcher: matcher, detector: detector, sink: sink, parallelism: 8}
}

func (s *ObservationService) Observe(ctx context.Context, obs Observation) (ObservationResult, error) {
	addr, err := netip.ParseAddr(obs.Address)
	if err != nil {
		return ObservationResult{}, fmt.Errorf("%w: address %q: %v", ErrInvalidObservation, obs.Address, err)
	}
	addr = addr.Unmap().WithZone("")
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = time.Now()
	}
	metrics.IncPeerCheck()

	res := ObservationResult{Address: addr.String(), TorrentID: obs.TorrentID}
	res.RuleMatch = s.matcher.Match(rules.PeerAttributes{
		Address:     addr,
		Port:        obs.Port,
		PeerID:      obs.PeerID,
		ClientName:  obs.ClientName,
		TorrentID:   obs.TorrentID,
		Progress:    obs.Progress,
		Uploaded:    obs.Uploaded,
		Downloaded:  obs.Downloaded,
		TorrentSize: obs.TorrentSize,
	})
	if res.RuleMatch.Matched {
		reason := fmt.Sprintf("matched %s rule %q in group %q", res.RuleMatch.Dimension, res.RuleMatch.Rule, res.RuleMatch.Group)
		err := s.sink.OnBanVerdict(ctx, res.Address, "", reason, map[string]any{
			"source":       models.BanSourceRule,
			"dimension":    string(res.RuleMatch.Dimension),
			"group":        res.RuleMatch.Group,
			"rule":         res.RuleMatch.Rule,
			"peer_id":      obs.PeerID,
			"client":       obs.ClientName,
			"uploaded":     obs.Uploaded,
			"progress":     obs.Progress,
			"torrent_size": obs.TorrentSize,
		})
		if err != nil {
			return res, fmt.Errorf("record rule ban: %w", err)
		}
		res.Banned = true
	}

	if s.detector != nil {
		out, err := s.detector.Report(ctx, cheat.Report{
			Address:      res.Address,
			TorrentID:    obs.TorrentID,
			DownloaderID: obs.DownloaderID,
			TorrentSize:  obs.TorrentSize,
			Progress:     obs.Progress,
			Uploaded:     obs.Uploaded,
			UploadRate:   obs.UploadRate,
			ObservedAt:   obs.ObservedAt,
		})
		if err != nil {
			return res, err
		}
		res.Cheat = &out
		res.State = out.Record.State
		if out.Record.State == models.CheatStateBanned {
			res.Banned = true
		}
	}
	return res, nil
}

// ObserveBatch evaluates observations concurrently. A failed observation is
// reported in its result and does not affect the others.
func (s *ObservationService) ObserveBatch(ctx context.Context, batch []Observation) []ObservationResult {
	results := make([]ObservationResult, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i := range batch {
		g.Go(func() error {
			res, err := s.Observe(gctx, batch[i])
			if err != nil {
				logger.Component("observations").WithError(err).WithField("address", batch[i].Address).Warn("Observation not applied")
				res.Address = batch[i].Address
				res.TorrentID = batch[i].TorrentID
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}
