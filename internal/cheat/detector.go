package cheat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/peerbanhelper/backend/internal/config"
	"github.com/peerbanhelper/backend/internal/logger"
	"github.com/peerbanhelper/backend/internal/metrics"
	"github.com/peerbanhelper/backend/internal/models"
)

var (
	// ErrStorePersistence means a state change could not be written. The
	// report was not applied and the stored record is unchanged.
	ErrStorePersistence = errors.New("cheat state persistence error")
	ErrInvalidReport    = errors.New("invalid progress report")
	ErrRecordNotFound   = errors.New("cheat record not found")
)

const lockStripes = 256

// BanDecisionSink receives verdicts. OnBanVerdict must be durable before it
// returns nil; the detector retries undelivered verdicts on Recheck.
type BanDecisionSink interface {
	OnBanVerdict(ctx context.Context, address, torrentID, reason string, metadata map[string]any) error
	OnUnban(ctx context.Context, address, torrentID string) error
}

// Report is one progress observation of a peer on a torrent.
type Report struct {
	Address      string
	TorrentID    string
	DownloaderID string
	// TorrentSize in bytes; zero when unknown.
	TorrentSize int64
	Progress    float64
	// Uploaded is the cumulative byte counter sent to the peer.
	Uploaded int64
	// UploadRate is the measured bytes per second to the peer; zero when unknown.
	UploadRate int64
	ObservedAt time.Time
}

// Outcome describes what a report did to its record.
type Outcome struct {
	Record    models.CheatRecord `json:"record"`
	Previous  models.CheatState  `json:"previous_state"`
	Anomalies []string           `json:"anomalies,omitempty"`
	// Banned is true only on the report that produced the verdict.
	Banned bool `json:"banned"`
}

// SweepResult summarizes one maintenance sweep.
type SweepResult struct {
	Decayed int   `json:"decayed"`
	Banned  int   `json:"banned"`
	Pruned  int64 `json:"pruned"`
}

// Detector runs the per-(peer, torrent) progress-cheat state machine.
// Evaluations of the same key are serialized; different keys run in parallel.
type Detector struct {
	cfg   config.DetectorConfig
	store Store
	sink  BanDecisionSink
	locks [lockStripes]sync.Mutex
	log   *logrus.Entry
}

func NewDetector(cfg config.DetectorConfig, store Store, sink BanDecisionSink) *Detector {
	return &Detector{
		cfg:   cfg,
		store: store,
		sink:  sink,
		log:   logger.Component("cheat"),
	}
}

func (d *Detector) lock(address, torrentID string) func() {
	m := &d.locks[xxhash.Sum64String(address+"\x00"+torrentID)%lockStripes]
	m.Lock()
	return m.Unlock
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorePersistence, op, err)
}

// Report applies one observation. On ErrStorePersistence nothing changed.
func (d *Detector) Report(ctx context.Context, r Report) (Outcome, error) {
	if r.Address == "" || r.TorrentID == "" {
		return Outcome{}, fmt.Errorf("%w: address and torrent id are required", ErrInvalidReport)
	}
	if math.IsNaN(r.Progress) || math.IsInf(r.Progress, 0) {
		return Outcome{}, fmt.Errorf("%w: progress is not a number", ErrInvalidReport)
	}
	r.Progress = math.Min(1, math.Max(0, r.Progress))
	if r.Uploaded < 0 {
		r.Uploaded = 0
	}
	if r.ObservedAt.IsZero() {
		r.ObservedAt = time.Now()
	}
	r.ObservedAt = r.ObservedAt.UTC()

	unlock := d.lock(r.Address, r.TorrentID)
	defer unlock()

	rec, err := d.store.Load(ctx, r.Address, r.TorrentID)
	if err != nil {
		return Outcome{}, persistErr("load", err)
	}
	if rec == nil {
		return d.create(ctx, r)
	}

	prev := rec.State
	next := *rec
	out := Outcome{Previous: prev}

	if prev == models.CheatStateBanned {
		next.LastReportedProgress = r.Progress
		next.LastReportedUploaded = r.Uploaded
		next.LastSeenAt = r.ObservedAt
		if err := d.store.Upsert(ctx, &next); err != nil {
			return Outcome{}, persistErr("upsert", err)
		}
		out.Record = next
		return out, nil
	}

	out.Anomalies = d.classify(rec, r)
	d.advance(&next, r, len(out.Anomalies) > 0, out.Anomalies)
	d.transition(&next, r.ObservedAt)

	fired := prev != models.CheatStateBanned && next.State == models.CheatStateBanned
	if fired {
		next.VerdictDelivered = false
	}
	if err := d.store.Upsert(ctx, &next); err != nil {
		return Outcome{}, persistErr("upsert", err)
	}
	d.logTransition(prev, &next)

	if fired {
		d.deliver(ctx, &next)
		out.Banned = true
	}
	out.Record = next
	return out, nil
}

func (d *Detector) create(ctx context.Context, r Report) (Outcome, error) {
	rec := models.CheatRecord{
		Address:                r.Address,
		TorrentID:              r.TorrentID,
		State:                  models.CheatStateClean,
		LastReportedProgress:   r.Progress,
		LastReportedUploaded:   r.Uploaded,
		TorrentSize:            r.TorrentSize,
		FirstSeenAt:            r.ObservedAt,
		LastSeenAt:             r.ObservedAt,
		DownloaderID:           r.DownloaderID,
		NextFastRecheckAt:      r.ObservedAt,
		PreviousProgressSample: r.Progress,
		PreviousSampleAt:       r.ObservedAt,
		VerdictDelivered:       true,
	}
	if err := d.store.Upsert(ctx, &rec); err != nil {
		return Outcome{}, persistErr("create", err)
	}
	return Outcome{Record: rec, Previous: models.CheatStateClean}, nil
}

// classify returns the anomaly kinds found in r relative to rec.
func (d *Detector) classify(rec *models.CheatRecord, r Report) []string {
	var found []string
	last := rec.LastReportedProgress

	if last >= 1.0 {
		if r.Progress < last-d.cfg.CompletedRewindEpsilon {
			found = append(found, models.AnomalyRewind)
		}
	} else if r.Progress < last-d.cfg.RewindTolerance {
		found = append(found, models.AnomalyRewind)
	}

	size := r.TorrentSize
	if size <= 0 {
		size = rec.TorrentSize
	}

	delta := uploadDelta(rec.LastReportedUploaded, r.Uploaded)
	if size > 0 && size >= d.cfg.MinTorrentSize {
		progressDelta := math.Max(0, r.Progress-last)
		expected := progressDelta*float64(size)*d.cfg.UploadMultiplier + float64(d.cfg.UploadGraceBytes)
		if float64(delta) > expected {
			found = append(found, models.AnomalyDisproportionUpload)
		}
	}

	if size > 0 && r.Progress >= 1.0 && last < 1.0 && rec.PreviousProgressSample <= d.cfg.SuddenCompletionFloor {
		rate := float64(d.cfg.MaxPlausibleRate)
		if r.UploadRate > 0 {
			rate = float64(r.UploadRate) * d.cfg.RateHeadroom
		}
		if rate > 0 {
			remaining := (1 - rec.PreviousProgressSample) * float64(size)
			minimum := time.Duration(remaining / rate * float64(time.Second))
			if r.ObservedAt.Sub(rec.PreviousSampleAt) < minimum {
				found = append(found, models.AnomalySuddenCompletion)
			}
		}
	}
	return found
}

// uploadDelta treats a counter that went backwards as a reconnect.
func uploadDelta(last, current int64) int64 {
	if current < last {
		return current
	}
	return current - last
}

// advance updates counters and samples for a non-banned record.
func (d *Detector) advance(rec *models.CheatRecord, r Report, violation bool, anomalies []string) {
	rec.UploadedIncreaseAccumulator += uploadDelta(rec.LastReportedUploaded, r.Uploaded)

	if violation {
		for _, a := range anomalies {
			if a == models.AnomalyRewind {
				rec.RewindCount++
			} else {
				rec.ProgressAnomalyCount++
				rec.LastAnomaly = a
			}
		}
		rec.CleanStreak = 0
	} else {
		rec.RewindCount = max(0, rec.RewindCount-d.cfg.DecayStep)
		rec.ProgressAnomalyCount = max(0, rec.ProgressAnomalyCount-d.cfg.DecayStep)
		rec.CleanStreak++
	}

	rec.PreviousProgressSample = rec.LastReportedProgress
	rec.PreviousSampleAt = rec.LastSeenAt
	rec.LastReportedProgress = r.Progress
	rec.LastReportedUploaded = r.Uploaded
	rec.LastSeenAt = r.ObservedAt
	if r.DownloaderID != "" {
		rec.DownloaderID = r.DownloaderID
	}
	if r.TorrentSize > 0 {
		rec.TorrentSize = r.TorrentSize
	}
}

func score(rec *models.CheatRecord) int {
	return max(rec.RewindCount, rec.ProgressAnomalyCount)
}

func (d *Detector) recovered(rec *models.CheatRecord) bool {
	return rec.RewindCount == 0 && rec.ProgressAnomalyCount == 0 && rec.CleanStreak >= d.cfg.MinCleanStreak
}

// transition moves rec through CLEAN, SUSPECT, PENDING_BAN and BANNED.
func (d *Detector) transition(rec *models.CheatRecord, now time.Time) {
	switch rec.State {
	case models.CheatStateClean:
		if score(rec) >= d.cfg.BanThreshold {
			d.arm(rec, now)
		} else if score(rec) >= d.cfg.SuspectThreshold {
			rec.State = models.CheatStateSuspect
		}
	case models.CheatStateSuspect:
		if score(rec) >= d.cfg.BanThreshold {
			d.arm(rec, now)
		} else if d.recovered(rec) {
			rec.State = models.CheatStateClean
		}
	case models.CheatStatePendingBan:
		if rec.BanDelayDeadline != nil && !now.Before(*rec.BanDelayDeadline) {
			rec.State = models.CheatStateBanned
		} else if d.recovered(rec) {
			rec.State = models.CheatStateClean
			rec.BanDelayDeadline = nil
		}
	}
}

func (d *Detector) arm(rec *models.CheatRecord, now time.Time) {
	deadline := now.Add(d.cfg.BanDelay)
	rec.State = models.CheatStatePendingBan
	rec.BanDelayDeadline = &deadline
	rec.NextFastRecheckAt = now.Add(d.cfg.FastRecheckInterval)
	if d.cfg.BanDelay <= 0 {
		rec.State = models.CheatStateBanned
	}
}

func (d *Detector) logTransition(prev models.CheatState, rec *models.CheatRecord) {
	if prev == rec.State {
		return
	}
	metrics.IncCheatTransition(string(rec.State))
	d.log.WithFields(logrus.Fields{
		"address":   rec.Address,
		"torrent":   rec.TorrentID,
		"from":      prev,
		"to":        rec.State,
		"rewinds":   rec.RewindCount,
		"anomalies": rec.ProgressAnomalyCount,
	}).Info("Progress-cheat state changed")
}

// deliver hands a BANNED record's verdict to the sink and records delivery.
// A failed delivery is retried by Recheck.
func (d *Detector) deliver(ctx context.Context, rec *models.CheatRecord) {
	if d.sink == nil {
		return
	}
	if err := d.sink.OnBanVerdict(ctx, rec.Address, rec.TorrentID, Reason(rec), Metadata(rec)); err != nil {
		d.log.WithError(err).WithField("address", rec.Address).Warn("Ban verdict not delivered, will retry")
		return
	}
	rec.VerdictDelivered = true
	if err := d.store.Upsert(ctx, rec); err != nil {
		// The verdict is delivered again on the next recheck; sinks are idempotent.
		rec.VerdictDelivered = false
		d.log.WithError(err).WithField("address", rec.Address).Warn("Unable to record verdict delivery")
	}
}

// Reason names the dominant anomaly with its counters.
func Reason(rec *models.CheatRecord) string {
	if rec.RewindCount > 0 && rec.RewindCount >= rec.ProgressAnomalyCount {
		return fmt.Sprintf("progress rewind detected %d times (last reported %.2f%%, anomalies %d)",
			rec.RewindCount, rec.LastReportedProgress*100, rec.ProgressAnomalyCount)
	}
	switch rec.LastAnomaly {
	case models.AnomalySuddenCompletion:
		return fmt.Sprintf("implausibly fast completion detected %d times (rewinds %d)",
			rec.ProgressAnomalyCount, rec.RewindCount)
	default:
		return fmt.Sprintf("disproportionate upload detected %d times: %s uploaded at %.2f%% progress (rewinds %d)",
			rec.ProgressAnomalyCount, humanize.IBytes(uint64(max(0, rec.UploadedIncreaseAccumulator))),
			rec.LastReportedProgress*100, rec.RewindCount)
	}
}

// Metadata is the structured context attached to a verdict.
func Metadata(rec *models.CheatRecord) map[string]any {
	dimension := models.AnomalyRewind
	if rec.RewindCount < rec.ProgressAnomalyCount || rec.RewindCount == 0 {
		dimension = rec.LastAnomaly
	}
	return map[string]any{
		"source":                 models.BanSourceProgressCheat,
		"dimension":              dimension,
		"rewind_count":           rec.RewindCount,
		"progress_anomaly_count": rec.ProgressAnomalyCount,
		"progress":               rec.LastReportedProgress,
		"uploaded":               rec.UploadedIncreaseAccumulator,
		"torrent_size":           rec.TorrentSize,
		"downloader":             rec.DownloaderID,
		"first_seen_at":          rec.FirstSeenAt,
	}
}

// Recheck fires pending bans whose deadline passed even if the peer stopped
// reporting, and redelivers verdicts the sink has not accepted yet.
func (d *Detector) Recheck(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	candidates, err := d.store.ListByState(ctx, models.CheatStatePendingBan, models.CheatStateBanned)
	if err != nil {
		return 0, persistErr("list", err)
	}
	fired := 0
	for _, c := range candidates {
		if c.State == models.CheatStateBanned && c.VerdictDelivered {
			continue
		}
		ok, err := d.recheckOne(ctx, c.Address, c.TorrentID, now)
		if err != nil {
			return fired, err
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

func (d *Detector) recheckOne(ctx context.Context, address, torrentID string, now time.Time) (bool, error) {
	unlock := d.lock(address, torrentID)
	defer unlock()

	rec, err := d.store.Load(ctx, address, torrentID)
	if err != nil {
		return false, persistErr("load", err)
	}
	if rec == nil {
		return false, nil
	}

	switch rec.State {
	case models.CheatStateBanned:
		if !rec.VerdictDelivered {
			d.deliver(ctx, rec)
		}
		return false, nil
	case models.CheatStatePendingBan:
		if rec.BanDelayDeadline != nil && !now.Before(*rec.BanDelayDeadline) {
			return true, d.fire(ctx, rec)
		}
		if !now.Before(rec.NextFastRecheckAt) {
			rec.NextFastRecheckAt = now.Add(d.cfg.FastRecheckInterval)
			if err := d.store.Upsert(ctx, rec); err != nil {
				return false, persistErr("upsert", err)
			}
		}
	}
	return false, nil
}

// fire moves a locked PENDING_BAN record to BANNED and delivers the verdict.
func (d *Detector) fire(ctx context.Context, rec *models.CheatRecord) error {
	next := *rec
	next.State = models.CheatStateBanned
	next.VerdictDelivered = false
	if err := d.store.Upsert(ctx, &next); err != nil {
		return persistErr("upsert", err)
	}
	d.logTransition(rec.State, &next)
	d.deliver(ctx, &next)
	*rec = next
	return nil
}

// Sweep fires elapsed pending bans, decays idle records and prunes records
// not seen within the retention window.
func (d *Detector) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	now = now.UTC()
	var res SweepResult

	snapshot, err := d.store.LoadAll(ctx)
	if err != nil {
		return res, persistErr("load all", err)
	}
	for _, s := range snapshot {
		decayed, banned, err := d.sweepOne(ctx, s.Address, s.TorrentID, now)
		if err != nil {
			return res, err
		}
		if decayed {
			res.Decayed++
		}
		if banned {
			res.Banned++
		}
	}

	pruned, err := d.store.DeleteOlderThan(ctx, now.Add(-d.cfg.Retention))
	if err != nil {
		return res, persistErr("prune", err)
	}
	res.Pruned = pruned
	return res, nil
}

func (d *Detector) sweepOne(ctx context.Context, address, torrentID string, now time.Time) (decayed, banned bool, err error) {
	unlock := d.lock(address, torrentID)
	defer unlock()

	rec, err := d.store.Load(ctx, address, torrentID)
	if err != nil {
		return false, false, persistErr("load", err)
	}
	if rec == nil {
		return false, false, nil
	}

	switch rec.State {
	case models.CheatStatePendingBan:
		if rec.BanDelayDeadline != nil && !now.Before(*rec.BanDelayDeadline) {
			return false, true, d.fire(ctx, rec)
		}
	case models.CheatStateClean, models.CheatStateSuspect:
		if (rec.RewindCount == 0 && rec.ProgressAnomalyCount == 0) || d.cfg.IdleDecayWindow <= 0 {
			return false, false, nil
		}
		ref := rec.LastSeenAt
		if rec.DecayedAt.After(ref) {
			ref = rec.DecayedAt
		}
		windows := int(now.Sub(ref) / d.cfg.IdleDecayWindow)
		if windows <= 0 {
			return false, false, nil
		}
		next := *rec
		step := windows * d.cfg.DecayStep
		next.RewindCount = max(0, next.RewindCount-step)
		next.ProgressAnomalyCount = max(0, next.ProgressAnomalyCount-step)
		next.DecayedAt = ref.Add(time.Duration(windows) * d.cfg.IdleDecayWindow)
		if next.State == models.CheatStateSuspect && next.RewindCount == 0 && next.ProgressAnomalyCount == 0 {
			next.State = models.CheatStateClean
		}
		if err := d.store.Upsert(ctx, &next); err != nil {
			return false, false, persistErr("upsert", err)
		}
		d.logTransition(rec.State, &next)
		return true, false, nil
	}
	return false, false, nil
}

// Unban resets a record to CLEAN. The sink is told when the record was banned.
func (d *Detector) Unban(ctx context.Context, address, torrentID string) error {
	unlock := d.lock(address, torrentID)
	defer unlock()

	rec, err := d.store.Load(ctx, address, torrentID)
	if err != nil {
		return persistErr("load", err)
	}
	if rec == nil {
		return ErrRecordNotFound
	}
	wasBanned := rec.State == models.CheatStateBanned

	next := *rec
	next.State = models.CheatStateClean
	next.RewindCount = 0
	next.ProgressAnomalyCount = 0
	next.CleanStreak = 0
	next.LastAnomaly = ""
	next.BanDelayDeadline = nil
	next.UploadedIncreaseAccumulator = 0
	next.VerdictDelivered = true
	if err := d.store.Upsert(ctx, &next); err != nil {
		return persistErr("upsert", err)
	}
	d.logTransition(rec.State, &next)

	if wasBanned && d.sink != nil {
		if err := d.sink.OnUnban(ctx, address, torrentID); err != nil {
			return fmt.Errorf("notify unban: %w", err)
		}
	}
	return nil
}

// ForgetTorrent drops every record of a torrent that left monitoring,
// lifting bans the detector issued for it.
func (d *Detector) ForgetTorrent(ctx context.Context, torrentID string) (int64, error) {
	recs, err := d.store.ListByTorrent(ctx, torrentID)
	if err != nil {
		return 0, persistErr("list", err)
	}
	if d.sink != nil {
		for _, rec := range recs {
			if rec.State != models.CheatStateBanned {
				continue
			}
			if err := d.sink.OnUnban(ctx, rec.Address, rec.TorrentID); err != nil {
				d.log.WithError(err).WithField("address", rec.Address).Warn("Unable to lift ban for forgotten torrent")
			}
		}
	}
	n, err := d.store.DeleteTorrent(ctx, torrentID)
	if err != nil {
		return 0, persistErr("delete torrent", err)
	}
	return n, nil
}
