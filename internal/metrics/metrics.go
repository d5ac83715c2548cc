package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	peerChecksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pbh_peer_checks_total",
		Help: "Total number of peer observations evaluated",
	})
	bansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pbh_bans_total",
		Help: "Total number of ban verdicts by source",
	}, []string{"source"})
	unbansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pbh_unbans_total",
		Help: "Total number of lifted bans",
	})
	ruleSyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pbh_rule_sync_total",
		Help: "Rule sync attempts by result",
	}, []string{"result"})
	activeRules = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pbh_active_rules",
		Help: "Number of compiled rules in the active ruleset by dimension",
	}, []string{"dimension"})
	cheatTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pbh_cheat_transitions_total",
		Help: "Progress-cheat state transitions by target state",
	}, []string{"state"})
	savedTrafficBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pbh_saved_traffic_bytes_total",
		Help: "Upload bytes no longer sent to banned peers, estimated at ban time",
	})
	wastedTrafficBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pbh_wasted_traffic_bytes_total",
		Help: "Bytes uploaded to peers before they were banned",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		peerChecksTotal,
		bansTotal,
		unbansTotal,
		ruleSyncTotal,
		activeRules,
		cheatTransitionsTotal,
		savedTrafficBytes,
		wastedTrafficBytes,
	)
}

// IncPeerCheck increments the evaluated observations counter.
func IncPeerCheck() { peerChecksTotal.Inc() }

// IncBan increments the ban counter for the given source.
func IncBan(source string) { bansTotal.WithLabelValues(source).Inc() }

// IncUnban increments the unban counter.
func IncUnban() { unbansTotal.Inc() }

// IncRuleSync records a sync attempt; result is "updated", "unchanged" or "failed".
func IncRuleSync(result string) { ruleSyncTotal.WithLabelValues(result).Inc() }

// SetActiveRules publishes the per-dimension rule counts of the active ruleset.
func SetActiveRules(counts map[string]int) {
	activeRules.Reset()
	for dim, n := range counts {
		activeRules.WithLabelValues(dim).Set(float64(n))
	}
}

// IncCheatTransition counts a detector transition into state.
func IncCheatTransition(state string) { cheatTransitionsTotal.WithLabelValues(state).Inc() }

// AddWastedTraffic adds bytes uploaded to a peer that ended up banned.
func AddWastedTraffic(n int64) {
	if n > 0 {
		wastedTrafficBytes.Add(float64(n))
	}
}

// AddSavedTraffic adds the estimated bytes a ban stopped from being uploaded.
func AddSavedTraffic(n int64) {
	if n > 0 {
		savedTrafficBytes.Add(float64(n))
	}
}
