package rules

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/peerbanhelper/backend/internal/logger"
)

// Dimension names one axis of the ruleset. The constant order is the match
// precedence.
type Dimension string

const (
	DimensionIP         Dimension = "ip"
	DimensionPeerID     Dimension = "peer_id"
	DimensionClientName Dimension = "client_name"
	DimensionPort       Dimension = "port"
	DimensionScript     Dimension = "script"
)

// Dimensions lists every dimension in precedence order.
var Dimensions = []Dimension{DimensionIP, DimensionPeerID, DimensionClientName, DimensionPort, DimensionScript}

// PeerAttributes is everything a rule can look at.
type PeerAttributes struct {
	Address     netip.Addr
	Port        uint16
	PeerID      string
	ClientName  string
	TorrentID   string
	Progress    float64
	Uploaded    int64
	Downloaded  int64
	TorrentSize int64
}

// MatchResult describes the first rule that matched, if any.
type MatchResult struct {
	Matched   bool      `json:"matched"`
	Dimension Dimension `json:"dimension,omitempty"`
	Group     string    `json:"group,omitempty"`
	Rule      string    `json:"rule,omitempty"`
}

// CompileOptions are caller-supplied switches for Compile.
type CompileOptions struct {
	ScriptExecute bool
	ScriptTimeout time.Duration
}

// CompiledRuleset is immutable after Compile returns and safe for concurrent
// Match calls.
type CompiledRuleset struct {
	revision      string
	ip            []*ipGroup
	peerID        []*patternGroup
	clientName    []*patternGroup
	port          []*portGroup
	scripts       []*scriptRule
	scriptTimeout time.Duration
	// scriptsSkipped counts scripts that failed to compile or were not run
	// because script execution is disabled.
	scriptsSkipped int
}

// Compile builds matchers for every dimension of doc. Bad entries and bad
// scripts are dropped and reported in the returned error slice; they never
// fail the whole ruleset.
func Compile(doc *Document, opts CompileOptions) (*CompiledRuleset, []error) {
	rs := &CompiledRuleset{scriptTimeout: opts.ScriptTimeout}
	if rs.scriptTimeout <= 0 {
		rs.scriptTimeout = 50 * time.Millisecond
	}
	if doc == nil {
		return rs, nil
	}
	rs.revision = doc.Version
	var errs []error

	for _, grp := range doc.IP {
		entries := make([]string, 0, len(grp.Entries))
		for _, raw := range grp.Entries {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				errs = append(errs, fmt.Errorf("ip group %q: entry must be a string", grp.Name))
				continue
			}
			entries = append(entries, s)
		}
		g, gerrs := newIPGroup(grp.Name, entries)
		errs = append(errs, gerrs...)
		rs.ip = append(rs.ip, g)
	}

	rs.peerID, errs = compilePatternGroups(DimensionPeerID, doc.PeerID, errs)
	rs.clientName, errs = compilePatternGroups(DimensionClientName, doc.ClientName, errs)

	for _, grp := range doc.Port {
		g := &portGroup{name: grp.Name}
		for _, raw := range grp.Entries {
			r, err := ParsePortRange(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("port group %q: %w", grp.Name, err))
				continue
			}
			g.ranges = append(g.ranges, r)
		}
		rs.port = append(rs.port, g)
	}

	if !opts.ScriptExecute {
		rs.scriptsSkipped = len(doc.Script)
	} else {
		for _, src := range doc.Script {
			s, err := compileScript(src.Name, src.Source)
			if err != nil {
				logger.Component("rules").WithError(err).Warn("Skipping script rule")
				errs = append(errs, err)
				rs.scriptsSkipped++
				continue
			}
			rs.scripts = append(rs.scripts, s)
		}
	}

	return rs, errs
}

func compilePatternGroups(dim Dimension, groups GroupList, errs []error) ([]*patternGroup, []error) {
	var out []*patternGroup
	for _, grp := range groups {
		g := &patternGroup{name: grp.Name}
		for _, raw := range grp.Entries {
			p, err := ParsePattern(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s group %q: %w", dim, grp.Name, err))
				continue
			}
			g.patterns = append(g.patterns, p)
		}
		out = append(out, g)
	}
	return out, errs
}

// Revision returns the opaque version of the source document.
func (rs *CompiledRuleset) Revision() string {
	if rs == nil {
		return ""
	}
	return rs.revision
}

// HasScripts reports whether any script rule is active. Script results depend
// on volatile transfer counters, so they are never memoized.
func (rs *CompiledRuleset) HasScripts() bool {
	return rs != nil && len(rs.scripts) > 0
}

// Match evaluates attrs against every dimension in precedence order and
// returns the first hit. Groups are tried in document order.
func (rs *CompiledRuleset) Match(attrs PeerAttributes) MatchResult {
	if rs == nil {
		return MatchResult{}
	}
	if attrs.Address.IsValid() {
		for _, g := range rs.ip {
			if rule, ok := g.lookup(attrs.Address); ok {
				return MatchResult{Matched: true, Dimension: DimensionIP, Group: g.name, Rule: rule}
			}
		}
	}
	if attrs.PeerID != "" {
		for _, g := range rs.peerID {
			if p, ok := g.match(attrs.PeerID); ok {
				return MatchResult{Matched: true, Dimension: DimensionPeerID, Group: g.name, Rule: p.String()}
			}
		}
	}
	if attrs.ClientName != "" {
		for _, g := range rs.clientName {
			if p, ok := g.match(attrs.ClientName); ok {
				return MatchResult{Matched: true, Dimension: DimensionClientName, Group: g.name, Rule: p.String()}
			}
		}
	}
	if attrs.Port != 0 {
		for _, g := range rs.port {
			if r, ok := g.match(attrs.Port); ok {
				return MatchResult{Matched: true, Dimension: DimensionPort, Group: g.name, Rule: r.String()}
			}
		}
	}
	if len(rs.scripts) > 0 {
		params := attrs.scriptParams()
		for _, s := range rs.scripts {
			ok, err := s.eval(params, rs.scriptTimeout)
			if err != nil {
				logger.Component("rules").WithError(err).Debug("Script rule treated as no match")
				continue
			}
			if ok {
				return MatchResult{Matched: true, Dimension: DimensionScript, Group: s.name, Rule: s.source}
			}
		}
	}
	return MatchResult{}
}

// Summary is a read-only description of a ruleset.
type Summary struct {
	Revision       string            `json:"revision"`
	Total          int               `json:"total"`
	Counts         map[Dimension]int `json:"counts"`
	ScriptsSkipped int               `json:"scripts_skipped"`
}

// Summary counts compiled rules per dimension.
func (rs *CompiledRuleset) Summary() Summary {
	sum := Summary{Counts: make(map[Dimension]int, len(Dimensions))}
	for _, d := range Dimensions {
		sum.Counts[d] = 0
	}
	if rs == nil {
		return sum
	}
	sum.Revision = rs.revision
	for _, g := range rs.ip {
		sum.Counts[DimensionIP] += g.size()
	}
	for _, g := range rs.peerID {
		sum.Counts[DimensionPeerID] += len(g.patterns)
	}
	for _, g := range rs.clientName {
		sum.Counts[DimensionClientName] += len(g.patterns)
	}
	for _, g := range rs.port {
		sum.Counts[DimensionPort] += len(g.ranges)
	}
	sum.Counts[DimensionScript] = len(rs.scripts)
	for _, n := range sum.Counts {
		sum.Total += n
	}
	sum.ScriptsSkipped = rs.scriptsSkipped
	return sum
}
