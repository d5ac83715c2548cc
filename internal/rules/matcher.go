package rules

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"
)

type published struct {
	rs         *CompiledRuleset
	generation uint64
}

// PeerMatcher is the query side of the engine. The active ruleset is swapped
// atomically by Publish; readers never block.
type PeerMatcher struct {
	current atomic.Pointer[published]
	cache   *ristretto.Cache[string, MatchResult]
}

// NewPeerMatcher creates a matcher with no active ruleset. cacheSize bounds
// the number of memoized results; zero disables the cache.
func NewPeerMatcher(cacheSize int64) (*PeerMatcher, error) {
	m := &PeerMatcher{}
	m.current.Store(&published{})
	if cacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, MatchResult]{
			NumCounters: cacheSize * 10,
			MaxCost:     cacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, err
		}
		m.cache = cache
	}
	return m, nil
}

// Publish makes rs the active ruleset and drops every memoized result.
func (m *PeerMatcher) Publish(rs *CompiledRuleset) {
	prev := m.current.Load()
	m.current.Store(&published{rs: rs, generation: prev.generation + 1})
	if m.cache != nil {
		m.cache.Clear()
	}
}

// Active returns the ruleset currently in use, or nil before the first publish.
func (m *PeerMatcher) Active() *CompiledRuleset {
	return m.current.Load().rs
}

// Match evaluates attrs against the active ruleset.
func (m *PeerMatcher) Match(attrs PeerAttributes) MatchResult {
	cur := m.current.Load()
	if cur.rs == nil {
		return MatchResult{}
	}
	if m.cache == nil || cur.rs.HasScripts() {
		return cur.rs.Match(attrs)
	}

	key := cacheKey(cur.generation, attrs)
	if res, ok := m.cache.Get(key); ok {
		return res
	}
	res := cur.rs.Match(attrs)
	m.cache.Set(key, res, 1)
	return res
}

// Summary describes the active ruleset.
func (m *PeerMatcher) Summary() Summary {
	return m.current.Load().rs.Summary()
}

// Close releases the cache goroutines.
func (m *PeerMatcher) Close() {
	if m.cache != nil {
		m.cache.Close()
	}
}

func cacheKey(gen uint64, a PeerAttributes) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(gen, 10))
	b.WriteByte('|')
	if a.Address.IsValid() {
		b.WriteString(a.Address.Unmap().String())
	}
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(int(a.Port)))
	b.WriteByte('|')
	b.WriteString(a.PeerID)
	b.WriteByte('|')
	b.WriteString(a.ClientName)
	return b.String()
}
