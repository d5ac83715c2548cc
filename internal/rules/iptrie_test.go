package rules

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPGroup_MostSpecificPrefixWins(t *testing.T) {
	g, errs := newIPGroup("g", []string{"10.0.0.0/8", "10.1.0.0/16", "10.1.2.3", "2001:db8::/32", "2001:db8:1::/48"})
	require.Empty(t, errs)
	assert.Equal(t, 5, g.size())

	rule, ok := g.lookup(netip.MustParseAddr("10.9.9.9"))
	require.True(t, ok)
	assert.Equal(t, "10.0.0.0/8", rule)

	rule, ok = g.lookup(netip.MustParseAddr("10.1.200.1"))
	require.True(t, ok)
	assert.Equal(t, "10.1.0.0/16", rule)

	rule, ok = g.lookup(netip.MustParseAddr("10.1.2.3"))
	require.True(t, ok)
	assert.Equal(t, "10.1.2.3", rule)

	rule, ok = g.lookup(netip.MustParseAddr("2001:db8:1::5"))
	require.True(t, ok)
	assert.Equal(t, "2001:db8:1::/48", rule)

	_, ok = g.lookup(netip.MustParseAddr("11.0.0.1"))
	assert.False(t, ok)
	_, ok = g.lookup(netip.MustParseAddr("2001:db9::1"))
	assert.False(t, ok)
}

func TestIPGroup_MappedAddresses(t *testing.T) {
	g, errs := newIPGroup("g", []string{"192.0.2.0/24", "198.51.100.9"})
	require.Empty(t, errs)

	_, ok := g.lookup(netip.MustParseAddr("::ffff:192.0.2.77"))
	assert.True(t, ok)
	_, ok = g.lookup(netip.MustParseAddr("::ffff:198.51.100.9"))
	assert.True(t, ok)
}

func TestIPGroup_BadEntriesReported(t *testing.T) {
	g, errs := newIPGroup("g", []string{"not-an-ip", "10.0.0.0/33", "10.0.0.1"})
	assert.Len(t, errs, 2)
	assert.Equal(t, 1, g.size())
}
