package rules

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
)

type trieNode struct {
	child [2]*trieNode
	// rule is set on nodes that terminate a prefix.
	rule string
	set  bool
}

// prefixTrie is a binary trie over address bits. Lookup returns the most
// specific prefix containing the address.
type prefixTrie struct {
	root trieNode
	size int
}

func bitAt(b []byte, i int) int {
	return int(b[i/8]>>(7-uint(i%8))) & 1
}

func (t *prefixTrie) insert(p netip.Prefix, rule string) {
	bits := p.Addr().AsSlice()
	n := &t.root
	for i := 0; i < p.Bits(); i++ {
		b := bitAt(bits, i)
		if n.child[b] == nil {
			n.child[b] = &trieNode{}
		}
		n = n.child[b]
	}
	if !n.set {
		t.size++
	}
	n.rule, n.set = rule, true
}

func (t *prefixTrie) lookup(addr netip.Addr) (string, bool) {
	bits := addr.AsSlice()
	n := &t.root
	var best string
	found := false
	for i := 0; ; i++ {
		if n.set {
			best, found = n.rule, true
		}
		if i >= len(bits)*8 {
			break
		}
		n = n.child[bitAt(bits, i)]
		if n == nil {
			break
		}
	}
	return best, found
}

// ipGroup holds the CIDR ranges and single addresses of one rule group.
type ipGroup struct {
	name   string
	v4     prefixTrie
	v6     prefixTrie
	exact  map[netip.Addr]string
	filter *bloom.BloomFilter
}

func newIPGroup(name string, entries []string) (*ipGroup, []error) {
	g := &ipGroup{name: name, exact: make(map[netip.Addr]string)}
	var errs []error
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				errs = append(errs, fmt.Errorf("ip group %q: %w", name, err))
				continue
			}
			p = p.Masked()
			if p.Addr().Is4In6() {
				bits := p.Bits() - 96
				if bits < 0 {
					bits = 0
				}
				p = netip.PrefixFrom(p.Addr().Unmap(), bits).Masked()
			}
			if p.IsSingleIP() {
				g.exact[p.Addr()] = e
				continue
			}
			if p.Addr().Is4() {
				g.v4.insert(p, e)
			} else {
				g.v6.insert(p, e)
			}
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("ip group %q: %w", name, err))
			continue
		}
		g.exact[a.Unmap().WithZone("")] = e
	}
	if len(g.exact) > 0 {
		g.filter = bloom.NewWithEstimates(uint(len(g.exact)), 0.01)
		for a := range g.exact {
			g.filter.Add(a.AsSlice())
		}
	}
	return g, errs
}

func (g *ipGroup) size() int {
	return len(g.exact) + g.v4.size + g.v6.size
}

// lookup returns the matching rule text. A single-address rule is more
// specific than any range and wins.
func (g *ipGroup) lookup(addr netip.Addr) (string, bool) {
	addr = addr.Unmap().WithZone("")
	if g.filter != nil && g.filter.Test(addr.AsSlice()) {
		if rule, ok := g.exact[addr]; ok {
			return rule, true
		}
	}
	if addr.Is4() {
		return g.v4.lookup(addr)
	}
	return g.v6.lookup(addr)
}
