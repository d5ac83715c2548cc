package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PortRange is an inclusive port interval.
type PortRange struct {
	Low  uint16
	High uint16
}

func (r PortRange) Contains(port uint16) bool {
	return port >= r.Low && port <= r.High
}

func (r PortRange) String() string {
	if r.Low == r.High {
		return strconv.Itoa(int(r.Low))
	}
	return fmt.Sprintf("%d-%d", r.Low, r.High)
}

// ParsePortRange accepts 6881, "6881" or "6881-6889".
func ParsePortRange(raw json.RawMessage) (PortRange, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		p, err := checkPort(n)
		return PortRange{Low: p, High: p}, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return PortRange{}, fmt.Errorf("port must be a number or string: %w", err)
	}
	s = strings.TrimSpace(s)
	lo, hi, isRange := strings.Cut(s, "-")
	low, err := parsePort(lo)
	if err != nil {
		return PortRange{}, err
	}
	if !isRange {
		return PortRange{Low: low, High: low}, nil
	}
	high, err := parsePort(hi)
	if err != nil {
		return PortRange{}, err
	}
	if low > high {
		return PortRange{}, fmt.Errorf("port range %q is inverted", s)
	}
	return PortRange{Low: low, High: high}, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad port %q", s)
	}
	return checkPort(n)
}

func checkPort(n int) (uint16, error) {
	if n < 0 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return uint16(n), nil
}

type portGroup struct {
	name   string
	ranges []PortRange
}

func (g *portGroup) match(port uint16) (PortRange, bool) {
	for _, r := range g.ranges {
		if r.Contains(port) {
			return r, true
		}
	}
	return PortRange{}, false
}
