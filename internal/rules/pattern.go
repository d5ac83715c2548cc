package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Method selects how a string pattern is compared.
type Method string

const (
	MethodContains   Method = "CONTAINS"
	MethodStartsWith Method = "STARTS_WITH"
	MethodEndsWith   Method = "ENDS_WITH"
	MethodEquals     Method = "EQUALS"
	MethodRegex      Method = "REGEX"
)

type patternSpec struct {
	Method     Method `json:"method"`
	Content    string `json:"content"`
	IgnoreCase bool   `json:"ignore_case"`
}

// Pattern is a compiled peer-id or client-name rule.
type Pattern struct {
	method  Method
	content string
	fold    bool
	re      *regexp.Regexp
	raw     string
}

// ParsePattern compiles a single entry. A bare string is a case-insensitive
// substring match.
func ParsePattern(raw json.RawMessage) (*Pattern, error) {
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		if plain == "" {
			return nil, fmt.Errorf("empty pattern")
		}
		return &Pattern{method: MethodContains, content: strings.ToLower(plain), fold: true, raw: plain}, nil
	}

	var spec patternSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("pattern must be a string or object: %w", err)
	}
	if spec.Content == "" {
		return nil, fmt.Errorf("pattern content is empty")
	}
	if spec.Method == "" {
		spec.Method = MethodContains
	}
	p := &Pattern{
		method:  Method(strings.ToUpper(string(spec.Method))),
		content: spec.Content,
		fold:    spec.IgnoreCase,
		raw:     fmt.Sprintf("%s:%s", strings.ToUpper(string(spec.Method)), spec.Content),
	}
	switch p.method {
	case MethodContains, MethodStartsWith, MethodEndsWith, MethodEquals:
		if p.fold {
			p.content = strings.ToLower(p.content)
		}
	case MethodRegex:
		expr := spec.Content
		if spec.IgnoreCase {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("bad regex %q: %w", spec.Content, err)
		}
		p.re = re
	default:
		return nil, fmt.Errorf("unknown match method %q", spec.Method)
	}
	return p, nil
}

// Match reports whether s satisfies the pattern.
func (p *Pattern) Match(s string) bool {
	if p.method == MethodRegex {
		return p.re.MatchString(s)
	}
	if p.fold {
		s = strings.ToLower(s)
	}
	switch p.method {
	case MethodStartsWith:
		return strings.HasPrefix(s, p.content)
	case MethodEndsWith:
		return strings.HasSuffix(s, p.content)
	case MethodEquals:
		return s == p.content
	default:
		return strings.Contains(s, p.content)
	}
}

func (p *Pattern) String() string { return p.raw }

type patternGroup struct {
	name     string
	patterns []*Pattern
}

func (g *patternGroup) match(s string) (*Pattern, bool) {
	for _, p := range g.patterns {
		if p.Match(s) {
			return p, true
		}
	}
	return nil, false
}
