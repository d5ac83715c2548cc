package rules

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/casbin/govaluate"
)

var (
	// ErrScriptCompile marks a script rule that could not be compiled. Only the
	// offending script is dropped.
	ErrScriptCompile = errors.New("script compile error")
	// ErrScriptRuntime marks a script that failed, timed out or returned a
	// non-boolean. It always counts as no match.
	ErrScriptRuntime = errors.New("script runtime error")
)

// scriptParams are the only variables a script may reference.
var scriptVariables = map[string]struct{}{
	"ip":           {},
	"port":         {},
	"peer_id":      {},
	"client_name":  {},
	"torrent_id":   {},
	"progress":     {},
	"uploaded":     {},
	"downloaded":   {},
	"torrent_size": {},
}

// scriptFunctions are pure helpers exposed to scripts. None of them touch
// anything outside their arguments.
var scriptFunctions = map[string]govaluate.ExpressionFunction{
	"lower": func(args ...interface{}) (interface{}, error) {
		s, err := stringArgs(1, args)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s[0]), nil
	},
	"contains": func(args ...interface{}) (interface{}, error) {
		s, err := stringArgs(2, args)
		if err != nil {
			return nil, err
		}
		return strings.Contains(s[0], s[1]), nil
	},
	"startsWith": func(args ...interface{}) (interface{}, error) {
		s, err := stringArgs(2, args)
		if err != nil {
			return nil, err
		}
		return strings.HasPrefix(s[0], s[1]), nil
	},
	"endsWith": func(args ...interface{}) (interface{}, error) {
		s, err := stringArgs(2, args)
		if err != nil {
			return nil, err
		}
		return strings.HasSuffix(s[0], s[1]), nil
	},
	"len": func(args ...interface{}) (interface{}, error) {
		s, err := stringArgs(1, args)
		if err != nil {
			return nil, err
		}
		return float64(len(s[0])), nil
	},
	"inCIDR": func(args ...interface{}) (interface{}, error) {
		s, err := stringArgs(2, args)
		if err != nil {
			return nil, err
		}
		addr, err := netip.ParseAddr(s[0])
		if err != nil {
			return false, nil
		}
		prefix, err := netip.ParsePrefix(s[1])
		if err != nil {
			return nil, err
		}
		return prefix.Contains(addr.Unmap()), nil
	},
}

func stringArgs(n int, args []interface{}) ([]string, error) {
	if len(args) != n {
		return nil, fmt.Errorf("expected %d arguments, got %d", n, len(args))
	}
	out := make([]string, n)
	for i, a := range args {
		s, ok := a.(string)
		if !ok {
			return nil, fmt.Errorf("argument %d is %T, want string", i, a)
		}
		out[i] = s
	}
	return out, nil
}

type scriptRule struct {
	name   string
	source string
	expr   *govaluate.EvaluableExpression
}

func compileScript(name, source string) (*scriptRule, error) {
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(source, scriptFunctions)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrScriptCompile, name, err)
	}
	for _, v := range expr.Vars() {
		if _, ok := scriptVariables[v]; !ok {
			return nil, fmt.Errorf("%w: %s: unknown variable %q", ErrScriptCompile, name, v)
		}
	}
	return &scriptRule{name: name, source: source, expr: expr}, nil
}

type scriptOutcome struct {
	value interface{}
	err   error
}

// eval runs the script with a hard time budget. Anything other than a clean
// boolean result is reported as ErrScriptRuntime.
func (s *scriptRule) eval(params map[string]interface{}, budget time.Duration) (bool, error) {
	done := make(chan scriptOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- scriptOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := s.expr.Evaluate(params)
		done <- scriptOutcome{value: v, err: err}
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return false, fmt.Errorf("%w: %s: %v", ErrScriptRuntime, s.name, out.err)
		}
		b, ok := out.value.(bool)
		if !ok {
			return false, fmt.Errorf("%w: %s: result is %T, want bool", ErrScriptRuntime, s.name, out.value)
		}
		return b, nil
	case <-timer.C:
		return false, fmt.Errorf("%w: %s: exceeded %s budget", ErrScriptRuntime, s.name, budget)
	}
}

func (a PeerAttributes) scriptParams() map[string]interface{} {
	ip := ""
	if a.Address.IsValid() {
		ip = a.Address.Unmap().String()
	}
	return map[string]interface{}{
		"ip":           ip,
		"port":         float64(a.Port),
		"peer_id":      a.PeerID,
		"client_name":  a.ClientName,
		"torrent_id":   a.TorrentID,
		"progress":     a.Progress,
		"uploaded":     float64(a.Uploaded),
		"downloaded":   float64(a.Downloaded),
		"torrent_size": float64(a.TorrentSize),
	}
}
