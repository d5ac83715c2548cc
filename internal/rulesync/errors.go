package rulesync

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork covers transport failures, timeouts and an open breaker.
	ErrNetwork = errors.New("rule sync network error")
	// ErrProtocol is returned for any status other than 2xx or 204.
	ErrProtocol = errors.New("rule sync protocol error")
	// ErrParse means the authority answered with a body that is not a ruleset.
	ErrParse = errors.New("rule sync parse error")
	// ErrCachePersistence means the last-good ruleset could not be written to disk.
	ErrCachePersistence = errors.New("rule cache persistence error")
)

// ProtocolError carries the unexpected status and a prefix of the body.
type ProtocolError struct {
	StatusCode int
	Body       string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}
