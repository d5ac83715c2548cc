package rulesync

import "time"

type State string

const (
	StateIdle     State = "idle"
	StateOK       State = "ok"
	StateDegraded State = "degraded"
)

// Source tells where the active ruleset came from.
type Source string

const (
	SourceNone   Source = "none"
	SourceCache  Source = "cache"
	SourceRemote Source = "remote"
)

// Status is the operator-facing view of rule sync health.
type Status struct {
	State               State      `json:"state"`
	Message             string     `json:"message"`
	Revision            string     `json:"revision"`
	Source              Source     `json:"source"`
	LastAttemptAt       *time.Time `json:"last_attempt_at"`
	LastSuccessAt       *time.Time `json:"last_success_at"`
	LastError           string     `json:"last_error,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}
