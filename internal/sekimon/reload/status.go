package reload

import (
	"time"
)

// Document identifies one of the two watched configuration documents.
type Document string

const (
	DocumentRules   Document = "rules"
	DocumentServers Document = "servers"
)

// State is the position of a document's reload cycle.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateApplying
	StateRollingBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateApplying:
		return "applying"
	case StateRollingBack:
		return "rolling_back"
	default:
		return "unknown"
	}
}

// Status is the diagnostic record of one document's reload history. Counters
// accumulate for the lifetime of the process and are never reset.
type Status struct {
	State        State     `json:"state"`
	LastAttempt  time.Time `json:"lastAttempt"`
	LastSuccess  time.Time `json:"lastSuccess"`
	LastError    string    `json:"lastError,omitempty"`
	AttemptCount int       `json:"attemptCount"`
	SuccessCount int       `json:"successCount"`
	LastWarnings []string  `json:"lastWarnings,omitempty"`
}
