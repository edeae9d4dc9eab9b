package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownCheck is returned when registering a check kind outside the closed set.
var ErrUnknownCheck = errors.New("unknown health check kind")

// State is an ordinal severity. Higher is worse.
type State int

const (
	StateInitializing State = -1
	StateHealthy      State = 0
	StateDegraded     State = 1
	StateUnhealthy    State = 2
	StateCritical     State = 3
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	case StateCritical:
		return "critical"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CheckKind names one of the supported checks
type CheckKind string

const (
	CheckConnection CheckKind = "connection"
	CheckBreakers   CheckKind = "breakers"
	CheckQueue      CheckKind = "queue"
	CheckMemory     CheckKind = "memory"
	CheckProgress   CheckKind = "progress"
)

// Kinds returns the closed set of check kinds
func Kinds() []CheckKind {
	return []CheckKind{CheckConnection, CheckBreakers, CheckQueue, CheckMemory, CheckProgress}
}

// Valid reports whether k is one of the supported kinds
func (k CheckKind) Valid() bool {
	for _, kind := range Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// CheckResult is the outcome of one check
type CheckResult struct {
	Kind     CheckKind     `json:"kind"`
	Status   State         `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// CheckFunc samples one aspect of the owner. A returned error, a panic or
// running past the check timeout all count as StateUnhealthy.
type CheckFunc func(ctx context.Context) (CheckResult, error)

// Report summarizes one tick
type Report struct {
	State   State                     `json:"state"`
	Worst   State                     `json:"worst"`
	Results map[CheckKind]CheckResult `json:"results"`
	Time    time.Time                 `json:"time"`
}

// Alert is raised on every escalation
type Alert struct {
	Monitor string
	From    State
	To      State
	Worst   State
	Forced  bool
	Reason  string
	Time    time.Time
}

// Stats is a snapshot of monitor counters
type Stats struct {
	State                State                     `json:"state"`
	ConsecutiveSuccesses int                       `json:"consecutive_successes"`
	ConsecutiveFailures  int                       `json:"consecutive_failures"`
	Ticks                uint64                    `json:"ticks"`
	SkippedTicks         uint64                    `json:"skipped_ticks"`
	LastTick             time.Time                 `json:"last_tick,omitempty"`
	Interval             time.Duration             `json:"interval"`
	LastResults          map[CheckKind]CheckResult `json:"last_results,omitempty"`
}
