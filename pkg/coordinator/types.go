package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/harun/wavefront/pkg/agent"
	"github.com/harun/wavefront/pkg/workitem"
)

var (
	// ErrUnknownItem is returned when a requested id is not in the store.
	ErrUnknownItem = errors.New("unknown work item")
	// ErrNoTasks is returned when a requested item has nothing to execute.
	ErrNoTasks = agent.ErrNoTasks
	// ErrNoItems is returned by Run without any ids.
	ErrNoItems = errors.New("no work items requested")
	// ErrAgentTimeout marks an agent that exceeded its execution budget.
	ErrAgentTimeout = errors.New("agent timed out")
	// ErrAgentPanic marks an agent whose run panicked.
	ErrAgentPanic = errors.New("agent panicked")
)

// Event names emitted through On and the status channel
const (
	EventRunStarted        = "run_started"
	EventWavefrontStarted  = "wavefront_started"
	EventAgentStarted      = "agent_started"
	EventDecisionCompleted = "decision_completed"
	EventDecisionFailed    = "decision_failed"
	EventReviewCompleted   = "review_completed"
	EventItemsBlocked      = "items_blocked"
	EventRunCompleted      = "run_completed"
)

// Event is passed to handlers registered with On
type Event struct {
	Type      string                 `json:"type"`
	RunID     string                 `json:"run_id"`
	ItemID    int                    `json:"item_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventHandler handles coordinator events
type EventHandler func(event Event)

// Runner is what the coordinator drives for one work item. *agent.Agent
// satisfies it.
type Runner interface {
	ID() string
	Run(ctx context.Context) (*agent.Result, error)
	Shutdown(ctx context.Context, reason string) error
}

// AgentFactory builds the runner for one work item
type AgentFactory func(item workitem.WorkItem) (Runner, error)

// Review is the advisory verdict on one finished work item
type Review struct {
	ItemID   int      `json:"item_id"`
	Reviewer string   `json:"reviewer"`
	Approved bool     `json:"approved"`
	Notes    []string `json:"notes,omitempty"`
}

// Reviewer inspects the outcome of a work item. Reviews never change the
// completion status.
type Reviewer interface {
	Name() string
	Review(ctx context.Context, item workitem.WorkItem, result *agent.Result) (Review, error)
}

// ReviewerFactory creates the reviewer for one work item id
type ReviewerFactory func(itemID int) Reviewer

// Result summarizes one coordinator run
type Result struct {
	RunID      string                `json:"run_id"`
	Completed  []int                 `json:"completed"`
	Failed     []int                 `json:"failed"`
	Blocked    []int                 `json:"blocked"`
	Errors     map[int]string        `json:"errors,omitempty"`
	Wavefronts [][]int               `json:"wavefronts"`
	Reviews    map[int]Review        `json:"reviews,omitempty"`
	Agents     map[int]*agent.Result `json:"agents,omitempty"`
	Duration   time.Duration         `json:"duration"`
}

// Succeeded reports whether every requested item completed
func (r *Result) Succeeded() bool {
	return len(r.Failed) == 0 && len(r.Blocked) == 0
}

// ItemStatus is one row of Status
type ItemStatus struct {
	ID           int             `json:"id"`
	Title        string          `json:"title"`
	Status       workitem.Status `json:"status"`
	Dependencies []int           `json:"dependencies,omitempty"`
	Tasks        int             `json:"tasks"`
	Error        string          `json:"error,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at,omitempty"`
}
