package agent

import (
	"context"
	"errors"
	"time"

	"github.com/harun/wavefront/pkg/workitem"
)

var (
	// ErrNoTasks is returned for a work item without tasks.
	ErrNoTasks = errors.New("work item has no tasks")
	// ErrAgentShutdown is returned once the agent has shut down.
	ErrAgentShutdown = errors.New("agent shut down")
	// ErrAlreadyRan is returned by a second call to Run.
	ErrAlreadyRan = errors.New("agent already ran")
)

// Mode is the operating mode derived from health and connectivity
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeDegraded Mode = "degraded"
	ModeOffline  Mode = "offline"
	ModeCritical Mode = "critical"
)

// Degraded mode scaling factors
const (
	degradedIntervalScale = 3.0
	degradedBatchScale    = 0.5
	degradedTimeoutScale  = 1.5
)

// Operations are the protected operations a performer may use
type Operations interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	RunCommand(ctx context.Context, name string, args ...string) (string, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// WorkContext is what a performer sees while executing one task
type WorkContext struct {
	AgentID           string
	Item              workitem.WorkItem
	DependencyResults map[int]interface{}
	Ops               Operations
}

// TaskResult is the outcome of one task
type TaskResult struct {
	TaskID   string        `json:"task_id"`
	Kind     string        `json:"kind"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Performer executes one task
type Performer func(ctx context.Context, task workitem.Task, wc WorkContext) (TaskResult, error)

// Result summarizes one agent run
type Result struct {
	AgentID    string          `json:"agent_id"`
	ItemID     int             `json:"item_id"`
	Status     workitem.Status `json:"status"`
	Tasks      []TaskResult    `json:"tasks"`
	Error      string          `json:"error,omitempty"`
	Mode       Mode            `json:"mode"`
	Recoveries int             `json:"recoveries"`
	Duration   time.Duration   `json:"duration"`
}
