package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/harun/wavefront/internal/observability"
	"github.com/harun/wavefront/pkg/breaker"
	"github.com/harun/wavefront/pkg/channel"
	"github.com/harun/wavefront/pkg/health"
	"github.com/harun/wavefront/pkg/workitem"
)

// Agent executes the tasks of one work item. With Resilience configured it
// also owns a breaker set, a health monitor and a status channel.
type Agent struct {
	id        string
	cfg       Config
	item      workitem.WorkItem
	clock     clockwork.Clock
	logger    zerolog.Logger
	performer Performer
	http      *http.Client

	breakers    *breaker.Set
	monitor     *health.Monitor
	ch          *channel.Channel
	maxRecovery int

	mu             sync.Mutex
	mode           Mode
	running        bool
	finished       bool
	shutdown       bool
	shutdownReason string
	paused         bool
	resume         chan struct{}
	cancel         context.CancelFunc
	recoveries     int
	recovering     bool
	lastProgress   time.Time
	completedTasks int
}

// New creates an agent for cfg.Item
func New(cfg Config) (*Agent, error) {
	if len(cfg.Item.Tasks) == 0 {
		return nil, fmt.Errorf("work item %d: %w", cfg.Item.ID, ErrNoTasks)
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	performer := cfg.Performer
	if performer == nil {
		performer = DefaultPerformer
	}
	client := cfg.HTTP
	if client == nil {
		client = &http.Client{}
	}

	a := &Agent{
		id:        id,
		cfg:       cfg,
		item:      cfg.Item.Clone(),
		clock:     clock,
		performer: performer,
		http:      client,
		mode:      ModeNormal,
		logger: cfg.Logger.With().
			Str("agent", id).
			Int("itemId", cfg.Item.ID).
			Logger(),
	}

	if cfg.Resilience != nil {
		if err := a.setupResilience(cfg.Resilience); err != nil {
			return nil, err
		}
	}

	observability.EnsureRegistered()
	return a, nil
}

// ID returns the agent id
func (a *Agent) ID() string {
	return a.id
}

// ItemID returns the id of the work item this agent executes
func (a *Agent) ItemID() int {
	return a.item.ID
}

// Mode returns the current operating mode
func (a *Agent) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Recoveries returns how many recovery attempts have been made
func (a *Agent) Recoveries() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recoveries
}

// Breakers returns the breaker set, nil for a plain worker
func (a *Agent) Breakers() *breaker.Set {
	return a.breakers
}

// Monitor returns the health monitor, nil for a plain worker
func (a *Agent) Monitor() *health.Monitor {
	return a.monitor
}

// Channel returns the status channel, nil when none is configured
func (a *Agent) Channel() *channel.Channel {
	return a.ch
}

// Run executes every task in order and records the outcome in the store.
// A task failure stops the run; the returned error wraps it.
func (a *Agent) Run(ctx context.Context) (*Result, error) {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil, ErrAgentShutdown
	}
	if a.running || a.finished {
		a.mu.Unlock()
		return nil, ErrAlreadyRan
	}
	a.running = true
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.lastProgress = a.clock.Now()
	a.mu.Unlock()
	defer cancel()

	start := a.clock.Now()
	a.logger.Info().Int("tasks", len(a.item.Tasks)).Msg("Agent started")

	a.startResilience(ctx)
	defer a.stopResilience()

	a.persist(ctx, workitem.StatusInProgress, "")
	a.publish(ctx, "agent_started", channel.PriorityNormal, map[string]interface{}{
		"title": a.item.Title,
		"tasks": len(a.item.Tasks),
	})

	wc := WorkContext{
		AgentID: a.id,
		Item:    a.item.Clone(),
		Ops:     a,
	}
	if a.cfg.Cache != nil {
		wc.DependencyResults = a.cfg.Cache.DependencyResults(&a.item)
	}

	result := &Result{AgentID: a.id, ItemID: a.item.ID}
	var runErr error

	for _, task := range a.item.Tasks {
		if err := a.waitIfPaused(ctx); err != nil {
			runErr = err
			break
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		tr, err := a.performTask(ctx, task, wc)
		result.Tasks = append(result.Tasks, tr)
		if err != nil {
			runErr = fmt.Errorf("task %s: %w", task.ID, err)
			break
		}

		a.mu.Lock()
		a.completedTasks++
		a.lastProgress = a.clock.Now()
		a.mu.Unlock()

		a.publish(ctx, "task_completed", channel.PriorityLow, map[string]interface{}{
			"task_id":  task.ID,
			"duration": tr.Duration.String(),
		})
	}

	a.mu.Lock()
	if a.shutdown {
		runErr = fmt.Errorf("%w: %s", ErrAgentShutdown, a.shutdownReason)
	}
	a.mu.Unlock()

	result.Duration = a.clock.Since(start)
	persistCtx := context.WithoutCancel(ctx)

	if runErr != nil {
		result.Status = workitem.StatusFailed
		result.Error = runErr.Error()
		a.persist(persistCtx, workitem.StatusFailed, result.Error)
		a.publish(persistCtx, "agent_failed", channel.PriorityHigh, map[string]interface{}{"error": result.Error})
		a.logger.Error().Err(runErr).Dur("duration", result.Duration).Msg("Agent failed")
	} else {
		result.Status = workitem.StatusCompleted
		if a.cfg.Cache != nil {
			a.cfg.Cache.PutResult(a.item.ID, result.Tasks)
		}
		a.persist(persistCtx, workitem.StatusCompleted, "")
		a.publish(persistCtx, "agent_completed", channel.PriorityHigh, map[string]interface{}{
			"duration": result.Duration.String(),
		})
		a.logger.Info().Dur("duration", result.Duration).Msg("Agent completed")
	}

	a.mu.Lock()
	a.running = false
	a.finished = true
	a.cancel = nil
	result.Mode = a.mode
	result.Recoveries = a.recoveries
	a.mu.Unlock()

	return result, runErr
}

func (a *Agent) performTask(ctx context.Context, task workitem.Task, wc WorkContext) (TaskResult, error) {
	start := a.clock.Now()
	op := func(ctx context.Context) (interface{}, error) {
		return a.performer(ctx, task, wc)
	}

	var value interface{}
	var err error
	if a.breakers != nil {
		value, err = a.breakers.Get(breaker.ClassTask).Execute(ctx, op, nil)
	} else {
		value, err = op(ctx)
	}

	tr, _ := value.(TaskResult)
	tr.TaskID = task.ID
	tr.Kind = string(task.Kind)
	tr.Duration = a.clock.Since(start)

	if err != nil {
		a.logger.Warn().Err(err).Str("taskId", task.ID).Msg("Task failed")
		return tr, err
	}
	a.logger.Debug().Str("taskId", task.ID).Dur("duration", tr.Duration).Msg("Task completed")
	return tr, nil
}

// Shutdown stops accepting work, cancels the current run, persists the
// item state, closes the channel and stops the monitor. Safe to call more
// than once and from any goroutine except a health monitor handler.
func (a *Agent) Shutdown(ctx context.Context, reason string) error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownReason = reason
	cancel := a.cancel
	running := a.running
	var resume chan struct{}
	if a.paused {
		a.paused = false
		resume = a.resume
	}
	a.mu.Unlock()

	a.logger.Warn().Str("reason", reason).Msg("Agent shutting down")

	if cancel != nil {
		cancel()
	}
	if resume != nil {
		close(resume)
	}

	if running {
		a.persist(ctx, workitem.StatusFailed, "agent shutdown: "+reason)
	}
	a.publish(ctx, "agent_shutdown", channel.PriorityHigh, map[string]interface{}{"reason": reason})
	a.stopResilience()

	a.cfg.Audit.RecordRecoveryAudit(a.id, "shutdown", "completed", map[string]interface{}{
		"item_id": a.item.ID,
		"reason":  reason,
	})
	return nil
}

// IsShutdown reports whether Shutdown has run
func (a *Agent) IsShutdown() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shutdown
}

// Pause holds the run before its next task until Resume
func (a *Agent) Pause() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paused || a.shutdown {
		return
	}
	a.paused = true
	a.resume = make(chan struct{})
	a.logger.Info().Msg("Agent paused")
}

// Resume releases a paused run
func (a *Agent) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.paused {
		return
	}
	a.paused = false
	close(a.resume)
	a.logger.Info().Msg("Agent resumed")
}

// Paused reports whether the agent is paused
func (a *Agent) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

func (a *Agent) waitIfPaused(ctx context.Context) error {
	a.mu.Lock()
	if !a.paused {
		a.mu.Unlock()
		return nil
	}
	resume := a.resume
	a.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-resume:
		return nil
	}
}

func (a *Agent) persist(ctx context.Context, status workitem.Status, reason string) {
	if a.cfg.Updater == nil {
		return
	}
	if err := a.cfg.Updater.SetStatus(ctx, a.item.ID, status, reason); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error().Err(err).Str("status", string(status)).Msg("Failed to persist work item status")
	}
}

// publish streams an agent event over the channel when one is configured
func (a *Agent) publish(ctx context.Context, event string, priority channel.Priority, data map[string]interface{}) {
	if a.ch == nil {
		return
	}
	if data == nil {
		data = make(map[string]interface{})
	}
	data["agent_id"] = a.id
	data["mode"] = string(a.Mode())

	msg, err := channel.NewMessage(channel.TypeStatus, priority, channel.CoordinatorUpdate{
		Event:  event,
		ItemID: a.item.ID,
		Data:   data,
	})
	if err != nil {
		a.logger.Error().Err(err).Msg("Failed to build status message")
		return
	}
	if _, err := a.ch.Send(ctx, msg); err != nil {
		a.logger.Debug().Err(err).Str("event", event).Msg("Status message not sent")
	}
}
