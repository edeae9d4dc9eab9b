package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/harun/wavefront/internal/observability"
	"github.com/harun/wavefront/pkg/agent"
	"github.com/harun/wavefront/pkg/channel"
	"github.com/harun/wavefront/pkg/contextcache"
	"github.com/harun/wavefront/pkg/workitem"
)

// Coordinator runs agents over a dependency graph of work items, one
// wavefront of ready items at a time.
type Coordinator struct {
	updater      *workitem.Updater
	cache        *contextcache.Cache
	template     agent.Config
	newTransport func() channel.Transport
	newAgent     AgentFactory
	newReviewer  ReviewerFactory
	review       bool
	maxParallel  int
	agentTimeout time.Duration
	ch           *channel.Channel
	audit        *observability.AuditLogger
	clock        clockwork.Clock
	logger       zerolog.Logger

	reviewersMu sync.Mutex
	reviewers   map[int]Reviewer

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// Config holds coordinator configuration
type Config struct {
	Updater *workitem.Updater   // required
	Cache   *contextcache.Cache // optional, shared with every agent

	// Agent is the template for every agent. ID, Item, Updater and Cache
	// are filled in per work item.
	Agent agent.Config
	// NewTransport gives each resilient agent its own status transport.
	// Nil keeps Agent.Resilience.Transport.
	NewTransport func() channel.Transport
	// NewAgent replaces agent construction entirely.
	NewAgent AgentFactory

	MaxParallel  int           // 0 runs the whole wavefront at once
	AgentTimeout time.Duration // 0 disables the per-agent budget

	Review   bool
	Reviewer ReviewerFactory // nil uses NewChecklistReviewer

	// Channel receives run events. The coordinator closes it on Close.
	Channel *channel.Channel
	Audit   *observability.AuditLogger

	Clock  clockwork.Clock
	Logger zerolog.Logger
}

// New creates a coordinator
func New(cfg Config) (*Coordinator, error) {
	if cfg.Updater == nil {
		return nil, fmt.Errorf("coordinator requires a work item updater")
	}
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0, got %d", cfg.MaxParallel)
	}
	if cfg.AgentTimeout < 0 {
		return nil, fmt.Errorf("agent timeout must be >= 0, got %s", cfg.AgentTimeout)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	newReviewer := cfg.Reviewer
	if newReviewer == nil {
		newReviewer = NewChecklistReviewer
	}

	c := &Coordinator{
		updater:       cfg.Updater,
		cache:         cfg.Cache,
		template:      cfg.Agent,
		newTransport:  cfg.NewTransport,
		newAgent:      cfg.NewAgent,
		newReviewer:   newReviewer,
		review:        cfg.Review,
		maxParallel:   cfg.MaxParallel,
		agentTimeout:  cfg.AgentTimeout,
		ch:            cfg.Channel,
		audit:         cfg.Audit,
		clock:         clock,
		logger:        cfg.Logger.With().Str("component", "coordinator").Logger(),
		reviewers:     make(map[int]Reviewer),
		eventHandlers: make(map[string][]EventHandler),
	}
	if c.newAgent == nil {
		c.newAgent = c.buildAgent
	}

	observability.EnsureRegistered()
	return c, nil
}

// buildAgent is the default AgentFactory
func (c *Coordinator) buildAgent(item workitem.WorkItem) (Runner, error) {
	cfg := c.template
	cfg.ID = ""
	cfg.Item = item
	cfg.Updater = c.updater
	cfg.Cache = c.cache
	if cfg.Clock == nil {
		cfg.Clock = c.clock
	}
	if cfg.Audit == nil {
		cfg.Audit = c.audit
	}
	if cfg.Resilience != nil {
		res := *cfg.Resilience
		if c.newTransport != nil {
			res.Transport = c.newTransport()
		}
		cfg.Resilience = &res
	}

	a, err := agent.New(cfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Run executes the requested items and everything they need from each
// other. Unknown ids, items without tasks and dependency cycles are
// reported before any agent starts. Agent failures never abort the run;
// they show up in the result.
func (c *Coordinator) Run(ctx context.Context, ids []int) (*Result, error) {
	items, err := c.resolve(ctx, ids)
	if err != nil {
		return nil, err
	}
	graph, err := BuildGraph(items)
	if err != nil {
		return nil, err
	}
	byID := make(map[int]workitem.WorkItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	runID := uuid.NewString()
	start := c.clock.Now()
	result := &Result{
		RunID:   runID,
		Errors:  make(map[int]string),
		Reviews: make(map[int]Review),
		Agents:  make(map[int]*agent.Result),
	}
	logger := c.logger.With().Str("runId", runID).Logger()

	if c.cache != nil {
		c.cache.InvalidateItems()
	}

	logger.Info().Ints("items", graph.IDs()).Msg("Coordinator run started")
	c.emit(ctx, Event{Type: EventRunStarted, RunID: runID, Data: map[string]interface{}{
		"items": graph.IDs(),
	}})

	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("coordinator run cancelled: %w", err)
			break
		}
		ready := graph.Ready()
		if len(ready) == 0 {
			break
		}
		for _, id := range ready {
			graph.MarkStarted(id)
		}
		result.Wavefronts = append(result.Wavefronts, ready)
		observability.RecordWavefront(len(ready))

		logger.Info().Int("wavefront", len(result.Wavefronts)).Ints("items", ready).Msg("Wavefront started")
		c.emit(ctx, Event{Type: EventWavefrontStarted, RunID: runID, Data: map[string]interface{}{
			"index": len(result.Wavefronts),
			"items": ready,
		}})

		outcomes := c.runWavefront(ctx, runID, ready, byID)

		for _, out := range outcomes {
			c.settle(ctx, runID, graph, result, byID[out.itemID], out)
		}
	}

	result.Completed = graph.Completed()
	for _, id := range graph.IDs() {
		if n, _ := graph.Node(id); n.Failed {
			result.Failed = append(result.Failed, id)
		}
	}
	result.Blocked = graph.Blocked()

	if len(result.Blocked) > 0 && runErr == nil {
		logger.Warn().Ints("items", result.Blocked).Msg("Work items blocked by incomplete dependencies")
		if err := c.updater.SetStatuses(ctx, result.Blocked, workitem.StatusBlocked, "dependencies did not complete"); err != nil {
			logger.Error().Err(err).Msg("Failed to persist blocked items")
		}
		c.emit(ctx, Event{Type: EventItemsBlocked, RunID: runID, Data: map[string]interface{}{
			"items": result.Blocked,
		}})
	}

	result.Duration = c.clock.Since(start)
	logger.Info().
		Int("completed", len(result.Completed)).
		Int("failed", len(result.Failed)).
		Int("blocked", len(result.Blocked)).
		Int("wavefronts", len(result.Wavefronts)).
		Dur("duration", result.Duration).
		Msg("Coordinator run completed")
	c.emit(context.WithoutCancel(ctx), Event{Type: EventRunCompleted, RunID: runID, Data: map[string]interface{}{
		"completed":  result.Completed,
		"failed":     result.Failed,
		"blocked":    result.Blocked,
		"wavefronts": len(result.Wavefronts),
		"duration":   result.Duration.String(),
	}})

	return result, runErr
}

// resolve loads the requested items and validates them
func (c *Coordinator) resolve(ctx context.Context, ids []int) ([]workitem.WorkItem, error) {
	if len(ids) == 0 {
		return nil, ErrNoItems
	}
	doc, err := c.updater.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load work items: %w", err)
	}

	seen := make(map[int]bool, len(ids))
	items := make([]workitem.WorkItem, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		item := doc.Find(id)
		if item == nil {
			return nil, fmt.Errorf("%w: %d", ErrUnknownItem, id)
		}
		if len(item.Tasks) == 0 && item.Status != workitem.StatusCompleted {
			return nil, fmt.Errorf("work item %d: %w", id, ErrNoTasks)
		}
		items = append(items, item.Clone())
	}
	return items, nil
}

// outcome is what one agent left behind
type outcome struct {
	itemID  int
	agentID string
	result  *agent.Result
	err     error
	review  *Review
	// recorded is false when the runner never persisted its own failure
	recorded bool
}

// runWavefront starts one agent per ready item and waits for all of them
func (c *Coordinator) runWavefront(ctx context.Context, runID string, ready []int, items map[int]workitem.WorkItem) []outcome {
	workers := c.maxParallel
	if workers == 0 || workers > len(ready) {
		workers = len(ready)
	}

	outcomes := make([]outcome, len(ready))
	p := pool.New().WithMaxGoroutines(workers)
	for i, id := range ready {
		i, item := i, items[id]
		p.Go(func() {
			outcomes[i] = c.runAgent(ctx, runID, item)
			if c.review {
				outcomes[i].review = c.reviewItem(ctx, runID, item, outcomes[i].result)
			}
		})
	}
	p.Wait()
	return outcomes
}

// runAgent drives one runner to completion, timeout or panic
func (c *Coordinator) runAgent(ctx context.Context, runID string, item workitem.WorkItem) outcome {
	out := outcome{itemID: item.ID, recorded: true}

	runner, err := c.newAgent(item)
	if err != nil {
		out.err = fmt.Errorf("failed to create agent: %w", err)
		out.recorded = false
		return out
	}
	out.agentID = runner.ID()

	c.emit(ctx, Event{Type: EventAgentStarted, RunID: runID, ItemID: item.ID, Data: map[string]interface{}{
		"agent_id": out.agentID,
		"title":    item.Title,
	}})

	agentCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type finished struct {
		result   *agent.Result
		err      error
		panicked bool
	}
	done := make(chan finished, 1)
	go func() {
		var f finished
		var catcher panics.Catcher
		catcher.Try(func() {
			f.result, f.err = runner.Run(agentCtx)
		})
		if recovered := catcher.Recovered(); recovered != nil {
			c.logger.Error().
				Int("itemId", item.ID).
				Str("agent", out.agentID).
				Str("stack", string(recovered.Stack)).
				Msgf("Agent panicked: %v", recovered.Value)
			f = finished{err: fmt.Errorf("%w: %v", ErrAgentPanic, recovered.Value), panicked: true}
		}
		done <- f
	}()

	var timeout <-chan time.Time
	if c.agentTimeout > 0 {
		timer := c.clock.NewTimer(c.agentTimeout)
		defer timer.Stop()
		timeout = timer.Chan()
	}

	select {
	case f := <-done:
		out.result, out.err = f.result, f.err
		out.recorded = !f.panicked
	case <-timeout:
		out.err = fmt.Errorf("%w after %s", ErrAgentTimeout, c.agentTimeout)
		out.recorded = false
		c.abandon(ctx, runner, cancel, "execution timeout")
	case <-ctx.Done():
		out.err = ctx.Err()
		out.recorded = false
		c.abandon(ctx, runner, cancel, "run cancelled")
	}
	return out
}

// abandon stops a runner without waiting for it to return
func (c *Coordinator) abandon(ctx context.Context, runner Runner, cancel context.CancelFunc, reason string) {
	cancel()
	if err := runner.Shutdown(context.WithoutCancel(ctx), reason); err != nil {
		c.logger.Warn().Err(err).Str("agent", runner.ID()).Msg("Agent shutdown failed")
	}
}

// settle records one outcome in the graph, the result, metrics and audit log
func (c *Coordinator) settle(ctx context.Context, runID string, graph *Graph, result *Result, item workitem.WorkItem, out outcome) {
	var duration time.Duration
	if out.result != nil {
		result.Agents[item.ID] = out.result
		duration = out.result.Duration
	}
	if out.review != nil {
		result.Reviews[item.ID] = *out.review
	}

	status := workitem.StatusCompleted
	event := EventDecisionCompleted
	data := map[string]interface{}{"agent_id": out.agentID}

	if out.err != nil {
		status = workitem.StatusFailed
		event = EventDecisionFailed
		graph.MarkFailed(item.ID)
		result.Errors[item.ID] = out.err.Error()
		data["error"] = out.err.Error()

		if !out.recorded {
			if err := c.updater.SetStatus(context.WithoutCancel(ctx), item.ID, workitem.StatusFailed, out.err.Error()); err != nil {
				c.logger.Error().Err(err).Int("itemId", item.ID).Msg("Failed to persist work item failure")
			}
		}
		c.logger.Warn().Err(out.err).Int("itemId", item.ID).Msg("Work item failed")
	} else {
		graph.MarkCompleted(item.ID)
		c.logger.Info().Int("itemId", item.ID).Dur("duration", duration).Msg("Work item completed")
	}

	observability.RecordDecision(string(status), duration)
	c.audit.RecordDecisionAudit(item.ID, out.agentID, "execute", string(status), map[string]interface{}{
		"run_id": runID,
		"error":  data["error"],
	})

	data["duration"] = duration.String()
	c.emit(ctx, Event{Type: event, RunID: runID, ItemID: item.ID, Data: data})
}

// reviewerFor returns the reviewer for itemID, creating it on first use
func (c *Coordinator) reviewerFor(itemID int) Reviewer {
	c.reviewersMu.Lock()
	defer c.reviewersMu.Unlock()

	r, ok := c.reviewers[itemID]
	if !ok {
		r = c.newReviewer(itemID)
		c.reviewers[itemID] = r
	}
	return r
}

// reviewItem runs the advisory review for one finished item
func (c *Coordinator) reviewItem(ctx context.Context, runID string, item workitem.WorkItem, res *agent.Result) *Review {
	reviewer := c.reviewerFor(item.ID)
	review, err := reviewer.Review(ctx, item, res)
	if err != nil {
		c.logger.Warn().Err(err).Int("itemId", item.ID).Str("reviewer", reviewer.Name()).Msg("Review failed")
		return nil
	}
	if review.Reviewer == "" {
		review.Reviewer = reviewer.Name()
	}
	review.ItemID = item.ID

	c.logger.Info().
		Int("itemId", item.ID).
		Str("reviewer", review.Reviewer).
		Bool("approved", review.Approved).
		Strs("notes", review.Notes).
		Msg("Review completed")
	c.emit(ctx, Event{Type: EventReviewCompleted, RunID: runID, ItemID: item.ID, Data: map[string]interface{}{
		"reviewer": review.Reviewer,
		"approved": review.Approved,
		"notes":    review.Notes,
	}})
	return &review
}

// Status returns the stored status of ids, or of every item when ids is empty
func (c *Coordinator) Status(ctx context.Context, ids []int) ([]ItemStatus, error) {
	doc, err := c.updater.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load work items: %w", err)
	}

	toStatus := func(item *workitem.WorkItem) ItemStatus {
		return ItemStatus{
			ID:           item.ID,
			Title:        item.Title,
			Status:       item.Status,
			Dependencies: append([]int(nil), item.Dependencies...),
			Tasks:        len(item.Tasks),
			Error:        item.Error,
			UpdatedAt:    item.UpdatedAt,
		}
	}

	if len(ids) == 0 {
		statuses := make([]ItemStatus, 0, len(doc.Items))
		for i := range doc.Items {
			statuses = append(statuses, toStatus(&doc.Items[i]))
		}
		return statuses, nil
	}

	statuses := make([]ItemStatus, 0, len(ids))
	for _, id := range ids {
		item := doc.Find(id)
		if item == nil {
			return nil, fmt.Errorf("%w: %d", ErrUnknownItem, id)
		}
		statuses = append(statuses, toStatus(item))
	}
	return statuses, nil
}

// On registers an event handler
func (c *Coordinator) On(eventType string, handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
}

// Off removes all handlers for an event type
func (c *Coordinator) Off(eventType string) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	delete(c.eventHandlers, eventType)
}

// emit delivers event to registered handlers and the status channel
func (c *Coordinator) emit(ctx context.Context, event Event) {
	event.Timestamp = c.clock.Now()

	c.eventMu.RLock()
	handlers := c.eventHandlers[event.Type]
	c.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}

	if c.ch == nil {
		return
	}
	priority := channel.PriorityNormal
	switch event.Type {
	case EventDecisionFailed, EventItemsBlocked, EventRunCompleted:
		priority = channel.PriorityHigh
	case EventReviewCompleted:
		priority = channel.PriorityLow
	}
	msg, err := channel.NewMessage(channel.TypeEvent, priority, channel.CoordinatorUpdate{
		Event:  event.Type,
		RunID:  event.RunID,
		ItemID: event.ItemID,
		Data:   event.Data,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("event", event.Type).Msg("Failed to build event message")
		return
	}
	if _, err := c.ch.Send(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Debug().Err(err).Str("event", event.Type).Msg("Event not sent")
	}
}

// Close closes the status channel
func (c *Coordinator) Close() error {
	if c.ch == nil {
		return nil
	}
	return c.ch.Close()
}
