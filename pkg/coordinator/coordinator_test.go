package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/wavefront/pkg/agent"
	"github.com/harun/wavefront/pkg/channel"
	"github.com/harun/wavefront/pkg/commandqueue"
	"github.com/harun/wavefront/pkg/contextcache"
	"github.com/harun/wavefront/pkg/workitem"
)

// tracker records which items ran and checks dependency order as they start
type tracker struct {
	mu       sync.Mutex
	deps     map[int][]int
	started  []int
	finished map[int]bool
	early    []string
	fail     map[int]bool
}

func newTracker(items ...workitem.WorkItem) *tracker {
	tr := &tracker{deps: make(map[int][]int), finished: make(map[int]bool), fail: make(map[int]bool)}
	for _, item := range items {
		tr.deps[item.ID] = item.Dependencies
	}
	return tr
}

func (tr *tracker) perform(ctx context.Context, task workitem.Task, wc agent.WorkContext) (agent.TaskResult, error) {
	id := wc.Item.ID

	tr.mu.Lock()
	tr.started = append(tr.started, id)
	for _, dep := range tr.deps[id] {
		if _, inSet := tr.deps[dep]; inSet && !tr.finished[dep] {
			tr.early = append(tr.early, fmt.Sprintf("%d before %d", id, dep))
		}
	}
	fail := tr.fail[id]
	tr.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	if fail {
		return agent.TaskResult{}, errors.New("task exploded")
	}

	tr.mu.Lock()
	tr.finished[id] = true
	tr.mu.Unlock()
	return agent.TaskResult{Output: fmt.Sprintf("item %d done", id)}, nil
}

type fixture struct {
	store   *workitem.MemoryStore
	updater *workitem.Updater
}

func newFixture(t *testing.T, items ...workitem.WorkItem) *fixture {
	t.Helper()
	store := workitem.NewMemoryStore(items...)
	queue := commandqueue.New(commandqueue.Config{Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = queue.Close() })
	return &fixture{store: store, updater: workitem.NewUpdater(store, queue, zerolog.Nop())}
}

func (f *fixture) coordinator(t *testing.T, mutate func(*Config)) *Coordinator {
	t.Helper()
	cfg := Config{
		Updater: f.updater,
		Logger:  zerolog.Nop(),
		Agent:   agent.Config{Logger: zerolog.Nop()},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func (f *fixture) status(t *testing.T, id int) workitem.Status {
	t.Helper()
	doc, err := f.store.Load(context.Background())
	require.NoError(t, err)
	item := doc.Find(id)
	require.NotNil(t, item)
	return item.Status
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	f := newFixture(t)
	_, err = New(Config{Updater: f.updater, MaxParallel: -1})
	assert.Error(t, err)
}

func TestRun_FanOut(t *testing.T) {
	items := []workitem.WorkItem{node(1), node(2, 1), node(3, 1)}
	f := newFixture(t, items...)
	tr := newTracker(items...)

	c := f.coordinator(t, func(cfg *Config) { cfg.Agent.Performer = tr.perform })
	result, err := c.Run(context.Background(), []int{1, 2, 3})
	require.NoError(t, err)

	assert.Equal(t, [][]int{{1}, {2, 3}}, result.Wavefronts)
	assert.ElementsMatch(t, []int{1, 2, 3}, result.Completed)
	assert.Empty(t, result.Failed)
	assert.Empty(t, result.Blocked)
	assert.True(t, result.Succeeded())
	assert.NotEmpty(t, result.RunID)
	assert.Empty(t, tr.early)

	for _, id := range []int{1, 2, 3} {
		assert.Equal(t, workitem.StatusCompleted, f.status(t, id))
	}
}

func TestRun_FailureBlocksDependents(t *testing.T) {
	items := []workitem.WorkItem{node(1), node(2, 1), node(3, 1)}
	f := newFixture(t, items...)
	tr := newTracker(items...)
	tr.fail[1] = true

	c := f.coordinator(t, func(cfg *Config) { cfg.Agent.Performer = tr.perform })
	result, err := c.Run(context.Background(), []int{1, 2, 3})
	require.NoError(t, err)

	assert.Equal(t, []int{1}, result.Failed)
	assert.Equal(t, []int{2, 3}, result.Blocked)
	assert.Empty(t, result.Completed)
	assert.Contains(t, result.Errors[1], "task exploded")
	assert.Equal(t, [][]int{{1}}, result.Wavefronts)
	assert.False(t, result.Succeeded())

	assert.Equal(t, workitem.StatusFailed, f.status(t, 1))
	assert.Equal(t, workitem.StatusBlocked, f.status(t, 2))
	assert.Equal(t, workitem.StatusBlocked, f.status(t, 3))
}

func TestRun_IndependentItemsFormOneWavefront(t *testing.T) {
	items := []workitem.WorkItem{node(1), node(2), node(3), node(4)}
	f := newFixture(t, items...)
	tr := newTracker(items...)

	c := f.coordinator(t, func(cfg *Config) { cfg.Agent.Performer = tr.perform })
	result, err := c.Run(context.Background(), []int{1, 2, 3, 4})
	require.NoError(t, err)

	require.Len(t, result.Wavefronts, 1)
	assert.Equal(t, []int{1, 2, 3, 4}, result.Wavefronts[0])
	assert.Len(t, result.Completed, 4)
}

func TestRun_NeverStartsBeforeDependencies(t *testing.T) {
	items := []workitem.WorkItem{
		node(1), node(2), node(3, 1), node(4, 1, 2), node(5, 3, 4), node(6, 5), node(7, 2),
	}
	f := newFixture(t, items...)
	tr := newTracker(items...)

	c := f.coordinator(t, func(cfg *Config) {
		cfg.Agent.Performer = tr.perform
		cfg.MaxParallel = 2
	})
	result, err := c.Run(context.Background(), []int{6, 5, 4, 3, 2, 1, 7})
	require.NoError(t, err)

	assert.Empty(t, tr.early)
	assert.Len(t, result.Completed, 7)
	assert.Equal(t, [][]int{{2, 1}, {4, 3, 7}, {5}, {6}}, result.Wavefronts)
}

func TestRun_OutOfSetDependencyIgnored(t *testing.T) {
	items := []workitem.WorkItem{node(1), node(2, 1)}
	f := newFixture(t, items...)
	tr := newTracker(items...)

	c := f.coordinator(t, func(cfg *Config) { cfg.Agent.Performer = tr.perform })
	result, err := c.Run(context.Background(), []int{2})
	require.NoError(t, err)

	assert.Equal(t, []int{2}, result.Completed)
	assert.Equal(t, workitem.StatusPending, f.status(t, 1))
}

func TestRun_ValidationBeforeAnyAgent(t *testing.T) {
	empty := workitem.WorkItem{ID: 3, Title: "empty", Status: workitem.StatusPending}
	items := []workitem.WorkItem{node(1, 2), node(2, 1), empty, node(4)}
	f := newFixture(t, items...)

	var built int
	c := f.coordinator(t, func(cfg *Config) {
		cfg.NewAgent = func(item workitem.WorkItem) (Runner, error) {
			built++
			return nil, errors.New("unexpected")
		}
	})

	_, err := c.Run(context.Background(), []int{4, 42})
	assert.ErrorIs(t, err, ErrUnknownItem)

	_, err = c.Run(context.Background(), []int{3, 4})
	assert.ErrorIs(t, err, ErrNoTasks)

	_, err = c.Run(context.Background(), []int{1, 2, 4})
	assert.ErrorIs(t, err, ErrDependencyCycle)

	_, err = c.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoItems)

	assert.Zero(t, built)
	assert.Zero(t, f.store.Saves())
}

func TestRun_CompletedItemsAreSkipped(t *testing.T) {
	done := node(1)
	done.Status = workitem.StatusCompleted
	items := []workitem.WorkItem{done, node(2, 1)}
	f := newFixture(t, items...)
	tr := newTracker(items...)
	tr.finished[1] = true

	c := f.coordinator(t, func(cfg *Config) { cfg.Agent.Performer = tr.perform })
	result, err := c.Run(context.Background(), []int{1, 2})
	require.NoError(t, err)

	assert.Equal(t, [][]int{{2}}, result.Wavefronts)
	assert.Equal(t, []int{1, 2}, result.Completed)
	assert.Equal(t, []int{2}, tr.started)
}

type panicRunner struct{ id string }

func (p *panicRunner) ID() string { return p.id }

func (p *panicRunner) Run(ctx context.Context) (*agent.Result, error) {
	panic("runner blew up")
}

func (p *panicRunner) Shutdown(ctx context.Context, reason string) error { return nil }

func TestRun_PanicIsolatedToItsItem(t *testing.T) {
	items := []workitem.WorkItem{node(1), node(2), node(3, 1)}
	f := newFixture(t, items...)
	tr := newTracker(items...)

	var c *Coordinator
	c = f.coordinator(t, func(cfg *Config) {
		cfg.Agent.Performer = tr.perform
		cfg.NewAgent = func(item workitem.WorkItem) (Runner, error) {
			if item.ID == 1 {
				return &panicRunner{id: "boom"}, nil
			}
			return c.buildAgent(item)
		}
	})

	result, err := c.Run(context.Background(), []int{1, 2, 3})
	require.NoError(t, err)

	assert.Equal(t, []int{1}, result.Failed)
	assert.Equal(t, []int{2}, result.Completed)
	assert.Equal(t, []int{3}, result.Blocked)
	assert.Contains(t, result.Errors[1], "runner blew up")
	assert.Equal(t, workitem.StatusFailed, f.status(t, 1))
}

func TestRun_AgentTimeout(t *testing.T) {
	items := []workitem.WorkItem{node(1), node(2), node(3, 1)}
	f := newFixture(t, items...)
	tr := newTracker(items...)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	c := f.coordinator(t, func(cfg *Config) {
		cfg.AgentTimeout = 100 * time.Millisecond
		cfg.Agent.Performer = func(ctx context.Context, task workitem.Task, wc agent.WorkContext) (agent.TaskResult, error) {
			if wc.Item.ID == 1 {
				<-release // ignores cancellation on purpose
				return agent.TaskResult{}, nil
			}
			return tr.perform(ctx, task, wc)
		}
	})

	start := time.Now()
	result, err := c.Run(context.Background(), []int{1, 2, 3})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []int{1}, result.Failed)
	assert.Equal(t, []int{2}, result.Completed)
	assert.Equal(t, []int{3}, result.Blocked)
	assert.Contains(t, result.Errors[1], ErrAgentTimeout.Error())
	assert.Equal(t, workitem.StatusFailed, f.status(t, 1))
}

func TestRun_SharesDependencyResults(t *testing.T) {
	items := []workitem.WorkItem{node(1), node(2, 1)}
	f := newFixture(t, items...)

	cache, err := contextcache.New(contextcache.Config{Store: f.store, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	var mu sync.Mutex
	seen := make(map[int]map[int]interface{})
	c := f.coordinator(t, func(cfg *Config) {
		cfg.Cache = cache
		cfg.Agent.Performer = func(ctx context.Context, task workitem.Task, wc agent.WorkContext) (agent.TaskResult, error) {
			mu.Lock()
			seen[wc.Item.ID] = wc.DependencyResults
			mu.Unlock()
			return agent.TaskResult{Output: "ok"}, nil
		}
	})

	_, err = c.Run(context.Background(), []int{1, 2})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, seen[1])
	require.Contains(t, seen[2], 1)
	results, ok := seen[2][1].([]agent.TaskResult)
	require.True(t, ok)
	assert.Equal(t, "ok", results[0].Output)
}

type countingReviewer struct {
	mu      sync.Mutex
	reviews int
}

func (r *countingReviewer) Name() string { return "counting" }

func (r *countingReviewer) Review(ctx context.Context, item workitem.WorkItem, result *agent.Result) (Review, error) {
	r.mu.Lock()
	r.reviews++
	r.mu.Unlock()
	if item.ID == 2 {
		return Review{}, errors.New("reviewer offline")
	}
	return Review{Approved: false, Notes: []string{"looks odd"}}, nil
}

func TestRun_ReviewsAreAdvisory(t *testing.T) {
	items := []workitem.WorkItem{node(1), node(2)}
	f := newFixture(t, items...)
	tr := newTracker(items...)

	reviewer := &countingReviewer{}
	var created []int
	var mu sync.Mutex
	c := f.coordinator(t, func(cfg *Config) {
		cfg.Agent.Performer = tr.perform
		cfg.Review = true
		cfg.Reviewer = func(itemID int) Reviewer {
			mu.Lock()
			created = append(created, itemID)
			mu.Unlock()
			return reviewer
		}
	})

	for i := 0; i < 2; i++ {
		require.NoError(t, f.updater.SetStatuses(context.Background(), []int{1, 2}, workitem.StatusPending, ""))
		result, err := c.Run(context.Background(), []int{1, 2})
		require.NoError(t, err)

		assert.Len(t, result.Completed, 2, "a rejected review never fails an item")
		require.Contains(t, result.Reviews, 1)
		assert.False(t, result.Reviews[1].Approved)
		assert.Equal(t, "counting", result.Reviews[1].Reviewer)
		assert.NotContains(t, result.Reviews, 2)
	}

	assert.ElementsMatch(t, []int{1, 2}, created, "reviewers are reused per item")
	assert.Equal(t, 4, reviewer.reviews)
}

func TestChecklistReviewer(t *testing.T) {
	item := node(1)
	item.Tasks = append(item.Tasks, workitem.Task{ID: "t2", Kind: workitem.KindCommand})
	r := NewChecklistReviewer(1)
	assert.Equal(t, "checklist-1", r.Name())

	review, err := r.Review(context.Background(), item, &agent.Result{
		Status: workitem.StatusCompleted,
		Tasks: []agent.TaskResult{
			{TaskID: "t1", Output: "note"},
			{TaskID: "t2"},
		},
	})
	require.NoError(t, err)
	assert.True(t, review.Approved)
	assert.Equal(t, []string{"task t2 produced no output"}, review.Notes)

	review, err = r.Review(context.Background(), item, &agent.Result{
		Status: workitem.StatusFailed,
		Error:  "boom",
		Tasks:  []agent.TaskResult{{TaskID: "t1"}},
	})
	require.NoError(t, err)
	assert.False(t, review.Approved)
	assert.Contains(t, review.Notes, "tasks without result: t2")
}

func TestRun_Events(t *testing.T) {
	items := []workitem.WorkItem{node(1), node(2, 1), node(3, 1), node(4, 2)}
	f := newFixture(t, items...)
	tr := newTracker(items...)
	tr.fail[2] = true

	var mu sync.Mutex
	counts := make(map[string]int)
	record := func(e Event) {
		mu.Lock()
		counts[e.Type]++
		mu.Unlock()
	}

	c := f.coordinator(t, func(cfg *Config) {
		cfg.Agent.Performer = tr.perform
		cfg.Review = true
	})
	for _, name := range []string{
		EventRunStarted, EventWavefrontStarted, EventAgentStarted, EventDecisionCompleted,
		EventDecisionFailed, EventReviewCompleted, EventItemsBlocked, EventRunCompleted,
	} {
		c.On(name, record)
	}

	_, err := c.Run(context.Background(), []int{1, 2, 3, 4})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts[EventRunStarted])
	assert.Equal(t, 2, counts[EventWavefrontStarted])
	assert.Equal(t, 3, counts[EventAgentStarted])
	assert.Equal(t, 2, counts[EventDecisionCompleted])
	assert.Equal(t, 1, counts[EventDecisionFailed])
	assert.Equal(t, 3, counts[EventReviewCompleted])
	assert.Equal(t, 1, counts[EventItemsBlocked])
	assert.Equal(t, 1, counts[EventRunCompleted])

	c.Off(EventRunStarted)
	assert.Empty(t, c.eventHandlers[EventRunStarted])
}

type recordingTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (r *recordingTransport) Connect(ctx context.Context, h channel.TransportHandler) error {
	return nil
}

func (r *recordingTransport) Send(ctx context.Context, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, data)
	return nil
}

func (r *recordingTransport) Close(code int, reason string) error { return nil }

func (r *recordingTransport) events(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []string
	for _, data := range r.sent {
		var msg channel.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type != channel.TypeEvent {
			continue
		}
		var update channel.CoordinatorUpdate
		require.NoError(t, msg.Decode(&update))
		events = append(events, update.Event)
	}
	return events
}

func TestRun_StreamsEventsOverChannel(t *testing.T) {
	items := []workitem.WorkItem{node(1)}
	f := newFixture(t, items...)
	tr := newTracker(items...)

	transport := &recordingTransport{}
	chCfg := channel.DefaultConfig("coordinator", transport)
	chCfg.HeartbeatInterval = 0
	chCfg.FlushRate = 0
	chCfg.Logger = zerolog.Nop()
	ch, err := channel.New(chCfg)
	require.NoError(t, err)
	require.NoError(t, ch.Connect(context.Background()))

	c := f.coordinator(t, func(cfg *Config) {
		cfg.Agent.Performer = tr.perform
		cfg.Channel = ch
	})
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Run(context.Background(), []int{1})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(transport.events(t)) >= 5
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		EventRunStarted, EventWavefrontStarted, EventAgentStarted, EventDecisionCompleted, EventRunCompleted,
	}, transport.events(t))
}

func TestStatus(t *testing.T) {
	items := []workitem.WorkItem{node(1), node(2, 1)}
	f := newFixture(t, items...)
	c := f.coordinator(t, nil)

	require.NoError(t, f.updater.SetStatus(context.Background(), 1, workitem.StatusFailed, "boom"))

	all, err := c.Status(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, workitem.StatusFailed, all[0].Status)
	assert.Equal(t, "boom", all[0].Error)
	assert.Equal(t, []int{1}, all[1].Dependencies)
	assert.Equal(t, 1, all[1].Tasks)

	one, err := c.Status(context.Background(), []int{2})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, workitem.StatusPending, one[0].Status)

	_, err = c.Status(context.Background(), []int{9})
	assert.ErrorIs(t, err, ErrUnknownItem)
}
