// Package coordinator schedules work items over their dependency graph.
//
// A run loads the requested items, builds a Graph (rejecting cycles up
// front) and then repeatedly starts one agent per ready item. Every agent
// of a wavefront runs concurrently on a conc pool; the coordinator waits for
// all of them, records completions and failures and computes the next
// wavefront. Failed items are not retried and keep their dependents
// blocked. When nothing is ready any more, the remaining items are stored
// as blocked.
//
//	c, err := coordinator.New(coordinator.Config{
//		Updater:      updater,
//		Cache:        cache,
//		MaxParallel:  4,
//		AgentTimeout: 10 * time.Minute,
//		Review:       true,
//		Logger:       logger,
//	})
//	result, err := c.Run(ctx, []int{1, 2, 3})
//
// Events are delivered to handlers registered with On and, when a Channel
// is configured, streamed as channel.TypeEvent messages.
package coordinator
