// Package agent executes the tasks of a single work item.
//
// A plain agent runs its tasks in order with an injectable Performer and
// records the outcome in the work item store. Setting Config.Resilience
// adds capabilities by composition:
//
//   - a breaker.Set guarding file I/O, commands, network calls, task
//     execution and the status channel connection
//   - a health.Monitor sampling connection, breakers, queue, memory and
//     progress
//   - a channel.Channel streaming status events and accepting the
//     shutdown, pause, resume and status commands
//
// Health drives the agent mode. Degraded mode widens the sampling interval
// x3, halves channel flush batches and extends breaker reset timeouts x1.5.
// Reaching critical starts a recovery attempt; after MaxRecoveryAttempts
// the agent shuts down. A channel that exhausts its reconnect attempts
// puts the agent offline for good, while its work continues locally.
//
// Usage:
//
//	a, err := agent.New(agent.Config{
//		Item:       item,
//		Updater:    updater,
//		Resilience: agent.DefaultResilience(),
//	})
//	if err != nil {
//		return err
//	}
//	result, err := a.Run(ctx)
package agent
