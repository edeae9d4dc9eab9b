// Package channel implements a resilient message channel over an unreliable
// transport.
//
// A Channel queues outbound messages by priority while disconnected,
// reconnects with capped exponential backoff, drops duplicate message ids
// inside a sliding window and probes liveness with heartbeats. Connection
// attempts and sends run through a circuit breaker, so a failing peer stops
// being hammered and messages accumulate in the bounded queue instead.
//
// Basic usage:
//
//	transport := channel.NewWebSocketTransport("ws://127.0.0.1:8787/ws")
//	ch, err := channel.New(channel.DefaultConfig("agent-1", transport))
//	if err != nil {
//		return err
//	}
//	defer ch.Close()
//
//	_ = ch.Connect(ctx) // failures schedule a reconnect
//
//	msg, _ := channel.NewMessage(channel.TypeEvent, channel.PriorityNormal, update)
//	result, err := ch.Send(ctx, msg)
//
// When the queue is full the oldest low priority message is evicted first,
// then the oldest normal one. High priority messages are never evicted; a
// queue holding only high priority messages rejects new ones.
package channel
