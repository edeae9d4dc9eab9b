package channel

import "context"

// InboundHandler receives decoded inbound messages. One method per routed type.
type InboundHandler interface {
	HandleCommand(ctx context.Context, msg *Message, cmd Command)
	HandleCoordinatorUpdate(ctx context.Context, msg *Message, update CoordinatorUpdate)
	HandleNotification(ctx context.Context, msg *Message, note Notification)
}

// NopHandler ignores every inbound message
type NopHandler struct{}

func (NopHandler) HandleCommand(context.Context, *Message, Command)                     {}
func (NopHandler) HandleCoordinatorUpdate(context.Context, *Message, CoordinatorUpdate) {}
func (NopHandler) HandleNotification(context.Context, *Message, Notification)           {}

// LivenessFunc reports metrics included in health-check replies
type LivenessFunc func() map[string]interface{}
