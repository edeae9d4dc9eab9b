package channel

import "context"

// TransportHandler receives connection events from a Transport. Calls for
// one connection arrive from a single goroutine.
type TransportHandler interface {
	HandleOpen()
	HandleClose(code int, reason string)
	HandleError(err error)
	HandleMessage(data []byte)
}

// Transport is a minimal duplex socket. Connect returns once the connection
// is usable; afterwards events flow to h until HandleClose.
type Transport interface {
	Connect(ctx context.Context, h TransportHandler) error
	Send(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Close codes used by the channel
const (
	CloseNormal           = 1000
	CloseAbnormal         = 1006
	CloseHeartbeatTimeout = 4000
	CloseReconnect        = 4001
)
