package agent

import (
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/harun/wavefront/internal/observability"
	"github.com/harun/wavefront/pkg/breaker"
	"github.com/harun/wavefront/pkg/channel"
	"github.com/harun/wavefront/pkg/contextcache"
	"github.com/harun/wavefront/pkg/health"
	"github.com/harun/wavefront/pkg/workitem"
)

// Config configures an Agent
type Config struct {
	ID   string // empty generates a uuid
	Item workitem.WorkItem

	Updater   *workitem.Updater   // optional, persists status changes
	Cache     *contextcache.Cache // optional, shares results with dependents
	Performer Performer           // nil uses DefaultPerformer
	WorkDir   string              // base for relative file paths
	HTTP      *http.Client
	Audit     *observability.AuditLogger

	// Resilience adds breakers, a health monitor and a status channel.
	// Nil runs a plain worker.
	Resilience *Resilience

	Clock  clockwork.Clock
	Logger zerolog.Logger
}

// Resilience selects the fault tolerance capabilities of an agent
type Resilience struct {
	Breaker breaker.Config // base for every operation class
	Health  health.Config

	// Transport carries status updates. Nil disables the channel.
	Transport channel.Transport
	Channel   channel.Config

	MaxRecoveryAttempts int
	MemoryLimit         uint64        // heap bytes, 0 disables the memory check
	StallTimeout        time.Duration // 0 disables the progress check
}

// DefaultResilience returns the stock settings without a transport
func DefaultResilience() *Resilience {
	return &Resilience{
		Breaker:             breaker.DefaultConfig(""),
		Health:              health.DefaultConfig(""),
		Channel:             channel.DefaultConfig("", nil),
		MaxRecoveryAttempts: 3,
		MemoryLimit:         512 << 20,
		StallTimeout:        5 * time.Minute,
	}
}
