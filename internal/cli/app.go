package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/harun/wavefront/internal/config"
	"github.com/harun/wavefront/internal/logger"
	"github.com/harun/wavefront/internal/observability"
	"github.com/harun/wavefront/pkg/agent"
	"github.com/harun/wavefront/pkg/breaker"
	"github.com/harun/wavefront/pkg/channel"
	"github.com/harun/wavefront/pkg/commandqueue"
	"github.com/harun/wavefront/pkg/contextcache"
	"github.com/harun/wavefront/pkg/coordinator"
	"github.com/harun/wavefront/pkg/health"
	"github.com/harun/wavefront/pkg/workitem"
)

// storeWarnAfter flags store writes stuck behind slow disks or a busy lane
const storeWarnAfter = 5 * time.Second

// app holds the components shared by the run, coordinate and status commands
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	logger  zerolog.Logger
	audit   *observability.AuditLogger
	queue   *commandqueue.CommandQueue
	updater *workitem.Updater
	cache   *contextcache.Cache
}

// loadConfig reads the config file and applies the --log-level override
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger logs to the command's stderr and the configured file
func newLogger(cmd *cobra.Command, cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Output:    cmd.ErrOrStderr(),
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

// newApp wires logging, auditing, the work item store and the context cache
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	log, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, logger: log.GetZerolog()}

	a.audit, err = observability.NewAuditLogger(filepath.Join(cfg.DataDir, "audit.jsonl"))
	if err != nil {
		a.logger.Warn().Err(err).Msg("Audit log unavailable, continuing without it")
	}

	a.queue = commandqueue.New(commandqueue.Config{
		Lanes:     map[string]int{workitem.StoreLane: 1},
		WarnAfter: storeWarnAfter,
		Logger:    log.Component("commandqueue"),
	})
	a.updater = workitem.NewUpdater(workitem.NewFileStore(cfg.StorePath), a.queue, log.Component("workitem"))

	cacheCfg := contextcache.Config{
		TTL:    cfg.Cache.TTL(),
		Store:  a.updater.Store(),
		Logger: log.Component("contextcache"),
	}
	if cfg.Cache.Watch {
		cacheCfg.WatchPath = cfg.StorePath
	}
	a.cache, err = contextcache.New(cacheCfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.cache.Init(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to load work items: %w", err)
	}

	return a, nil
}

// transport returns a hub transport, or nil when streaming is disabled
func (a *app) transport() channel.Transport {
	if a.cfg.Hub.URL == "" {
		return nil
	}
	return channel.NewWebSocketTransport(a.cfg.Hub.URL)
}

// channelConfig maps the channel section of the config onto id and transport
func (a *app) channelConfig(id string, transport channel.Transport) channel.Config {
	c := a.cfg.Channel
	cc := channel.DefaultConfig(id, transport)
	cc.BackoffBase = c.BackoffBase()
	cc.BackoffMax = c.BackoffMax()
	cc.MaxReconnectAttempts = c.MaxReconnectAttempts
	cc.MaxQueueSize = c.MaxQueueSize
	cc.DedupWindow = c.DedupWindow()
	cc.SendTimeout = c.SendTimeout()
	cc.HeartbeatInterval = c.HeartbeatInterval()
	cc.MaxMissedHeartbeats = c.MaxMissedHeartbeats
	cc.FlushBatchSize = c.FlushBatchSize
	cc.FlushRate = rate.Limit(c.FlushRatePerSec)
	cc.Logger = a.log.Component("channel")
	return cc
}

// resilience builds the agent fault tolerance settings, nil when disabled
func (a *app) resilience() *agent.Resilience {
	if !a.cfg.Coordinator.Resilient {
		return nil
	}
	b := a.cfg.Breaker
	h := a.cfg.Health

	res := agent.DefaultResilience()
	res.Breaker = breaker.Config{
		FailureThreshold:    b.FailureThreshold,
		ResetTimeout:        b.ResetTimeout(),
		MaxHalfOpenRequests: b.MaxHalfOpenRequests,
		CallTimeout:         b.CallTimeout(),
		Logger:              a.log.Component("breaker"),
	}
	res.Health = health.Config{
		Interval:            h.Interval(),
		CheckTimeout:        h.CheckTimeout(),
		RecoveryThreshold:   h.RecoveryThreshold,
		EscalationThreshold: h.EscalationThreshold,
		Logger:              a.log.Component("health"),
	}
	res.Transport = a.transport()
	res.Channel = a.channelConfig("", res.Transport)
	res.MaxRecoveryAttempts = h.MaxRecoveryAttempts
	res.MemoryLimit = uint64(h.MemoryLimitMB) << 20
	res.StallTimeout = h.StallTimeout()
	return res
}

// agentTemplate returns the agent settings shared by every work item
func (a *app) agentTemplate() agent.Config {
	return agent.Config{
		Cache:      a.cache,
		Updater:    a.updater,
		WorkDir:    filepath.Dir(a.cfg.StorePath),
		Audit:      a.audit,
		Resilience: a.resilience(),
		Logger:     a.log.Component("agent"),
	}
}

// newCoordinator builds a coordinator streaming its events to the hub when
// one is configured
func (a *app) newCoordinator(ctx context.Context) (*coordinator.Coordinator, error) {
	cfg := coordinator.Config{
		Updater:      a.updater,
		Cache:        a.cache,
		Agent:        a.agentTemplate(),
		MaxParallel:  a.cfg.Coordinator.MaxParallel,
		AgentTimeout: a.cfg.Coordinator.AgentTimeout(),
		Review:       a.cfg.Coordinator.Review,
		Audit:        a.audit,
		Logger:       a.log.Component("coordinator"),
	}

	if a.cfg.Hub.URL != "" {
		cfg.NewTransport = a.transport

		ch, err := channel.New(a.channelConfig("coordinator", a.transport()))
		if err != nil {
			return nil, fmt.Errorf("failed to create coordinator channel: %w", err)
		}
		if err := ch.Connect(ctx); err != nil {
			a.logger.Warn().Err(err).Str("url", a.cfg.Hub.URL).Msg("Hub unreachable, events are queued until it comes back")
		}
		cfg.Channel = ch
	}

	return coordinator.New(cfg)
}

// Close releases components in reverse construction order
func (a *app) Close() error {
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.queue != nil {
		_ = a.queue.Close()
	}
	_ = a.audit.Close()
	if a.log != nil {
		return a.log.Close()
	}
	return nil
}
