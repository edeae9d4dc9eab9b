package agent

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/harun/wavefront/internal/observability"
	"github.com/harun/wavefront/pkg/breaker"
	"github.com/harun/wavefront/pkg/channel"
	"github.com/harun/wavefront/pkg/health"
)

func (a *Agent) setupResilience(res *Resilience) error {
	short := a.id
	if len(short) > 8 {
		short = short[:8]
	}

	bcfg := res.Breaker
	if bcfg.Clock == nil {
		bcfg.Clock = a.clock
	}
	bcfg.Logger = a.logger
	set, err := breaker.NewSet("agent-"+short, bcfg)
	if err != nil {
		return err
	}
	a.breakers = set

	hcfg := res.Health
	hcfg.Name = "agent-" + short
	if hcfg.Clock == nil {
		hcfg.Clock = a.clock
	}
	hcfg.Logger = a.logger
	monitor, err := health.NewMonitor(hcfg)
	if err != nil {
		return err
	}
	a.monitor = monitor

	if res.Transport != nil {
		ccfg := res.Channel
		ccfg.ID = "agent-" + short
		ccfg.Transport = res.Transport
		ccfg.Breaker = set.Get(breaker.ClassConnection)
		ccfg.Handler = a
		ccfg.Liveness = a.liveness
		if ccfg.Clock == nil {
			ccfg.Clock = a.clock
		}
		ccfg.Logger = a.logger
		ch, err := channel.New(ccfg)
		if err != nil {
			return err
		}
		a.ch = ch
		ch.OnMaxReconnect(func() {
			a.setMode(ModeOffline, "max reconnect attempts reached")
		})
	}

	a.maxRecovery = res.MaxRecoveryAttempts
	if a.maxRecovery <= 0 {
		a.maxRecovery = 3
	}

	a.registerChecks(res)

	set.OnEvent(a.onBreakerEvent)
	monitor.OnStateChange(a.onHealthChange)
	monitor.OnAlert(func(alert health.Alert) {
		a.logger.Warn().
			Str("from", alert.From.String()).
			Str("to", alert.To.String()).
			Bool("forced", alert.Forced).
			Str("reason", alert.Reason).
			Msg("Health alert")
	})
	// recovery may shut the agent down, which stops the monitor, so it
	// cannot run on the tick goroutine
	monitor.OnCritical(func(report health.Report) {
		go a.recover(fmt.Sprintf("health critical (worst %s)", report.Worst))
	})
	return nil
}

func (a *Agent) startResilience(ctx context.Context) {
	if a.ch != nil {
		if err := a.ch.Connect(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Status channel unavailable, messages will queue")
		}
	}
	if a.monitor != nil {
		a.monitor.Start(ctx)
	}
}

func (a *Agent) stopResilience() {
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.ch != nil {
		_ = a.ch.Close()
	}
}

func (a *Agent) onBreakerEvent(event breaker.Event) {
	if event.Type != breaker.EventStateChange {
		return
	}
	if event.To == breaker.StateOpen {
		a.logger.Warn().Str("breaker", event.Breaker).Msg("Protected operation class tripped")
	}
	// the connection breaker guards the channel itself
	if strings.HasSuffix(event.Breaker, "."+string(breaker.ClassConnection)) {
		return
	}
	a.publish(context.Background(), "breaker_"+event.To.String(), channel.PriorityNormal, map[string]interface{}{
		"breaker": event.Breaker,
		"from":    event.From.String(),
	})
}

func (a *Agent) onHealthChange(from, to health.State) {
	switch to {
	case health.StateHealthy:
		a.setMode(ModeNormal, "healthy")
	case health.StateDegraded, health.StateUnhealthy:
		a.setMode(ModeDegraded, to.String())
	case health.StateCritical:
		a.setMode(ModeCritical, "critical")
	}
}

// setMode switches mode and applies its side effects. Offline is permanent.
func (a *Agent) setMode(to Mode, reason string) {
	a.mu.Lock()
	from := a.mode
	if from == to || from == ModeOffline {
		a.mu.Unlock()
		return
	}
	a.mode = to
	a.mu.Unlock()

	a.applyMode(to)

	a.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("Agent mode changed")
	a.publish(context.Background(), "mode_changed", channel.PriorityHigh, map[string]interface{}{
		"from":   string(from),
		"reason": reason,
	})
}

// applyMode widens sampling, halves flush batches and extends breaker
// timeouts in degraded and critical modes, and restores them in normal mode.
func (a *Agent) applyMode(mode Mode) {
	interval, batch, timeout := 1.0, 1.0, 1.0
	switch mode {
	case ModeDegraded, ModeCritical:
		interval, batch, timeout = degradedIntervalScale, degradedBatchScale, degradedTimeoutScale
	case ModeOffline:
		return
	}

	if a.monitor != nil {
		a.monitor.SetIntervalScale(interval)
	}
	if a.ch != nil {
		a.ch.SetBatchScale(batch)
	}
	if a.breakers != nil {
		a.breakers.ScaleTimeouts(timeout)
	}
}

// recover runs one recovery attempt. Past the attempt limit it shuts the agent down.
func (a *Agent) recover(reason string) {
	a.mu.Lock()
	if a.recovering || a.shutdown {
		a.mu.Unlock()
		return
	}
	a.recovering = true
	a.recoveries++
	attempt := a.recoveries
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.recovering = false
		a.mu.Unlock()
	}()

	observability.RecordRecoveryAttempt(a.id)
	ctx := context.Background()

	if attempt > a.maxRecovery {
		a.logger.Error().Int("attempt", attempt).Str("reason", reason).Msg("Recovery attempts exhausted")
		a.cfg.Audit.RecordRecoveryAudit(a.id, "recover", "exhausted", map[string]interface{}{
			"attempt": attempt,
			"reason":  reason,
		})
		_ = a.Shutdown(ctx, "recovery attempts exhausted")
		return
	}

	a.logger.Warn().Int("attempt", attempt).Str("reason", reason).Msg("Starting recovery")

	reset := 0
	if a.breakers != nil {
		reset = a.breakers.ResetOpenToHalfOpen()
	}

	trimmed := 0
	if a.ch != nil {
		if err := a.ch.Reconnect(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Reconnect during recovery failed")
		}
		if limit := a.ch.QueueCap() / 2; a.ch.QueueLen() > limit {
			trimmed = a.ch.TrimQueue(limit)
		}
	}

	runtime.GC()
	debug.FreeOSMemory()

	if a.monitor != nil {
		a.monitor.ResetCounters()
	}

	a.logger.Info().
		Int("attempt", attempt).
		Int("breakersReset", reset).
		Int("messagesTrimmed", trimmed).
		Msg("Recovery completed")
	a.cfg.Audit.RecordRecoveryAudit(a.id, "recover", "completed", map[string]interface{}{
		"attempt":          attempt,
		"breakers_reset":   reset,
		"messages_trimmed": trimmed,
		"reason":           reason,
	})
}

func (a *Agent) liveness() map[string]interface{} {
	a.mu.Lock()
	out := map[string]interface{}{
		"agent_id":        a.id,
		"item_id":         a.item.ID,
		"mode":            string(a.mode),
		"running":         a.running,
		"paused":          a.paused,
		"recoveries":      a.recoveries,
		"completed_tasks": a.completedTasks,
		"total_tasks":     len(a.item.Tasks),
	}
	a.mu.Unlock()

	if a.monitor != nil {
		out["health"] = a.monitor.State().String()
	}
	if a.breakers != nil {
		var open []string
		for _, class := range a.breakers.OpenBreakers() {
			open = append(open, string(class))
		}
		out["open_breakers"] = open
	}
	if a.ch != nil {
		out["queue_len"] = a.ch.QueueLen()
	}
	return out
}

// HandleCommand implements channel.InboundHandler. Commands carrying an
// agent_id or item_id argument for someone else are ignored.
func (a *Agent) HandleCommand(ctx context.Context, msg *channel.Message, cmd channel.Command) {
	if target := cmd.Args["agent_id"]; target != "" && target != a.id {
		return
	}
	if target := cmd.Args["item_id"]; target != "" && target != fmt.Sprint(a.item.ID) {
		return
	}

	a.logger.Info().Str("command", cmd.Name).Str("from", msg.Source).Msg("Command received")

	switch cmd.Name {
	case "shutdown":
		reason := cmd.Args["reason"]
		if reason == "" {
			reason = "remote shutdown"
		}
		go func() { _ = a.Shutdown(context.Background(), reason) }()
	case "pause":
		a.Pause()
	case "resume":
		a.Resume()
	case "status":
		a.publish(ctx, "status_report", channel.PriorityHigh, a.liveness())
	default:
		a.logger.Warn().Str("command", cmd.Name).Msg("Unknown command")
	}
}

// HandleCoordinatorUpdate implements channel.InboundHandler
func (a *Agent) HandleCoordinatorUpdate(ctx context.Context, msg *channel.Message, update channel.CoordinatorUpdate) {
	a.logger.Debug().Str("event", update.Event).Int("updateItemId", update.ItemID).Msg("Coordinator update")
}

// HandleNotification implements channel.InboundHandler
func (a *Agent) HandleNotification(ctx context.Context, msg *channel.Message, note channel.Notification) {
	a.logger.Info().Str("level", note.Level).Str("text", note.Text).Msg("Server notification")
}
