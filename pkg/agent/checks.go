package agent

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/harun/wavefront/pkg/channel"
	"github.com/harun/wavefront/pkg/health"
)

func (a *Agent) registerChecks(res *Resilience) {
	_ = a.monitor.Register(health.CheckConnection, a.checkConnection)
	_ = a.monitor.Register(health.CheckBreakers, a.checkBreakers)
	_ = a.monitor.Register(health.CheckQueue, a.checkQueue)
	_ = a.monitor.Register(health.CheckMemory, memoryCheck(res.MemoryLimit))
	_ = a.monitor.Register(health.CheckProgress, a.progressCheck(res.StallTimeout))
}

func checkResult(kind health.CheckKind, status health.State, format string, args ...interface{}) health.CheckResult {
	return health.CheckResult{Kind: kind, Status: status, Message: fmt.Sprintf(format, args...)}
}

func (a *Agent) checkConnection(ctx context.Context) (health.CheckResult, error) {
	if a.ch == nil {
		return checkResult(health.CheckConnection, health.StateHealthy, "no channel"), nil
	}
	switch state := a.ch.State(); state {
	case channel.StateConnected:
		return checkResult(health.CheckConnection, health.StateHealthy, "connected"), nil
	case channel.StateConnecting, channel.StateDisconnected:
		return checkResult(health.CheckConnection, health.StateDegraded, "%s, %d reconnect attempts", state, a.ch.Stats().ReconnectAttempts), nil
	default:
		return checkResult(health.CheckConnection, health.StateUnhealthy, "%s", state), nil
	}
}

func (a *Agent) checkBreakers(ctx context.Context) (health.CheckResult, error) {
	open := a.breakers.OpenBreakers()
	names := make([]string, len(open))
	for i, class := range open {
		names[i] = string(class)
	}

	status := health.StateHealthy
	switch {
	case len(open) >= 3:
		status = health.StateCritical
	case len(open) == 2:
		status = health.StateUnhealthy
	case len(open) == 1:
		status = health.StateDegraded
	}
	return checkResult(health.CheckBreakers, status, "open: [%s]", strings.Join(names, ",")), nil
}

func (a *Agent) checkQueue(ctx context.Context) (health.CheckResult, error) {
	if a.ch == nil {
		return checkResult(health.CheckQueue, health.StateHealthy, "no channel"), nil
	}
	size, capacity := a.ch.QueueLen(), a.ch.QueueCap()
	ratio := float64(size) / float64(capacity)

	status := health.StateHealthy
	switch {
	case ratio >= 0.9:
		status = health.StateUnhealthy
	case ratio >= 0.5:
		status = health.StateDegraded
	}
	return checkResult(health.CheckQueue, status, "%d/%d queued", size, capacity), nil
}

func memoryCheck(limit uint64) health.CheckFunc {
	return func(ctx context.Context) (health.CheckResult, error) {
		if limit == 0 {
			return checkResult(health.CheckMemory, health.StateHealthy, "no limit"), nil
		}
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		ratio := float64(stats.HeapAlloc) / float64(limit)

		status := health.StateHealthy
		switch {
		case ratio >= 1:
			status = health.StateCritical
		case ratio >= 0.9:
			status = health.StateUnhealthy
		case ratio >= 0.7:
			status = health.StateDegraded
		}
		return checkResult(health.CheckMemory, status, "heap %d MB of %d MB", stats.HeapAlloc>>20, limit>>20), nil
	}
}

func (a *Agent) progressCheck(stall time.Duration) health.CheckFunc {
	return func(ctx context.Context) (health.CheckResult, error) {
		a.mu.Lock()
		running, paused, last := a.running, a.paused, a.lastProgress
		a.mu.Unlock()

		if stall <= 0 || !running || paused {
			return checkResult(health.CheckProgress, health.StateHealthy, "idle"), nil
		}

		idle := a.clock.Since(last)
		status := health.StateHealthy
		switch {
		case idle >= 2*stall:
			status = health.StateCritical
		case idle >= stall:
			status = health.StateUnhealthy
		case idle >= stall/2:
			status = health.StateDegraded
		}
		return checkResult(health.CheckProgress, status, "no progress for %s", idle.Round(time.Second)), nil
	}
}
