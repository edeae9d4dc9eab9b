package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsHandler(t *testing.T) {
	EnsureRegistered()

	RecordQueueEnqueue("items", 1)
	RecordQueueCompletion("items", 20*time.Millisecond, true, 0)
	RecordBreakerTransition("agent-1-task", "open", 2)
	RecordBreakerRejection("agent-1-task")
	RecordBreakerCall("agent-1-task", false)
	SetChannelConnected("coordinator", true)
	RecordChannelSend("coordinator", "delivered")
	RecordChannelDrop("coordinator", "queue_full")
	SetHealthState("agent-1", 2)
	RecordHealthCheckFailure("agent-1", "memory")
	RecordRecoveryAttempt("agent-1")
	RecordDecision("completed", time.Second)
	RecordWavefront(3)
	SetHubClients(2)
	RecordHubMessage("status", "relayed")

	body := scrape(t)
	for _, name := range []string{
		"wavefront_lane_enqueue_total",
		"wavefront_lane_task_duration_seconds",
		"wavefront_breaker_state",
		"wavefront_breaker_rejections_total",
		"wavefront_channel_connected",
		"wavefront_channel_dropped_total",
		"wavefront_health_state",
		"wavefront_recovery_attempts_total",
		"wavefront_decisions_total",
		"wavefront_wavefront_size",
		"wavefront_hub_clients",
		"wavefront_hub_messages_total",
	} {
		assert.Contains(t, body, name)
	}
	assert.Contains(t, body, `wavefront_hub_messages_total{outcome="relayed",type="status"}`)
}

func TestEnsureRegistered_Idempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		EnsureRegistered()
		EnsureRegistered()
	})
}
