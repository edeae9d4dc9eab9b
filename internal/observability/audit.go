package observability

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // agent or reviewer id
	Action    string                 `json:"action"`          // e.g., "decision_completed", "recovery"
	Status    string                 `json:"status"`          // "success", "failure", "blocked"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AuditLogger appends coordination and recovery decisions as JSON lines
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

// NewAuditLogger opens (or creates) an append-only audit file.
func NewAuditLogger(path string) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &AuditLogger{
		logger: zerolog.New(file),
		file:   file,
	}, nil
}

// NewAuditWriter records audit events to w. Used in tests and for stderr output.
func NewAuditWriter(w io.Writer) *AuditLogger {
	return &AuditLogger{logger: zerolog.New(w)}
}

// Record emits an audit event
func (a *AuditLogger) Record(event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("timestamp", event.Timestamp).
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)

	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		return a.file.Close()
	}
	return nil
}

// RecordDecisionAudit records the outcome of one work item decision.
func (a *AuditLogger) RecordDecisionAudit(itemID int, actor, action, status string, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["item_id"] = itemID
	a.Record(AuditEvent{
		Type:     "decision",
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordRecoveryAudit records an agent recovery attempt or shutdown.
func (a *AuditLogger) RecordRecoveryAudit(actor, action, status string, metadata map[string]interface{}) {
	a.Record(AuditEvent{
		Type:     "recovery",
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}
