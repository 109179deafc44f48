package workflow

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AuditEvent is one line of the execution audit trail.
type AuditEvent struct {
	Timestamp   time.Time `json:"ts"`
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Event       string    `json:"event"`
	StepNumber  int       `json:"step_number,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// AuditLog appends execution events to a JSONL file. Writes are best-effort:
// an audit failure never fails the run.
type AuditLog struct {
	file   *os.File
	logger *zap.Logger
	mu     sync.Mutex
}

// OpenAuditLog opens (or creates) the audit file in append mode.
func OpenAuditLog(path string, logger *zap.Logger) (*AuditLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &AuditLog{
		file:   file,
		logger: logger.With(zap.String("component", "audit_log")),
	}, nil
}

// Record appends one event. Safe on a nil receiver so the audit log stays
// optional wiring.
func (a *AuditLog) Record(event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	line, err := json.Marshal(event)
	if err != nil {
		a.logger.Warn("failed to encode audit event", zap.Error(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		a.logger.Warn("failed to write audit event", zap.Error(err))
	}
}

// Close flushes and closes the audit file.
func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
