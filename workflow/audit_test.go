package workflow

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	log, err := OpenAuditLog(path, nil)
	require.NoError(t, err)

	log.Record(AuditEvent{ExecutionID: "ex-1", Event: "execution_started"})
	log.Record(AuditEvent{ExecutionID: "ex-1", Event: "step_success", StepNumber: 0, Detail: "done"})
	require.NoError(t, log.Close())

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var event AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		events = append(events, event)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, events, 2)
	assert.Equal(t, "execution_started", events[0].Event)
	assert.False(t, events[0].Timestamp.IsZero(), "timestamp is stamped when absent")
	assert.Equal(t, "step_success", events[1].Event)
	assert.Equal(t, "done", events[1].Detail)
}

func TestAuditLogNilReceiverIsSafe(t *testing.T) {
	var log *AuditLog
	log.Record(AuditEvent{Event: "ignored"})
	assert.NoError(t, log.Close())
}

func TestAuditLogReopensInAppendMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	first, err := OpenAuditLog(path, nil)
	require.NoError(t, err)
	first.Record(AuditEvent{Event: "one"})
	require.NoError(t, first.Close())

	second, err := OpenAuditLog(path, nil)
	require.NoError(t, err)
	second.Record(AuditEvent{Event: "two"})
	require.NoError(t, second.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"one"`)
	assert.Contains(t, string(data), `"two"`)
}
