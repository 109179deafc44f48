package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CheckpointMirror keeps the latest checkpoint of each thread in Redis for
// cheap hot-path reads. It is a write-through cache over the relational
// store: every operation is best-effort and the SQL row remains the source
// of truth.
type CheckpointMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewCheckpointMirror creates a mirror with the given key prefix and TTL.
func NewCheckpointMirror(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *CheckpointMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "memflow"
	}
	return &CheckpointMirror{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "checkpoint_mirror")),
	}
}

// WriteLatest stores the checkpoint as the thread's latest snapshot.
func (m *CheckpointMirror) WriteLatest(ctx context.Context, record *CheckpointRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return m.client.Set(ctx, m.key(record.ThreadID), data, m.ttl).Err()
}

// ReadLatest returns the mirrored latest checkpoint, or nil on a miss.
func (m *CheckpointMirror) ReadLatest(ctx context.Context, threadID string) (*CheckpointRecord, error) {
	data, err := m.client.Get(ctx, m.key(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var record CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mirrored checkpoint: %w", err)
	}
	return &record, nil
}

// DeleteThread drops the thread's mirrored snapshot.
func (m *CheckpointMirror) DeleteThread(ctx context.Context, threadID string) error {
	return m.client.Del(ctx, m.key(threadID)).Err()
}

func (m *CheckpointMirror) key(threadID string) string {
	return fmt.Sprintf("%s:latest_checkpoint:%s", m.prefix, threadID)
}
