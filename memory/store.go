// Package memory implements the tiered memory store: short-term checkpoint
// logs, namespaced long-term memories with hybrid retrieval, and
// hierarchical influence-propagating contexts.
//
// The relational store is the source of truth. The vector index and the
// Redis checkpoint mirror are derived views: failures there are logged and
// swallowed, never propagated.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cortexstack/memflow/internal/metrics"
	"github.com/cortexstack/memflow/types"
)

// StoreConfig configures the memory store.
type StoreConfig struct {
	// SimilarityThreshold is the minimum semantic score kept by hybrid
	// search.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	// CandidateLimit caps the metadata-prefiltered candidate set handed to
	// the vector index.
	CandidateLimit int `yaml:"candidate_limit"`
	// MergeThreshold is the minimum pairwise similarity for grouping
	// mergeable memories.
	MergeThreshold float64 `yaml:"merge_threshold"`
}

// DefaultStoreConfig returns sensible defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		SimilarityThreshold: 0.7,
		CandidateLimit:      100,
		MergeThreshold:      0.85,
	}
}

// Store is the tiered memory store.
type Store struct {
	db        *gorm.DB
	index     VectorIndex // optional
	mirror    *CheckpointMirror
	config    StoreConfig
	collector *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithVectorIndex attaches a similarity-search backend.
func WithVectorIndex(index VectorIndex) StoreOption {
	return func(s *Store) { s.index = index }
}

// WithCheckpointMirror attaches a Redis latest-checkpoint mirror.
func WithCheckpointMirror(mirror *CheckpointMirror) StoreOption {
	return func(s *Store) { s.mirror = mirror }
}

// WithCollector attaches a metrics collector.
func WithCollector(collector *metrics.Collector) StoreOption {
	return func(s *Store) { s.collector = collector }
}

// WithClock overrides the store's clock, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a memory store over the given database.
func NewStore(db *gorm.DB, config StoreConfig, logger *zap.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:     db,
		config: config,
		logger: logger.With(zap.String("component", "memory_store")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================
// Short-term checkpoints
// ============================================================

// CheckpointOptions carries the optional fields of SaveCheckpoint.
type CheckpointOptions struct {
	CheckpointID       string
	ParentCheckpointID string
}

// SaveCheckpoint appends a new checkpoint for the thread. The step number is
// computed as max+1 inside the insert transaction, which gives a strict,
// contiguous per-thread total order starting at 0. Existing checkpoints are
// never overwritten.
func (s *Store) SaveCheckpoint(ctx context.Context, threadID, userID, agentID string, stateData map[string]any, opts CheckpointOptions) (*CheckpointRecord, error) {
	if threadID == "" || userID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "thread_id and user_id are required")
	}

	data, err := json.Marshal(stateData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state data: %w", err)
	}

	checkpointID := opts.CheckpointID
	if checkpointID == "" {
		checkpointID = uuid.NewString()
	}

	record := &CheckpointRecord{
		CheckpointID:       checkpointID,
		ThreadID:           threadID,
		UserID:             userID,
		AgentID:            agentID,
		ParentCheckpointID: opts.ParentCheckpointID,
		StateData:          string(data),
		CreatedAt:          s.now(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxStep *int
		if err := tx.Model(&CheckpointRecord{}).
			Where("thread_id = ? AND user_id = ?", threadID, userID).
			Select("MAX(step_number)").
			Scan(&maxStep).Error; err != nil {
			return err
		}
		if maxStep == nil {
			record.StepNumber = 0
		} else {
			record.StepNumber = *maxStep + 1
		}
		return tx.Create(record).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	s.collector.RecordMemoryOp("save_checkpoint")
	s.logger.Debug("checkpoint saved",
		zap.String("thread_id", threadID),
		zap.String("checkpoint_id", record.CheckpointID),
		zap.Int("step_number", record.StepNumber),
	)

	// Mirror is a derived view; failures never fail the save.
	if s.mirror != nil {
		if err := s.mirror.WriteLatest(ctx, record); err != nil {
			s.collector.RecordIndexFailure()
			s.logger.Warn("checkpoint mirror write failed",
				zap.String("thread_id", threadID), zap.Error(err))
		}
	}

	return record, nil
}

// GetLatestState returns the state payload of the thread's highest-numbered
// checkpoint, or nil when the thread has none.
func (s *Store) GetLatestState(ctx context.Context, threadID, userID string) (map[string]any, error) {
	if s.mirror != nil {
		if record, err := s.mirror.ReadLatest(ctx, threadID); err == nil && record != nil && record.UserID == userID {
			return record.State()
		}
	}

	var record CheckpointRecord
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND user_id = ?", threadID, userID).
		Order("step_number DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return record.State()
}

// GetStateHistory returns all checkpoints for the thread in ascending step
// order. A limit <= 0 returns everything.
func (s *Store) GetStateHistory(ctx context.Context, threadID, userID string, limit int) ([]*CheckpointRecord, error) {
	query := s.db.WithContext(ctx).
		Where("thread_id = ? AND user_id = ?", threadID, userID).
		Order("step_number ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []*CheckpointRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load checkpoint history: %w", err)
	}
	return records, nil
}

// DeleteThread removes all checkpoints for the thread. Idempotent: returns
// whether any rows were removed.
func (s *Store) DeleteThread(ctx context.Context, threadID, userID string) (bool, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("thread_id = ? AND user_id = ?", threadID, userID).
			Delete(&CheckpointRecord{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete thread: %w", err)
	}

	s.collector.RecordMemoryOp("delete_thread")

	if s.mirror != nil {
		if err := s.mirror.DeleteThread(ctx, threadID); err != nil {
			s.logger.Warn("checkpoint mirror delete failed",
				zap.String("thread_id", threadID), zap.Error(err))
		}
	}

	return deleted > 0, nil
}

// ============================================================
// Long-term memories
// ============================================================

// StoreMemoryOptions carries the optional fields of StoreMemory.
type StoreMemoryOptions struct {
	// MemoryID selects the upsert target. Empty generates a new UUID and
	// always creates a new row.
	MemoryID string
	// ImportanceScore defaults to 1.0; must be > 0 when set.
	ImportanceScore float64
	// SearchText overrides the text derived from the envelope.
	SearchText string
}

// StoreMemory upserts a long-term memory by (user, namespace, memory_id).
// The search index receives the same text in the same call; index failures
// are swallowed because the index is rebuildable from the primary store.
func (s *Store) StoreMemory(ctx context.Context, userID, namespace string, env *types.Envelope, opts StoreMemoryOptions) (*MemoryRecord, error) {
	if userID == "" || namespace == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "user_id and namespace are required")
	}
	if env == nil {
		return nil, types.NewError(types.ErrInvalidArgument, "memory envelope is required")
	}

	score := opts.ImportanceScore
	if score == 0 {
		score = 1.0
	}
	if score <= 0 {
		return nil, types.NewError(types.ErrInvalidArgument, "importance_score must be > 0")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode memory data: %w", err)
	}

	searchText := opts.SearchText
	if searchText == "" {
		searchText = env.SearchText()
	}

	memoryID := opts.MemoryID
	now := s.now()

	var record *MemoryRecord
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if memoryID != "" {
			var existing MemoryRecord
			err := tx.Where("user_id = ? AND namespace = ? AND memory_id = ?", userID, namespace, memoryID).
				First(&existing).Error
			if err == nil {
				existing.MemoryType = string(env.Type)
				existing.MemoryData = string(data)
				existing.ImportanceScore = score
				existing.SearchText = searchText
				existing.UpdatedAt = now
				existing.LastAccessed = now
				if err := tx.Save(&existing).Error; err != nil {
					return err
				}
				record = &existing
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		} else {
			memoryID = uuid.NewString()
		}

		record = &MemoryRecord{
			UserID:          userID,
			Namespace:       namespace,
			MemoryID:        memoryID,
			MemoryType:      string(env.Type),
			MemoryData:      string(data),
			ImportanceScore: score,
			SearchText:      searchText,
			CreatedAt:       now,
			UpdatedAt:       now,
			LastAccessed:    now,
		}
		return tx.Create(record).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store memory: %w", err)
	}

	s.collector.RecordMemoryOp("store_memory")

	if s.index != nil {
		if err := s.index.Upsert(ctx, record.docID(), searchText); err != nil {
			s.collector.RecordIndexFailure()
			s.logger.Warn("search index upsert failed",
				zap.String("memory_id", record.MemoryID), zap.Error(err))
		}
	}

	return record, nil
}

// GetMemory returns a memory by composite key and records the access.
func (s *Store) GetMemory(ctx context.Context, userID, namespace, memoryID string) (*MemoryRecord, error) {
	var record MemoryRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND namespace = ? AND memory_id = ?", userID, namespace, memoryID).
			First(&record).Error; err != nil {
			return err
		}
		return tx.Model(&record).Updates(map[string]any{
			"last_accessed": s.now(),
			"access_count":  gorm.Expr("access_count + 1"),
		}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound,
			fmt.Sprintf("memory not found: %s/%s/%s", userID, namespace, memoryID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load memory: %w", err)
	}
	return &record, nil
}

// DeleteMemory removes a memory and best-effort drops it from the index.
func (s *Store) DeleteMemory(ctx context.Context, userID, namespace, memoryID string) error {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("user_id = ? AND namespace = ? AND memory_id = ?", userID, namespace, memoryID).
			Delete(&MemoryRecord{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	if deleted == 0 {
		return types.NewError(types.ErrNotFound,
			fmt.Sprintf("memory not found: %s/%s/%s", userID, namespace, memoryID))
	}

	s.collector.RecordMemoryOp("delete_memory")

	if s.index != nil {
		docID := userID + "/" + namespace + "/" + memoryID
		if err := s.index.Remove(ctx, docID); err != nil {
			s.collector.RecordIndexFailure()
			s.logger.Warn("search index remove failed",
				zap.String("memory_id", memoryID), zap.Error(err))
		}
	}
	return nil
}

// ListNamespaces returns the distinct namespaces holding memories for the
// user.
func (s *Store) ListNamespaces(ctx context.Context, userID string) ([]string, error) {
	var namespaces []string
	err := s.db.WithContext(ctx).Model(&MemoryRecord{}).
		Where("user_id = ?", userID).
		Distinct("namespace").
		Order("namespace ASC").
		Pluck("namespace", &namespaces).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}
	return namespaces, nil
}

// NamespaceStats summarizes one namespace.
type NamespaceStats struct {
	Namespace     string  `json:"namespace"`
	Count         int64   `json:"count"`
	MaxImportance float64 `json:"max_importance"`
}

// Stats returns per-namespace memory statistics for the user.
func (s *Store) Stats(ctx context.Context, userID string) ([]NamespaceStats, error) {
	var stats []NamespaceStats
	err := s.db.WithContext(ctx).Model(&MemoryRecord{}).
		Where("user_id = ?", userID).
		Select("namespace, COUNT(*) as count, MAX(importance_score) as max_importance").
		Group("namespace").
		Order("namespace ASC").
		Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute memory stats: %w", err)
	}
	return stats, nil
}
