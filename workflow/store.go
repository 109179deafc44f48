package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/cortexstack/memflow/types"
)

// DefinitionRecord is the stored form of a workflow definition.
type DefinitionRecord struct {
	ID            uint   `gorm:"primaryKey" json:"-"`
	WorkflowID    string `gorm:"size:64;uniqueIndex" json:"workflow_id"`
	UserID        string `gorm:"size:128;index" json:"user_id"`
	Name          string `gorm:"size:256" json:"name"`
	Data          string `json:"data"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ExecutionRecord is the durable form of an execution, written at step
// boundaries so runs survive a process restart.
type ExecutionRecord struct {
	ID          uint   `gorm:"primaryKey" json:"-"`
	ExecutionID string `gorm:"size:64;uniqueIndex" json:"execution_id"`
	WorkflowID  string `gorm:"size:64;index" json:"workflow_id"`
	UserID      string `gorm:"size:128;index" json:"user_id"`
	Status      string `gorm:"size:32;index" json:"status"`
	Data        string `json:"data"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AutoMigrate creates or updates the workflow schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&DefinitionRecord{}, &ExecutionRecord{})
}

// DefinitionStore persists workflow definitions with per-user ownership.
type DefinitionStore struct {
	db *gorm.DB
}

// NewDefinitionStore creates a definition store.
func NewDefinitionStore(db *gorm.DB) *DefinitionStore {
	return &DefinitionStore{db: db}
}

// Save creates or updates a definition, keyed by workflow ID.
func (s *DefinitionStore) Save(ctx context.Context, def *Definition) error {
	if def.ID == "" || def.UserID == "" {
		return types.NewError(types.ErrInvalidArgument, "definition requires id and user_id")
	}

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	record := DefinitionRecord{
		WorkflowID: def.ID,
		UserID:     def.UserID,
		Name:       def.Name,
		Data:       string(data),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workflow_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "data", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return types.NewError(types.ErrStoreFailure, "failed to save definition").WithCause(err)
	}
	return nil
}

// Get loads a definition, enforcing ownership.
func (s *DefinitionStore) Get(ctx context.Context, userID, workflowID string) (*Definition, error) {
	var record DefinitionRecord
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("workflow not found: %s", workflowID))
	}
	if err != nil {
		return nil, types.NewError(types.ErrStoreFailure, "failed to load definition").WithCause(err)
	}
	if record.UserID != userID {
		return nil, types.NewError(types.ErrOwnershipMismatch,
			fmt.Sprintf("workflow %s is not owned by user %s", workflowID, userID))
	}

	var def Definition
	if err := json.Unmarshal([]byte(record.Data), &def); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}
	return &def, nil
}

// List returns all of a user's definitions.
func (s *DefinitionStore) List(ctx context.Context, userID string) ([]*Definition, error) {
	var records []DefinitionRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at").
		Find(&records).Error
	if err != nil {
		return nil, types.NewError(types.ErrStoreFailure, "failed to list definitions").WithCause(err)
	}

	defs := make([]*Definition, 0, len(records))
	for _, record := range records {
		var def Definition
		if err := json.Unmarshal([]byte(record.Data), &def); err != nil {
			return nil, fmt.Errorf("failed to decode definition %s: %w", record.WorkflowID, err)
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// Delete removes a definition, enforcing ownership. Returns false when the
// workflow does not exist.
func (s *DefinitionStore) Delete(ctx context.Context, userID, workflowID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("workflow_id = ? AND user_id = ?", workflowID, userID).
		Delete(&DefinitionRecord{})
	if result.Error != nil {
		return false, types.NewError(types.ErrStoreFailure, "failed to delete definition").WithCause(result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ExecutionStore persists executions at step boundaries, with an in-memory
// read-through cache for the hot status-polling path. The cache holds the
// serialized form; every Get decodes a fresh copy, so a poller's snapshot is
// never aliased to the run loop's live state.
type ExecutionStore struct {
	db    *gorm.DB
	cache map[string]string
	mu    sync.RWMutex
}

// NewExecutionStore creates an execution store.
func NewExecutionStore(db *gorm.DB) *ExecutionStore {
	return &ExecutionStore{db: db, cache: make(map[string]string)}
}

// Save upserts the execution's durable row and refreshes the cache.
func (s *ExecutionStore) Save(ctx context.Context, exec *Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	record := ExecutionRecord{
		ExecutionID: exec.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		UserID:      exec.UserID,
		Status:      string(exec.Status),
		Data:        string(data),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "execution_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "data", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return types.NewError(types.ErrStoreFailure, "failed to save execution").WithCause(err)
	}

	s.mu.Lock()
	s.cache[exec.ExecutionID] = string(data)
	s.mu.Unlock()
	return nil
}

// Get returns a snapshot of an execution, decoded from cache or falling back
// to the database. Callers own the returned value; mutating it never touches
// the stored state.
func (s *ExecutionStore) Get(ctx context.Context, executionID string) (*Execution, error) {
	s.mu.RLock()
	data, ok := s.cache[executionID]
	s.mu.RUnlock()

	if !ok {
		var record ExecutionRecord
		err := s.db.WithContext(ctx).
			Where("execution_id = ?", executionID).
			First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewError(types.ErrExecutionNotFound,
				fmt.Sprintf("execution not found: %s", executionID))
		}
		if err != nil {
			return nil, types.NewError(types.ErrStoreFailure, "failed to load execution").WithCause(err)
		}
		data = record.Data

		s.mu.Lock()
		s.cache[executionID] = data
		s.mu.Unlock()
	}

	var exec Execution
	if err := json.Unmarshal([]byte(data), &exec); err != nil {
		return nil, fmt.Errorf("failed to decode execution: %w", err)
	}
	return &exec, nil
}

// ListActive returns the non-terminal executions for a user.
func (s *ExecutionStore) ListActive(ctx context.Context, userID string) ([]*Execution, error) {
	var records []ExecutionRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID,
			[]string{string(StatusPending), string(StatusRunning)}).
		Order("created_at").
		Find(&records).Error
	if err != nil {
		return nil, types.NewError(types.ErrStoreFailure, "failed to list executions").WithCause(err)
	}

	execs := make([]*Execution, 0, len(records))
	for _, record := range records {
		var exec Execution
		if err := json.Unmarshal([]byte(record.Data), &exec); err != nil {
			return nil, fmt.Errorf("failed to decode execution %s: %w", record.ExecutionID, err)
		}
		execs = append(execs, &exec)
	}
	return execs, nil
}

// Evict drops an execution from the cache. The durable row stays.
func (s *ExecutionStore) Evict(executionID string) {
	s.mu.Lock()
	delete(s.cache, executionID)
	s.mu.Unlock()
}
