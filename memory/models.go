package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cortexstack/memflow/types"
)

// CheckpointRecord is one snapshot of conversational/execution state for a
// (thread, user, agent) triple. Checkpoints are append-only: rows are never
// mutated and are removed only by whole-thread deletion.
type CheckpointRecord struct {
	ID                 uint   `gorm:"primaryKey" json:"-"`
	CheckpointID       string `gorm:"size:64;uniqueIndex" json:"checkpoint_id"`
	ThreadID           string `gorm:"size:128;uniqueIndex:idx_thread_step,priority:1" json:"thread_id"`
	StepNumber         int    `gorm:"uniqueIndex:idx_thread_step,priority:2" json:"step_number"`
	UserID             string `gorm:"size:128;index" json:"user_id"`
	AgentID            string `gorm:"size:128" json:"agent_id"`
	ParentCheckpointID string `gorm:"size:64" json:"parent_checkpoint_id,omitempty"`
	StateData          string `json:"state_data"`
	CreatedAt          time.Time `json:"created_at"`
}

// State decodes the checkpoint's state payload.
func (c *CheckpointRecord) State() (map[string]any, error) {
	var state map[string]any
	if err := json.Unmarshal([]byte(c.StateData), &state); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint state: %w", err)
	}
	return state, nil
}

// MemoryRecord is a durable long-term memory, namespaced per user.
// (UserID, Namespace, MemoryID) is unique; MemoryData and SearchText are
// written together through a single code path so they never diverge.
type MemoryRecord struct {
	ID              uint    `gorm:"primaryKey" json:"-"`
	UserID          string  `gorm:"size:128;uniqueIndex:idx_user_ns_mem,priority:1" json:"user_id"`
	Namespace       string  `gorm:"size:128;uniqueIndex:idx_user_ns_mem,priority:2" json:"namespace"`
	MemoryID        string  `gorm:"size:64;uniqueIndex:idx_user_ns_mem,priority:3" json:"memory_id"`
	MemoryType      string  `gorm:"size:32;index" json:"memory_type"`
	MemoryData      string  `json:"memory_data"`
	ImportanceScore float64 `gorm:"index" json:"importance_score"`
	SearchText      string  `json:"search_text"`
	AccessCount     int     `json:"access_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastAccessed    time.Time `gorm:"index" json:"last_accessed"`
}

// Envelope decodes the memory payload.
func (m *MemoryRecord) Envelope() (*types.Envelope, error) {
	var env types.Envelope
	if err := json.Unmarshal([]byte(m.MemoryData), &env); err != nil {
		return nil, fmt.Errorf("failed to decode memory data: %w", err)
	}
	return &env, nil
}

// docID is the vector-index document key for this record.
func (m *MemoryRecord) docID() string {
	return m.UserID + "/" + m.Namespace + "/" + m.MemoryID
}

// ContextRecord is a node of the hierarchical context tree. Parent/child is
// a logical reference, not a foreign key: cascade deletion is computed
// recursively by the store. Level and Path are fixed at creation; nodes
// cannot be re-parented.
type ContextRecord struct {
	ID             uint   `gorm:"primaryKey" json:"-"`
	UserID         string `gorm:"size:128;uniqueIndex:idx_user_ctx,priority:1" json:"user_id"`
	MemoryID       string `gorm:"size:64;uniqueIndex:idx_user_ctx,priority:2" json:"memory_id"`
	ParentID       string `gorm:"size:64;index" json:"parent_id,omitempty"`
	Level          int    `json:"level"`
	Path           string `gorm:"size:512" json:"path"`
	Name           string `gorm:"size:256" json:"name"`
	Description    string `json:"description"`
	ContextData    string `json:"context_data"`
	InfluenceRules string `json:"influence_rules"`
	IsActive       bool   `gorm:"index" json:"is_active"`
	Priority       int    `json:"priority"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Data decodes the node's context payload.
func (c *ContextRecord) Data() (map[string]any, error) {
	if c.ContextData == "" {
		return map[string]any{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(c.ContextData), &data); err != nil {
		return nil, fmt.Errorf("failed to decode context data: %w", err)
	}
	return data, nil
}

// Rules decodes the node's influence rules.
func (c *ContextRecord) Rules() ([]types.InfluenceRule, error) {
	if c.InfluenceRules == "" {
		return nil, nil
	}
	var rules []types.InfluenceRule
	if err := json.Unmarshal([]byte(c.InfluenceRules), &rules); err != nil {
		return nil, fmt.Errorf("failed to decode influence rules: %w", err)
	}
	return rules, nil
}

// AutoMigrate creates or updates the memory store schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&CheckpointRecord{},
		&MemoryRecord{},
		&ContextRecord{},
	)
}
