package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cortexstack/memflow/types"
)

// ContextOptions carries the optional fields of CreateContext.
type ContextOptions struct {
	ParentID string
	Rules    []types.InfluenceRule
	Priority int
}

// CreateContext creates a hierarchical context node. Level and Path are
// computed from the parent's current values inside the creation transaction
// and are never recomputed afterwards; re-parenting is forbidden (see
// UpdateContext), which keeps them valid for the node's lifetime.
func (s *Store) CreateContext(ctx context.Context, userID, name, description string, contextData map[string]any, opts ContextOptions) (*ContextRecord, error) {
	if userID == "" || name == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "user_id and name are required")
	}

	data, err := json.Marshal(contextData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode context data: %w", err)
	}
	rules, err := json.Marshal(opts.Rules)
	if err != nil {
		return nil, fmt.Errorf("failed to encode influence rules: %w", err)
	}

	now := s.now()
	record := &ContextRecord{
		UserID:         userID,
		MemoryID:       uuid.NewString(),
		ParentID:       opts.ParentID,
		Name:           name,
		Description:    description,
		ContextData:    string(data),
		InfluenceRules: string(rules),
		IsActive:       true,
		Priority:       opts.Priority,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if opts.ParentID != "" {
			var parent ContextRecord
			err := tx.Where("user_id = ? AND memory_id = ?", userID, opts.ParentID).
				First(&parent).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewError(types.ErrNotFound,
					fmt.Sprintf("parent context not found: %s", opts.ParentID))
			}
			if err != nil {
				return err
			}
			record.Level = parent.Level + 1
			record.Path = parent.Path + "/" + name
		} else {
			record.Level = 0
			record.Path = name
		}
		return tx.Create(record).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create context: %w", err)
	}

	s.collector.RecordMemoryOp("create_context")
	s.logger.Debug("context created",
		zap.String("memory_id", record.MemoryID),
		zap.String("path", record.Path),
		zap.Int("level", record.Level),
	)
	return record, nil
}

// GetContext returns a context node by ID.
func (s *Store) GetContext(ctx context.Context, userID, memoryID string) (*ContextRecord, error) {
	var record ContextRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND memory_id = ?", userID, memoryID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound,
			fmt.Sprintf("context not found: %s", memoryID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load context: %w", err)
	}
	return &record, nil
}

// ContextUpdate carries the mutable fields of a context node. Nil pointers
// leave the field unchanged.
type ContextUpdate struct {
	Name        *string
	Description *string
	ContextData map[string]any
	Rules       []types.InfluenceRule
	IsActive    *bool
	Priority    *int
}

// UpdateContext updates a node in place. The parent reference is immutable:
// Level and Path are computed once at creation and would go stale on a move.
func (s *Store) UpdateContext(ctx context.Context, userID, memoryID string, update ContextUpdate) (*ContextRecord, error) {
	var record ContextRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ? AND memory_id = ?", userID, memoryID).
			First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.NewError(types.ErrNotFound,
				fmt.Sprintf("context not found: %s", memoryID))
		}
		if err != nil {
			return err
		}

		if update.Name != nil {
			record.Name = *update.Name
		}
		if update.Description != nil {
			record.Description = *update.Description
		}
		if update.ContextData != nil {
			data, err := json.Marshal(update.ContextData)
			if err != nil {
				return fmt.Errorf("failed to encode context data: %w", err)
			}
			record.ContextData = string(data)
		}
		if update.Rules != nil {
			rules, err := json.Marshal(update.Rules)
			if err != nil {
				return fmt.Errorf("failed to encode influence rules: %w", err)
			}
			record.InfluenceRules = string(rules)
		}
		if update.IsActive != nil {
			record.IsActive = *update.IsActive
		}
		if update.Priority != nil {
			record.Priority = *update.Priority
		}
		record.UpdatedAt = s.now()
		return tx.Save(&record).Error
	})
	if err != nil {
		var typed *types.Error
		if errors.As(err, &typed) {
			return nil, typed
		}
		return nil, fmt.Errorf("failed to update context: %w", err)
	}

	s.collector.RecordMemoryOp("update_context")
	return &record, nil
}

// DeleteContext removes a node and all of its descendants. The cascade is
// computed recursively because parent/child is a logical reference, not a
// database foreign key.
func (s *Store) DeleteContext(ctx context.Context, userID, memoryID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.deleteContextTree(tx, userID, memoryID)
	})
	if err != nil {
		var typed *types.Error
		if errors.As(err, &typed) {
			return typed
		}
		return fmt.Errorf("failed to delete context: %w", err)
	}

	s.collector.RecordMemoryOp("delete_context")
	return nil
}

func (s *Store) deleteContextTree(tx *gorm.DB, userID, memoryID string) error {
	var children []ContextRecord
	if err := tx.Where("user_id = ? AND parent_id = ?", userID, memoryID).
		Find(&children).Error; err != nil {
		return err
	}
	for _, child := range children {
		if err := s.deleteContextTree(tx, userID, child.MemoryID); err != nil {
			return err
		}
	}

	result := tx.Where("user_id = ? AND memory_id = ?", userID, memoryID).
		Delete(&ContextRecord{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.NewError(types.ErrNotFound,
			fmt.Sprintf("context not found: %s", memoryID))
	}
	return nil
}

// GetInfluenceContext computes the effective context for a node: the
// ancestor chain is walked root-first and each node's influence rules are
// folded onto the payload in order. Descendant rules run after ancestor
// rules, so the root establishes the baseline and closer nodes refine it.
// Inactive ancestors are skipped.
func (s *Store) GetInfluenceContext(ctx context.Context, userID, memoryID string) (map[string]any, error) {
	node, err := s.GetContext(ctx, userID, memoryID)
	if err != nil {
		return nil, err
	}

	chain := []*ContextRecord{node}
	seen := map[string]bool{node.MemoryID: true}
	for current := node; current.ParentID != ""; {
		if seen[current.ParentID] {
			return nil, types.NewError(types.ErrCycleDetected,
				fmt.Sprintf("context cycle at %s", current.ParentID))
		}
		parent, err := s.GetContext(ctx, userID, current.ParentID)
		if err != nil {
			return nil, err
		}
		seen[parent.MemoryID] = true
		chain = append(chain, parent)
		current = parent
	}

	effective := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		if !chain[i].IsActive {
			continue
		}
		rules, err := chain[i].Rules()
		if err != nil {
			return nil, err
		}
		applyInfluenceRules(effective, rules)
	}
	return effective, nil
}

// applyInfluenceRules folds one node's rules onto the payload.
func applyInfluenceRules(payload map[string]any, rules []types.InfluenceRule) {
	for _, rule := range rules {
		switch rule.Kind {
		case types.RuleOverride:
			payload[rule.Key] = rule.Value
		case types.RuleAdd:
			if _, exists := payload[rule.Key]; !exists {
				payload[rule.Key] = rule.Value
			}
		case types.RuleModify:
			existing, exists := payload[rule.Key]
			if !exists {
				continue
			}
			payload[rule.Key] = applyModify(existing, rule)
		}
	}
}

func applyModify(existing any, rule types.InfluenceRule) any {
	switch rule.Operation {
	case types.InfluenceOpSet:
		return rule.Value
	case types.InfluenceOpMultiply:
		base, okBase := toFloat(existing)
		factor, okFactor := toFloat(rule.Value)
		if okBase && okFactor {
			return base * factor
		}
	case types.InfluenceOpAdd:
		if base, okBase := toFloat(existing); okBase {
			if delta, okDelta := toFloat(rule.Value); okDelta {
				return base + delta
			}
		}
		if str, ok := existing.(string); ok {
			return str + fmt.Sprint(rule.Value)
		}
	}
	return existing
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
