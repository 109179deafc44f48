package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cortexstack/memflow/types"
)

// MergeType selects the content strategy for a merge.
type MergeType string

const (
	MergeEpisodic  MergeType = "episodic"
	MergeProcedural MergeType = "procedural"
	MergeSemantic  MergeType = "semantic"
)

// mergeImportanceBoost is applied to the mean importance of merged inputs.
const mergeImportanceBoost = 1.2

// improveImportanceBoost is applied by ImproveMemory.
const improveImportanceBoost = 1.1

// FindMergeableMemories groups redundant memories in a namespace. Up to
// CandidateLimit most-important memories are compared pairwise by token
// overlap; any set whose similarity to a group representative exceeds the
// threshold forms a group. Only groups of two or more are returned.
func (s *Store) FindMergeableMemories(ctx context.Context, userID, namespace string, threshold float64) ([][]string, error) {
	if threshold <= 0 {
		threshold = s.config.MergeThreshold
	}

	var records []*MemoryRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND namespace = ?", userID, namespace).
		Order("importance_score DESC, last_accessed DESC").
		Limit(s.config.CandidateLimit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load memories for merge scan: %w", err)
	}

	assigned := make(map[string]bool)
	var groups [][]string
	for i, representative := range records {
		if assigned[representative.MemoryID] {
			continue
		}
		repTokens := tokenize(representative.SearchText)
		group := []string{representative.MemoryID}
		for _, candidate := range records[i+1:] {
			if assigned[candidate.MemoryID] {
				continue
			}
			if overlapRatio(repTokens, tokenize(candidate.SearchText)) >= threshold {
				group = append(group, candidate.MemoryID)
				assigned[candidate.MemoryID] = true
			}
		}
		if len(group) > 1 {
			assigned[representative.MemoryID] = true
			groups = append(groups, group)
		}
	}
	return groups, nil
}

// MergeMemories consolidates the given memories into one new record in the
// merged namespace. The new importance is the mean of the inputs boosted by
// 1.2x. The originals are tagged with a merged_into back-reference instead
// of being deleted, preserving the audit trail. A single input is returned
// unchanged.
func (s *Store) MergeMemories(ctx context.Context, userID string, memoryIDs []string, mergeType MergeType) (*MemoryRecord, error) {
	if len(memoryIDs) == 0 {
		return nil, types.NewError(types.ErrInvalidArgument, "no memories to merge")
	}

	var records []*MemoryRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND memory_id IN ?", userID, memoryIDs).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load memories for merge: %w", err)
	}
	if len(records) < len(memoryIDs) {
		return nil, types.NewError(types.ErrNotFound, "one or more memories not found")
	}
	if len(records) == 1 {
		return records[0], nil
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].MemoryID < records[j].MemoryID })

	envelopes := make([]*types.Envelope, len(records))
	var importanceSum float64
	for i, record := range records {
		env, err := record.Envelope()
		if err != nil {
			return nil, err
		}
		envelopes[i] = env
		importanceSum += record.ImportanceScore
	}

	merged, err := buildMergedEnvelope(mergeType, records, envelopes)
	if err != nil {
		return nil, err
	}

	score := importanceSum / float64(len(records)) * mergeImportanceBoost
	result, err := s.StoreMemory(ctx, userID, types.NamespaceMerged, merged, StoreMemoryOptions{
		ImportanceScore: score,
	})
	if err != nil {
		return nil, err
	}

	// Tag originals with the back-reference. Payload rewrites go through the
	// envelope so memory_data and search_text stay consistent.
	for i, record := range records {
		envelopes[i].MergedInto = result.MemoryID
		if _, err := s.StoreMemory(ctx, userID, record.Namespace, envelopes[i], StoreMemoryOptions{
			MemoryID:        record.MemoryID,
			ImportanceScore: record.ImportanceScore,
		}); err != nil {
			return nil, fmt.Errorf("failed to tag merged memory %s: %w", record.MemoryID, err)
		}
	}

	s.collector.RecordMemoryOp("merge_memories")
	s.logger.Info("memories merged",
		zap.String("user_id", userID),
		zap.Int("inputs", len(records)),
		zap.String("merged_id", result.MemoryID),
		zap.String("merge_type", string(mergeType)),
	)
	return result, nil
}

func buildMergedEnvelope(mergeType MergeType, records []*MemoryRecord, envelopes []*types.Envelope) (*types.Envelope, error) {
	switch mergeType {
	case MergeEpisodic:
		return mergeEpisodes(envelopes), nil
	case MergeProcedural:
		return mergeProcedures(envelopes), nil
	case MergeSemantic:
		return mergeFacts(envelopes), nil
	default:
		return nil, types.NewError(types.ErrInvalidArgument,
			fmt.Sprintf("unknown merge type: %s", mergeType))
	}
}

// mergeEpisodes extracts common vs. unique details and the covered time
// span.
func mergeEpisodes(envelopes []*types.Envelope) *types.Envelope {
	details := make(map[string]int)
	var spanStart, spanEnd time.Time
	var contexts, actions, results []string

	for _, env := range envelopes {
		ep := env.Episode
		if ep == nil {
			continue
		}
		contexts = append(contexts, ep.Context)
		actions = append(actions, ep.Action)
		results = append(results, ep.Result)
		for _, detail := range []string{ep.Context, ep.Action, ep.Result} {
			if detail != "" {
				details[detail]++
			}
		}
		if !ep.Timestamp.IsZero() {
			if spanStart.IsZero() || ep.Timestamp.Before(spanStart) {
				spanStart = ep.Timestamp
			}
			if ep.Timestamp.After(spanEnd) {
				spanEnd = ep.Timestamp
			}
		}
	}

	var common, unique []string
	for detail, count := range details {
		if count == len(envelopes) {
			common = append(common, detail)
		} else {
			unique = append(unique, detail)
		}
	}
	sort.Strings(common)
	sort.Strings(unique)

	merged := &types.EpisodePayload{
		Context:       strings.Join(dedupe(contexts), "; "),
		Action:        strings.Join(dedupe(actions), "; "),
		Result:        strings.Join(dedupe(results), "; "),
		CommonDetails: common,
		UniqueDetails: unique,
	}
	if !spanStart.IsZero() {
		merged.SpanStart = &spanStart
		merged.SpanEnd = &spanEnd
	}
	return &types.Envelope{Type: types.MemoryMergedEpisode, Episode: merged}
}

// mergeProcedures deduplicates steps by (action, target) and averages the
// success rate.
func mergeProcedures(envelopes []*types.Envelope) *types.Envelope {
	seen := make(map[string]bool)
	var steps []types.ProcedureStep
	var names, lessons []string
	var rateSum float64
	var rateCount, executions int

	for _, env := range envelopes {
		proc := env.Procedure
		if proc == nil {
			continue
		}
		names = append(names, proc.Name)
		lessons = append(lessons, proc.Lessons...)
		executions += proc.Executions
		if proc.SuccessRate > 0 {
			rateSum += proc.SuccessRate
			rateCount++
		}
		for _, step := range proc.Steps {
			key := step.Action + "\x00" + step.Target
			if seen[key] {
				continue
			}
			seen[key] = true
			steps = append(steps, step)
		}
	}

	merged := &types.ProcedurePayload{
		Name:       strings.Join(dedupe(names), " + "),
		Steps:      steps,
		Lessons:    dedupe(lessons),
		Executions: executions,
	}
	if rateCount > 0 {
		merged.SuccessRate = rateSum / float64(rateCount)
	}
	return &types.Envelope{Type: types.MemoryMergedProcedure, Procedure: merged}
}

// mergeFacts concatenates statements and combines confidence.
func mergeFacts(envelopes []*types.Envelope) *types.Envelope {
	var statements []string
	var confidenceSum float64
	var confidenceCount int
	var subject string

	for _, env := range envelopes {
		fact := env.Fact
		if fact == nil {
			continue
		}
		statements = append(statements, fact.Statement)
		if subject == "" {
			subject = fact.Subject
		}
		if fact.Confidence > 0 {
			confidenceSum += fact.Confidence
			confidenceCount++
		}
	}

	merged := &types.FactPayload{
		Statement: strings.Join(dedupe(statements), ". "),
		Subject:   subject,
	}
	if confidenceCount > 0 {
		merged.Confidence = confidenceSum / float64(confidenceCount)
	}
	return &types.Envelope{Type: types.MemoryMergedSemantic, Fact: merged}
}

// ImprovementType selects the enrichment applied by ImproveMemory.
type ImprovementType string

const (
	// ImproveProceduralValidation inserts a validation step after every
	// mutating action and a final completion check.
	ImproveProceduralValidation ImprovementType = "procedural_validation"
)

// mutatingActions is the set of procedure verbs treated as state-changing.
var mutatingActions = map[string]bool{
	"create": true, "update": true, "delete": true, "send": true,
	"write": true, "move": true, "submit": true, "modify": true,
}

// ImproveMemory non-destructively enriches a memory's payload and boosts its
// importance by 1.1x.
func (s *Store) ImproveMemory(ctx context.Context, userID, memoryID string, improvementType ImprovementType) (*MemoryRecord, error) {
	var record MemoryRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND memory_id = ?", userID, memoryID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrNotFound,
			fmt.Sprintf("memory not found: %s", memoryID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load memory: %w", err)
	}

	env, err := record.Envelope()
	if err != nil {
		return nil, err
	}

	switch improvementType {
	case ImproveProceduralValidation:
		if env.Procedure == nil {
			return nil, types.NewError(types.ErrInvalidArgument,
				"procedural improvement requires a procedure payload")
		}
		env.Procedure.Steps = insertValidationSteps(env.Procedure.Steps)
	default:
		return nil, types.NewError(types.ErrInvalidArgument,
			fmt.Sprintf("unknown improvement type: %s", improvementType))
	}

	improved, err := s.StoreMemory(ctx, userID, record.Namespace, env, StoreMemoryOptions{
		MemoryID:        record.MemoryID,
		ImportanceScore: record.ImportanceScore * improveImportanceBoost,
	})
	if err != nil {
		return nil, err
	}

	s.collector.RecordMemoryOp("improve_memory")
	return improved, nil
}

func insertValidationSteps(steps []types.ProcedureStep) []types.ProcedureStep {
	enriched := make([]types.ProcedureStep, 0, len(steps)*2+1)
	for _, step := range steps {
		enriched = append(enriched, step)
		if mutatingActions[strings.ToLower(step.Action)] {
			enriched = append(enriched, types.ProcedureStep{
				Action: "verify",
				Target: step.Target,
				Detail: fmt.Sprintf("confirm %q took effect", step.Action),
			})
		}
	}
	return append(enriched, types.ProcedureStep{
		Action: "verify",
		Detail: "confirm overall completion",
	})
}

// Conflict pairs two memories that disagree: same type and action, but a
// different result.
type Conflict struct {
	A *MemoryRecord `json:"a"`
	B *MemoryRecord `json:"b"`
}

// DetectConflicts scans a namespace for contradictory episode memories.
func (s *Store) DetectConflicts(ctx context.Context, userID, namespace string) ([]Conflict, error) {
	var records []*MemoryRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND namespace = ?", userID, namespace).
		Order("importance_score DESC").
		Limit(s.config.CandidateLimit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load memories for conflict scan: %w", err)
	}

	type parsed struct {
		record *MemoryRecord
		env    *types.Envelope
	}
	var episodes []parsed
	for _, record := range records {
		env, err := record.Envelope()
		if err != nil || env.Episode == nil {
			continue
		}
		episodes = append(episodes, parsed{record: record, env: env})
	}

	var conflicts []Conflict
	for i := range episodes {
		for j := i + 1; j < len(episodes); j++ {
			a, b := episodes[i], episodes[j]
			if a.env.Type == b.env.Type &&
				a.env.Episode.Action == b.env.Episode.Action &&
				a.env.Episode.Result != b.env.Episode.Result {
				conflicts = append(conflicts, Conflict{A: a.record, B: b.record})
			}
		}
	}
	return conflicts, nil
}

// ResolveConflict picks the winner of a conflict: higher importance wins,
// ties broken deterministically by the lower memory_id.
func ResolveConflict(conflict Conflict) *MemoryRecord {
	if conflict.A.ImportanceScore != conflict.B.ImportanceScore {
		if conflict.A.ImportanceScore > conflict.B.ImportanceScore {
			return conflict.A
		}
		return conflict.B
	}
	if conflict.A.MemoryID < conflict.B.MemoryID {
		return conflict.A
	}
	return conflict.B
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
