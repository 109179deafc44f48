package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cortexstack/memflow/llm"
	"github.com/cortexstack/memflow/memory"
	"github.com/cortexstack/memflow/types"
)

// ProceduralLearner turns finished runs into long-term memory: it rewrites
// the workflow's procedure record with updated steps, success rate, and
// lessons, and stores an episodic record of the run itself. Learning happens
// after every terminal run, successful or not.
type ProceduralLearner struct {
	provider llm.Provider
	model    string
	store    *memory.Store
	logger   *zap.Logger
}

// NewProceduralLearner creates a learner. provider may be nil; lessons then
// come from the deterministic fallback only.
func NewProceduralLearner(provider llm.Provider, model string, store *memory.Store, logger *zap.Logger) *ProceduralLearner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProceduralLearner{
		provider: provider,
		model:    model,
		store:    store,
		logger:   logger.With(zap.String("component", "procedural_learner")),
	}
}

// maxLessons bounds the lesson list carried by a procedure memory.
const maxLessons = 10

// RecordRun updates the workflow's procedural memory from a terminal
// execution and stores an episodic memory of the run. Both writes are
// best-effort: learning failures never change the run's outcome.
func (l *ProceduralLearner) RecordRun(ctx context.Context, def *Definition, exec *Execution) {
	if l == nil || l.store == nil {
		return
	}

	memoryID := def.ProceduralMemoryID
	if memoryID == "" {
		memoryID = "procedure-" + def.ID
	}

	procedure := l.loadOrInitProcedure(ctx, exec.UserID, memoryID, def)
	l.fold(ctx, procedure, exec)

	env := &types.Envelope{Type: types.MemoryProcedure, Procedure: procedure}
	_, err := l.store.StoreMemory(ctx, exec.UserID, types.NamespaceProcedures, env,
		memory.StoreMemoryOptions{MemoryID: memoryID})
	if err != nil {
		l.logger.Warn("failed to update procedural memory",
			zap.String("memory_id", memoryID), zap.Error(err))
	}

	l.recordEpisode(ctx, def, exec)
}

func (l *ProceduralLearner) loadOrInitProcedure(ctx context.Context, userID, memoryID string, def *Definition) *types.ProcedurePayload {
	record, err := l.store.GetMemory(ctx, userID, types.NamespaceProcedures, memoryID)
	if err == nil {
		if env, err := record.Envelope(); err == nil && env.Procedure != nil {
			return env.Procedure
		}
	} else if types.GetErrorCode(err) != types.ErrNotFound {
		l.logger.Warn("failed to load procedural memory",
			zap.String("memory_id", memoryID), zap.Error(err))
	}
	return &types.ProcedurePayload{
		Name:        def.Name,
		Description: def.Goal,
	}
}

// fold merges one run into the procedure: plan becomes the current step
// recipe, the success rate is a running average over executions, and new
// lessons are appended.
func (l *ProceduralLearner) fold(ctx context.Context, procedure *types.ProcedurePayload, exec *Execution) {
	steps := make([]types.ProcedureStep, 0, len(exec.Plan))
	for _, step := range exec.Plan {
		steps = append(steps, types.ProcedureStep{
			Action: truncateForPrompt(step.Instruction, 200),
			Target: step.Tool,
		})
	}
	procedure.Steps = steps

	succeeded := 0
	for _, result := range exec.Results {
		if result.Status == "success" {
			succeeded++
		}
	}
	runRate := 0.0
	if len(exec.Results) > 0 {
		runRate = float64(succeeded) / float64(len(exec.Results))
	}
	procedure.SuccessRate = (procedure.SuccessRate*float64(procedure.Executions) + runRate) /
		float64(procedure.Executions+1)
	procedure.Executions++

	for _, lesson := range l.extractLessons(ctx, exec) {
		if !containsString(procedure.Lessons, lesson) {
			procedure.Lessons = append(procedure.Lessons, lesson)
		}
	}
	if len(procedure.Lessons) > maxLessons {
		procedure.Lessons = procedure.Lessons[len(procedure.Lessons)-maxLessons:]
	}
}

// extractLessons asks the LLM for lessons learned; when unavailable or
// unreadable it falls back to deterministic lessons from the failed steps.
func (l *ProceduralLearner) extractLessons(ctx context.Context, exec *Execution) []string {
	if l.provider != nil {
		if lessons := l.lessonsFromLLM(ctx, exec); lessons != nil {
			return lessons
		}
	}
	return deterministicLessons(exec)
}

func (l *ProceduralLearner) lessonsFromLLM(ctx context.Context, exec *Execution) []string {
	var b strings.Builder
	for _, result := range exec.Results {
		fmt.Fprintf(&b, "Step %d [%s, %d attempts]: %s\n",
			result.StepNumber+1, result.Status, result.Attempts, result.Summary)
		if result.Error != "" {
			fmt.Fprintf(&b, "  error: %s\n", result.Error)
		}
	}

	prompt := fmt.Sprintf(`A workflow run just finished. Extract up to 3 short, reusable lessons for future runs. Skip lessons that merely restate the outcome.

Run results:
%s

Output only JSON: {"lessons": ["..."]}`, b.String())

	resp, err := l.provider.Completion(ctx, &llm.ChatRequest{
		Model:       l.model,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: 0.2,
		MaxTokens:   500,
	})
	if err != nil {
		l.logger.Warn("lesson extraction failed", zap.Error(err))
		return nil
	}

	var doc struct {
		Lessons []string `json:"lessons"`
	}
	if err := json.Unmarshal([]byte(extractJSONObject(llm.FirstContent(resp))), &doc); err != nil {
		return nil
	}
	return doc.Lessons
}

func deterministicLessons(exec *Execution) []string {
	var lessons []string
	for _, result := range exec.Results {
		if result.Status != "failed" {
			continue
		}
		detail := result.Error
		if detail == "" {
			detail = result.Summary
		}
		lessons = append(lessons, fmt.Sprintf("step %d failed after %d attempts: %s",
			result.StepNumber+1, result.Attempts, truncateForPrompt(detail, 150)))
	}
	return lessons
}

func (l *ProceduralLearner) recordEpisode(ctx context.Context, def *Definition, exec *Execution) {
	succeeded := 0
	for _, result := range exec.Results {
		if result.Status == "success" {
			succeeded++
		}
	}

	episode := &types.EpisodePayload{
		Context: def.Goal,
		Action:  fmt.Sprintf("executed workflow %q", def.Name),
		Result: fmt.Sprintf("%s: %d/%d steps succeeded, %d replans",
			exec.Status, succeeded, len(exec.Results), exec.ReplanCount),
		Timestamp: exec.StartTime,
	}

	env := &types.Envelope{Type: types.MemoryEpisode, Episode: episode}
	_, err := l.store.StoreMemory(ctx, exec.UserID, types.NamespaceEpisodes, env,
		memory.StoreMemoryOptions{})
	if err != nil {
		l.logger.Warn("failed to store run episode",
			zap.String("execution_id", exec.ExecutionID), zap.Error(err))
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
