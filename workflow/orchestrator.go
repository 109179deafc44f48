package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cortexstack/memflow/internal/metrics"
	"github.com/cortexstack/memflow/llm"
	"github.com/cortexstack/memflow/memory"
	"github.com/cortexstack/memflow/tool"
	"github.com/cortexstack/memflow/types"
)

// Config bounds the orchestrator's behavior.
type Config struct {
	// MaxRetries is the attempt cap per step.
	MaxRetries int `yaml:"max_retries"`
	// MaxReplans caps mid-run replanning per execution.
	MaxReplans int `yaml:"max_replans"`
	// MaxConcurrent bounds simultaneously running executions.
	MaxConcurrent int64 `yaml:"max_concurrent"`
	// MaxPlanSteps bounds plan length.
	MaxPlanSteps int `yaml:"max_plan_steps"`
	// MemoryDigestRunes caps the planner's memory-context digest.
	MemoryDigestRunes int `yaml:"memory_digest_runes"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		MaxReplans:        1,
		MaxConcurrent:     8,
		MaxPlanSteps:      15,
		MemoryDigestRunes: 4000,
	}
}

// Orchestrator drives the execution state machine: plan, execute each step
// with validation and retries, replan once on persistent failure, pause for
// user feedback when a step asks for it, and fold finished runs into
// long-term memory.
type Orchestrator struct {
	planner     *Planner
	executor    *StepExecutor
	validator   *Validator
	learner     *ProceduralLearner
	retriever   *MemoryRetriever
	definitions *DefinitionStore
	executions  *ExecutionStore
	memories    *memory.Store
	audit       *AuditLog
	collector   *metrics.Collector
	logger      *zap.Logger
	sem         *semaphore.Weighted
	config      Config

	mu        sync.Mutex
	cancelled map[string]bool
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Provider    llm.Provider
	Model       string
	Registry    tool.Registry
	Definitions *DefinitionStore
	Executions  *ExecutionStore
	Memories    *memory.Store
	Audit       *AuditLog
	Collector   *metrics.Collector
	Logger      *zap.Logger
}

// NewOrchestrator wires an orchestrator from its dependencies.
func NewOrchestrator(deps Deps, config Config) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.MaxReplans < 0 {
		config.MaxReplans = 0
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 8
	}

	return &Orchestrator{
		planner:     NewPlanner(deps.Provider, deps.Model, config.MaxPlanSteps, logger),
		executor:    NewStepExecutor(deps.Provider, deps.Registry, deps.Model, logger),
		validator:   NewValidator(deps.Provider, deps.Model, logger),
		learner:     NewProceduralLearner(deps.Provider, deps.Model, deps.Memories, logger),
		retriever:   NewMemoryRetriever(deps.Memories, config.MemoryDigestRunes, logger),
		definitions: deps.Definitions,
		executions:  deps.Executions,
		memories:    deps.Memories,
		audit:       deps.Audit,
		collector:   deps.Collector,
		logger:      logger.With(zap.String("component", "orchestrator")),
		sem:         semaphore.NewWeighted(config.MaxConcurrent),
		config:      config,
		cancelled:   make(map[string]bool),
	}
}

// ExecuteOptions carries the optional fields of ExecuteWorkflow.
type ExecuteOptions struct {
	// AgentID tags the run's checkpoints.
	AgentID string
	// ThreadID enables per-step checkpointing when set.
	ThreadID string
}

// ExecuteWorkflow runs one execution of the workflow to a stopping point:
// a terminal status, or PENDING when a step pauses for user feedback. The
// returned execution is the stored snapshot at that point.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, userID, workflowID string, opts ExecuteOptions) (*Execution, error) {
	def, err := o.definitions.Get(ctx, userID, workflowID)
	if err != nil {
		return nil, err
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("execution slot unavailable: %w", err)
	}
	defer o.sem.Release(1)

	exec := &Execution{
		ExecutionID:   uuid.NewString(),
		WorkflowID:    def.ID,
		UserID:        userID,
		AgentID:       opts.AgentID,
		ThreadID:      opts.ThreadID,
		Status:        StatusRunning,
		StartTime:     time.Now(),
		WorkingMemory: NewWorkingMemory(),
	}
	exec.Progress("execution started")
	o.auditEvent(exec, "execution_started", 0, def.Name)

	if err := o.plan(ctx, def, exec); err != nil {
		return o.finalize(ctx, def, exec, StatusFailed, err.Error()), nil
	}

	if err := o.executions.Save(ctx, exec); err != nil {
		return nil, err
	}

	return o.run(ctx, def, exec), nil
}

// plan builds the initial plan, degrading to the line-based fallback when
// the model's output cannot be parsed.
func (o *Orchestrator) plan(ctx context.Context, def *Definition, exec *Execution) error {
	digest := o.retriever.Digest(ctx, exec.UserID, def.Goal)
	if procedure := o.retriever.ProcedureContext(ctx, exec.UserID, def.ProceduralMemoryID); procedure != "" {
		if digest != "" {
			digest += "\n\n"
		}
		digest += procedure
	}

	steps, err := o.planner.Plan(ctx, def.Instructions, def.RequiredTools, digest)
	if err != nil {
		if types.GetErrorCode(err) == types.ErrPlanParse {
			o.logger.Warn("plan parse failed, using fallback plan",
				zap.String("execution_id", exec.ExecutionID), zap.Error(err))
			steps = FallbackPlan(def.Instructions)
		} else {
			return err
		}
	}
	if len(steps) == 0 {
		return types.NewError(types.ErrPlanParse, "no executable steps could be planned")
	}

	exec.Plan = steps
	exec.TotalSteps = len(steps)
	exec.Progress(fmt.Sprintf("planned %d steps", len(steps)))
	return nil
}

// run executes steps from exec.CurrentStep until the plan is exhausted, a
// feedback pause, or cancellation. It is also the resume path.
func (o *Orchestrator) run(ctx context.Context, def *Definition, exec *Execution) *Execution {
	for exec.CurrentStep < len(exec.Plan) {
		if o.isCancelled(exec.ExecutionID) {
			return o.finalize(ctx, def, exec, StatusCancelled, "cancelled by user")
		}

		i := exec.CurrentStep
		step := exec.Plan[i]

		if step.RequiresFeedback {
			return o.pauseForFeedback(ctx, exec, i, step)
		}

		result, replanned := o.runStep(ctx, def, exec, i)
		if replanned {
			// The plan tail was replaced; re-run the same index against it.
			o.persist(ctx, exec)
			continue
		}

		exec.Results = append(exec.Results, result)
		if result.Status == "success" {
			exec.Progress(fmt.Sprintf("step %d/%d done: %s", i+1, len(exec.Plan), result.Summary))
		} else {
			exec.Progress(fmt.Sprintf("step %d/%d failed: %s", i+1, len(exec.Plan), result.Error))
			exec.Errors = append(exec.Errors, fmt.Sprintf("step %d: %s", i+1, result.Error))
		}
		o.auditEvent(exec, "step_"+result.Status, i, result.Summary)

		exec.CurrentStep++
		o.persist(ctx, exec)
	}

	// Failed steps do not fail the run: the workflow completed with partial
	// results, and the per-step record says which parts need attention.
	return o.finalize(ctx, def, exec, StatusCompleted, "")
}

// runStep runs one step through the attempt loop. The second return is true
// when the plan was replanned and the caller must re-run the same index.
func (o *Orchestrator) runStep(ctx context.Context, def *Definition, exec *Execution, i int) (StepResult, bool) {
	step := exec.Plan[i]
	wm := &exec.WorkingMemory

	result := StepResult{StepNumber: i, Status: "failed"}

	instruction, err := RenderInstruction(step, *wm, wm.Suggestions[i])
	if err != nil {
		// Pre-check failure: the step never ran, but the run continues so
		// independent later steps still get their chance.
		result.Error = err.Error()
		result.Summary = "step skipped: " + err.Error()
		wm.Summaries = append(wm.Summaries, result.Summary)
		return result, false
	}

	prior := o.priorContext(wm)
	sel := tool.ParseSelection(step.Tool)

	for attempt := 1; attempt <= o.config.MaxRetries; attempt++ {
		result.Attempts = attempt
		raw, execErr := o.executor.Execute(ctx, instruction, sel, def.RequiredTools, prior)

		var verdict ValidationResult
		if execErr != nil {
			verdict = ValidationResult{
				Success: false,
				Retry:   true,
				Summary: fmt.Sprintf("execution error: %v", execErr),
			}
		} else {
			verdict = o.validator.Validate(ctx, ValidationInput{
				Instruction:     instruction,
				SuccessCriteria: step.SuccessCriteria,
				RawResult:       raw,
				Extract:         step.Extract,
				Attempt:         attempt,
			})
		}

		// Extracted variables are kept even on failure: partial progress is
		// progress.
		for name, value := range verdict.Extracted {
			wm.Vars[name] = value
		}
		result.RawResult = raw
		result.Summary = verdict.Summary

		if verdict.Success {
			o.collector.RecordStepAttempt("success")
			result.Status = "success"
			result.Error = ""
			wm.Summaries = append(wm.Summaries, verdict.Summary)
			delete(wm.Suggestions, i)
			return result, false
		}

		o.collector.RecordStepAttempt("failed")
		result.Error = verdict.Summary
		if verdict.Suggestion != "" {
			wm.Suggestions[i] = verdict.Suggestion
			instruction, err = RenderInstruction(step, *wm, verdict.Suggestion)
			if err != nil {
				break
			}
		}

		if !verdict.Retry {
			// The validator judged further attempts pointless; that verdict
			// outranks replanning.
			break
		}

		if attempt == 2 && exec.ReplanCount < o.config.MaxReplans {
			if o.tryReplan(ctx, def, exec, i, verdict.Summary) {
				// The failure that forced the replan stays in the narrative.
				wm.Summaries = append(wm.Summaries, verdict.Summary)
				delete(wm.Suggestions, i)
				return StepResult{}, true
			}
		}
		if attempt < o.config.MaxRetries {
			o.collector.RecordRetry()
		}
	}

	wm.Summaries = append(wm.Summaries, result.Summary)
	return result, false
}

// tryReplan replaces the unexecuted tail of the plan, preserving every
// completed step. Returns false when replanning itself fails; the attempt
// loop then continues on the old plan.
func (o *Orchestrator) tryReplan(ctx context.Context, def *Definition, exec *Execution, i int, reason string) bool {
	tail, err := o.planner.Replan(ctx, ReplanInput{
		Instructions:       def.Instructions,
		CompletedSummaries: exec.WorkingMemory.Summaries,
		RemainingSteps:     exec.Plan[i:],
		FailedStep:         exec.Plan[i],
		FailureReason:      reason,
	})
	if err != nil {
		o.logger.Warn("replan failed",
			zap.String("execution_id", exec.ExecutionID), zap.Error(err))
		return false
	}

	exec.Plan = append(exec.Plan[:i:i], tail...)
	exec.TotalSteps = len(exec.Plan)
	exec.ReplanCount++
	exec.Progress(fmt.Sprintf("replanned at step %d: %d steps remain", i+1, len(tail)))
	o.collector.RecordReplan()
	o.auditEvent(exec, "replanned", i, reason)
	return true
}

// pauseForFeedback parks the execution in PENDING until ResumeWithFeedback.
func (o *Orchestrator) pauseForFeedback(ctx context.Context, exec *Execution, i int, step PlanStep) *Execution {
	question := step.Question
	if question == "" {
		question = "Please review progress and confirm how to proceed."
	}

	exec.Status = StatusPending
	exec.FeedbackStatus = "awaiting"
	exec.AwaitingFeedback = &FeedbackRequest{StepNumber: i, Question: question}
	exec.Progress(fmt.Sprintf("paused at step %d for feedback: %s", i+1, question))

	o.collector.RecordFeedbackPause()
	o.auditEvent(exec, "feedback_pause", i, question)
	o.persist(ctx, exec)
	return exec
}

// ResumeWithFeedback resumes a paused execution. The feedback is bound to
// the {user_feedback} working-memory variable and the paused step runs next.
func (o *Orchestrator) ResumeWithFeedback(ctx context.Context, userID, executionID, feedback string) (*Execution, error) {
	exec, err := o.getOwned(ctx, userID, executionID)
	if err != nil {
		return nil, err
	}
	if exec.AwaitingFeedback == nil || exec.Status != StatusPending {
		return nil, types.NewError(types.ErrNotAwaiting,
			fmt.Sprintf("execution %s is not awaiting feedback", executionID))
	}

	def, err := o.definitions.Get(ctx, userID, exec.WorkflowID)
	if err != nil {
		return nil, err
	}

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("execution slot unavailable: %w", err)
	}
	defer o.sem.Release(1)

	step := exec.AwaitingFeedback.StepNumber
	exec.UserFeedback = feedback
	exec.FeedbackStatus = "provided"
	exec.AwaitingFeedback = nil
	exec.Status = StatusRunning
	exec.WorkingMemory.Vars["user_feedback"] = feedback
	// Clear the gate so the resumed loop does not immediately re-pause.
	exec.Plan[step].RequiresFeedback = false
	exec.Progress(fmt.Sprintf("resumed at step %d with user feedback", step+1))

	o.auditEvent(exec, "feedback_resumed", step, "")
	o.persist(ctx, exec)
	return o.run(ctx, def, exec), nil
}

// GetExecution returns an execution, enforcing ownership.
func (o *Orchestrator) GetExecution(ctx context.Context, userID, executionID string) (*Execution, error) {
	return o.getOwned(ctx, userID, executionID)
}

// ListActiveExecutions returns a user's pending and running executions.
func (o *Orchestrator) ListActiveExecutions(ctx context.Context, userID string) ([]*Execution, error) {
	return o.executions.ListActive(ctx, userID)
}

// CancelExecution requests cancellation. A running execution stops at the
// next step boundary; a paused one is finalized immediately.
func (o *Orchestrator) CancelExecution(ctx context.Context, userID, executionID string) (*Execution, error) {
	exec, err := o.getOwned(ctx, userID, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("execution %s already finished with status %s", executionID, exec.Status))
	}

	o.mu.Lock()
	o.cancelled[executionID] = true
	o.mu.Unlock()

	if exec.Status == StatusPending {
		// Nothing is running the loop for a paused execution; finish it here.
		def, err := o.definitions.Get(ctx, userID, exec.WorkflowID)
		if err != nil {
			return nil, err
		}
		return o.finalize(ctx, def, exec, StatusCancelled, "cancelled while awaiting feedback"), nil
	}
	return exec, nil
}

func (o *Orchestrator) getOwned(ctx context.Context, userID, executionID string) (*Execution, error) {
	exec, err := o.executions.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.UserID != userID {
		return nil, types.NewError(types.ErrOwnershipMismatch,
			fmt.Sprintf("execution %s is not owned by user %s", executionID, userID))
	}
	return exec, nil
}

// finalize stamps the terminal status, persists, records metrics, and feeds
// the run into long-term memory.
func (o *Orchestrator) finalize(ctx context.Context, def *Definition, exec *Execution, status Status, reason string) *Execution {
	now := time.Now()
	exec.Status = status
	exec.EndTime = &now
	if reason != "" {
		exec.Errors = append(exec.Errors, reason)
	}
	switch status {
	case StatusCompleted:
		exec.Progress("workflow_completed")
	case StatusFailed:
		exec.Progress("workflow_failed: " + reason)
	case StatusCancelled:
		exec.Progress("workflow_cancelled")
	}

	o.mu.Lock()
	delete(o.cancelled, exec.ExecutionID)
	o.mu.Unlock()

	o.collector.RecordExecution(string(status), now.Sub(exec.StartTime))
	o.auditEvent(exec, "execution_"+string(status), exec.CurrentStep, reason)
	o.persist(ctx, exec)

	if def != nil && len(exec.Plan) > 0 {
		o.learner.RecordRun(ctx, def, exec)
	}

	o.logger.Info("execution finished",
		zap.String("execution_id", exec.ExecutionID),
		zap.String("workflow_id", exec.WorkflowID),
		zap.String("status", string(status)),
		zap.Int("steps", len(exec.Results)),
		zap.Int("replans", exec.ReplanCount),
	)
	return exec
}

// persist saves the execution and, when the run has a thread, checkpoints
// the working state. Persistence failures are logged, not fatal: the
// in-memory run keeps going and the next boundary retries.
func (o *Orchestrator) persist(ctx context.Context, exec *Execution) {
	if err := o.executions.Save(ctx, exec); err != nil {
		o.logger.Error("failed to persist execution",
			zap.String("execution_id", exec.ExecutionID), zap.Error(err))
	}

	if exec.ThreadID == "" || o.memories == nil {
		return
	}
	state := map[string]any{
		"execution_id": exec.ExecutionID,
		"workflow_id":  exec.WorkflowID,
		"status":       string(exec.Status),
		"current_step": exec.CurrentStep,
		"total_steps":  exec.TotalSteps,
		"vars":         exec.WorkingMemory.Vars,
		"summaries":    exec.WorkingMemory.Summaries,
	}
	_, err := o.memories.SaveCheckpoint(ctx, exec.ThreadID, exec.UserID, exec.AgentID,
		state, memory.CheckpointOptions{})
	if err != nil {
		o.logger.Warn("failed to checkpoint execution state",
			zap.String("thread_id", exec.ThreadID), zap.Error(err))
	}
}

// priorContext renders accumulated step summaries as conversation context
// for the executor.
func (o *Orchestrator) priorContext(wm *WorkingMemory) []llm.Message {
	if len(wm.Summaries) == 0 {
		return nil
	}
	return []llm.Message{{
		Role:    llm.RoleUser,
		Content: "Progress so far:\n" + formatSummaries(wm.Summaries),
	}}
}

func (o *Orchestrator) isCancelled(executionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled[executionID]
}

func (o *Orchestrator) auditEvent(exec *Execution, event string, step int, detail string) {
	o.audit.Record(AuditEvent{
		ExecutionID: exec.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		UserID:      exec.UserID,
		Event:       event,
		StepNumber:  step,
		Detail:      detail,
	})
}
