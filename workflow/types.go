// Package workflow implements the memory-augmented workflow execution
// engine: planning, step execution, validation/reflection, retry and
// replanning, feedback pauses, and procedural-memory learning.
package workflow

import (
	"time"
)

// Status is the execution state machine:
// PENDING -> RUNNING -> {COMPLETED | FAILED | CANCELLED}, with
// RUNNING -> PENDING (awaiting feedback) -> RUNNING on resume.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Definition is a user-authored workflow: a free-text goal plus
// instructions the planner decomposes into steps.
type Definition struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Name          string         `json:"name"`
	Goal          string         `json:"goal"`
	Instructions  string         `json:"instructions"`
	Notes         string         `json:"notes,omitempty"`
	RequiredTools []string       `json:"required_tools,omitempty"`
	TriggerType   string         `json:"trigger_type,omitempty"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty"`
	// ProceduralMemoryID links a long-term procedure memory that each run
	// reads for context and rewrites with lessons learned.
	ProceduralMemoryID string    `json:"procedural_memory_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// PlanStep is one planned unit of work. An empty or "auto" Tool lets the
// model choose among the workflow's allowed tools.
type PlanStep struct {
	Tool             string   `json:"tool,omitempty"`
	Instruction      string   `json:"instruction"`
	SuccessCriteria  string   `json:"success_criteria,omitempty"`
	ErrorHandling    string   `json:"error_handling,omitempty"`
	Extract          []string `json:"extract,omitempty"`
	Inputs           []string `json:"inputs,omitempty"`
	RequiresFeedback bool     `json:"requires_feedback,omitempty"`
	Question         string   `json:"question,omitempty"`
}

// StepResult is the recorded outcome of one plan step.
type StepResult struct {
	StepNumber int    `json:"step_number"`
	Status     string `json:"status"` // success|failed
	Attempts   int    `json:"attempts"`
	Summary    string `json:"summary,omitempty"`
	RawResult  string `json:"raw_result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// WorkingMemory is the orchestrator's per-execution scratch state, distinct
// from the durable memory tiers: accumulated step summaries, named variable
// bindings, and per-step retry suggestions.
type WorkingMemory struct {
	Summaries   []string       `json:"summaries"`
	Vars        map[string]string `json:"vars"`
	Suggestions map[int]string `json:"suggestions,omitempty"`
}

// NewWorkingMemory returns empty, non-nil working memory.
func NewWorkingMemory() WorkingMemory {
	return WorkingMemory{
		Vars:        make(map[string]string),
		Suggestions: make(map[int]string),
	}
}

// FeedbackRequest describes why an execution paused.
type FeedbackRequest struct {
	StepNumber int    `json:"step_number"`
	Question   string `json:"question"`
}

// Execution is one run of a workflow definition.
type Execution struct {
	ExecutionID   string        `json:"execution_id"`
	WorkflowID    string        `json:"workflow_id"`
	UserID        string        `json:"user_id"`
	AgentID       string        `json:"agent_id,omitempty"`
	ThreadID      string        `json:"thread_id,omitempty"`
	Status        Status        `json:"status"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       *time.Time    `json:"end_time,omitempty"`
	CurrentStep   int           `json:"current_step"`
	TotalSteps    int           `json:"total_steps"`
	Plan          []PlanStep    `json:"plan"`
	Results       []StepResult  `json:"results"`
	Errors        []string      `json:"errors,omitempty"`
	ProgressSteps []string      `json:"progress_steps"`
	WorkingMemory WorkingMemory `json:"working_memory"`
	ReplanCount   int           `json:"replan_count"`

	UserFeedback     string           `json:"user_feedback,omitempty"`
	FeedbackStatus   string           `json:"feedback_status,omitempty"`
	AwaitingFeedback *FeedbackRequest `json:"awaiting_feedback,omitempty"`
}

// Progress appends a human-readable progress entry.
func (e *Execution) Progress(entry string) {
	e.ProgressSteps = append(e.ProgressSteps, entry)
}
