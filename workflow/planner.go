package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cortexstack/memflow/llm"
	"github.com/cortexstack/memflow/types"
)

// Planner turns free-text instructions plus retrieved memory context into an
// ordered step list via the LLM capability.
type Planner struct {
	provider llm.Provider
	model    string
	maxSteps int
	logger   *zap.Logger
}

// NewPlanner creates a planner. maxSteps bounds the plan length requested
// from the model.
func NewPlanner(provider llm.Provider, model string, maxSteps int, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxSteps <= 0 {
		maxSteps = 15
	}
	return &Planner{
		provider: provider,
		model:    model,
		maxSteps: maxSteps,
		logger:   logger.With(zap.String("component", "planner")),
	}
}

type planDocument struct {
	Steps []PlanStep `json:"steps"`
}

// Plan produces the initial step list. A response that cannot be parsed
// into the step schema is returned as an ErrPlanParse error; the caller
// falls back to FallbackPlan.
func (p *Planner) Plan(ctx context.Context, instructions string, allowedTools []string, memoryContext string) ([]PlanStep, error) {
	prompt := fmt.Sprintf(`You are a planning agent. Decompose the instructions into an ordered list of executable steps.

Available tools (use "auto" to let the executor choose):
%s

Relevant memory context:
%s

Instructions:
%s

Output only JSON:
{
  "steps": [
    {"tool": "tool_name or auto", "instruction": "what to do",
     "success_criteria": "how to judge success", "error_handling": "what to do on failure",
     "extract": ["variable_names_to_capture"], "inputs": ["variables_consumed"],
     "requires_feedback": false, "question": ""}
  ]
}

Keep the plan focused and achievable (max %d steps).`,
		formatToolList(allowedTools), memoryContext, instructions, p.maxSteps)

	resp, err := p.provider.Completion(ctx, &llm.ChatRequest{
		Model:       p.model,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: 0.3,
		MaxTokens:   2000,
	})
	if err != nil {
		return nil, types.NewError(types.ErrLLMFailure, "planning request failed").
			WithCause(err).WithRetryable(true)
	}

	steps, err := parsePlan(llm.FirstContent(resp))
	if err != nil {
		p.logger.Warn("failed to parse plan", zap.Error(err))
		return nil, err
	}

	if len(steps) > p.maxSteps {
		steps = steps[:p.maxSteps]
	}
	return steps, nil
}

// ReplanInput describes a mid-run replanning request.
type ReplanInput struct {
	Instructions       string
	CompletedSummaries []string
	RemainingSteps     []PlanStep
	FailedStep         PlanStep
	FailureReason      string
}

// Replan produces a replacement for the unexecuted tail of the plan. The
// returned steps are spliced in at the failed step's index; completed steps
// are never touched.
func (p *Planner) Replan(ctx context.Context, in ReplanInput) ([]PlanStep, error) {
	remaining, _ := json.Marshal(in.RemainingSteps)

	prompt := fmt.Sprintf(`A workflow step keeps failing. Produce a new plan for the remaining work.

Original instructions:
%s

Completed so far:
%s

Failed step: %s
Failure: %s

Remaining steps that were planned (to be replaced):
%s

Output only JSON with the replacement steps, same schema as before:
{"steps": [{"tool": "...", "instruction": "...", "success_criteria": "...", "extract": [], "inputs": []}]}`,
		in.Instructions,
		formatSummaries(in.CompletedSummaries),
		in.FailedStep.Instruction,
		in.FailureReason,
		string(remaining),
	)

	resp, err := p.provider.Completion(ctx, &llm.ChatRequest{
		Model:       p.model,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: 0.4,
		MaxTokens:   1500,
	})
	if err != nil {
		return nil, types.NewError(types.ErrLLMFailure, "replanning request failed").
			WithCause(err).WithRetryable(true)
	}

	steps, err := parsePlan(llm.FirstContent(resp))
	if err != nil {
		p.logger.Warn("failed to parse replan", zap.Error(err))
		return nil, err
	}
	return steps, nil
}

// FallbackPlan treats each non-empty instruction line as one step with
// model-chosen tooling. Used when the planner's output cannot be parsed.
func FallbackPlan(instructions string) []PlanStep {
	var steps []PlanStep
	for _, line := range strings.Split(instructions, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		steps = append(steps, PlanStep{Tool: "auto", Instruction: line})
	}
	return steps
}

func parsePlan(content string) ([]PlanStep, error) {
	content = extractJSONObject(content)

	var doc planDocument
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, types.NewError(types.ErrPlanParse, "plan is not valid JSON").WithCause(err)
	}
	if len(doc.Steps) == 0 {
		return nil, types.NewError(types.ErrPlanParse, "plan contains no steps")
	}
	for i, step := range doc.Steps {
		if strings.TrimSpace(step.Instruction) == "" {
			return nil, types.NewError(types.ErrPlanParse,
				fmt.Sprintf("step %d has no instruction", i))
		}
	}
	return doc.Steps, nil
}

// extractJSONObject trims any prose around the outermost JSON object.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func formatToolList(tools []string) string {
	if len(tools) == 0 {
		return "- auto"
	}
	var b strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s\n", t)
	}
	return b.String()
}

func formatSummaries(summaries []string) string {
	if len(summaries) == 0 {
		return "(nothing yet)"
	}
	var b strings.Builder
	for i, s := range summaries {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return b.String()
}
