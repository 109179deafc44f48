package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/cortexstack/memflow/llm"
	"github.com/cortexstack/memflow/tool"
)

// StepExecutor runs one planned step: it asks the LLM to act on the
// instruction, invokes any requested tools, and returns the raw result.
// Interpretation of the result is the validator's job.
type StepExecutor struct {
	provider llm.Provider
	registry tool.Registry
	model    string
	logger   *zap.Logger
}

// NewStepExecutor creates a step executor.
func NewStepExecutor(provider llm.Provider, registry tool.Registry, model string, logger *zap.Logger) *StepExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StepExecutor{
		provider: provider,
		registry: registry,
		model:    model,
		logger:   logger.With(zap.String("component", "step_executor")),
	}
}

const executorSystemPrompt = "You are a workflow step executor. Carry out the " +
	"given step using the available tools when one is needed. Be precise and " +
	"report concrete results."

// toolOutcome pairs a tool call with its result for the raw trace.
type toolOutcome struct {
	Tool      string       `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Result    *tool.Result `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Execute runs one step. sel restricts tooling: Forced passes exactly one
// tool with forced tool-choice, Auto exposes every allowed tool and lets
// the model decide. priorContext carries summaries of earlier steps.
func (e *StepExecutor) Execute(ctx context.Context, instruction string, sel tool.Selection, allowedTools []string, priorContext []llm.Message) (string, error) {
	messages := make([]llm.Message, 0, len(priorContext)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: executorSystemPrompt})
	messages = append(messages, priorContext...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: instruction})

	req := &llm.ChatRequest{
		Model:    e.model,
		Messages: messages,
	}
	if e.registry != nil {
		if sel.IsAuto() {
			req.Tools = e.registry.Schemas(allowedTools)
			if len(req.Tools) > 0 {
				req.ToolChoice = llm.ToolChoiceAuto
			}
		} else {
			req.Tools = e.registry.Schemas([]string{sel.ToolName()})
			req.ToolChoice = sel.ToolName()
		}
	}

	resp, err := e.provider.Completion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("step completion failed: %w", err)
	}

	calls := llm.FirstToolCalls(resp)
	if len(calls) == 0 {
		return llm.FirstContent(resp), nil
	}

	outcomes := make([]toolOutcome, 0, len(calls))
	for _, call := range calls {
		outcome := toolOutcome{Tool: call.Name}
		if len(call.Arguments) > 0 {
			if err := json.Unmarshal(call.Arguments, &outcome.Arguments); err != nil {
				outcome.Error = fmt.Sprintf("invalid tool arguments: %v", err)
				outcomes = append(outcomes, outcome)
				continue
			}
		}

		result, err := e.registry.Invoke(ctx, call.Name, outcome.Arguments)
		if err != nil {
			e.logger.Warn("tool invocation failed",
				zap.String("tool", call.Name), zap.Error(err))
			outcome.Error = err.Error()
		} else {
			outcome.Result = result
		}
		outcomes = append(outcomes, outcome)
	}

	raw, err := json.Marshal(outcomes)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool outcomes: %w", err)
	}
	return string(raw), nil
}
