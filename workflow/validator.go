package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cortexstack/memflow/llm"
)

// Validator judges a step's raw output against its success criteria and
// extracts declared variables. It is the engine's reflection point: every
// attempt passes through here before the retry/replan decision.
type Validator struct {
	provider llm.Provider
	model    string
	logger   *zap.Logger
}

// NewValidator creates a validator.
func NewValidator(provider llm.Provider, model string, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		provider: provider,
		model:    model,
		logger:   logger.With(zap.String("component", "validator")),
	}
}

// ValidationInput describes one attempt to judge.
type ValidationInput struct {
	Instruction     string
	SuccessCriteria string
	RawResult       string
	Extract         []string
	Attempt         int
}

// ValidationResult is the validator's verdict. Summary and Extracted are
// meaningful on both success and failure: partial progress is kept either way.
type ValidationResult struct {
	Success    bool              `json:"success"`
	Retry      bool              `json:"retry"`
	Summary    string            `json:"summary"`
	Suggestion string            `json:"suggestion,omitempty"`
	Extracted  map[string]string `json:"extracted,omitempty"`
}

// Validate judges one step attempt.
//
// A transport failure is reported as failed-but-retryable: the result may
// have been fine and the step deserves another attempt. An unparseable
// verdict is failed-and-final: without a readable judgment the engine must
// not loop on the step.
func (v *Validator) Validate(ctx context.Context, in ValidationInput) ValidationResult {
	prompt := fmt.Sprintf(`You are a workflow step validator. Judge whether the step achieved its goal.

Step instruction:
%s

Success criteria:
%s

Raw result (attempt %d):
%s

Variables to extract from the result: %s

Output only JSON:
{
  "success": true/false,
  "retry": true/false (only meaningful when success is false: is another attempt worth it?),
  "summary": "one or two sentences on what happened",
  "suggestion": "on failure, concrete advice for the next attempt",
  "extracted": {"variable_name": "value found in the result"}
}`,
		in.Instruction,
		orUnspecified(in.SuccessCriteria),
		in.Attempt,
		truncateForPrompt(in.RawResult, 6000),
		formatExtractList(in.Extract),
	)

	resp, err := v.provider.Completion(ctx, &llm.ChatRequest{
		Model:       v.model,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: 0.1,
		MaxTokens:   1000,
	})
	if err != nil {
		v.logger.Warn("validation request failed", zap.Error(err))
		return ValidationResult{
			Success: false,
			Retry:   true,
			Summary: fmt.Sprintf("validation unavailable: %v", err),
		}
	}

	var result ValidationResult
	content := extractJSONObject(llm.FirstContent(resp))
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		v.logger.Warn("failed to parse validation verdict", zap.Error(err))
		return ValidationResult{
			Success: false,
			Retry:   false,
			Summary: "validator produced an unreadable verdict",
		}
	}

	if result.Summary == "" {
		result.Summary = fallbackSummary(in.RawResult, result.Success)
	}
	return result
}

func fallbackSummary(rawResult string, success bool) string {
	outcome := "failed"
	if success {
		outcome = "succeeded"
	}
	return fmt.Sprintf("step %s: %s", outcome, truncateForPrompt(rawResult, 200))
}

func orUnspecified(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(not specified; judge whether the result plausibly completes the instruction)"
	}
	return s
}

func formatExtractList(names []string) string {
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}

func truncateForPrompt(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
