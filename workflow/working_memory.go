package workflow

import (
	"fmt"
	"strings"

	"github.com/cortexstack/memflow/types"
)

// RenderInstruction produces the concrete instruction text for a step:
// declared inputs are prefixed as "name: value" lines, {var} placeholders
// are substituted from working memory, and a suggestion from a prior failed
// attempt is appended. A declared input with no binding fails the step's
// pre-check rather than leaving a literal placeholder in the text.
func RenderInstruction(step PlanStep, wm WorkingMemory, suggestion string) (string, error) {
	var b strings.Builder

	for _, name := range step.Inputs {
		value, ok := wm.Vars[name]
		if !ok {
			return "", types.NewError(types.ErrMissingVariable,
				fmt.Sprintf("required input %q has no binding", name))
		}
		fmt.Fprintf(&b, "%s: %s\n", name, value)
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}

	rendered, err := Render(step.Instruction, wm.Vars)
	if err != nil {
		return "", err
	}
	b.WriteString(rendered)

	if suggestion != "" {
		b.WriteString("\n\nNote from previous attempt: ")
		b.WriteString(suggestion)
	}
	return b.String(), nil
}

// Render substitutes {name} placeholders from vars. Unknown placeholders
// are an error; text without placeholders passes through unchanged. Braces
// that do not wrap a known-looking identifier (e.g. JSON fragments) are
// left intact.
func Render(template string, vars map[string]string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(template); {
		open := strings.IndexByte(template[i:], '{')
		if open < 0 {
			b.WriteString(template[i:])
			break
		}
		open += i
		b.WriteString(template[i:open])

		closing := strings.IndexByte(template[open:], '}')
		if closing < 0 {
			b.WriteString(template[open:])
			break
		}
		closing += open

		name := template[open+1 : closing]
		if !isIdentifier(name) {
			b.WriteString(template[open : closing+1])
			i = closing + 1
			continue
		}

		value, ok := vars[name]
		if !ok {
			return "", types.NewError(types.ErrMissingVariable,
				fmt.Sprintf("no binding for placeholder {%s}", name))
		}
		b.WriteString(value)
		i = closing + 1
	}
	return b.String(), nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}
