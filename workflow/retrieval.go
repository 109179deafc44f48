package workflow

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/cortexstack/memflow/memory"
	"github.com/cortexstack/memflow/types"
)

// MemoryRetriever builds the memory-context digest handed to the planner:
// relevant semantic facts, past episodes, and learned procedures, bounded by
// a rune budget so the digest never crowds out the instructions.
type MemoryRetriever struct {
	store      *memory.Store
	runeBudget int
	perNS      int
	logger     *zap.Logger
}

// NewMemoryRetriever creates a retriever. runeBudget caps the digest length;
// zero means the 4000-rune default.
func NewMemoryRetriever(store *memory.Store, runeBudget int, logger *zap.Logger) *MemoryRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if runeBudget <= 0 {
		runeBudget = 4000
	}
	return &MemoryRetriever{
		store:      store,
		runeBudget: runeBudget,
		perNS:      5,
		logger:     logger.With(zap.String("component", "memory_retriever")),
	}
}

// Digest searches the long-term namespaces for memories relevant to the goal
// and renders them as a prompt section. Retrieval failures degrade to an
// empty digest: planning proceeds without memory context.
func (r *MemoryRetriever) Digest(ctx context.Context, userID, goal string) string {
	if r == nil || r.store == nil {
		return ""
	}

	sections := []struct {
		title     string
		namespace string
	}{
		{"Known facts", types.NamespaceSemantic},
		{"Past episodes", types.NamespaceEpisodes},
		{"Learned procedures", types.NamespaceProcedures},
	}

	var b strings.Builder
	for _, section := range sections {
		records, err := r.store.SearchMemories(ctx, userID, section.namespace, goal, r.perNS)
		if err != nil {
			r.logger.Warn("memory retrieval failed",
				zap.String("namespace", section.namespace), zap.Error(err))
			continue
		}
		if len(records) == 0 {
			continue
		}

		fmt.Fprintf(&b, "%s:\n", section.title)
		for _, record := range records {
			env, err := record.Envelope()
			if err != nil {
				continue
			}
			if env.MergedInto != "" {
				continue
			}
			fmt.Fprintf(&b, "- %s\n", renderMemoryLine(env, record.SearchText))
		}
		b.WriteString("\n")
	}

	digest := strings.TrimSpace(b.String())
	runes := []rune(digest)
	if len(runes) > r.runeBudget {
		digest = string(runes[:r.runeBudget]) + "..."
	}
	return digest
}

// ProcedureContext loads the workflow's linked procedural memory as prompt
// text, or "" when no procedure exists yet.
func (r *MemoryRetriever) ProcedureContext(ctx context.Context, userID, memoryID string) string {
	if r == nil || r.store == nil || memoryID == "" {
		return ""
	}

	record, err := r.store.GetMemory(ctx, userID, types.NamespaceProcedures, memoryID)
	if err != nil {
		if types.GetErrorCode(err) != types.ErrNotFound {
			r.logger.Warn("procedural memory load failed",
				zap.String("memory_id", memoryID), zap.Error(err))
		}
		return ""
	}

	env, err := record.Envelope()
	if err != nil || env.Procedure == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Procedure %q (success rate %.0f%% over %d runs):\n",
		env.Procedure.Name, env.Procedure.SuccessRate*100, env.Procedure.Executions)
	for i, step := range env.Procedure.Steps {
		fmt.Fprintf(&b, "%d. %s", i+1, step.Action)
		if step.Target != "" {
			fmt.Fprintf(&b, " -> %s", step.Target)
		}
		b.WriteString("\n")
	}
	for _, lesson := range env.Procedure.Lessons {
		fmt.Fprintf(&b, "Lesson: %s\n", lesson)
	}
	return b.String()
}

func renderMemoryLine(env *types.Envelope, fallback string) string {
	switch {
	case env.Fact != nil:
		return env.Fact.Statement
	case env.Episode != nil:
		return fmt.Sprintf("%s: %s -> %s", env.Episode.Context, env.Episode.Action, env.Episode.Result)
	case env.Procedure != nil:
		return fmt.Sprintf("%s (%d steps)", env.Procedure.Name, len(env.Procedure.Steps))
	case env.Config != nil:
		return fmt.Sprintf("%s = %v", env.Config.Key, env.Config.Value)
	}
	return fallback
}
