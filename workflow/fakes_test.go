package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/cortexstack/memflow/llm"
	"github.com/cortexstack/memflow/memory"
	"github.com/cortexstack/memflow/tool"
)

// scriptedProvider replays queued completions in order and records every
// request. An exhausted queue answers "{}" so incidental trailing calls
// (lesson extraction) degrade instead of failing the test.
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []scriptedReply
	requests []*llm.ChatRequest
	// onRequest, when set, runs after each request is recorded with the
	// 1-based call count. Lets tests act mid-run, e.g. cancel between steps.
	onRequest func(call int)
}

type scriptedReply struct {
	content   string
	toolCalls []llm.ToolCall
	err       error
}

func (p *scriptedProvider) push(content string) *scriptedProvider {
	p.replies = append(p.replies, scriptedReply{content: content})
	return p
}

func (p *scriptedProvider) pushToolCalls(calls ...llm.ToolCall) *scriptedProvider {
	p.replies = append(p.replies, scriptedReply{toolCalls: calls})
	return p
}

func (p *scriptedProvider) pushError(err error) *scriptedProvider {
	p.replies = append(p.replies, scriptedReply{err: err})
	return p
}

func (p *scriptedProvider) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.onRequest != nil {
		p.onRequest(len(p.requests))
	}

	if len(p.replies) == 0 {
		return &llm.ChatResponse{Choices: []llm.ChatChoice{{Message: llm.Message{
			Role: llm.RoleAssistant, Content: "{}",
		}}}}, nil
	}

	reply := p.replies[0]
	p.replies = p.replies[1:]
	if reply.err != nil {
		return nil, reply.err
	}
	return &llm.ChatResponse{Choices: []llm.ChatChoice{{Message: llm.Message{
		Role:      llm.RoleAssistant,
		Content:   reply.content,
		ToolCalls: reply.toolCalls,
	}}}}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

// planJSON renders steps as the planner's expected response document.
func planJSON(t *testing.T, steps ...PlanStep) string {
	t.Helper()
	data, err := json.Marshal(planDocument{Steps: steps})
	require.NoError(t, err)
	return string(data)
}

// verdictJSON renders a validator response.
func verdictJSON(t *testing.T, v ValidationResult) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func okVerdict(summary string) ValidationResult {
	return ValidationResult{Success: true, Summary: summary}
}

// echoTool answers every invocation with a fixed payload.
type echoTool struct {
	name string
	data any
}

func (e *echoTool) Name() string             { return e.name }
func (e *echoTool) Description() string      { return "echoes a fixed payload" }
func (e *echoTool) Schema() json.RawMessage  { return json.RawMessage(`{"type":"object"}`) }
func (e *echoTool) Invoke(_ context.Context, args map[string]any) (*tool.Result, error) {
	return &tool.Result{Success: true, Data: e.data}, nil
}

func newWorkflowTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, memory.AutoMigrate(db))
	require.NoError(t, AutoMigrate(db))
	return db
}

// testEngine bundles the orchestrator with its stores for assertions.
type testEngine struct {
	orchestrator *Orchestrator
	definitions  *DefinitionStore
	executions   *ExecutionStore
	memories     *memory.Store
}

func newTestEngine(t *testing.T, provider llm.Provider, registry tool.Registry) *testEngine {
	t.Helper()

	db := newWorkflowTestDB(t)
	definitions := NewDefinitionStore(db)
	executions := NewExecutionStore(db)
	memories := memory.NewStore(db, memory.DefaultStoreConfig(), nil)

	orchestrator := NewOrchestrator(Deps{
		Provider:    provider,
		Model:       "test-model",
		Registry:    registry,
		Definitions: definitions,
		Executions:  executions,
		Memories:    memories,
	}, DefaultConfig())

	return &testEngine{
		orchestrator: orchestrator,
		definitions:  definitions,
		executions:   executions,
		memories:     memories,
	}
}

func (e *testEngine) saveDefinition(t *testing.T, def *Definition) *Definition {
	t.Helper()
	if def.ID == "" {
		def.ID = "wf-1"
	}
	if def.UserID == "" {
		def.UserID = "user-1"
	}
	if def.Name == "" {
		def.Name = fmt.Sprintf("workflow %s", def.ID)
	}
	require.NoError(t, e.definitions.Save(context.Background(), def))
	return def
}
