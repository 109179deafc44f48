package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSearchTextPerPayloadType(t *testing.T) {
	fact := &Envelope{Type: MemoryFact, Fact: &FactPayload{
		Subject: "coffee", Statement: "prefers dark roast",
	}}
	assert.Equal(t, "coffee prefers dark roast", fact.SearchText())

	episode := &Envelope{Type: MemoryEpisode, Episode: &EpisodePayload{
		Context: "standup", Action: "reported", Result: "done", Timestamp: time.Now(),
	}}
	assert.Equal(t, "standup reported done", episode.SearchText())

	procedure := &Envelope{Type: MemoryProcedure, Procedure: &ProcedurePayload{
		Name:        "deploy",
		Description: "ship a release",
		Steps:       []ProcedureStep{{Action: "build", Target: "image"}},
	}}
	assert.Equal(t, "deploy ship a release build image", procedure.SearchText())

	config := &Envelope{Type: MemoryConfig, Config: &ConfigPayload{Key: "region", Value: "eu"}}
	assert.Equal(t, "region eu", config.SearchText())
}

func TestSearchTextFallsBackToJSON(t *testing.T) {
	env := &Envelope{Type: "unknown", Extra: map[string]any{"k": "needle"}}
	assert.Contains(t, env.SearchText(), "needle")
}

func TestErrorWrapping(t *testing.T) {
	cause := NewError(ErrStoreFailure, "disk full")
	err := NewError(ErrNotFound, "memory missing").WithCause(cause).WithRetryable(true)

	assert.Contains(t, err.Error(), "NOT_FOUND")
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, IsRetryable(err))
	assert.Equal(t, ErrNotFound, GetErrorCode(err))
	assert.Equal(t, ErrorCode(""), GetErrorCode(nil))
}
