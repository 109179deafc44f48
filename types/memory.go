// Package types provides unified type definitions for the memflow engine.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// MemoryCategory defines the unified long-term memory category.
type MemoryCategory string

const (
	// MemoryFact represents factual knowledge about the user or the world.
	MemoryFact MemoryCategory = "fact"

	// MemoryPreference represents a stated or inferred user preference.
	MemoryPreference MemoryCategory = "preference"

	// MemoryEpisode represents an event-based experiential memory.
	MemoryEpisode MemoryCategory = "episode"

	// MemoryProcedure represents how-to knowledge and learned procedures.
	MemoryProcedure MemoryCategory = "procedure"

	// MemoryConfig represents configuration-like memory entries.
	MemoryConfig MemoryCategory = "config"

	// MemoryMergedEpisode and friends tag the output of merge operations.
	MemoryMergedEpisode   MemoryCategory = "merged_episode"
	MemoryMergedProcedure MemoryCategory = "merged_procedure"
	MemoryMergedSemantic  MemoryCategory = "merged_semantic"
)

// Well-known namespaces. Namespaces partition long-term memory per user and
// are filtered before any similarity search runs.
const (
	NamespaceDefault    = "memories"
	NamespaceSemantic   = "semantic"
	NamespaceEpisodes   = "episodes"
	NamespaceProcedures = "procedures"
	NamespaceMerged     = "merged"
)

// Envelope is the common wrapper for heterogeneous memory payloads.
// The Type tag selects which payload field is populated; this replaces
// ad hoc map probing with an explicit tagged union.
type Envelope struct {
	Type      MemoryCategory    `json:"type"`
	Fact      *FactPayload      `json:"fact,omitempty"`
	Episode   *EpisodePayload   `json:"episode,omitempty"`
	Procedure *ProcedurePayload `json:"procedure,omitempty"`
	Config    *ConfigPayload    `json:"config,omitempty"`
	// MergedInto carries the memory_id of the consolidated record when this
	// memory has been superseded by a merge. Soft-delete marker: the record
	// stays queryable for audit.
	MergedInto string `json:"merged_into,omitempty"`
	// Extra holds open-ended attributes that do not fit the typed payloads.
	Extra map[string]any `json:"extra,omitempty"`
}

// FactPayload represents factual knowledge or a preference.
type FactPayload struct {
	Statement  string  `json:"statement"`
	Subject    string  `json:"subject,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Source     string  `json:"source,omitempty"`
}

// EpisodePayload represents a single episode/event.
type EpisodePayload struct {
	Context   string    `json:"context"`
	Action    string    `json:"action"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	// SpanStart/SpanEnd bound the time range of merged episodes.
	SpanStart *time.Time `json:"span_start,omitempty"`
	SpanEnd   *time.Time `json:"span_end,omitempty"`
	// Common/Unique split details after an episodic merge.
	CommonDetails []string `json:"common_details,omitempty"`
	UniqueDetails []string `json:"unique_details,omitempty"`
}

// ProcedureStep is one step of a learned procedure.
type ProcedureStep struct {
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// ProcedurePayload represents how-to knowledge.
type ProcedurePayload struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Steps       []ProcedureStep `json:"steps"`
	Triggers    []string        `json:"triggers,omitempty"`
	SuccessRate float64         `json:"success_rate,omitempty"`
	Executions  int             `json:"executions,omitempty"`
	Lessons     []string        `json:"lessons,omitempty"`
}

// ConfigPayload represents configuration-like memory entries.
type ConfigPayload struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// SearchText renders the envelope into the denormalized text used for
// lexical and semantic matching. Every write path that changes the payload
// must go through this single function so search_text never drifts from
// memory_data.
func (e *Envelope) SearchText() string {
	switch e.Type {
	case MemoryFact, MemoryPreference:
		if e.Fact != nil {
			if e.Fact.Subject != "" {
				return e.Fact.Subject + " " + e.Fact.Statement
			}
			return e.Fact.Statement
		}
	case MemoryEpisode, MemoryMergedEpisode:
		if e.Episode != nil {
			return e.Episode.Context + " " + e.Episode.Action + " " + e.Episode.Result
		}
	case MemoryProcedure, MemoryMergedProcedure:
		if e.Procedure != nil {
			text := e.Procedure.Name + " " + e.Procedure.Description
			for _, s := range e.Procedure.Steps {
				text += " " + s.Action
				if s.Target != "" {
					text += " " + s.Target
				}
			}
			return text
		}
	case MemoryConfig:
		if e.Config != nil {
			return e.Config.Key + " " + fmt.Sprint(e.Config.Value)
		}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return string(data)
}

// InfluenceOperation selects the arithmetic applied by a modify rule.
type InfluenceOperation string

const (
	InfluenceOpMultiply InfluenceOperation = "multiply"
	InfluenceOpAdd      InfluenceOperation = "add"
	InfluenceOpSet      InfluenceOperation = "set"
)

// InfluenceRule is one entry of a hierarchical context's rule set.
// Exactly one of the three rule kinds applies per key:
//   - override: replace the key outright
//   - modify:   apply an operation to an existing key only
//   - add:      insert the key only if absent
type InfluenceRule struct {
	Kind      string             `json:"kind"` // override|modify|add
	Key       string             `json:"key"`
	Value     any                `json:"value,omitempty"`
	Operation InfluenceOperation `json:"operation,omitempty"`
}

// Rule kinds.
const (
	RuleOverride = "override"
	RuleModify   = "modify"
	RuleAdd      = "add"
)
