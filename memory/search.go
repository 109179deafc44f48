package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SearchMemories retrieves memories from a namespace, ranked.
//
// Without a query it returns the most important, most recently accessed
// memories. With a query it runs hybrid search: a cheap metadata prefilter
// in the primary store (namespace plus a lexical substring check against
// search_text) caps the candidate set, then the vector index ranks only
// those candidates, keeping matches above the similarity threshold. The
// two-stage design keeps similarity work bounded and lets the primary store
// enforce ownership and namespace filters where they are cheap and correct.
// When no index is configured (or it fails) the lexical path is the result.
func (s *Store) SearchMemories(ctx context.Context, userID, namespace, query string, limit int) ([]*MemoryRecord, error) {
	start := time.Now()
	defer func() { s.collector.RecordSearch(time.Since(start)) }()

	if limit <= 0 {
		limit = 10
	}

	if query == "" {
		var records []*MemoryRecord
		err := s.db.WithContext(ctx).
			Where("user_id = ? AND namespace = ?", userID, namespace).
			Order("importance_score DESC, last_accessed DESC").
			Limit(limit).
			Find(&records).Error
		if err != nil {
			return nil, fmt.Errorf("failed to list memories: %w", err)
		}
		return records, nil
	}

	candidates, err := s.prefilter(ctx, userID, namespace, query)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if s.index != nil {
		ranked, err := s.rankBySimilarity(ctx, query, candidates, limit)
		if err == nil {
			return ranked, nil
		}
		s.collector.RecordIndexFailure()
		s.logger.Warn("semantic ranking failed, falling back to lexical",
			zap.String("namespace", namespace), zap.Error(err))
	}

	return lexicalRank(query, candidates, limit), nil
}

// prefilter narrows the namespace to a bounded candidate set via substring
// matching. When the substring check matches nothing the whole namespace
// (capped) is the candidate set, so multi-word queries still reach the
// semantic ranker.
func (s *Store) prefilter(ctx context.Context, userID, namespace, query string) ([]*MemoryRecord, error) {
	base := s.db.WithContext(ctx).
		Where("user_id = ? AND namespace = ?", userID, namespace).
		Order("importance_score DESC, last_accessed DESC").
		Limit(s.config.CandidateLimit).
		Session(&gorm.Session{})

	var records []*MemoryRecord
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	if err := base.
		Where(`LOWER(search_text) LIKE ? ESCAPE '\'`, pattern).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to prefilter memories: %w", err)
	}
	if len(records) > 0 {
		return records, nil
	}

	if err := base.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load candidate memories: %w", err)
	}
	return records, nil
}

func (s *Store) rankBySimilarity(ctx context.Context, query string, candidates []*MemoryRecord, limit int) ([]*MemoryRecord, error) {
	byDoc := make(map[string]*MemoryRecord, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, record := range candidates {
		id := record.docID()
		byDoc[id] = record
		ids = append(ids, id)
	}

	matches, err := s.index.Query(ctx, query, ids, len(ids))
	if err != nil {
		return nil, err
	}

	results := make([]*MemoryRecord, 0, limit)
	for _, match := range matches {
		if match.Score < s.config.SimilarityThreshold {
			continue
		}
		if record, ok := byDoc[match.ID]; ok {
			results = append(results, record)
			if len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

// lexicalRank orders candidates by token overlap with the query.
func lexicalRank(query string, candidates []*MemoryRecord, limit int) []*MemoryRecord {
	queryTokens := tokenize(query)

	type scored struct {
		record *MemoryRecord
		score  float64
	}
	scoredRecords := make([]scored, 0, len(candidates))
	for _, record := range candidates {
		score := overlapRatio(queryTokens, tokenize(record.SearchText))
		scoredRecords = append(scoredRecords, scored{record: record, score: score})
	}

	sort.SliceStable(scoredRecords, func(i, j int) bool {
		if scoredRecords[i].score != scoredRecords[j].score {
			return scoredRecords[i].score > scoredRecords[j].score
		}
		return scoredRecords[i].record.ImportanceScore > scoredRecords[j].record.ImportanceScore
	})

	results := make([]*MemoryRecord, 0, limit)
	for _, sr := range scoredRecords {
		results = append(results, sr.record)
		if len(results) >= limit {
			break
		}
	}
	return results
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		tokens[strings.Trim(token, ".,;:!?\"'()")] = true
	}
	delete(tokens, "")
	return tokens
}

// overlapRatio is the Jaccard ratio of two token sets.
func overlapRatio(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for token := range a {
		if b[token] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
