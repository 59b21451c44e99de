package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/governance"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/policy"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/tool"
)

// Governance-aware score penalties applied after the raw cosine similarity
// is computed, so that a tool's rank reflects how usable it actually is
// under the caller's current mode, not just its textual relevance.
const (
	penaltyAllow            = 0.0
	penaltyRequiresApproval = 0.20
	penaltyBlocked          = 0.80
)

const defaultTopK = 8

// Registry is the subset of the registry the search engine needs: the
// current, immutable snapshot of tool records to rank against.
type Registry interface {
	ListTools() []*tool.ToolRecord
}

// Search ranks registry tools against a free-text query, penalizing results
// by governance posture under the current mode. It lazily builds (and
// rebuilds on registry change) a TF-IDF index over the registry snapshot.
type Search struct {
	registry Registry

	mu        sync.Mutex
	index     *Index
	builtSize int // len(registry snapshot) the index was built from, for a cheap staleness check
}

func NewSearch(registry Registry) *Search {
	return &Search{registry: registry}
}

// RebuildIndex discards the current index so that the next search builds a
// fresh one. Call after registry reload.
func (s *Search) RebuildIndex() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = nil
}

func (s *Search) ensureIndex() *Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	tools := s.registry.ListTools()
	if s.index == nil || s.builtSize != len(tools) {
		s.index = BuildIndex(tools)
		s.builtSize = len(tools)
	}
	return s.index
}

// Query searches the registry for tools matching query, annotating each
// candidate with its relevance score and governance status under mode, and
// returns at most topK results (defaultTopK if topK <= 0) sorted by
// descending score, ties broken by tool_id for determinism.
//
// An empty or whitespace-only query returns an empty result, matching the
// original embedder's contract that there is nothing meaningful to rank
// against. A registry with no tools also returns an empty result.
func (s *Search) Query(ctx context.Context, query string, topK int, mode governance.Mode, evaluator PolicyEvaluator) []tool.ToolCandidate {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	if topK <= 0 {
		topK = defaultTopK
	}

	idx := s.ensureIndex()
	tools := s.registry.ListTools()
	if len(tools) == 0 {
		return nil
	}

	queryVec := idx.EmbedQuery(query)

	type scored struct {
		candidate tool.ToolCandidate
		score     float64
	}
	results := make([]scored, 0, len(tools))

	for _, t := range tools {
		toolVec := idx.cachedEmbedding(t.ToolID)
		sim := CosineSimilarity(queryVec, toolVec)

		penalty := penaltyAllow
		status := tool.Allowed
		if tool.IsBootstrap(t.ToolID) {
			status = tool.Allowed
		} else {
			decision := evaluateCandidate(ctx, mode, t, evaluator)
			switch {
			case decision.Allowed:
				status, penalty = tool.Allowed, penaltyAllow
			case decision.RequiresApproval:
				status, penalty = tool.RequiresApproval, penaltyRequiresApproval
			default:
				status, penalty = tool.Blocked, penaltyBlocked
			}
		}

		adjusted := sim * (1 - penalty)

		cand := tool.FromRecord(t)
		cand.RelevanceScore = adjusted
		cand.AllowedInMode = status
		results = append(results, scored{candidate: cand, score: adjusted})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].candidate.ToolID < results[j].candidate.ToolID
	})

	if len(results) > topK {
		results = results[:topK]
	}

	out := make([]tool.ToolCandidate, len(results))
	for i, r := range results {
		out[i] = r.candidate
	}
	return out
}

// PolicyEvaluator resolves a tool's risk tier so the search ranker can apply
// the matching governance penalty without owning a classifier itself.
type PolicyEvaluator interface {
	RiskFor(t *tool.ToolRecord) tool.RiskLevel
}

func evaluateCandidate(_ context.Context, mode governance.Mode, t *tool.ToolRecord, evaluator PolicyEvaluator) policy.Decision {
	risk := t.RiskLevel
	if evaluator != nil {
		risk = evaluator.RiskFor(t)
	}
	return policy.EvaluateMatrix(mode, risk, t.ToolID)
}
