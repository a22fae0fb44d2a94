// Package mmr implements GigaVector's MMRReranker: greedy Maximal Marginal
// Relevance diversification over a candidate pool. Grounded on sqvect's
// pkg/core/reranker.go DiversityReranker (the same greedy
// "repeatedly pick argmax(lambda*relevance - (1-lambda)*maxSimilarityToSelected)"
// loop), restructured to consume a query-vector-keyed candidate pool with an
// explicit base distance per spec.md §4.12 instead of the teacher's
// ScoredEmbedding/query-text shape, and to report relevance/diversity as
// separate fields on the result rather than folding them into one score.
package mmr

import (
	"github.com/gigavector/gigavector/pkg/errs"
	"github.com/gigavector/gigavector/pkg/kernel"
)

// Candidate is one item in the pool MMR selects from.
type Candidate struct {
	ID           uint64
	Embedding    []float32
	BaseDistance float32 // distance to the query under the engine's metric
}

// Result is one MMR-selected item, in selection order.
type Result struct {
	ID        uint64
	Score     float32 // lambda*Relevance - (1-lambda)*(1-Diversity)
	Relevance float32 // base_distance converted to a [0,1]-ish similarity
	Diversity float32 // 1 - max similarity to any already-selected item
}

// Rerank greedily selects up to k candidates maximizing, at each step,
// lambda*relevance(c) - (1-lambda)*maxSimilarity(c, selected), using metric's
// kernel to score both relevance (via the distance-to-similarity
// conversion) and pairwise similarity between embeddings. lambda is clamped
// to [0,1]: lambda=1 reduces to a pure relevance ordering, lambda=0 selects
// maximal diversity ignoring relevance entirely.
func Rerank(candidates []Candidate, k int, lambda float32, metric kernel.Metric) ([]Result, error) {
	if k < 0 {
		return nil, errs.New(errs.KindInvalidArgument, "mmr.Rerank", "k must be non-negative")
	}
	if lambda < 0 {
		lambda = 0
	}
	if lambda > 1 {
		lambda = 1
	}
	if k > len(candidates) {
		k = len(candidates)
	}

	distFunc := kernel.ByMetric(metric)
	relevance := make([]float32, len(candidates))
	for i, c := range candidates {
		relevance[i] = kernel.DistanceToSimilarity(metric, c.BaseDistance)
	}

	chosen := make([]bool, len(candidates))
	var selected []Candidate
	out := make([]Result, 0, k)

	for len(out) < k {
		bestIdx := -1
		var bestScore, bestMaxSim float32
		for i, c := range candidates {
			if chosen[i] {
				continue
			}
			var maxSim float32
			for _, s := range selected {
				sim := kernel.DistanceToSimilarity(metric, distFunc(c.Embedding, s.Embedding))
				if sim > maxSim {
					maxSim = sim
				}
			}
			score := lambda*relevance[i] - (1-lambda)*maxSim
			if bestIdx == -1 || score > bestScore {
				bestIdx, bestScore, bestMaxSim = i, score, maxSim
			}
		}
		if bestIdx == -1 {
			break
		}
		chosen[bestIdx] = true
		selected = append(selected, candidates[bestIdx])
		out = append(out, Result{
			ID:        candidates[bestIdx].ID,
			Score:     bestScore,
			Relevance: relevance[bestIdx],
			Diversity: 1 - bestMaxSim,
		})
	}
	return out, nil
}
