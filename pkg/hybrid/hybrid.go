// Package hybrid implements GigaVector's HybridFusion: combining a ranked
// dense-vector result list with a ranked external text-search result list
// via linear combination, Reciprocal Rank Fusion (RRF), or weighted RRF.
// Grounded on sqvect's pkg/semantic-router/hybrid.go (HybridRouter's
// alpha-weighted dense/sparse score combination) and
// pkg/core/reranker.go's ReciprocalRankFusionReranker, generalized from
// those packages' single alpha-weighted-sum and single-RRF-constant shapes
// into the three fusion methods spec.md §4.11 requires, operating over
// internal ids rather than route names or ScoredEmbedding content.
package hybrid

import (
	"sort"

	"github.com/gigavector/gigavector/pkg/errs"
	"github.com/gigavector/gigavector/pkg/kernel"
)

// Method selects the fusion algorithm.
type Method int

const (
	// MethodLinear min-max normalizes each list to [0,1] then combines
	// w_v*n_v + w_t*n_t.
	MethodLinear Method = iota
	// MethodRRF sums 1/(k+rank) over every list an id appears in, unweighted.
	MethodRRF
	// MethodWeightedRRF is RRF with a per-list weight applied to each term.
	MethodWeightedRRF
)

// DenseResult is one entry of the dense-vector ranked list, in rank order
// (index 0 = best). Distance is under the QueryEngine's configured metric.
type DenseResult struct {
	ID       uint64
	Distance float32
}

// TextResult is one entry of the external text-search ranked list, in rank
// order (index 0 = best). Score is whatever the text engine natively
// reports (e.g. BM25); only relative order matters to RRF, but Linear uses
// its value directly after min-max normalization.
type TextResult struct {
	ID    uint64
	Score float64
}

// Config parameterizes Fuse.
type Config struct {
	Method       Method
	WeightVector float64 // w_v; used by Linear and WeightedRRF
	WeightText   float64 // w_t; used by Linear and WeightedRRF
	RRFConstant  float64 // k in 1/(k+rank); RRF/WeightedRRF only, must be > 0
	Metric       kernel.Metric
}

// Result is one fused (id, score) pair, sorted descending by Score (higher
// is better for every method).
type Result struct {
	ID    uint64
	Score float64
}

// Fuse combines dense and text ranked lists per cfg.Method. Weights must be
// non-negative; Linear and WeightedRRF return InvalidArgument if both
// weights are zero.
func Fuse(dense []DenseResult, text []TextResult, cfg Config) ([]Result, error) {
	if cfg.WeightVector < 0 || cfg.WeightText < 0 {
		return nil, errs.New(errs.KindInvalidArgument, "hybrid.Fuse", "weights must be non-negative")
	}
	switch cfg.Method {
	case MethodLinear:
		if cfg.WeightVector == 0 && cfg.WeightText == 0 {
			return nil, errs.New(errs.KindInvalidArgument, "hybrid.Fuse", "at least one of w_v, w_t must be positive")
		}
		return fuseLinear(dense, text, cfg), nil
	case MethodWeightedRRF:
		if cfg.WeightVector == 0 && cfg.WeightText == 0 {
			return nil, errs.New(errs.KindInvalidArgument, "hybrid.Fuse", "at least one of w_v, w_t must be positive")
		}
		return fuseRRF(dense, text, cfg, true), nil
	default:
		return fuseRRF(dense, text, cfg, false), nil
	}
}

func rrfConstant(cfg Config) float64 {
	if cfg.RRFConstant > 0 {
		return cfg.RRFConstant
	}
	return 60
}

func fuseLinear(dense []DenseResult, text []TextResult, cfg Config) []Result {
	denseSim := make(map[uint64]float64, len(dense))
	var minD, maxD float64
	first := true
	for _, d := range dense {
		sim := float64(kernel.DistanceToSimilarity(cfg.Metric, d.Distance))
		denseSim[d.ID] = sim
		if first || sim < minD {
			minD = sim
		}
		if first || sim > maxD {
			maxD = sim
		}
		first = false
	}
	denseNorm := minMaxNormalize(denseSim, minD, maxD)

	textRaw := make(map[uint64]float64, len(text))
	var minT, maxT float64
	first = true
	for _, t := range text {
		textRaw[t.ID] = t.Score
		if first || t.Score < minT {
			minT = t.Score
		}
		if first || t.Score > maxT {
			maxT = t.Score
		}
		first = false
	}
	textNorm := minMaxNormalize(textRaw, minT, maxT)

	ids := unionIDs(dense, text)
	out := make([]Result, 0, len(ids))
	for id := range ids {
		out = append(out, Result{
			ID:    id,
			Score: cfg.WeightVector*denseNorm[id] + cfg.WeightText*textNorm[id],
		})
	}
	sortDescending(out)
	return out
}

func minMaxNormalize(values map[uint64]float64, min, max float64) map[uint64]float64 {
	out := make(map[uint64]float64, len(values))
	spread := max - min
	for id, v := range values {
		if spread == 0 {
			out[id] = 0
			continue
		}
		out[id] = (v - min) / spread
	}
	return out
}

func fuseRRF(dense []DenseResult, text []TextResult, cfg Config, weighted bool) []Result {
	k := rrfConstant(cfg)
	wv, wt := 1.0, 1.0
	if weighted {
		wv, wt = cfg.WeightVector, cfg.WeightText
	}

	scores := make(map[uint64]float64)
	for rank, d := range dense {
		scores[d.ID] += wv / (k + float64(rank+1))
	}
	for rank, t := range text {
		scores[t.ID] += wt / (k + float64(rank+1))
	}

	out := make([]Result, 0, len(scores))
	for id, s := range scores {
		out = append(out, Result{ID: id, Score: s})
	}
	sortDescending(out)
	return out
}

func unionIDs(dense []DenseResult, text []TextResult) map[uint64]struct{} {
	ids := make(map[uint64]struct{}, len(dense)+len(text))
	for _, d := range dense {
		ids[d.ID] = struct{}{}
	}
	for _, t := range text {
		ids[t.ID] = struct{}{}
	}
	return ids
}

func sortDescending(r []Result) {
	sort.Slice(r, func(i, j int) bool {
		if r[i].Score != r[j].Score {
			return r[i].Score > r[j].Score
		}
		return r[i].ID < r[j].ID
	})
}
