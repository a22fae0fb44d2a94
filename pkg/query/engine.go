package query

import (
	"sort"

	"github.com/gigavector/gigavector/pkg/errs"
	"github.com/gigavector/gigavector/pkg/hybrid"
	"github.com/gigavector/gigavector/pkg/index"
	"github.com/gigavector/gigavector/pkg/kernel"
	"github.com/gigavector/gigavector/pkg/metaindex"
	"github.com/gigavector/gigavector/pkg/mmr"
	"github.com/gigavector/gigavector/pkg/resultcache"
	"github.com/gigavector/gigavector/pkg/vectorstore"
)

// Engine is GigaVector's QueryEngine: it owns no storage of its own,
// dispatching against a VectorStore, a MetadataIndex, a backing ANN Index,
// and an optional ResultCache supplied at construction.
type Engine struct {
	store  *vectorstore.Store
	meta   *metaindex.Index
	cache  *resultcache.Cache // nil disables caching
	idx    Index
	metric kernel.Metric

	// FilterSelectivityThreshold is the fraction of the population at or
	// below which a single equality filter is pre-filtered (scanned directly via
	// MetadataIndex + FlatIndex) rather than post-filtered (scanned via the
	// backing index with padded k then checked against the expression).
	filterSelectivityThreshold float64
}

// Config bundles Engine's dependencies and tuning knobs.
type Config struct {
	Store                      *vectorstore.Store
	Meta                       *metaindex.Index
	Index                      Index
	Metric                     kernel.Metric
	Cache                      *resultcache.Cache // nil disables caching
	FilterSelectivityThreshold float64            // e.g. 0.2; 0 disables pre-filtering
}

// NewEngine constructs an Engine from cfg.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Meta == nil || cfg.Index == nil {
		return nil, errs.New(errs.KindInvalidArgument, "query.NewEngine", "store, meta, and index are required")
	}
	return &Engine{
		store:                      cfg.Store,
		meta:                       cfg.Meta,
		cache:                      cfg.Cache,
		idx:                        cfg.Index,
		metric:                     cfg.Metric,
		filterSelectivityThreshold: cfg.FilterSelectivityThreshold,
	}, nil
}

func (e *Engine) checkQuery(op string, query []float32, k int) error {
	if k <= 0 {
		return errs.New(errs.KindInvalidArgument, op, "k must be positive")
	}
	if len(query) != e.store.Dimension() {
		return errs.Newf(errs.KindInvalidArgument, op, "query dimension %d != store dimension %d", len(query), e.store.Dimension())
	}
	return nil
}

// Insert stores vector+meta in the VectorStore, indexes its metadata, and
// hands it to the backing index's Mutator hook (if any).
func (e *Engine) Insert(vector []float32, meta vectorstore.Metadata) (uint64, error) {
	id, err := e.store.Add(vector, meta)
	if err != nil {
		return 0, err
	}
	e.meta.Add(id, toPairs(meta))
	if m, ok := e.idx.(Mutator); ok {
		if err := m.Insert(id, vector); err != nil {
			return id, err
		}
	}
	e.notifyMutation()
	return id, nil
}

// Update overwrites a vector's data and/or metadata. The backing index's
// online graph/lists are not updated in place on a data change (HNSW and
// IVFPQ have no supported "move" operation); callers that need the index to
// reflect a moved vector should delete and re-insert.
func (e *Engine) Update(id uint64, newVector []float32, newMeta vectorstore.Metadata) error {
	var oldMeta vectorstore.Metadata
	if newMeta != nil {
		oldMeta, _ = e.store.GetMetadata(id)
	}
	if err := e.store.Update(id, newVector, newMeta); err != nil {
		return err
	}
	if newMeta != nil {
		e.meta.Remove(id, toPairs(oldMeta))
		e.meta.Add(id, toPairs(newMeta))
	}
	e.notifyMutation()
	return nil
}

// Delete soft-deletes id, retracts its metadata postings, and tells the
// backing index to stop returning it if it supports explicit tombstoning.
func (e *Engine) Delete(id uint64) error {
	meta, _ := e.store.GetMetadata(id)
	if err := e.store.Delete(id); err != nil {
		return err
	}
	e.meta.Remove(id, toPairs(meta))
	if d, ok := e.idx.(Deleter); ok {
		_ = d.Delete(id)
	}
	e.notifyMutation()
	return nil
}

func (e *Engine) notifyMutation() {
	if e.cache != nil {
		e.cache.Notify()
	}
}

func toPairs(meta vectorstore.Metadata) []metaindex.Pair {
	out := make([]metaindex.Pair, len(meta))
	for i, p := range meta {
		out[i] = metaindex.Pair{Key: p.Key, Value: p.Value}
	}
	return out
}

// KNN performs exact/approximate top-k search (depending on the backing
// index), consulting ResultCache first and populating it on a miss.
func (e *Engine) KNN(query []float32, k int) ([]index.Candidate, error) {
	if err := e.checkQuery("query.Engine.KNN", query, k); err != nil {
		return nil, err
	}

	var key uint64
	if e.cache != nil {
		key = resultcache.Key(query, k, e.metric)
		if ids, dists, ok := e.cache.Get(key, query, k, e.metric); ok {
			return candidatesFrom(ids, dists), nil
		}
	}

	cands, err := e.idx.Search(query, k)
	if err != nil {
		return nil, err
	}
	cands = e.filterLive(cands)

	if e.cache != nil {
		ids, dists := splitCandidates(cands)
		e.cache.Put(key, query, k, e.metric, ids, dists)
	}
	return cands, nil
}

// RangeSearch returns every live result within radius of query, ascending
// by distance (ties by ascending id), capped at maxResults (<=0 means
// unbounded). Indexes that don't natively support range queries
// (HNSW, IVFPQ) are approximated via a top-k search (k = maxResults, or
// the store's Count() when unbounded) filtered by radius, per spec.md §4.9's range-search contract.
func (e *Engine) RangeSearch(query []float32, radius float32, maxResults int) ([]index.Candidate, error) {
	if len(query) != e.store.Dimension() {
		return nil, errs.Newf(errs.KindInvalidArgument, "query.Engine.RangeSearch", "query dimension %d != store dimension %d", len(query), e.store.Dimension())
	}

	var cands []index.Candidate
	if rs, ok := e.idx.(RangeSearcher); ok {
		c, err := rs.RangeSearch(query, radius)
		if err != nil {
			return nil, err
		}
		cands = c
	} else {
		k := maxResults
		if k <= 0 {
			k = e.store.Count()
		}
		if k <= 0 {
			return nil, nil
		}
		c, err := e.idx.Search(query, k)
		if err != nil {
			return nil, err
		}
		for _, cd := range c {
			if cd.Distance <= radius {
				cands = append(cands, cd)
			}
		}
	}

	cands = e.filterLive(cands)
	sortAscending(cands)
	if maxResults > 0 && len(cands) > maxResults {
		cands = cands[:maxResults]
	}
	return cands, nil
}

// FilteredSearch performs top-k search restricted to vectors matching expr.
// A single equality leaf filter is routed to a pre-filter scan when its
// estimated selectivity (MetadataIndex.Count / store population) is at or
// below filterSelectivityThreshold; every other expression shape (AND/OR/
// NOT, non-equality comparisons) is post-filtered against padded index
// results.
func (e *Engine) FilteredSearch(query []float32, k int, expr *metaindex.Expr) ([]index.Candidate, error) {
	if err := e.checkQuery("query.Engine.FilteredSearch", query, k); err != nil {
		return nil, err
	}
	if expr == nil {
		return e.KNN(query, k)
	}
	if e.preferPreFilter(expr) {
		return e.preFilterSearch(query, k, expr)
	}
	return e.postFilterSearch(query, k, expr)
}

func (e *Engine) preferPreFilter(expr *metaindex.Expr) bool {
	field, literal, ok := expr.Leaf()
	if !ok {
		return false
	}
	total := e.store.Count()
	if total == 0 {
		return true
	}
	count := e.meta.Count(field, literal)
	selectivity := float64(count) / float64(total)
	return selectivity <= e.filterSelectivityThreshold
}

func (e *Engine) preFilterSearch(query []float32, k int, expr *metaindex.Expr) ([]index.Candidate, error) {
	field, literal, _ := expr.Leaf()
	ids := e.meta.Query(field, literal, 0)
	flat := index.NewFlatIndex(e.store.Dimension(), e.metric)
	cands, err := flat.Search(idSetSource{e.store, ids}, query, k)
	if err != nil {
		return nil, err
	}
	return e.filterLive(cands), nil
}

func (e *Engine) postFilterSearch(query []float32, k int, expr *metaindex.Expr) ([]index.Candidate, error) {
	const maxRounds = 6
	padded := k
	var out []index.Candidate
	for round := 0; round < maxRounds; round++ {
		cands, err := e.idx.Search(query, padded)
		if err != nil {
			return nil, err
		}
		out = out[:0]
		for _, c := range cands {
			if !e.store.IsLive(c.ID) {
				continue
			}
			meta, err := e.store.GetMetadata(c.ID)
			if err != nil {
				continue
			}
			match, err := expr.Eval(meta)
			if err != nil {
				return nil, errs.Wrap(errs.KindInvalidArgument, "query.Engine.FilteredSearch", err)
			}
			if match {
				out = append(out, c)
			}
		}
		if len(out) >= k || len(cands) < padded {
			break
		}
		padded *= 4
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// HybridSearch fuses a dense KNN pass over query with an externally
// produced text-search ranked list per cfg.Method.
func (e *Engine) HybridSearch(query []float32, k int, text []hybrid.TextResult, cfg hybrid.Config) ([]hybrid.Result, error) {
	dense, err := e.KNN(query, k)
	if err != nil {
		return nil, err
	}
	cfg.Metric = e.metric
	denseResults := make([]hybrid.DenseResult, len(dense))
	for i, c := range dense {
		denseResults[i] = hybrid.DenseResult{ID: c.ID, Distance: c.Distance}
	}
	fused, err := hybrid.Fuse(denseResults, text, cfg)
	if err != nil {
		return nil, err
	}
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

// MMRSearch retrieves a candidate pool of poolSize (any poolSize below k,
// including 0, becomes 4k) via KNN, then greedily diversifies it down to k results via pkg/mmr.
func (e *Engine) MMRSearch(query []float32, k int, lambda float32, poolSize int) ([]mmr.Result, error) {
	if err := e.checkQuery("query.Engine.MMRSearch", query, k); err != nil {
		return nil, err
	}
	if poolSize < k {
		poolSize = k * 4
	}
	cands, err := e.idx.Search(query, poolSize)
	if err != nil {
		return nil, err
	}
	cands = e.filterLive(cands)

	pool := make([]mmr.Candidate, 0, len(cands))
	for _, c := range cands {
		vec, err := e.store.Get(c.ID)
		if err != nil {
			continue
		}
		pool = append(pool, mmr.Candidate{ID: c.ID, Embedding: vec, BaseDistance: c.Distance})
	}
	return mmr.Rerank(pool, k, lambda, e.metric)
}

func (e *Engine) filterLive(cands []index.Candidate) []index.Candidate {
	out := cands[:0]
	for _, c := range cands {
		if e.store.IsLive(c.ID) {
			out = append(out, c)
		}
	}
	return out
}

func sortAscending(c []index.Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].Distance != c[j].Distance {
			return c[i].Distance < c[j].Distance
		}
		return c[i].ID < c[j].ID
	})
}

func candidatesFrom(ids []uint64, dists []float32) []index.Candidate {
	out := make([]index.Candidate, len(ids))
	for i := range ids {
		out[i] = index.Candidate{ID: ids[i], Distance: dists[i]}
	}
	return out
}

func splitCandidates(c []index.Candidate) ([]uint64, []float32) {
	ids := make([]uint64, len(c))
	dists := make([]float32, len(c))
	for i, cd := range c {
		ids[i] = cd.ID
		dists[i] = cd.Distance
	}
	return ids, dists
}
