// Package query implements GigaVector's QueryEngine: the dispatch layer
// that argument-validates, consults ResultCache, routes metadata filters to
// a pre-filter or post-filter execution path, and fans out to whichever ANN
// index (Flat/HNSW/IVFPQ) backs the engine, plus range search, hybrid
// fusion, and MMR diversification atop the same candidate machinery.
// Grounded on sqvect's pkg/core/store_search.go and
// pkg/core/advanced_search.go option-struct-driven search dispatch,
// restructured around GigaVector's uint64 id space and its own
// pkg/index/pkg/metaindex/pkg/resultcache components.
package query

import (
	"github.com/gigavector/gigavector/pkg/index"
	"github.com/gigavector/gigavector/pkg/vectorstore"
)

// Index is the minimal surface QueryEngine needs from a backing ANN index:
// top-k search over the whole index. FlatAdapter, HNSWAdapter, and
// IVFPQAdapter below implement it (and optionally RangeSearcher, Mutator,
// Deleter) over the corresponding pkg/index type.
type Index interface {
	Search(query []float32, k int) ([]index.Candidate, error)
}

// RangeSearcher is implemented by indexes that can answer a radius query
// directly rather than through Engine's Search-then-filter fallback.
type RangeSearcher interface {
	RangeSearch(query []float32, radius float32) ([]index.Candidate, error)
}

// Mutator is implemented by indexes that maintain their own online
// structure and must be told about new vectors (HNSW, IVFPQ). FlatIndex
// scans VectorStore directly and needs no mutation hook.
type Mutator interface {
	Insert(id uint64, vector []float32) error
}

// Deleter is implemented by indexes that track per-id state needing
// explicit tombstoning beyond VectorStore's own tombstone bit.
type Deleter interface {
	Delete(id uint64) error
}

// storeSource adapts *vectorstore.Store to index.VectorSource, scanning
// every live vector.
type storeSource struct {
	store *vectorstore.Store
}

func (s storeSource) Each(fn func(id uint64, vector []float32)) {
	s.store.Range(func(id uint64, vec []float32, _ vectorstore.Metadata) {
		fn(id, vec)
	})
}

// idSetSource adapts a known subset of ids (e.g. from a metadata
// pre-filter) to index.VectorSource, looking each one up in the store.
type idSetSource struct {
	store *vectorstore.Store
	ids   []uint64
}

func (s idSetSource) Each(fn func(id uint64, vector []float32)) {
	for _, id := range s.ids {
		vec, err := s.store.Get(id)
		if err != nil {
			continue
		}
		fn(id, vec)
	}
}

// FlatAdapter exposes an index.FlatIndex through the Index/RangeSearcher
// interfaces. Flat has no online structure of its own (it scans
// VectorStore every call), so Insert/Delete are no-ops.
type FlatAdapter struct {
	Flat  *index.FlatIndex
	Store *vectorstore.Store
}

func (a *FlatAdapter) Search(query []float32, k int) ([]index.Candidate, error) {
	return a.Flat.Search(storeSource{a.Store}, query, k)
}

func (a *FlatAdapter) RangeSearch(query []float32, radius float32) ([]index.Candidate, error) {
	return a.Flat.RangeSearch(storeSource{a.Store}, query, radius)
}

func (a *FlatAdapter) Insert(uint64, []float32) error { return nil }
func (a *FlatAdapter) Delete(uint64) error             { return nil }

// HNSWAdapter exposes an index.HNSWIndex through Index/Mutator/Deleter,
// fixing the ef_search parameter used by every Engine-issued query.
type HNSWAdapter struct {
	HNSW     *index.HNSWIndex
	EfSearch int
}

func (a *HNSWAdapter) Search(query []float32, k int) ([]index.Candidate, error) {
	return a.HNSW.Search(query, k, a.EfSearch)
}

func (a *HNSWAdapter) Insert(id uint64, vector []float32) error {
	return a.HNSW.Insert(id, vector)
}

func (a *HNSWAdapter) Delete(id uint64) error {
	return a.HNSW.MarkDeleted(id)
}

// IVFPQAdapter exposes an index.IVFPQIndex through Index/Mutator. Delete is
// intentionally not implemented: IVFPQIndex.Delete needs the list an id
// landed in, which the adapter does not track; correctness instead relies
// on Engine filtering every search result against VectorStore's tombstone
// bit before returning it.
type IVFPQAdapter struct {
	IVFPQ *index.IVFPQIndex
}

func (a *IVFPQAdapter) Search(query []float32, k int) ([]index.Candidate, error) {
	return a.IVFPQ.Search(query, k)
}

func (a *IVFPQAdapter) Insert(id uint64, vector []float32) error {
	return a.IVFPQ.Insert(id, vector)
}
