// Package index implements GigaVector's ANN index family: FlatIndex (exact
// brute-force), HNSWIndex (layered graph approximate search), and IVFPQIndex
// (inverted-file search over product-quantized residuals). All three share
// GigaVector's uint64 internal id space and dispatch against
// pkg/kernel.Func. None of them consults pkg/metaindex: the metadata
// pre-filter fast path lives in pkg/query, which hands FlatIndex a
// pre-filtered VectorSource.
//
// FlatIndex is grounded on sqvect's pkg/index/flat.go brute-force
// scan + bounded max-heap shape, generalized from sqvect's string ids
// and fixed distFunc to GigaVector's uint64 ids and pluggable
// pkg/kernel.Func.
package index

import (
	"container/heap"

	"github.com/gigavector/gigavector/pkg/errs"
	"github.com/gigavector/gigavector/pkg/kernel"
)

// Candidate is a single scored result: an internal vector id and its
// distance under the index's configured metric.
type Candidate struct {
	ID       uint64
	Distance float32
}

// FlatIndex performs exact k-NN by linear scan. It holds no copy of vector
// data; it is handed vectors by the caller (normally pkg/vectorstore) on
// every search, matching the "exact search over VectorStore"
// relationship rather than duplicating storage.
type FlatIndex struct {
	dimension int
	metric    kernel.Metric
	distFunc  kernel.Func
}

// NewFlatIndex creates a FlatIndex over dimension-sized vectors using the
// given metric.
func NewFlatIndex(dimension int, metric kernel.Metric) *FlatIndex {
	return &FlatIndex{dimension: dimension, metric: metric, distFunc: kernel.ByMetric(metric)}
}

// Metric reports the configured distance metric.
func (f *FlatIndex) Metric() kernel.Metric { return f.metric }

// VectorSource supplies (id, vector) pairs for FlatIndex to scan. pkg/query
// adapts both a whole pkg/vectorstore.Store (storeSource) and a
// pre-filtered id slice (idSetSource) to it.
type VectorSource interface {
	// Each calls fn once per live vector with its id and a borrowed vector
	// slice; fn must not retain the slice past the call.
	Each(fn func(id uint64, vector []float32))
}

// Search performs exact k-NN over every vector source yields, returning up
// to k candidates ordered by ascending distance with id as a tiebreak.
func (f *FlatIndex) Search(source VectorSource, query []float32, k int) ([]Candidate, error) {
	if len(query) != f.dimension {
		return nil, errs.Newf(errs.KindInvalidArgument, "index.FlatIndex.Search", "query dimension %d != index dimension %d", len(query), f.dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	h := &maxHeap{}
	heap.Init(h)
	source.Each(func(id uint64, vector []float32) {
		d := f.distFunc(query, vector)
		if h.Len() < k {
			heap.Push(h, Candidate{ID: id, Distance: d})
			return
		}
		if d < (*h)[0].Distance || (d == (*h)[0].Distance && id < (*h)[0].ID) {
			heap.Pop(h)
			heap.Push(h, Candidate{ID: id, Distance: d})
		}
	})

	return drainSorted(h), nil
}

// RangeSearch returns every vector within radius of query, ordered by
// ascending distance with id as a tiebreak.
func (f *FlatIndex) RangeSearch(source VectorSource, query []float32, radius float32) ([]Candidate, error) {
	if len(query) != f.dimension {
		return nil, errs.Newf(errs.KindInvalidArgument, "index.FlatIndex.RangeSearch", "query dimension %d != index dimension %d", len(query), f.dimension)
	}

	var out []Candidate
	source.Each(func(id uint64, vector []float32) {
		d := f.distFunc(query, vector)
		if d <= radius {
			out = append(out, Candidate{ID: id, Distance: d})
		}
	})
	sortCandidates(out)
	return out, nil
}

func sortCandidates(c []Candidate) {
	// Small-to-medium result sets; insertion sort is simple and stable, and
	// filtered range queries rarely return enough hits for asymptotics to
	// matter relative to the scan itself.
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && less(c[j], c[j-1]); j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

func less(a, b Candidate) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

func drainSorted(h *maxHeap) []Candidate {
	n := h.Len()
	out := make([]Candidate, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Candidate)
	}
	return out
}

// maxHeap is a bounded max-heap on Distance (ties broken by larger id sitting
// on top, so the smallest-id record among equal distances is kept when a
// new equal-distance candidate arrives), used to keep the k best candidates
// seen so far while scanning in O(n log k).
type maxHeap []Candidate

func (h maxHeap) Len() int { return len(h) }
func (h maxHeap) Less(i, j int) bool {
	if h[i].Distance != h[j].Distance {
		return h[i].Distance > h[j].Distance
	}
	return h[i].ID > h[j].ID
}
func (h maxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *maxHeap) Push(x interface{}) {
	*h = append(*h, x.(Candidate))
}

func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
