package index

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/gigavector/gigavector/pkg/kernel"
)

type memFetcher struct {
	vectors map[uint64][]float32
	live    map[uint64]bool
}

func newMemFetcher() *memFetcher {
	return &memFetcher{vectors: make(map[uint64][]float32), live: make(map[uint64]bool)}
}

func (f *memFetcher) add(id uint64, v []float32) {
	f.vectors[id] = v
	f.live[id] = true
}

func (f *memFetcher) Fetch(id uint64) ([]float32, bool) {
	v, ok := f.vectors[id]
	if !ok {
		return nil, false
	}
	return v, f.live[id]
}

func randVec(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()
	}
	return v
}

func TestHNSWInsertAndSearchFindsExactMatch(t *testing.T) {
	fetch := newMemFetcher()
	h := NewHNSWIndex(4, kernel.Euclidean, 8, 32, 42, fetch)

	rng := rand.New(rand.NewSource(1))
	for i := uint64(0); i < 50; i++ {
		v := randVec(rng, 4)
		fetch.add(i, v)
		if err := h.Insert(i, v); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	target, _ := fetch.Fetch(10)
	got, err := h.Search(target, 1, 64)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != 10 {
		t.Fatalf("Search for exact vector 10 = %+v, want id 10 first", got)
	}
}

func TestHNSWSearchEmptyIndexReturnsEmpty(t *testing.T) {
	fetch := newMemFetcher()
	h := NewHNSWIndex(4, kernel.Euclidean, 8, 32, 1, fetch)
	got, err := h.Search([]float32{1, 2, 3, 4}, 5, 32)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Search on empty graph = %+v, want empty", got)
	}
}

func TestHNSWMarkDeletedExcludesFromResultsButStaysTraversable(t *testing.T) {
	fetch := newMemFetcher()
	h := NewHNSWIndex(2, kernel.Euclidean, 4, 16, 7, fetch)

	pts := [][2]float32{{0, 0}, {1, 0}, {2, 0}, {3, 0}, {4, 0}}
	for i, p := range pts {
		v := []float32{p[0], p[1]}
		fetch.add(uint64(i), v)
		if err := h.Insert(uint64(i), v); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	fetch.live[0] = false
	if err := h.MarkDeleted(0); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	got, err := h.Search([]float32{0, 0}, 5, 32)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, c := range got {
		if c.ID == 0 {
			t.Fatal("tombstoned id 0 should not appear in search results")
		}
	}
	if len(got) != 4 {
		t.Fatalf("Search after one deletion returned %d results, want 4", len(got))
	}
}

func TestHNSWSaveLoadRoundTrip(t *testing.T) {
	fetch := newMemFetcher()
	h := NewHNSWIndex(3, kernel.Euclidean, 6, 24, 99, fetch)
	rng := rand.New(rand.NewSource(2))
	for i := uint64(0); i < 20; i++ {
		v := randVec(rng, 3)
		fetch.add(i, v)
		if err := h.Insert(i, v); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}

	var buf bytes.Buffer
	if err := h.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadHNSWIndex(&buf, kernel.Euclidean, 99, fetch)
	if err != nil {
		t.Fatalf("LoadHNSWIndex: %v", err)
	}
	if loaded.Size() != h.Size() {
		t.Fatalf("loaded graph has %d nodes, want %d", loaded.Size(), h.Size())
	}

	query, _ := fetch.Fetch(5)
	want, err := h.Search(query, 3, 32)
	if err != nil {
		t.Fatalf("Search on original: %v", err)
	}
	got, err := loaded.Search(query, 3, 32)
	if err != nil {
		t.Fatalf("Search on loaded: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("loaded Search returned %d results, want %d", len(got), len(want))
	}
}
