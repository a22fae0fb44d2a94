package gigavector

import (
	"bytes"
	"testing"

	"github.com/gigavector/gigavector/pkg/kernel"
	"github.com/gigavector/gigavector/pkg/metaindex"
	"github.com/gigavector/gigavector/pkg/vectorstore"
)

func TestOpenFlatInsertAndSearch(t *testing.T) {
	db, err := Open(DefaultConfig(3))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Insert("a", []float32{1, 0, 0}, nil); err != nil {
		t.Fatalf("Insert a: %v", err)
	}
	if err := db.Insert("b", []float32{0, 1, 0}, nil); err != nil {
		t.Fatalf("Insert b: %v", err)
	}
	if err := db.Insert("c", []float32{0, 0, 1}, nil); err != nil {
		t.Fatalf("Insert c: %v", err)
	}

	got, err := db.Search([]float32{1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" || got[0].Distance != 0 {
		t.Fatalf("Search([1,0,0],1) = %+v, want [{a 0}]", got)
	}
}

func TestOpenHNSWInsertAndSearch(t *testing.T) {
	cfg := DefaultConfig(4)
	db, err := Open(cfg, WithIndex(IndexHNSW))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i, v := range [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}} {
		id := string(rune('a' + i))
		if err := db.Insert(id, v, nil); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}
	got, err := db.Search([]float32{1, 0, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("Search = %+v, want id=a first", got)
	}
}

func TestDeleteRemovesFromResults(t *testing.T) {
	db, err := Open(DefaultConfig(2))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Insert("a", []float32{0, 0}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Insert("b", []float32{10, 10}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := db.Delete("a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Get("a"); err == nil {
		t.Fatal("Get(a) should fail after Delete")
	}
	got, err := db.Search([]float32{0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("Search after delete = %+v, want only b", got)
	}
}

func TestFilteredSearch(t *testing.T) {
	db, err := Open(DefaultConfig(1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 10; i++ {
		color := "blue"
		if i < 5 {
			color = "red"
		}
		id := string(rune('a' + i))
		if err := db.Insert(id, []float32{float32(i)}, vectorstore.Metadata{{Key: "color", Value: color}}); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}
	expr, err := metaindex.Parse(`color == "red"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := db.FilteredSearch([]float32{0}, 10, expr)
	if err != nil {
		t.Fatalf("FilteredSearch: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("FilteredSearch(color==red) returned %d results, want 5", len(got))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	db, err := Open(DefaultConfig(2))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Insert("a", []float32{1, 2}, vectorstore.Metadata{{Key: "k", Value: "v"}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var buf bytes.Buffer
	if err := db.SaveTo(&buf); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	restored, err := Open(DefaultConfig(2))
	if err != nil {
		t.Fatalf("Open restored: %v", err)
	}
	if err := restored.LoadFrom(&buf); err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	vec, err := restored.Get("a")
	if err != nil {
		t.Fatalf("Get after LoadFrom: %v", err)
	}
	if len(vec) != 2 || vec[0] != 1 || vec[1] != 2 {
		t.Fatalf("Get(a) after LoadFrom = %v, want [1 2]", vec)
	}
}

func TestIVFPQRequiresTrainBeforeInsert(t *testing.T) {
	cfg := DefaultConfig(8)
	cfg.IVFPQ = IVFPQConfig{NList: 4, NProbe: 2, PQM: 2, PQNbits: 4, TrainIters: 5, Seed: 1}
	db, err := Open(cfg, WithIndex(IndexIVFPQ))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := db.Insert("a", make([]float32, 8), nil); err == nil {
		t.Fatal("Insert before Train should fail")
	}

	vectors := make([][]float32, 32)
	for i := range vectors {
		v := make([]float32, 8)
		for d := range v {
			v[d] = float32((i + d) % 7)
		}
		vectors[i] = v
	}
	if err := db.Train(vectors); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if err := db.Insert("a", vectors[0], nil); err != nil {
		t.Fatalf("Insert after Train: %v", err)
	}
	if _, err := db.Search(vectors[0], 1); err != nil {
		t.Fatalf("Search after Train: %v", err)
	}
}

func TestIVFPQSaveLoadRoundTripSearchable(t *testing.T) {
	cfg := DefaultConfig(8)
	cfg.IVFPQ = IVFPQConfig{NList: 4, NProbe: 4, PQM: 2, PQNbits: 4, TrainIters: 5, Seed: 1}
	db, err := Open(cfg, WithIndex(IndexIVFPQ))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	vectors := make([][]float32, 32)
	for i := range vectors {
		v := make([]float32, 8)
		for d := range v {
			v[d] = float32((i + d) % 7)
		}
		vectors[i] = v
	}
	if err := db.Train(vectors); err != nil {
		t.Fatalf("Train: %v", err)
	}
	for i, v := range vectors {
		id := string(rune('a' + i))
		if err := db.Insert(id, v, nil); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}

	var buf bytes.Buffer
	if err := db.SaveTo(&buf); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	restored, err := Open(cfg, WithIndex(IndexIVFPQ))
	if err != nil {
		t.Fatalf("Open restored: %v", err)
	}
	if err := restored.LoadFrom(&buf); err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	// The reloaded database must be searchable with no further Train call:
	// the PQ codebook travels with the snapshot.
	got, err := restored.Search(vectors[5], 3)
	if err != nil {
		t.Fatalf("Search after LoadFrom: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected non-empty results after LoadFrom")
	}
}

func TestOpenRejectsNonPositiveDimension(t *testing.T) {
	if _, err := Open(DefaultConfig(0)); err == nil {
		t.Fatal("Open with Dimension=0 should fail")
	}
}

func TestWithMetricOption(t *testing.T) {
	db, err := Open(DefaultConfig(2), WithMetric(kernel.Cosine))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if db.cfg.Metric != kernel.Cosine {
		t.Fatalf("cfg.Metric = %v, want Cosine", db.cfg.Metric)
	}
}
