package index

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/gigavector/gigavector/pkg/kernel"
	"github.com/gigavector/gigavector/pkg/quantization"
)

func buildTrainedIVFPQ(t *testing.T, dim, n, nlist, m, k int) (*IVFPQIndex, [][]float32, []uint64) {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	vectors := make([][]float32, n)
	ids := make([]uint64, n)
	for i := range vectors {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()*2 - 1
		}
		vectors[i] = v
		ids[i] = uint64(i + 1)
	}

	ix, err := NewIVFPQIndex(dim, kernel.Euclidean, nlist, nlist)
	if err != nil {
		t.Fatalf("NewIVFPQIndex: %v", err)
	}
	if err := ix.TrainCoarse(vectors, 10, 7); err != nil {
		t.Fatalf("TrainCoarse: %v", err)
	}

	residuals := make([][]float32, n)
	for i, v := range vectors {
		res, _, err := ix.Residual(v)
		if err != nil {
			t.Fatalf("Residual: %v", err)
		}
		residuals[i] = res
	}
	codebook, err := quantization.NewCodebook(dim, m, k)
	if err != nil {
		t.Fatalf("NewCodebook: %v", err)
	}
	if err := ix.TrainCodebook(codebook, residuals, 10); err != nil {
		t.Fatalf("TrainCodebook: %v", err)
	}

	for i, v := range vectors {
		if err := ix.Insert(ids[i], v); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	return ix, vectors, ids
}

func TestIVFPQSearchFindsInsertedVector(t *testing.T) {
	ix, vectors, ids := buildTrainedIVFPQ(t, 8, 200, 8, 4, 16)

	target := 50
	results, err := ix.Search(vectors[target], 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected non-empty results")
	}
	found := false
	for _, r := range results {
		if r.ID == ids[target] {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected id %d among top results, got %+v", ids[target], results)
	}
}

func TestIVFPQSearchBeforeTrainingReturnsNotTrained(t *testing.T) {
	ix, err := NewIVFPQIndex(8, kernel.Euclidean, 4, 4)
	if err != nil {
		t.Fatalf("NewIVFPQIndex: %v", err)
	}
	_, err = ix.Search(make([]float32, 8), 5)
	if err == nil {
		t.Fatal("expected error before training")
	}
}

func TestIVFPQDeleteExcludesFromResults(t *testing.T) {
	ix, vectors, ids := buildTrainedIVFPQ(t, 8, 100, 4, 4, 16)

	target := 10
	_, list, err := ix.Residual(vectors[target])
	if err != nil {
		t.Fatalf("Residual: %v", err)
	}
	if err := ix.Delete(list, ids[target]); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	results, err := ix.Search(vectors[target], 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.ID == ids[target] {
			t.Errorf("deleted id %d still present in results", ids[target])
		}
	}
}

func TestIVFPQSaveLoadRoundTrip(t *testing.T) {
	ix, vectors, ids := buildTrainedIVFPQ(t, 8, 120, 4, 4, 16)

	target := 30
	want, err := ix.Search(vectors[target], 5)
	if err != nil {
		t.Fatalf("Search before save: %v", err)
	}

	var buf bytes.Buffer
	if err := ix.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadIVFPQIndex(&buf, kernel.Euclidean)
	if err != nil {
		t.Fatalf("LoadIVFPQIndex: %v", err)
	}
	if loaded.Size() != ix.Size() {
		t.Errorf("Size mismatch after reload: got %d, want %d", loaded.Size(), ix.Size())
	}

	// The loaded index must be queryable with no separate codebook
	// attachment: Search/Insert depend on it directly.
	got, err := loaded.Search(vectors[target], 5)
	if err != nil {
		t.Fatalf("Search after reload: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("result count mismatch after reload: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Distance != want[i].Distance {
			t.Errorf("result %d mismatch after reload: got %+v, want %+v", i, got[i], want[i])
		}
	}

	if err := loaded.Insert(ids[len(ids)-1]+1, vectors[target]); err != nil {
		t.Fatalf("Insert after reload: %v", err)
	}
}

func TestIVFPQSetNProbeClampsToListCount(t *testing.T) {
	ix, err := NewIVFPQIndex(8, kernel.Euclidean, 4, 1)
	if err != nil {
		t.Fatalf("NewIVFPQIndex: %v", err)
	}
	ix.SetNProbe(100)
	if ix.nprobe != 4 {
		t.Errorf("expected nprobe clamped to nlist=4, got %d", ix.nprobe)
	}
	ix.SetNProbe(0)
	if ix.nprobe != 1 {
		t.Errorf("expected nprobe floored to 1, got %d", ix.nprobe)
	}
}
