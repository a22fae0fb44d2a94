package quantization

import (
	"bytes"
	"math/rand"
	"testing"
)

func randomVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = rng.Float32()
		}
		out[i] = v
	}
	return out
}

func TestNewCodebookValidatesShape(t *testing.T) {
	if _, err := NewCodebook(10, 3, 4); err == nil {
		t.Fatal("dimension not divisible by subspace count should error")
	}
	if _, err := NewCodebook(8, 4, 300); err == nil {
		t.Fatal("centroid count above 256 should error")
	}
}

func TestTrainEncodeDecode(t *testing.T) {
	cb, err := NewCodebook(8, 4, 4)
	if err != nil {
		t.Fatalf("NewCodebook: %v", err)
	}
	vectors := randomVectors(64, 8, 1)
	if err := cb.Train(vectors, 15); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if !cb.Trained() {
		t.Fatal("Trained() should be true after Train")
	}

	codes, err := cb.Encode(vectors[0])
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(codes) != 4 {
		t.Fatalf("Encode produced %d codes, want 4", len(codes))
	}

	recon, err := cb.Decode(codes)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(recon) != 8 {
		t.Fatalf("Decode produced %d-dim vector, want 8", len(recon))
	}
}

func TestTrainIsDeterministic(t *testing.T) {
	vectors := randomVectors(64, 8, 7)
	cb1, _ := NewCodebook(8, 4, 4)
	cb2, _ := NewCodebook(8, 4, 4)
	if err := cb1.Train(vectors, 10); err != nil {
		t.Fatalf("Train cb1: %v", err)
	}
	if err := cb2.Train(vectors, 10); err != nil {
		t.Fatalf("Train cb2: %v", err)
	}
	c1, _ := cb1.Encode(vectors[3])
	c2, _ := cb2.Encode(vectors[3])
	if !bytes.Equal(c1, c2) {
		t.Fatalf("training the same data twice should yield identical codes, got %v vs %v", c1, c2)
	}
}

func TestEncodeBeforeTrainReturnsNotTrained(t *testing.T) {
	cb, _ := NewCodebook(8, 4, 4)
	if _, err := cb.Encode(make([]float32, 8)); err == nil {
		t.Fatal("Encode before Train should error")
	}
}

func TestDistanceTableAndADCAgreeWithDirectDistance(t *testing.T) {
	cb, _ := NewCodebook(8, 4, 8)
	vectors := randomVectors(128, 8, 3)
	if err := cb.Train(vectors, 20); err != nil {
		t.Fatalf("Train: %v", err)
	}

	query := vectors[0]
	codes, _ := cb.Encode(vectors[10])
	table, err := cb.DistanceTable(query)
	if err != nil {
		t.Fatalf("DistanceTable: %v", err)
	}
	adc := ADC(table, codes)

	recon, _ := cb.Decode(codes)
	direct := squaredEuclidean(query, recon)
	// ADC sums per-subspace terms, so float32 rounding can differ from the
	// single-pass sum in the last bits.
	if diff := adc - direct; diff > 1e-5*direct || diff < -1e-5*direct {
		t.Fatalf("ADC(%v) should equal direct squared distance to the decoded centroid (%v)", adc, direct)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cb, _ := NewCodebook(8, 4, 4)
	vectors := randomVectors(64, 8, 5)
	if err := cb.Train(vectors, 10); err != nil {
		t.Fatalf("Train: %v", err)
	}

	var buf bytes.Buffer
	if err := cb.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadCodebook(&buf)
	if err != nil {
		t.Fatalf("LoadCodebook: %v", err)
	}
	if loaded.Dim() != cb.Dim() || loaded.M() != cb.M() || loaded.K() != cb.K() {
		t.Fatalf("loaded shape mismatch: got dim=%d m=%d k=%d", loaded.Dim(), loaded.M(), loaded.K())
	}

	want, _ := cb.Encode(vectors[0])
	got, err := loaded.Encode(vectors[0])
	if err != nil {
		t.Fatalf("Encode on loaded codebook: %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Fatalf("loaded codebook encodes differently: got %v want %v", got, want)
	}
}
