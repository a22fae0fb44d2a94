package hybrid

import (
	"testing"

	"github.com/gigavector/gigavector/pkg/kernel"
)

func scoreOf(results []Result, id uint64) (float64, bool) {
	for _, r := range results {
		if r.ID == id {
			return r.Score, true
		}
	}
	return 0, false
}

func TestFuseLinearFavorsAgreement(t *testing.T) {
	dense := []DenseResult{{ID: 1, Distance: 0}, {ID: 2, Distance: 1}}
	text := []TextResult{{ID: 1, Score: 10}, {ID: 2, Score: 1}}
	got, err := Fuse(dense, text, Config{Method: MethodLinear, WeightVector: 0.5, WeightText: 0.5, Metric: kernel.Euclidean})
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].ID != 1 {
		t.Fatalf("Fuse[0].ID = %d, want 1 (agrees in both lists)", got[0].ID)
	}
}

func TestFuseLinearRejectsZeroWeights(t *testing.T) {
	dense := []DenseResult{{ID: 1, Distance: 0}}
	if _, err := Fuse(dense, nil, Config{Method: MethodLinear, Metric: kernel.Euclidean}); err == nil {
		t.Fatalf("Fuse with both weights zero: want error, got nil")
	}
}

func TestFuseRejectsNegativeWeights(t *testing.T) {
	dense := []DenseResult{{ID: 1, Distance: 0}}
	if _, err := Fuse(dense, nil, Config{Method: MethodLinear, WeightVector: -1, Metric: kernel.Euclidean}); err == nil {
		t.Fatalf("Fuse with negative weight: want error, got nil")
	}
}

func TestFuseRRFUnweightedSumsBothLists(t *testing.T) {
	dense := []DenseResult{{ID: 1, Distance: 0}, {ID: 2, Distance: 1}}
	text := []TextResult{{ID: 1, Score: 1}}
	got, err := Fuse(dense, text, Config{Method: MethodRRF, RRFConstant: 60})
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	s1, ok := scoreOf(got, 1)
	if !ok {
		t.Fatalf("id 1 missing from result")
	}
	want := 1.0/61 + 1.0/61
	if diff := s1 - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("score(1) = %v, want %v", s1, want)
	}
	if got[0].ID != 1 {
		t.Fatalf("Fuse[0].ID = %d, want 1 (appears in both lists)", got[0].ID)
	}
}

func TestFuseWeightedRRFAppliesPerListWeight(t *testing.T) {
	dense := []DenseResult{{ID: 1, Distance: 0}}
	text := []TextResult{{ID: 2, Score: 1}}
	got, err := Fuse(dense, text, Config{Method: MethodWeightedRRF, WeightVector: 2, WeightText: 1, RRFConstant: 60})
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	s1, _ := scoreOf(got, 1)
	s2, _ := scoreOf(got, 2)
	if s1 <= s2 {
		t.Fatalf("score(1)=%v should exceed score(2)=%v since dense is weighted 2x", s1, s2)
	}
}

func TestFuseUnionIncludesTextOnlyIDs(t *testing.T) {
	dense := []DenseResult{{ID: 1, Distance: 0}}
	text := []TextResult{{ID: 2, Score: 1}}
	got, err := Fuse(dense, text, Config{Method: MethodRRF})
	if err != nil {
		t.Fatalf("Fuse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2 (union of both lists)", len(got))
	}
}
