package metaindex

import "testing"

func TestAddQueryRemove(t *testing.T) {
	idx := New()
	idx.AddPair(1, "color", "red")
	idx.AddPair(2, "color", "red")
	idx.AddPair(3, "color", "blue")

	red := idx.Query("color", "red", 0)
	if len(red) != 2 {
		t.Fatalf("Query(color,red) = %v, want 2 ids", red)
	}
	if idx.Count("color", "blue") != 1 {
		t.Fatalf("Count(color,blue) = %d, want 1", idx.Count("color", "blue"))
	}

	idx.Remove(1, []Pair{{Key: "color", Value: "red"}})
	if idx.Has("color", "red", 1) {
		t.Fatal("id 1 should no longer assert color=red")
	}
	if idx.Count("color", "red") != 1 {
		t.Fatalf("Count(color,red) after remove = %d, want 1", idx.Count("color", "red"))
	}
}

func TestQueryMaxBound(t *testing.T) {
	idx := New()
	for i := uint64(0); i < 10; i++ {
		idx.AddPair(i, "k", "v")
	}
	got := idx.Query("k", "v", 3)
	if len(got) != 3 {
		t.Fatalf("Query with max=3 returned %d ids", len(got))
	}
}

func TestQueryEmptyReturnsEmpty(t *testing.T) {
	idx := New()
	if got := idx.Query("nope", "nope", 0); len(got) != 0 {
		t.Fatalf("Query on absent pair should be empty, got %v", got)
	}
}
