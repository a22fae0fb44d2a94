package vectorstore

import (
	"bytes"
	"testing"
)

func TestAddGetCount(t *testing.T) {
	s, err := New(3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	for i, v := range want {
		id, err := s.Add(v, nil)
		if err != nil {
			t.Fatalf("Add(%d): %v", i, err)
		}
		if id != uint64(i) {
			t.Fatalf("Add(%d): got id %d, want %d", i, id, i)
		}
	}

	if got := s.Count(); got != len(want) {
		t.Fatalf("Count() = %d, want %d", got, len(want))
	}

	for i, v := range want {
		got, err := s.Get(uint64(i))
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		for j := range v {
			if got[j] != v[j] {
				t.Fatalf("Get(%d)[%d] = %v, want %v", i, j, got[j], v[j])
			}
		}
	}
}

func TestAddDimensionMismatch(t *testing.T) {
	s, _ := New(3)
	if _, err := s.Add([]float32{1, 2}, nil); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestDeleteIsTombstoneAndIdempotent(t *testing.T) {
	s, _ := New(2)
	id, _ := s.Add([]float32{1, 2}, nil)

	if err := s.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(id); err != nil {
		t.Fatalf("second Delete should be idempotent, got %v", err)
	}
	if _, err := s.Get(id); err == nil {
		t.Fatal("Get on tombstoned id should fail")
	}
	if s.Count() != 1 {
		t.Fatalf("Count() after delete should still count tombstones, got %d", s.Count())
	}
}

func TestUpdateOverwritesInPlace(t *testing.T) {
	s, _ := New(2)
	id, _ := s.Add([]float32{1, 2}, Metadata{{Key: "color", Value: "red"}})

	if err := s.Update(id, []float32{3, 4}, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := s.Get(id)
	if got[0] != 3 || got[1] != 4 {
		t.Fatalf("Update did not overwrite data, got %v", got)
	}
	meta, _ := s.GetMetadata(id)
	if v, _ := meta.Get("color"); v != "red" {
		t.Fatalf("Update with nil metadata should preserve old metadata, got %v", meta)
	}
}

func TestUpdateOnTombstonedFails(t *testing.T) {
	s, _ := New(2)
	id, _ := s.Add([]float32{1, 2}, nil)
	_ = s.Delete(id)
	if err := s.Update(id, []float32{5, 6}, nil); err == nil {
		t.Fatal("Update on tombstoned id should fail")
	}
}

func TestCompactRenumbersSurvivors(t *testing.T) {
	s, _ := New(1)
	ids := make([]uint64, 5)
	for i := range ids {
		ids[i], _ = s.Add([]float32{float32(i)}, nil)
	}
	_ = s.Delete(ids[1])
	_ = s.Delete(ids[3])

	mapping, err := s.Compact()
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(mapping) != 3 {
		t.Fatalf("expected 3 survivors, got %d", len(mapping))
	}
	if s.Count() != 3 {
		t.Fatalf("Count() after compact = %d, want 3", s.Count())
	}
	for oldID, newID := range mapping {
		want, _ := s.Get(newID)
		orig := float32(oldID)
		if want[0] != orig {
			t.Fatalf("compacted id %d holds %v, want original value %v", newID, want, orig)
		}
	}
}

func TestBatchAddAtomicCount(t *testing.T) {
	s, _ := New(2)
	ids, err := s.BatchAdd([]float32{1, 2, 3, 4, 5, 6}, 3)
	if err != nil {
		t.Fatalf("BatchAdd: %v", err)
	}
	if len(ids) != 3 || s.Count() != 3 {
		t.Fatalf("BatchAdd did not add all 3 vectors atomically: ids=%v count=%d", ids, s.Count())
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, _ := New(2)
	a, _ := s.Add([]float32{1, 2}, Metadata{{Key: "k", Value: "v"}})
	b, _ := s.Add([]float32{3, 4}, nil)
	_ = s.Delete(b)

	var buf bytes.Buffer
	if err := s.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, _ := New(1)
	if err := loaded.Load(&buf); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.Dimension() != 2 || loaded.Count() != 2 {
		t.Fatalf("loaded store shape mismatch: dim=%d count=%d", loaded.Dimension(), loaded.Count())
	}
	got, err := loaded.Get(a)
	if err != nil || got[0] != 1 || got[1] != 2 {
		t.Fatalf("loaded vector mismatch: got=%v err=%v", got, err)
	}
	if loaded.IsLive(b) {
		t.Fatal("tombstone flag should survive round trip")
	}
}
