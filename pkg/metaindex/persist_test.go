package metaindex

import (
	"bytes"
	"sort"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	idx := New()
	idx.AddPair(1, "color", "red")
	idx.AddPair(2, "color", "red")
	idx.AddPair(3, "color", "blue")
	idx.AddPair(2, "size", "large")

	var buf bytes.Buffer
	if err := idx.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, pair := range []Pair{{Key: "color", Value: "red"}, {Key: "color", Value: "blue"}, {Key: "size", Value: "large"}} {
		want := idx.Query(pair.Key, pair.Value, 0)
		got := loaded.Query(pair.Key, pair.Value, 0)
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		if !equalIDs(want, got) {
			t.Fatalf("Query(%s,%s) after round-trip = %v, want %v", pair.Key, pair.Value, got, want)
		}
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("nope")
	if _, err := Load(buf); err == nil {
		t.Fatal("Load with bad magic should fail")
	}
}

func equalIDs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
