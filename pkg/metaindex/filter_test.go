package metaindex

import (
	"testing"

	"github.com/gigavector/gigavector/pkg/vectorstore"
)

func meta(pairs ...string) vectorstore.Metadata {
	m := make(vectorstore.Metadata, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		m = append(m, vectorstore.MetaPair{Key: pairs[i], Value: pairs[i+1]})
	}
	return m
}

func TestParseAndEvalBasic(t *testing.T) {
	e, err := Parse(`color == "red"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ok, err := e.Eval(meta("color", "red"))
	if err != nil || !ok {
		t.Fatalf("Eval(red) = %v, %v, want true", ok, err)
	}
	ok, _ = e.Eval(meta("color", "blue"))
	if ok {
		t.Fatal("Eval(blue) should be false")
	}
}

func TestParseAndOrNot(t *testing.T) {
	e, err := Parse(`(color == "red" OR color == "blue") AND NOT tag == "archived"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ok, err := e.Eval(meta("color", "blue", "tag", "fresh"))
	if err != nil || !ok {
		t.Fatalf("Eval should match, got %v %v", ok, err)
	}
	ok, _ = e.Eval(meta("color", "blue", "tag", "archived"))
	if ok {
		t.Fatal("NOT tag==archived should exclude archived items")
	}
	ok, _ = e.Eval(meta("color", "green"))
	if ok {
		t.Fatal("color green should not match red/blue")
	}
}

func TestNumericComparison(t *testing.T) {
	e, err := Parse(`price > 100`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ok, _ := e.Eval(meta("price", "150"))
	if !ok {
		t.Fatal("150 > 100 should match")
	}
	ok, _ = e.Eval(meta("price", "50"))
	if ok {
		t.Fatal("50 > 100 should not match")
	}
	// Non-parsable strings fail the predicate rather than erroring.
	ok, err = e.Eval(meta("price", "not-a-number"))
	if err != nil || ok {
		t.Fatalf("non-numeric value should fail the predicate silently, got %v %v", ok, err)
	}
}

func TestContainsAndPrefix(t *testing.T) {
	e, _ := Parse(`title CONTAINS "vector"`)
	ok, _ := e.Eval(meta("title", "gigavector engine"))
	if !ok {
		t.Fatal("CONTAINS should match substring")
	}

	e2, _ := Parse(`title PREFIX "giga"`)
	ok2, _ := e2.Eval(meta("title", "gigavector engine"))
	if !ok2 {
		t.Fatal("PREFIX should match prefix")
	}
	ok3, _ := e2.Eval(meta("title", "not-giga"))
	if ok3 {
		t.Fatal("PREFIX should not match non-prefix occurrence")
	}
}

func TestMissingFieldIsFalseNotError(t *testing.T) {
	e, _ := Parse(`missing == "x"`)
	ok, err := e.Eval(meta("color", "red"))
	if err != nil || ok {
		t.Fatalf("missing field should evaluate false without error, got %v %v", ok, err)
	}
}
