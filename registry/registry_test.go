package registry

import (
	"testing"

	dp "github.com/xmidt-org/devicepool"
)

type fakeHandle struct{ serial dp.Serial }

func (f fakeHandle) Serial() dp.Serial { return f.serial }

func TestInsertAndGet(t *testing.T) {
	var r Registry
	if err := r.Insert(fakeHandle{"A1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h, ok := r.Get("A1")
	if !ok || h.Serial() != "A1" {
		t.Fatalf("expected to find A1, got %+v ok=%v", h, ok)
	}
}

func TestDuplicateInsertRefused(t *testing.T) {
	var r Registry
	if err := r.Insert(fakeHandle{"A1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := r.Insert(fakeHandle{"A1"})
	if err != dp.ErrProgrammingError {
		t.Fatalf("expected ErrProgrammingError, got %v", err)
	}
	if !r.Contains("A1") {
		t.Fatal("original entry should remain after refused duplicate insert")
	}
}

func TestRemoveIfPresent(t *testing.T) {
	var r Registry
	r.Insert(fakeHandle{"A1"})
	h, ok := r.RemoveIfPresent("A1")
	if !ok || h.Serial() != "A1" {
		t.Fatalf("expected to remove A1, got %+v ok=%v", h, ok)
	}
	if _, ok := r.RemoveIfPresent("A1"); ok {
		t.Fatal("expected second removal to report not present")
	}
	if r.Contains("A1") {
		t.Fatal("A1 should no longer be present")
	}
}

func TestValuesSnapshot(t *testing.T) {
	var r Registry
	r.Insert(fakeHandle{"A1"})
	r.Insert(fakeHandle{"B1"})
	vals := r.Values()
	if len(vals) != 2 {
		t.Fatalf("expected 2 values, got %d", len(vals))
	}
}
