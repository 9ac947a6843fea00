package server

import (
	"context"
	"testing"
)

func TestStartRefusesNilPool(t *testing.T) {
	_, _, err := Start(context.Background(), Config{})
	if err != ErrNilPool {
		t.Fatalf("expected ErrNilPool, got %v", err)
	}
}
