package log

import (
	"context"
	"errors"
	"testing"
)

func TestNop_Silent(t *testing.T) {
	n := Nop()
	n.With("k", "v").Error(context.Background(), errors.New("x"), "ignored")
	if err := n.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}
