package correlation

import (
	"context"
	"testing"
)

func TestEnsure(t *testing.T) {
	ctx, cid := Ensure(context.Background())
	if cid == "" {
		t.Fatalf("empty correlation id")
	}
	if got := ID(ctx); got != cid {
		t.Fatalf("ID = %q, want %q", got, cid)
	}
	// Ensure on a context that already carries an id keeps it.
	ctx2, cid2 := Ensure(ctx)
	if cid2 != cid {
		t.Fatalf("Ensure replaced id %q with %q", cid, cid2)
	}
	if ctx2 != ctx && ID(ctx2) != cid {
		t.Fatalf("id lost on second Ensure")
	}
}

func TestGenerateUnique(t *testing.T) {
	if Generate() == Generate() {
		t.Fatalf("consecutive ids collide")
	}
}
