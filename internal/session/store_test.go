package session

import (
	"context"
	"testing"
)

func TestTokenStore_RoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	// Empty store yields no token, not an error.
	token, err := store.Load(ctx, "parent@example.com")
	if err != nil {
		t.Fatalf("Load on empty store failed: %v", err)
	}
	if token != "" {
		t.Errorf("Load on empty store = %q, want empty", token)
	}

	if err := store.Save(ctx, "parent@example.com", "refresh-1"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Rotation overwrites in place.
	if err := store.Save(ctx, "parent@example.com", "refresh-2"); err != nil {
		t.Fatalf("Save (rotation) failed: %v", err)
	}

	token, err = store.Load(ctx, "parent@example.com")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if token != "refresh-2" {
		t.Errorf("Load = %q, want refresh-2", token)
	}

	if err := store.Delete(ctx, "parent@example.com"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	token, err = store.Load(ctx, "parent@example.com")
	if err != nil {
		t.Fatalf("Load after delete failed: %v", err)
	}
	if token != "" {
		t.Errorf("Load after delete = %q, want empty", token)
	}
}

func TestTokenStore_PerAccountIsolation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "a@example.com", "token-a"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(ctx, "b@example.com", "token-b"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	token, err := store.Load(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if token != "token-a" {
		t.Errorf("Load(a) = %q, want token-a", token)
	}
}
