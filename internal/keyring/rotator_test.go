package keyring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rosaviel/elara/internal/prefs"
)

func newTestRotator(t *testing.T, opts ...Option) (*Rotator, prefs.Store) {
	t.Helper()
	store, err := prefs.Open(filepath.Join(t.TempDir(), "prefs.db"))
	if err != nil {
		t.Fatalf("prefs.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(context.Background(), store, opts...), store
}

func TestCurrentEmptySetReturnsNone(t *testing.T) {
	r, _ := newTestRotator(t)
	if _, ok := r.Current(context.Background()); ok {
		t.Fatalf("Current() on empty set ok = true, want false")
	}
}

func TestAddIgnoresBlankAndDuplicate(t *testing.T) {
	r, _ := newTestRotator(t)
	ctx := context.Background()

	r.Add(ctx, "key-a")
	r.Add(ctx, "  ")
	r.Add(ctx, "key-a")

	if got := r.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
}

func TestMarkCurrentExhaustedRotatesToOtherKey(t *testing.T) {
	r, _ := newTestRotator(t)
	ctx := context.Background()
	r.SetAll(ctx, []string{"key-a", "key-b"})

	first, ok := r.Current(ctx)
	if !ok || first != "key-a" {
		t.Fatalf("Current() = %q, %v, want key-a, true", first, ok)
	}

	r.MarkCurrentExhausted(ctx)

	second, ok := r.Current(ctx)
	if !ok {
		t.Fatalf("Current() after exhaustion ok = false, want true")
	}
	if second != "key-b" {
		t.Fatalf("Current() = %q, want key-b", second)
	}
}

func TestCurrentNeverReturnsExhaustedKey(t *testing.T) {
	r, _ := newTestRotator(t)
	ctx := context.Background()
	r.SetAll(ctx, []string{"a", "b", "c"})

	// Exhaust a and b; only c should ever come back.
	r.MarkCurrentExhausted(ctx)
	r.MarkCurrentExhausted(ctx)

	for i := 0; i < 5; i++ {
		got, ok := r.Current(ctx)
		if !ok {
			t.Fatalf("Current() ok = false with one live key remaining")
		}
		if got != "c" {
			t.Fatalf("Current() = %q, want c", got)
		}
	}
}

func TestAllExhaustedReturnsNone(t *testing.T) {
	r, _ := newTestRotator(t)
	ctx := context.Background()
	r.SetAll(ctx, []string{"a", "b"})

	r.MarkCurrentExhausted(ctx)
	r.MarkCurrentExhausted(ctx)

	if _, ok := r.Current(ctx); ok {
		t.Fatalf("Current() ok = true with all keys exhausted, want false")
	}
}

func TestRotateDoesNotExhaust(t *testing.T) {
	r, _ := newTestRotator(t)
	ctx := context.Background()
	r.SetAll(ctx, []string{"a", "b"})

	r.Rotate(ctx)
	got, ok := r.Current(ctx)
	if !ok || got != "b" {
		t.Fatalf("Current() after Rotate = %q, %v, want b, true", got, ok)
	}

	// Rotating all the way around must land back on a live key.
	r.Rotate(ctx)
	got, ok = r.Current(ctx)
	if !ok || got != "a" {
		t.Fatalf("Current() after full rotation = %q, %v, want a, true", got, ok)
	}
}

func TestRemoveResetsCursorWhenEntryBeforeCursorRemoved(t *testing.T) {
	r, _ := newTestRotator(t)
	ctx := context.Background()
	r.SetAll(ctx, []string{"a", "b", "c"})
	r.Rotate(ctx) // cursor on b

	r.Remove(ctx, "a")

	got, ok := r.Current(ctx)
	if !ok || got != "b" {
		t.Fatalf("Current() after Remove = %q, %v, want b, true (cursor reset)", got, ok)
	}
}

func TestSetAllClearsExhaustion(t *testing.T) {
	r, _ := newTestRotator(t)
	ctx := context.Background()
	r.SetAll(ctx, []string{"a"})
	r.MarkCurrentExhausted(ctx)

	r.SetAll(ctx, []string{"a", "b"})

	got, ok := r.Current(ctx)
	if !ok || got != "a" {
		t.Fatalf("Current() after SetAll = %q, %v, want a, true", got, ok)
	}
}

func TestExhaustionClearsAfterResetWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r, _ := newTestRotator(t, WithNow(clock))
	ctx := context.Background()

	r.SetAll(ctx, []string{"a"})
	r.MarkCurrentExhausted(ctx)
	if _, ok := r.Current(ctx); ok {
		t.Fatalf("Current() ok = true immediately after exhaustion")
	}

	now = now.Add(25 * time.Hour)

	got, ok := r.Current(ctx)
	if !ok || got != "a" {
		t.Fatalf("Current() after reset window = %q, %v, want a, true", got, ok)
	}
}

func TestRotationStateSurvivesRestart(t *testing.T) {
	store, err := prefs.Open(filepath.Join(t.TempDir(), "prefs.db"))
	if err != nil {
		t.Fatalf("prefs.Open() error = %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	r := New(ctx, store)
	r.SetAll(ctx, []string{"a", "b"})
	r.MarkCurrentExhausted(ctx) // a exhausted, cursor on b

	reloaded := New(ctx, store)
	got, ok := reloaded.Current(ctx)
	if !ok || got != "b" {
		t.Fatalf("Current() after reload = %q, %v, want b, true", got, ok)
	}
	if n := reloaded.Len(); n != 2 {
		t.Fatalf("Len() after reload = %d, want 2", n)
	}
}

func TestStateMasksCredentialValues(t *testing.T) {
	r, _ := newTestRotator(t)
	ctx := context.Background()
	r.SetAll(ctx, []string{"sk-verylongsecretkey-0001"})

	snap := r.State(ctx)
	if len(snap.Keys) != 1 {
		t.Fatalf("State().Keys len = %d, want 1", len(snap.Keys))
	}
	if snap.Keys[0] == "sk-verylongsecretkey-0001" {
		t.Fatalf("State() echoed the raw credential")
	}
}
