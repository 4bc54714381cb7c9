// Package keyring manages the pool of interchangeable API credentials for
// the primary generation provider. Keys rotate on rate-limit signals so a
// single throttled key does not take the whole provider down, and exhausted
// keys come back automatically after a cooldown window.
package keyring

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rosaviel/elara/internal/prefs"
)

// Preference keys for the persisted rotation state.
const (
	prefKeys         = "llm.keys"
	prefCursor       = "llm.key_cursor"
	prefExhausted    = "llm.exhausted_keys"
	prefExhaustedAt  = "llm.exhausted_reset_at"
	exhaustionWindow = 24 * time.Hour
)

// Rotator hands out non-exhausted credentials in round-robin order.
// All operations are serialized under a single mutex so cursor advancement
// stays atomic with reads under concurrent callers.
type Rotator struct {
	mu        sync.Mutex
	store     prefs.Store
	keys      []string
	cursor    int
	exhausted map[string]struct{}
	lastReset time.Time
	now       func() time.Time
}

// Option customizes Rotator construction.
type Option func(*Rotator)

// WithNow overrides the clock, used by tests to simulate the 24h reset.
func WithNow(now func() time.Time) Option {
	return func(r *Rotator) { r.now = now }
}

// New builds a Rotator and synchronously loads persisted rotation state.
// A missing or unreadable state yields an empty rotator; load errors are
// logged, never fatal.
func New(ctx context.Context, store prefs.Store, opts ...Option) *Rotator {
	r := &Rotator{
		store:     store,
		exhausted: make(map[string]struct{}),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.load(ctx)

	r.mu.Lock()
	r.resetIfStale(ctx)
	r.mu.Unlock()
	return r
}

func (r *Rotator) load(ctx context.Context) {
	if r.store == nil {
		return
	}
	if raw, err := r.store.Get(ctx, prefKeys); err == nil && raw != "" {
		r.keys = splitCSV(raw)
	}
	if raw, err := r.store.Get(ctx, prefCursor); err == nil {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 && n < len(r.keys) {
			r.cursor = n
		}
	}
	if raw, err := r.store.Get(ctx, prefExhausted); err == nil {
		for _, k := range splitCSV(raw) {
			r.exhausted[k] = struct{}{}
		}
	}
	if raw, err := r.store.Get(ctx, prefExhaustedAt); err == nil {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			r.lastReset = t
		}
	}
	if r.lastReset.IsZero() {
		r.lastReset = r.now()
	}
}

// Add appends a credential to the rotation. Blank or duplicate values are
// ignored (logged, no error).
func (r *Rotator) Add(ctx context.Context, key string) {
	key = strings.TrimSpace(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetIfStale(ctx)

	if key == "" {
		slog.Warn("keyring: ignoring blank credential")
		return
	}
	for _, existing := range r.keys {
		if existing == key {
			slog.Warn("keyring: ignoring duplicate credential")
			return
		}
	}
	r.keys = append(r.keys, key)
	r.persist(ctx)
}

// Remove drops a credential if present. When the removed entry precedes or
// equals the cursor position, the cursor resets to 0.
func (r *Rotator) Remove(ctx context.Context, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetIfStale(ctx)

	idx := -1
	for i, existing := range r.keys {
		if existing == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	r.keys = append(r.keys[:idx], r.keys[idx+1:]...)
	delete(r.exhausted, key)
	if idx <= r.cursor {
		r.cursor = 0
	}
	if r.cursor >= len(r.keys) {
		r.cursor = 0
	}
	r.persist(ctx)
}

// SetAll replaces the full credential set, resets the cursor, and clears
// the exhaustion set. Blank entries are dropped.
func (r *Rotator) SetAll(ctx context.Context, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.keys = r.keys[:0]
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		r.keys = append(r.keys, k)
	}
	r.cursor = 0
	r.exhausted = make(map[string]struct{})
	r.lastReset = r.now()
	r.persist(ctx)
}

// Current returns the credential at the cursor, advancing past exhausted
// entries first. Returns false when the set is empty or every credential is
// exhausted. The advance is bounded by the set size to avoid livelock.
func (r *Rotator) Current(ctx context.Context) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetIfStale(ctx)

	n := len(r.keys)
	if n == 0 {
		return "", false
	}
	moved := false
	for i := 0; i < n; i++ {
		if _, dead := r.exhausted[r.keys[r.cursor]]; !dead {
			if moved {
				r.persist(ctx)
			}
			return r.keys[r.cursor], true
		}
		r.cursor = (r.cursor + 1) % n
		moved = true
	}
	return "", false
}

// MarkCurrentExhausted records the credential at the cursor as rate-limited
// and advances the cursor one position. The new position may itself be
// exhausted; Current skips it on the next call.
func (r *Rotator) MarkCurrentExhausted(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetIfStale(ctx)

	n := len(r.keys)
	if n == 0 {
		return
	}
	r.exhausted[r.keys[r.cursor]] = struct{}{}
	r.cursor = (r.cursor + 1) % n
	r.persist(ctx)
}

// Rotate advances the cursor without exhausting anything. Used when a
// credential turns out to be invalid for reasons other than rate limiting.
func (r *Rotator) Rotate(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetIfStale(ctx)

	if n := len(r.keys); n > 0 {
		r.cursor = (r.cursor + 1) % n
	}
	r.persist(ctx)
}

// ResetExhausted explicitly clears the exhaustion set and restarts the 24h
// window.
func (r *Rotator) ResetExhausted(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.exhausted = make(map[string]struct{})
	r.lastReset = r.now()
	r.persist(ctx)
}

// Snapshot is a redacted view of the rotation state for the admin API.
type Snapshot struct {
	Keys      []string  `json:"keys"`
	Cursor    int       `json:"cursor"`
	Exhausted []string  `json:"exhausted"`
	LastReset time.Time `json:"last_reset"`
}

// State returns a snapshot with credential values masked down to a short
// prefix so the admin surface never echoes full secrets.
func (r *Rotator) State(ctx context.Context) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetIfStale(ctx)

	snap := Snapshot{
		Keys:      make([]string, 0, len(r.keys)),
		Cursor:    r.cursor,
		Exhausted: make([]string, 0, len(r.exhausted)),
		LastReset: r.lastReset,
	}
	for _, k := range r.keys {
		snap.Keys = append(snap.Keys, mask(k))
	}
	for k := range r.exhausted {
		snap.Exhausted = append(snap.Exhausted, mask(k))
	}
	sort.Strings(snap.Exhausted)
	return snap
}

// Len reports the number of configured credentials.
func (r *Rotator) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// resetIfStale clears the exhaustion set once the reset window has elapsed.
// Must be called with mu held.
func (r *Rotator) resetIfStale(ctx context.Context) {
	if r.now().Sub(r.lastReset) <= exhaustionWindow {
		return
	}
	if len(r.exhausted) > 0 {
		slog.Info("keyring: exhaustion window elapsed, clearing exhausted set",
			"exhausted", len(r.exhausted))
	}
	r.exhausted = make(map[string]struct{})
	r.lastReset = r.now()
	r.persist(ctx)
}

// persist writes the rotation state through to the preferences store.
// Failures are logged and the in-memory state stands. Must be called with
// mu held.
func (r *Rotator) persist(ctx context.Context) {
	if r.store == nil {
		return
	}
	exhausted := make([]string, 0, len(r.exhausted))
	for k := range r.exhausted {
		exhausted = append(exhausted, k)
	}
	sort.Strings(exhausted)

	pairs := []struct{ key, value string }{
		{prefKeys, strings.Join(r.keys, ",")},
		{prefCursor, strconv.Itoa(r.cursor)},
		{prefExhausted, strings.Join(exhausted, ",")},
		{prefExhaustedAt, r.lastReset.UTC().Format(time.RFC3339)},
	}
	for _, p := range pairs {
		if err := r.store.Set(ctx, p.key, p.value); err != nil {
			slog.Warn("keyring: persist failed", "pref", p.key, "err", err)
		}
	}
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func mask(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "…" + key[len(key)-4:]
}
