package cascade

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rosaviel/elara/internal/keyring"
	"github.com/rosaviel/elara/internal/prefs"
	"github.com/rosaviel/elara/internal/provider"
	"github.com/rosaviel/elara/internal/reliability"
)

type keyedStub struct {
	// replies maps an api key to its canned reply; missing keys fail with
	// failErr.
	replies map[string]string
	failErr error
	calls   []string
}

func (s *keyedStub) Name() string { return "keyed-stub" }

func (s *keyedStub) GenerateWithKey(_ context.Context, apiKey string, _ provider.Request) (string, error) {
	s.calls = append(s.calls, apiKey)
	if text, ok := s.replies[apiKey]; ok {
		return text, nil
	}
	return "", s.failErr
}

type plainStub struct {
	text  string
	err   error
	calls int
}

func (s *plainStub) Name() string { return "plain-stub" }

func (s *plainStub) Generate(context.Context, provider.Request) (string, error) {
	s.calls++
	return s.text, s.err
}

func newTestRotator(t *testing.T, keys ...string) *keyring.Rotator {
	t.Helper()
	store, err := prefs.Open(filepath.Join(t.TempDir(), "prefs.db"))
	if err != nil {
		t.Fatalf("prefs.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	r := keyring.New(context.Background(), store)
	r.SetAll(context.Background(), keys)
	return r
}

func rateLimitErr() error {
	return fmt.Errorf("keyed-stub: %w: quota exceeded", reliability.ErrRateLimit)
}

func TestGenerateUsesPrimary(t *testing.T) {
	primary := &keyedStub{replies: map[string]string{"k1": "hello from primary"}}
	secondary := &plainStub{text: "hello from secondary"}
	e := New(Config{
		Primary:   primary,
		Secondary: secondary,
		Keys:      newTestRotator(t, "k1", "k2"),
	})

	got := e.Generate(context.Background(), provider.Request{})
	if got.Tier != TierPrimary {
		t.Fatalf("Generate() tier = %q, want primary", got.Tier)
	}
	if got.Text != "hello from primary" {
		t.Fatalf("Generate() text = %q", got.Text)
	}
	if secondary.calls != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.calls)
	}
}

func TestGenerateRotatesOnRateLimit(t *testing.T) {
	primary := &keyedStub{
		replies: map[string]string{"k2": "second key worked"},
		failErr: rateLimitErr(),
	}
	keys := newTestRotator(t, "k1", "k2")
	e := New(Config{Primary: primary, Keys: keys})

	got := e.Generate(context.Background(), provider.Request{})
	if got.Tier != TierPrimary || got.Text != "second key worked" {
		t.Fatalf("Generate() = %+v, want primary reply from second key", got)
	}
	if len(primary.calls) != 2 || primary.calls[0] != "k1" || primary.calls[1] != "k2" {
		t.Fatalf("primary attempts = %v, want [k1 k2]", primary.calls)
	}

	snap := keys.State(context.Background())
	if len(snap.Exhausted) != 1 {
		t.Fatalf("exhausted keys = %v, want the first key retired", snap.Exhausted)
	}
}

func TestGenerateFallsToSecondaryWhenRingExhausted(t *testing.T) {
	primary := &keyedStub{failErr: rateLimitErr()}
	secondary := &plainStub{text: "secondary reply"}
	e := New(Config{
		Primary:   primary,
		Secondary: secondary,
		Keys:      newTestRotator(t, "k1", "k2"),
	})

	got := e.Generate(context.Background(), provider.Request{})
	if got.Tier != TierSecondary || got.Text != "secondary reply" {
		t.Fatalf("Generate() = %+v, want secondary reply", got)
	}
	if len(primary.calls) != 2 {
		t.Fatalf("primary attempts = %d, want one per key", len(primary.calls))
	}
}

func TestGenerateSkipsPrimaryWhenDisabled(t *testing.T) {
	primary := &keyedStub{replies: map[string]string{"k1": "should not be used"}}
	secondary := &plainStub{text: "secondary reply"}
	e := New(Config{
		Primary:        primary,
		Secondary:      secondary,
		Keys:           newTestRotator(t, "k1"),
		PrimaryEnabled: func() bool { return false },
	})

	got := e.Generate(context.Background(), provider.Request{})
	if got.Tier != TierSecondary {
		t.Fatalf("Generate() tier = %q, want secondary", got.Tier)
	}
	if len(primary.calls) != 0 {
		t.Fatalf("primary called %d times while disabled", len(primary.calls))
	}
}

func TestGenerateNonRateLimitErrorDoesNotBurnRing(t *testing.T) {
	primary := &keyedStub{failErr: errors.New("upstream exploded")}
	secondary := &plainStub{text: "secondary reply"}
	keys := newTestRotator(t, "k1", "k2")
	e := New(Config{Primary: primary, Secondary: secondary, Keys: keys})

	got := e.Generate(context.Background(), provider.Request{})
	if got.Tier != TierSecondary {
		t.Fatalf("Generate() tier = %q, want secondary", got.Tier)
	}
	if len(primary.calls) != 1 {
		t.Fatalf("primary attempts = %d, want 1", len(primary.calls))
	}
	if snap := keys.State(context.Background()); len(snap.Exhausted) != 0 {
		t.Fatalf("exhausted keys = %v, want none for a non-rate-limit error", snap.Exhausted)
	}
}

func TestGenerateLocalWhenEverythingFails(t *testing.T) {
	primary := &keyedStub{failErr: rateLimitErr()}
	secondary := &plainStub{err: errors.New("model loading")}
	e := New(Config{
		Primary:   primary,
		Secondary: secondary,
		Keys:      newTestRotator(t, "k1"),
	})

	got := e.Generate(context.Background(), provider.Request{})
	if got.Tier != TierLocal {
		t.Fatalf("Generate() tier = %q, want local", got.Tier)
	}
	if strings.TrimSpace(got.Text) == "" {
		t.Fatalf("Generate() returned empty text from local tier")
	}
}

func TestGenerateLocalWithNoTiersConfigured(t *testing.T) {
	e := New(Config{})
	got := e.Generate(context.Background(), provider.Request{})
	if got.Tier != TierLocal {
		t.Fatalf("Generate() tier = %q, want local", got.Tier)
	}
	if strings.TrimSpace(got.Text) == "" {
		t.Fatalf("Generate() returned empty text")
	}
}

func TestGenerateCanceledContextServesLocal(t *testing.T) {
	primary := &keyedStub{failErr: context.Canceled}
	secondary := &plainStub{text: "secondary reply"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(Config{
		Primary:   primary,
		Secondary: secondary,
		Keys:      newTestRotator(t, "k1"),
	})
	got := e.Generate(ctx, provider.Request{})
	if got.Tier != TierLocal {
		t.Fatalf("Generate() tier = %q, want local for a canceled caller", got.Tier)
	}
	if secondary.calls != 0 {
		t.Fatalf("secondary dialed %d times with a dead context", secondary.calls)
	}
}
