package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	return NewStore(backend, nil)
}

func userMsg(char, text string) Message {
	return Message{CharacterID: char, Content: text, IsUser: true, Timestamp: time.Now().UTC()}
}

func charMsg(char, text string) Message {
	return Message{CharacterID: char, Content: text, IsUser: false, Timestamp: time.Now().UTC()}
}

func TestSummaryEveryTwentyMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 60; i++ {
		if i%2 == 1 {
			s.AddMessage(ctx, userMsg("elara", fmt.Sprintf("user says %d", i)))
		} else {
			s.AddMessage(ctx, charMsg("elara", fmt.Sprintf("elara says %d", i)))
		}
		var want int
		switch {
		case i < 20:
			want = 0
		case i < 40:
			want = 1
		case i < 60:
			want = 2
		default:
			want = 3
		}
		if got := len(s.Snapshot(ctx, "elara").Summaries); got != want {
			t.Fatalf("after %d messages: %d summaries, want %d", i, got, want)
		}
	}
}

func TestSummariesAreAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		s.AddMessage(ctx, userMsg("elara", "hello there"))
	}
	first := s.Snapshot(ctx, "elara").Summaries[0]

	for i := 0; i < 20; i++ {
		s.AddMessage(ctx, userMsg("elara", "more chatter"))
	}
	got := s.Snapshot(ctx, "elara").Summaries
	if len(got) != 2 {
		t.Fatalf("summaries = %d, want 2", len(got))
	}
	if got[0] != first {
		t.Fatalf("first summary rewritten: %q -> %q", first, got[0])
	}
}

func TestNameFactExtraction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddMessage(ctx, userMsg("elara", "Hi! My name is Alice."))

	facts := s.Snapshot(ctx, "elara").Facts
	if facts["name"] != "Alice" {
		t.Fatalf("facts[name] = %q, want Alice", facts["name"])
	}
}

func TestPreferenceFactsDoNotOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddMessage(ctx, userMsg("elara", "I like rainy mornings"))
	s.AddMessage(ctx, userMsg("elara", "I like jasmine tea"))

	facts := s.Snapshot(ctx, "elara").Facts
	values := make(map[string]bool)
	for k, v := range facts {
		if strings.HasPrefix(k, "likes") {
			values[v] = true
		}
	}
	if !values["rainy mornings"] || !values["jasmine tea"] {
		t.Fatalf("expected both preferences retained, got %v", facts)
	}
}

func TestMilestoneRaisesRelationshipLevel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddMessage(ctx, charMsg("elara", "She leans in and kisses you softly."))

	rec := s.Snapshot(ctx, "elara")
	if rec.RelationshipLevel == 0 {
		t.Fatalf("RelationshipLevel = 0, want > 0 after first kiss")
	}
	if len(rec.KeyMoments) != 1 {
		t.Fatalf("KeyMoments = %d, want 1", len(rec.KeyMoments))
	}
	if rec.KeyMoments[0].Description != "First kiss" {
		t.Fatalf("KeyMoments[0] = %q", rec.KeyMoments[0].Description)
	}
}

func TestMilestoneRecordedOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddMessage(ctx, charMsg("elara", "our first kiss, at last"))
	s.AddMessage(ctx, charMsg("elara", "our first kiss, remembered"))

	after := s.Snapshot(ctx, "elara")
	kisses := 0
	for _, m := range after.KeyMoments {
		if m.Description == "First kiss" {
			kisses++
		}
	}
	if kisses != 1 {
		t.Fatalf("First kiss recorded %d times, want 1", kisses)
	}
}

func TestMilestoneGatedByLevel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Push the score past 30 with other milestones, then the kiss phrase
	// must no longer fire.
	s.AddMessage(ctx, charMsg("elara", "i love you"))
	s.AddMessage(ctx, charMsg("elara", "stay the night together?"))
	if level := s.RelationshipLevel(ctx, "elara"); level < 30 {
		t.Fatalf("setup level = %d, want >= 30", level)
	}

	s.AddMessage(ctx, charMsg("elara", "kisses you softly"))
	for _, m := range s.Snapshot(ctx, "elara").KeyMoments {
		if m.Description == "First kiss" {
			t.Fatalf("kiss milestone fired at level >= 30")
		}
	}
}

// burstClassifier emits a fresh high-delta milestone on every character
// message to exercise the score cap.
type burstClassifier struct {
	RegexClassifier
	n int
}

func (c *burstClassifier) DetectMilestones(string, int) []Milestone {
	c.n++
	return []Milestone{{
		Description: fmt.Sprintf("moment %d", c.n),
		Importance:  5,
		LevelDelta:  40,
	}}
}

func TestRelationshipLevelCappedAt100(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	s := NewStore(backend, &burstClassifier{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.AddMessage(ctx, charMsg("elara", "another big moment"))
	}
	if got := s.Snapshot(ctx, "elara").RelationshipLevel; got != 100 {
		t.Fatalf("RelationshipLevel = %d, want capped at 100", got)
	}
}

func TestRelationshipLevelMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prev := 0
	lines := []string{
		"kisses you softly",
		"just a quiet evening",
		"i love you",
		"another quiet evening",
		"spend the night with me",
	}
	for _, line := range lines {
		s.AddMessage(ctx, charMsg("elara", line))
		level := s.RelationshipLevel(ctx, "elara")
		if level < prev {
			t.Fatalf("level decreased: %d -> %d after %q", prev, level, line)
		}
		prev = level
	}
}

func TestRelevantContextOmitsEmptySections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got := s.RelevantContext(ctx, "elara", []Turn{
		{Content: "hello", IsUser: true},
	}, "You", "Elara", 0)

	if strings.Contains(got, "[Story so far]") {
		t.Fatalf("context includes summary header with no summaries:\n%s", got)
	}
	if strings.Contains(got, "[What you know about them]") {
		t.Fatalf("context includes facts header with no facts:\n%s", got)
	}
	if !strings.Contains(got, "You: hello") {
		t.Fatalf("context missing recent message:\n%s", got)
	}
}

func TestRelevantContextSectionsAndLabels(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AddMessage(ctx, userMsg("elara", "my name is Alice"))
	s.AddMessage(ctx, charMsg("elara", "kisses you softly"))
	for i := 0; i < 18; i++ {
		s.AddMessage(ctx, userMsg("elara", "we are so happy, laugh with me"))
	}

	recent := []Turn{
		{Content: "good morning", IsUser: true},
		{Content: "morning, sleepyhead", IsUser: false},
	}
	got := s.RelevantContext(ctx, "elara", recent, "Alice", "Elara", 0)

	for _, want := range []string{
		"[Story so far]",
		"name: Alice",
		"- First kiss",
		"Alice: good morning",
		"Elara: morning, sleepyhead",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("context missing %q:\n%s", want, got)
		}
	}
}

func TestRelevantContextCapsRecentMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recent := make([]Turn, 30)
	for i := range recent {
		recent[i] = Turn{Content: fmt.Sprintf("line %d", i), IsUser: true}
	}
	got := s.RelevantContext(ctx, "elara", recent, "You", "Elara", 0)

	if strings.Contains(got, "line 14") {
		t.Fatalf("context includes message beyond the 15 most recent:\n%s", got)
	}
	if !strings.Contains(got, "line 15") || !strings.Contains(got, "line 29") {
		t.Fatalf("context missing expected recent window:\n%s", got)
	}
}

func TestRelevantContextHonorsTokenBudget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	long := strings.Repeat("word ", 200)
	recent := []Turn{
		{Content: long, IsUser: true},
		{Content: long, IsUser: false},
		{Content: "short goodbye", IsUser: true},
	}
	got := s.RelevantContext(ctx, "elara", recent, "You", "Elara", 50)

	if !strings.Contains(got, "short goodbye") {
		t.Fatalf("budget trim dropped the newest message:\n%s", got)
	}
	if strings.Count(got, "word ") > 0 {
		t.Fatalf("budget trim kept oversized older messages:\n%s", got)
	}
}

func TestHistoryCappedAtTwoHundred(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		s.AddMessage(ctx, userMsg("elara", fmt.Sprintf("msg %d", i)))
	}
	rec := s.Snapshot(ctx, "elara")
	if len(rec.History) != HistoryCap {
		t.Fatalf("history len = %d, want %d", len(rec.History), HistoryCap)
	}
	if rec.History[0].Content != "msg 50" {
		t.Fatalf("history[0] = %q, want msg 50 (oldest trimmed first)", rec.History[0].Content)
	}
}

func TestRoundTripThroughFileBackend(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	ctx := context.Background()

	s := NewStore(backend, nil)
	s.AddMessage(ctx, userMsg("elara", "my name is Alice"))
	s.AddMessage(ctx, userMsg("elara", "I like jasmine tea"))
	s.AddMessage(ctx, charMsg("elara", "kisses you softly"))
	for i := 0; i < 17; i++ {
		s.AddMessage(ctx, userMsg("elara", "a happy little message"))
	}
	want := s.Snapshot(ctx, "elara")

	reloaded := NewStore(backend, nil)
	got := reloaded.Snapshot(ctx, "elara")

	if got.RelationshipLevel != want.RelationshipLevel {
		t.Fatalf("RelationshipLevel = %d, want %d", got.RelationshipLevel, want.RelationshipLevel)
	}
	if len(got.Summaries) != len(want.Summaries) || got.Summaries[0] != want.Summaries[0] {
		t.Fatalf("Summaries = %v, want %v", got.Summaries, want.Summaries)
	}
	if len(got.Facts) != len(want.Facts) {
		t.Fatalf("Facts = %v, want %v", got.Facts, want.Facts)
	}
	for k, v := range want.Facts {
		if got.Facts[k] != v {
			t.Fatalf("Facts[%q] = %q, want %q", k, got.Facts[k], v)
		}
	}
	if len(got.KeyMoments) != len(want.KeyMoments) || got.KeyMoments[0] != want.KeyMoments[0] {
		t.Fatalf("KeyMoments = %v, want %v", got.KeyMoments, want.KeyMoments)
	}
	if len(got.History) != len(want.History) {
		t.Fatalf("History len = %d, want %d", len(got.History), len(want.History))
	}
}

func TestCorruptFileFailsOpen(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	ctx := context.Background()

	s := NewStore(backend, nil)
	s.AddMessage(ctx, userMsg("elara", "hello"))

	// Corrupt the file on disk, then force a fresh load.
	if err := backend.Save(ctx, "other", NewRecord()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := os.WriteFile(backend.path("elara"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt write: %v", err)
	}

	fresh := NewStore(backend, nil)
	rec := fresh.Snapshot(ctx, "elara")
	if len(rec.History) != 0 {
		t.Fatalf("corrupt load yielded history len %d, want fresh record", len(rec.History))
	}
}

func TestClearResetsStateAndDeletesFile(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	ctx := context.Background()

	s := NewStore(backend, nil)
	s.AddMessage(ctx, userMsg("elara", "my name is Alice"))
	s.Clear(ctx, "elara")

	rec := s.Snapshot(ctx, "elara")
	if len(rec.History) != 0 || len(rec.Facts) != 0 || rec.RelationshipLevel != 0 {
		t.Fatalf("Clear() left state behind: %+v", rec)
	}
	if _, ok, _ := backend.Load(ctx, "elara"); ok {
		t.Fatalf("Clear() left the persisted file behind")
	}
}
