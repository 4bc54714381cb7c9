package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// How many messages between rolling summaries, and the fixed caps applied
// when assembling context.
const (
	summaryInterval   = 20
	contextKeyMoments = 5
	contextMessages   = 15
)

// Store orchestrates per-character memory records: message ingestion, fact
// extraction, milestone detection, rolling summaries, and context assembly.
// Records load lazily on first touch and save after every mutation.
//
// Callers guarantee a single writer per character (one active session per
// character); the internal lock only protects the record table itself.
type Store struct {
	mu         sync.Mutex
	backend    Backend
	classifier Classifier
	states     map[string]*characterState
}

type characterState struct {
	rec Record
	// seen counts every message ingested for this character, including
	// turns that have already been trimmed off the persisted history.
	seen int
}

// NewStore builds a store over the given backend. A nil classifier gets the
// built-in regex heuristics.
func NewStore(backend Backend, classifier Classifier) *Store {
	if classifier == nil {
		classifier = NewRegexClassifier()
	}
	return &Store{
		backend:    backend,
		classifier: classifier,
		states:     make(map[string]*characterState),
	}
}

// state returns the loaded state for characterID, reading it from the
// backend on first touch. Load failures fail open: a fresh record is used
// and the error is logged. Must be called with mu held.
func (s *Store) state(ctx context.Context, characterID string) *characterState {
	if st, ok := s.states[characterID]; ok {
		return st
	}
	st := &characterState{rec: NewRecord()}
	rec, ok, err := s.backend.Load(ctx, characterID)
	if err != nil {
		slog.Warn("memory: load failed, starting fresh", "character", characterID, "err", err)
	} else if ok {
		st.rec = rec
		st.seen = len(rec.History)
	}
	s.states[characterID] = st
	return st
}

// AddMessage ingests one message: user text feeds fact extraction,
// character text feeds milestone detection, and every 20th message triggers
// a rolling summary. The record persists after every call.
func (s *Store) AddMessage(ctx context.Context, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(ctx, msg.CharacterID)
	st.rec.History = append(st.rec.History, msg.Turn())
	st.seen++

	if msg.IsUser {
		for _, f := range s.classifier.ExtractFacts(msg.Content, st.rec.Facts) {
			st.rec.Facts[f.Key] = f.Value
		}
	} else {
		for _, m := range s.classifier.DetectMilestones(msg.Content, st.rec.RelationshipLevel) {
			if hasMoment(st.rec.KeyMoments, m.Description) {
				continue
			}
			st.rec.KeyMoments = append(st.rec.KeyMoments, KeyMoment{
				MessageIndex: st.seen - 1,
				Description:  m.Description,
				Importance:   m.Importance,
			})
			st.rec.RelationshipLevel += m.LevelDelta
			if st.rec.RelationshipLevel > 100 {
				st.rec.RelationshipLevel = 100
			}
		}
	}

	if st.seen%summaryInterval == 0 {
		s.summarize(st)
	}

	if len(st.rec.History) > HistoryCap {
		excess := len(st.rec.History) - HistoryCap
		st.rec.History = append([]Turn(nil), st.rec.History[excess:]...)
	}

	s.save(ctx, msg.CharacterID, st)
}

// summarize appends a rolling summary covering the last interval of
// messages. Summaries are append-only; earlier ones are never rewritten.
func (s *Store) summarize(st *characterState) {
	window := st.rec.History
	if len(window) > summaryInterval {
		window = window[len(window)-summaryInterval:]
	}

	userTurns := 0
	for _, t := range window {
		if t.IsUser {
			userTurns++
		}
	}
	tone := s.classifier.Tone(window)
	st.rec.EmotionalTone = tone

	summary := fmt.Sprintf("Messages %d-%d: %d from the user, %d in reply; tone %s; %s.",
		st.seen-summaryInterval+1, st.seen,
		userTurns, len(window)-userTurns,
		tone, relationshipStage(st.rec.RelationshipLevel))
	st.rec.Summaries = append(st.rec.Summaries, summary)
}

// RelevantContext assembles the bounded memory block injected ahead of
// generation: latest summary, all facts, the last few key moments, and the
// tail of the recent conversation rendered with the supplied speaker labels.
// Sections without content emit nothing, not an empty header.
func (s *Store) RelevantContext(ctx context.Context, characterID string, recent []Turn, userLabel, charLabel string, maxTokens int) string {
	s.mu.Lock()
	st := s.state(ctx, characterID)
	rec := st.rec
	s.mu.Unlock()

	var b strings.Builder

	if n := len(rec.Summaries); n > 0 {
		b.WriteString("[Story so far] ")
		b.WriteString(rec.Summaries[n-1])
		b.WriteByte('\n')
	}

	if len(rec.Facts) > 0 {
		b.WriteString("[What you know about them]\n")
		for _, k := range sortedKeys(rec.Facts) {
			fmt.Fprintf(&b, "%s: %s\n", k, rec.Facts[k])
		}
	}

	if len(rec.KeyMoments) > 0 {
		moments := rec.KeyMoments
		if len(moments) > contextKeyMoments {
			moments = moments[len(moments)-contextKeyMoments:]
		}
		b.WriteString("[Moments you share]\n")
		for _, m := range moments {
			fmt.Fprintf(&b, "- %s\n", m.Description)
		}
	}

	if len(recent) > contextMessages {
		recent = recent[len(recent)-contextMessages:]
	}
	// Honor the token budget with a coarse estimate, dropping oldest recent
	// messages first. The count caps above remain the primary bound.
	if maxTokens > 0 {
		head := estimateTokens(b.String())
		for len(recent) > 1 && head+recentTokens(recent) > maxTokens {
			recent = recent[1:]
		}
	}
	if len(recent) > 0 {
		b.WriteString("[Recent conversation]\n")
		for _, t := range recent {
			label := charLabel
			if t.IsUser {
				label = userLabel
			}
			fmt.Fprintf(&b, "%s: %s\n", label, t.Content)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// hasMoment reports whether a milestone with this description was already
// recorded. "First kiss" stays first.
func hasMoment(moments []KeyMoment, description string) bool {
	for _, m := range moments {
		if m.Description == description {
			return true
		}
	}
	return false
}

func recentTokens(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += estimateTokens(t.Content) + 2
	}
	return total
}

// RecentTurns returns up to n of the newest turns for characterID.
func (s *Store) RecentTurns(ctx context.Context, characterID string, n int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.state(ctx, characterID).rec.History
	if n <= 0 || n > len(history) {
		n = len(history)
	}
	out := make([]Turn, n)
	copy(out, history[len(history)-n:])
	return out
}

// Snapshot returns a copy of the full record for characterID.
func (s *Store) Snapshot(ctx context.Context, characterID string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.state(ctx, characterID).rec
	cp := rec
	cp.History = append([]Turn(nil), rec.History...)
	cp.Summaries = append([]string(nil), rec.Summaries...)
	cp.KeyMoments = append([]KeyMoment(nil), rec.KeyMoments...)
	cp.Facts = make(map[string]string, len(rec.Facts))
	for k, v := range rec.Facts {
		cp.Facts[k] = v
	}
	return cp
}

// RelationshipLevel reports the current score for characterID.
func (s *Store) RelationshipLevel(ctx context.Context, characterID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(ctx, characterID).rec.RelationshipLevel
}

// Clear wipes all memory for characterID, in memory and on the backend.
func (s *Store) Clear(ctx context.Context, characterID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[characterID] = &characterState{rec: NewRecord()}
	if err := s.backend.Delete(ctx, characterID); err != nil {
		slog.Warn("memory: clear failed", "character", characterID, "err", err)
	}
}

// save persists the record. Failures are logged; the in-memory state stands.
func (s *Store) save(ctx context.Context, characterID string, st *characterState) {
	if err := s.backend.Save(ctx, characterID, st.rec); err != nil {
		slog.Warn("memory: save failed", "character", characterID, "err", err)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Keep "name" first; the rest alphabetical for stable prompts.
	sort.Strings(keys)
	for i, k := range keys {
		if k == "name" && i != 0 {
			copy(keys[1:i+1], keys[:i])
			keys[0] = "name"
			break
		}
	}
	return keys
}
