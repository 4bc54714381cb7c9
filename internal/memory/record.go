// Package memory implements long-term conversational memory for each
// roleplay character. Every message a user exchanges with a character feeds
// a persistent record: raw history, rolling summaries, extracted facts, key
// narrative moments, and a relationship-progression score. The record is the
// raw material for the bounded context block that conditions generation.
package memory

import "time"

// HistoryCap bounds how many turns are persisted per character. The full
// in-session history still participates in summarisation; only the stored
// tail is capped.
const HistoryCap = 200

// Turn is one persisted exchange turn with a character.
type Turn struct {
	Content   string    `json:"content"`
	IsUser    bool      `json:"isUser"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is an immutable chat message as produced by a session. Only the
// Turn projection of it is persisted.
type Message struct {
	ID          string
	CharacterID string
	Content     string
	IsUser      bool
	Timestamp   time.Time
}

// Turn projects the message onto its persisted form.
func (m Message) Turn() Turn {
	return Turn{Content: m.Content, IsUser: m.IsUser, Timestamp: m.Timestamp}
}

// KeyMoment is a detected narrative milestone.
type KeyMoment struct {
	MessageIndex int    `json:"messageIndex"`
	Description  string `json:"description"`
	Importance   int    `json:"importance"` // 1-10
}

// Record is the full memory aggregate for one character. Its JSON encoding
// is the on-disk file format, so field names are a wire contract.
type Record struct {
	History           []Turn            `json:"history"`
	Summaries         []string          `json:"summaries"`
	Facts             map[string]string `json:"facts"`
	RelationshipLevel int               `json:"relationshipLevel"`
	EmotionalTone     string            `json:"emotionalTone"`
	KeyMoments        []KeyMoment       `json:"keyMoments"`
}

// NewRecord returns an empty record ready for its first message.
func NewRecord() Record {
	return Record{
		History:       []Turn{},
		Summaries:     []string{},
		Facts:         map[string]string{},
		EmotionalTone: "neutral",
		KeyMoments:    []KeyMoment{},
	}
}

// normalize repairs nil collections after a JSON load so callers never see
// nil maps or slices.
func (r *Record) normalize() {
	if r.History == nil {
		r.History = []Turn{}
	}
	if r.Summaries == nil {
		r.Summaries = []string{}
	}
	if r.Facts == nil {
		r.Facts = map[string]string{}
	}
	if r.KeyMoments == nil {
		r.KeyMoments = []KeyMoment{}
	}
	if r.EmotionalTone == "" {
		r.EmotionalTone = "neutral"
	}
	if r.RelationshipLevel < 0 {
		r.RelationshipLevel = 0
	}
	if r.RelationshipLevel > 100 {
		r.RelationshipLevel = 100
	}
}

// estimateTokens returns a rough token count for a string, using the common
// ~4 characters per token English heuristic. The context budget is a soft
// limit, so precision is not the point.
func estimateTokens(s string) int {
	const charsPerToken = 4
	return len(s)/charsPerToken + 1
}
