package session

import (
	"time"

	"github.com/rosaviel/elara/internal/cascade"
)

// CreateRequest defines payload for opening a new conversation.
type CreateRequest struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	UserName    string `json:"user_name"`
	UserGender  string `json:"user_gender"`
	NSFW        bool   `json:"nsfw"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	CharacterID     string    `json:"character_id"`
	Status          Status    `json:"status"`
	Greeting        string    `json:"greeting,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}

// Reply is the outcome of one user message.
type Reply struct {
	MessageID         string       `json:"message_id"`
	Text              string       `json:"text"`
	Tier              cascade.Tier `json:"tier"`
	RelationshipLevel int          `json:"relationship_level"`
}
