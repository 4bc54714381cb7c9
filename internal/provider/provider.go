// Package provider implements the generation backends the cascade tries in
// order: an OpenAI-compatible hosted API (credential-rotated), a
// text-generation-inference style hosted API, and a deterministic local
// responder that can never fail.
package provider

import (
	"context"

	"github.com/rosaviel/elara/internal/memory"
	"github.com/rosaviel/elara/internal/persona"
)

// Request carries everything a backend needs to produce a reply.
type Request struct {
	Character     persona.Character
	History       []memory.Turn
	MemoryContext string
	UserName      string
	UserGender    string
	NSFW          bool
}

// Provider generates a reply for a request without needing a per-call
// credential.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// KeyedProvider generates a reply using the supplied API credential. The
// cascade owns credential selection; the provider just spends what it is
// handed.
type KeyedProvider interface {
	Name() string
	GenerateWithKey(ctx context.Context, apiKey string, req Request) (string, error)
}

// Defaults shared by the hosted backends.
const (
	defaultTemperature = 0.85
	defaultMaxTokens   = 300
)
