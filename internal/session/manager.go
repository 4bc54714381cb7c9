package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rosaviel/elara/internal/cascade"
	"github.com/rosaviel/elara/internal/memory"
	"github.com/rosaviel/elara/internal/observability"
	"github.com/rosaviel/elara/internal/persona"
	"github.com/rosaviel/elara/internal/policy"
	"github.com/rosaviel/elara/internal/provider"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// historyTurns is how many recent turns ride along with each generation.
const historyTurns = 15

// defaultContextTokenBudget bounds the assembled memory context per
// generation when no budget is configured.
const defaultContextTokenBudget = 1200

var (
	ErrNotFound         = errors.New("session not found")
	ErrEnded            = errors.New("session already ended")
	ErrBusy             = errors.New("a reply is already being generated")
	ErrUnknownCharacter = errors.New("unknown character")
	ErrEmptyMessage     = errors.New("empty message")
)

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	CharacterID    string    `json:"character_id"`
	UserName       string    `json:"user_name"`
	UserGender     string    `json:"user_gender"`
	NSFW           bool      `json:"nsfw"`
	Status         Status    `json:"status"`
	Generating     bool      `json:"generating"`
	MessageCount   int       `json:"message_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionByPair     map[string]string
	inactivityTimeout time.Duration
	contextBudget     int
	onExpire          func(*Session)

	catalog  *persona.Catalog
	memories *memory.Store
	engine   *cascade.Engine
	metrics  *observability.Metrics
	log      *slog.Logger
}

func NewManager(
	catalog *persona.Catalog,
	memories *memory.Store,
	engine *cascade.Engine,
	metrics *observability.Metrics,
	inactivityTimeout time.Duration,
	contextTokenBudget int,
) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	if contextTokenBudget <= 0 {
		contextTokenBudget = defaultContextTokenBudget
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		sessionByPair:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		contextBudget:     contextTokenBudget,
		catalog:           catalog,
		memories:          memories,
		engine:            engine,
		metrics:           metrics,
		log:               slog.Default(),
	}
}

func (m *Manager) InactivityTimeout() time.Duration {
	return m.inactivityTimeout
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create opens a conversation with a character. An existing active session
// for the same user and character is ended first so the pair never has two
// live conversations.
func (m *Manager) Create(req CreateRequest) (*Session, error) {
	char, ok := m.catalog.Get(req.CharacterID)
	if !ok {
		return nil, ErrUnknownCharacter
	}

	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		CharacterID:    char.ID,
		UserName:       strings.TrimSpace(req.UserName),
		UserGender:     strings.TrimSpace(req.UserGender),
		NSFW:           req.NSFW,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pair := pairKey(req.UserID, char.ID)
	if prevID, ok := m.sessionByPair[pair]; ok {
		if prev, ok := m.sessions[prevID]; ok && prev.Status == StatusActive {
			prev.Status = StatusEnded
			prev.Generating = false
		}
	}
	m.sessions[s.ID] = s
	m.sessionByPair[pair] = s.ID
	m.countEvent("created")
	m.syncActiveGaugeLocked()
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Send runs one full turn: persist the user message, assemble memory
// context, generate through the cascade, and persist the reply. While a
// turn is in flight further sends on the same session fail with ErrBusy
// instead of queueing.
func (m *Manager) Send(ctx context.Context, sessionID, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyMessage
	}

	s, err := m.beginTurn(sessionID)
	if err != nil {
		return Reply{}, err
	}
	defer m.endTurn(sessionID)

	char, ok := m.catalog.Get(s.CharacterID)
	if !ok {
		return Reply{}, ErrUnknownCharacter
	}

	// Long-term memory never stores raw contact details.
	stored, changed := policy.RedactPII(text)
	if changed {
		m.log.Info("redacted contact details from stored message", "session_id", s.ID)
	}
	now := time.Now().UTC()
	m.memories.AddMessage(ctx, memory.Message{
		ID:          uuid.NewString(),
		CharacterID: s.CharacterID,
		Content:     stored,
		IsUser:      true,
		Timestamp:   now,
	})

	userLabel := s.UserName
	if userLabel == "" {
		userLabel = "User"
	}
	history := m.memories.RecentTurns(ctx, s.CharacterID, historyTurns)
	// Recent turns travel as structured History messages, so the memory
	// context is built without them to avoid rendering the same turns twice.
	memCtx := m.memories.RelevantContext(ctx, s.CharacterID, nil, userLabel, char.Name, m.contextBudget)

	out := m.engine.Generate(ctx, provider.Request{
		Character:     char,
		History:       history,
		MemoryContext: memCtx,
		UserName:      s.UserName,
		UserGender:    s.UserGender,
		NSFW:          s.NSFW,
	})

	replyID := uuid.NewString()
	m.memories.AddMessage(ctx, memory.Message{
		ID:          replyID,
		CharacterID: s.CharacterID,
		Content:     out.Text,
		IsUser:      false,
		Timestamp:   time.Now().UTC(),
	})

	m.mu.Lock()
	if live, ok := m.sessions[sessionID]; ok {
		live.MessageCount += 2
		live.LastActivityAt = time.Now().UTC()
	}
	m.mu.Unlock()
	m.countEvent("message")

	return Reply{
		MessageID:         replyID,
		Text:              out.Text,
		Tier:              out.Tier,
		RelationshipLevel: m.memories.RelationshipLevel(ctx, s.CharacterID),
	}, nil
}

func (m *Manager) beginTurn(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != StatusActive {
		return nil, ErrEnded
	}
	if s.Generating {
		return nil, ErrBusy
	}
	s.Generating = true
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

func (m *Manager) endTurn(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.Generating = false
		s.LastActivityAt = time.Now().UTC()
	}
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.Generating = false
	s.LastActivityAt = time.Now().UTC()
	delete(m.sessionByPair, pairKey(s.UserID, s.CharacterID))
	m.countEvent("ended")
	m.syncActiveGaugeLocked()
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeCountLocked()
}

func (m *Manager) activeCountLocked() int {
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.Generating = false
		s.LastActivityAt = now
		expired = append(expired, clone(s))
		delete(m.sessionByPair, pairKey(s.UserID, s.CharacterID))
	}
	hook := m.onExpire
	m.syncActiveGaugeLocked()
	m.mu.Unlock()

	for range expired {
		m.countEvent("expired")
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (m *Manager) countEvent(event string) {
	if m.metrics != nil {
		m.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (m *Manager) syncActiveGaugeLocked() {
	if m.metrics == nil {
		return
	}
	m.metrics.ActiveSessions.Set(float64(m.activeCountLocked()))
}

func pairKey(userID, characterID string) string {
	return userID + "|" + characterID
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
