package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/rosaviel/elara/internal/config"
	"github.com/rosaviel/elara/internal/keyring"
	"github.com/rosaviel/elara/internal/memory"
	"github.com/rosaviel/elara/internal/observability"
	"github.com/rosaviel/elara/internal/persona"
	"github.com/rosaviel/elara/internal/protocol"
	"github.com/rosaviel/elara/internal/session"
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	memories *memory.Store
	keys     *keyring.Rotator
	catalog  *persona.Catalog
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(
	cfg config.Config,
	sessions *session.Manager,
	memories *memory.Store,
	keys *keyring.Rotator,
	catalog *persona.Catalog,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		memories: memories,
		keys:     keys,
		catalog:  catalog,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other websites cannot drive a chat session
				// if the service is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/characters", s.handleListCharacters)

	r.Post("/v1/chat/session", s.handleCreateSession)
	r.Post("/v1/chat/session/{id}/end", s.handleEndSession)
	r.Post("/v1/chat/session/{id}/message", s.handleSendMessage)
	r.Get("/v1/chat/session/{id}", s.handleGetSession)
	r.Get("/v1/chat/session/ws", s.handleSessionWS)

	r.Get("/v1/keys", s.handleKeyState)
	r.Put("/v1/keys", s.handleReplaceKeys)
	r.Post("/v1/keys", s.handleAddKey)
	r.Post("/v1/keys/reset", s.handleResetKeys)

	r.Get("/v1/memory/{characterID}", s.handleGetMemory)
	r.Delete("/v1/memory/{characterID}", s.handleClearMemory)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"primary_enabled": s.cfg.PrimaryEnabled,
		"characters":      len(s.catalog.All()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil || s.metrics.Stages == nil {
		respondJSON(w, http.StatusOK, observability.StageSnapshot{})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Stages.Snapshot())
}

func (s *Server) handleListCharacters(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"characters": s.catalog.All()})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.CharacterID) == "" {
		req.CharacterID = "elara"
	}
	if req.NSFW && !s.cfg.NSFWAllowed {
		req.NSFW = false
	}

	sess, err := s.sessions.Create(req)
	if err != nil {
		if errors.Is(err, session.ErrUnknownCharacter) {
			respondError(w, http.StatusNotFound, "unknown_character", err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	greeting := ""
	if char, ok := s.catalog.Get(sess.CharacterID); ok {
		greeting = char.Greeting
	}
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		CharacterID:     sess.CharacterID,
		Status:          sess.Status,
		Greeting:        greeting,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body with text is required")
		return
	}

	reply, err := s.sessions.Send(r.Context(), id, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		case errors.Is(err, session.ErrEnded):
			respondError(w, http.StatusGone, "session_ended", err.Error())
		case errors.Is(err, session.ErrBusy):
			respondError(w, http.StatusConflict, "generation_in_progress", err.Error())
		case errors.Is(err, session.ErrEmptyMessage):
			respondError(w, http.StatusBadRequest, "empty_message", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "generation_failed", "could not produce a reply")
		}
		return
	}
	respondJSON(w, http.StatusOK, reply)
}

type replaceKeysRequest struct {
	Keys []string `json:"keys"`
}

type addKeyRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleKeyState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.keys.State(r.Context()))
}

func (s *Server) handleReplaceKeys(w http.ResponseWriter, r *http.Request) {
	var req replaceKeysRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body with keys is required")
		return
	}
	s.keys.SetAll(r.Context(), req.Keys)
	respondJSON(w, http.StatusOK, s.keys.State(r.Context()))
}

func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	var req addKeyRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Key) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "body with key is required")
		return
	}
	s.keys.Add(r.Context(), req.Key)
	respondJSON(w, http.StatusOK, s.keys.State(r.Context()))
}

func (s *Server) handleResetKeys(w http.ResponseWriter, r *http.Request) {
	s.keys.ResetExhausted(r.Context())
	respondJSON(w, http.StatusOK, s.keys.State(r.Context()))
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "characterID")
	if _, ok := s.catalog.Get(id); !ok {
		respondError(w, http.StatusNotFound, "unknown_character", "no such character")
		return
	}
	respondJSON(w, http.StatusOK, s.memories.Snapshot(r.Context(), id))
}

func (s *Server) handleClearMemory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "characterID")
	if _, ok := s.catalog.Get(id); !ok {
		respondError(w, http.StatusNotFound, "unknown_character", "no such character")
		return
	}
	s.memories.Clear(r.Context(), id)
	respondJSON(w, http.StatusOK, map[string]any{"status": "cleared", "character_id": id})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.countSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.countWSMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.pushEvent(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.countWSMessage("inbound", string(t))
		}

		switch msg := parsed.(type) {
		case protocol.UserMessage:
			s.pushEvent(outbound, protocol.TypingEvent{
				Type:      protocol.TypeTypingEvent,
				SessionID: sessionID,
			})
			// Generate off the read loop so control frames keep flowing.
			// The session guard rejects overlapping turns.
			go s.generateOverWS(ctx, outbound, sessionID, msg.Text)
		case protocol.ClientControl:
			if msg.Action == "end" {
				if _, err := s.sessions.End(sessionID); err == nil {
					s.pushEvent(outbound, protocol.SystemEvent{
						Type:      protocol.TypeSystemEvent,
						SessionID: sessionID,
						Code:      "session_ended",
					})
				}
				break readLoop
			}
		}
	}

	cancel()
	<-writerDone
	s.countSessionEvent("ws_disconnected")
}

func (s *Server) generateOverWS(ctx context.Context, outbound chan<- any, sessionID, text string) {
	reply, err := s.sessions.Send(ctx, sessionID, text)
	if err != nil {
		code := "generation_failed"
		retryable := false
		switch {
		case errors.Is(err, session.ErrBusy):
			code = "generation_in_progress"
			retryable = true
		case errors.Is(err, session.ErrEnded):
			code = "session_ended"
		case errors.Is(err, session.ErrNotFound):
			code = "session_not_found"
		case errors.Is(err, session.ErrEmptyMessage):
			code = "empty_message"
		}
		s.pushEvent(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      code,
			Source:    "session",
			Retryable: retryable,
			Detail:    err.Error(),
		})
		return
	}

	s.pushEvent(outbound, protocol.ReplyEvent{
		Type:              protocol.TypeReplyEvent,
		SessionID:         sessionID,
		MessageID:         reply.MessageID,
		Text:              reply.Text,
		Tier:              string(reply.Tier),
		RelationshipLevel: reply.RelationshipLevel,
		TSMs:              time.Now().UnixMilli(),
	})
}

// pushEvent keeps websocket writes single-threaded; events are dropped if
// the outbound queue is saturated.
func (s *Server) pushEvent(outbound chan<- any, msg any) {
	select {
	case outbound <- msg:
	default:
	}
}

func (s *Server) countSessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (s *Server) countWSMessage(direction, msgType string) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, msgType).Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.UserMessage:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.TypingEvent:
		return m.Type, true
	case protocol.ReplyEvent:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
