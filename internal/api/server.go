// ABOUTME: HTTP boundary: SSE chat streaming, session history, instance and config endpoints.
// ABOUTME: Chi router with JWT bearer auth; proxies config mutations through the adapter contract.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/harborline/harbormaster/internal/adapter"
	"github.com/harborline/harbormaster/internal/chat"
	"github.com/harborline/harbormaster/internal/protocol"
	"github.com/harborline/harbormaster/internal/store"
)

// ChatService is the chat layer surface the handlers use.
type ChatService interface {
	Send(ctx context.Context, in chat.SendInput) (<-chan chat.Event, error)
	History(ctx context.Context, userID, sessionID string) (*chat.HistoryResult, error)
	ListSessions(ctx context.Context, userID, instanceID string, limit int) ([]*store.ChatSession, error)
	Archive(ctx context.Context, userID, sessionID string) error
	ClearContext(ctx context.Context, userID, sessionID string) error
}

// Gateways is the registry surface the handlers use.
type Gateways interface {
	GetAdapter(instanceID string) (adapter.Adapter, bool)
	Connect(ctx context.Context, instanceID string) error
	Disconnect(instanceID string)
	State(instanceID string) (protocol.State, bool)
}

// Server hosts the caller-facing HTTP API.
type Server struct {
	chat      ChatService
	gateways  Gateways
	store     store.Store
	jwtSecret []byte
	logger    *slog.Logger
}

func NewServer(chatSvc ChatService, gateways Gateways, st store.Store, jwtSecret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		chat:      chatSvc,
		gateways:  gateways,
		store:     st,
		jwtSecret: jwtSecret,
		logger:    logger.With("component", "api"),
	}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.withAuth)

		r.Post("/chat/send", s.handleSend)

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/history", s.handleHistory)
			r.Post("/clear", s.handleClearContext)
			r.Post("/archive", s.handleArchive)
		})

		r.Route("/instances", func(r chi.Router) {
			r.Get("/", s.handleListInstances)
			r.Route("/{instanceID}", func(r chi.Router) {
				r.Post("/connect", s.handleConnect)
				r.Post("/disconnect", s.handleDisconnect)
				r.Get("/agents", s.handleListAgents)
				r.Get("/sessions", s.handleListSessions)
				r.Get("/config", s.handleGetConfig)
				r.Patch("/config", s.handlePatchConfig)
			})
		})
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListInstances(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userIDKey struct{}

func userID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// withAuth validates the bearer token and stashes its subject as the user id.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid || claims.Subject == "" {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type sendRequest struct {
	InstanceID  string               `json:"instanceId"`
	AgentID     string               `json:"agentId"`
	Message     string               `json:"message"`
	SessionID   string               `json:"sessionId,omitempty"`
	Attachments []adapter.Attachment `json:"attachments,omitempty"`
}

// handleSend opens the SSE stream and forwards chat events in order. The
// stream always ends with a done or error event, never a silent close.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.InstanceID == "" || req.AgentID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "instanceId, agentId and message are required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := s.chat.Send(r.Context(), chat.SendInput{
		UserID:      userID(r.Context()),
		InstanceID:  req.InstanceID,
		AgentID:     req.AgentID,
		Message:     req.Message,
		SessionID:   req.SessionID,
		Attachments: req.Attachments,
	})
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrInstanceNotConnected):
			writeError(w, http.StatusServiceUnavailable, "instance not connected")
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		default:
			s.logger.Error("send failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Drain the channel even after the client goes away so the run's
	// producer never blocks on a dead stream.
	for ev := range events {
		if r.Context().Err() != nil {
			continue
		}
		writeSSEEvent(w, string(ev.Type), ev)
		flusher.Flush()
	}
}

type sessionResponse struct {
	ID            string    `json:"id"`
	InstanceID    string    `json:"instanceId"`
	AgentID       string    `json:"agentId"`
	IsActive      bool      `json:"isActive"`
	Title         *string   `json:"title,omitempty"`
	MessageCount  int       `json:"messageCount"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

func toSessionResponse(sess *store.ChatSession) sessionResponse {
	return sessionResponse{
		ID:            sess.ID,
		InstanceID:    sess.InstanceID,
		AgentID:       sess.AgentID,
		IsActive:      sess.IsActive,
		Title:         sess.Title,
		MessageCount:  sess.MessageCount,
		LastMessageAt: sess.LastMessageAt,
		CreatedAt:     sess.CreatedAt,
	}
}

type snapshotResponse struct {
	Role          string          `json:"role"`
	Content       string          `json:"content"`
	Thinking      *string         `json:"thinking,omitempty"`
	ToolCalls     json.RawMessage `json:"toolCalls,omitempty"`
	ContentBlocks json.RawMessage `json:"contentBlocks,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type historyResponse struct {
	Session   sessionResponse             `json:"session"`
	Snapshots []snapshotResponse          `json:"snapshots"`
	Live      []adapter.TranscriptMessage `json:"live,omitempty"`
	Stale     bool                        `json:"stale,omitempty"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	res, err := s.chat.History(r.Context(), userID(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := historyResponse{
		Session:   toSessionResponse(res.Session),
		Snapshots: make([]snapshotResponse, 0, len(res.Snapshots)),
		Live:      res.Live,
		Stale:     res.Stale,
	}
	for _, snap := range res.Snapshots {
		out := snapshotResponse{
			Role:      snap.Role,
			Content:   snap.Content,
			Thinking:  snap.Thinking,
			CreatedAt: snap.CreatedAt,
		}
		if snap.ToolCalls != nil {
			out.ToolCalls = json.RawMessage(*snap.ToolCalls)
		}
		if snap.ContentBlocks != nil {
			out.ContentBlocks = json.RawMessage(*snap.ContentBlocks)
		}
		resp.Snapshots = append(resp.Snapshots, out)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClearContext(w http.ResponseWriter, r *http.Request) {
	err := s.chat.ClearContext(r.Context(), userID(r.Context()), chi.URLParam(r, "sessionID"))
	s.writeSessionOpResult(w, err)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	err := s.chat.Archive(r.Context(), userID(r.Context()), chi.URLParam(r, "sessionID"))
	s.writeSessionOpResult(w, err)
}

func (s *Server) writeSessionOpResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	default:
		s.logger.Error("session operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

type instanceResponse struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	Status          store.InstanceStatus `json:"status"`
	ConnectionState string               `json:"connectionState"`
	LastSeenAt      *time.Time           `json:"lastSeenAt,omitempty"`
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.store.ListInstances(r.Context())
	if err != nil {
		s.logger.Error("failed to list instances", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]instanceResponse, 0, len(instances))
	for _, inst := range instances {
		connState := "not_connected"
		if state, ok := s.gateways.State(inst.ID); ok {
			connState = string(state)
		}
		resp = append(resp, instanceResponse{
			ID:              inst.ID,
			Name:            inst.Name,
			Status:          inst.Status,
			ConnectionState: connState,
			LastSeenAt:      inst.LastSeenAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	if err := s.gateways.Connect(r.Context(), instanceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "instance not found")
			return
		}
		s.logger.Warn("connect failed", "instance_id", instanceID, "error", err)
		writeError(w, http.StatusBadGateway, "connect failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.gateways.Disconnect(chi.URLParam(r, "instanceID"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	sessions, err := s.chat.ListSessions(r.Context(), userID(r.Context()), chi.URLParam(r, "instanceID"), limit)
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, toSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	ad, ok := s.gateways.GetAdapter(chi.URLParam(r, "instanceID"))
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "instance not connected")
		return
	}

	agents, err := ad.ListAgents(r.Context())
	if err != nil {
		s.logger.Error("failed to list agents", "error", err)
		writeError(w, http.StatusBadGateway, "gateway request failed")
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	ad, ok := s.gateways.GetAdapter(chi.URLParam(r, "instanceID"))
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "instance not connected")
		return
	}

	cfg, err := ad.GetConfig(r.Context())
	if err != nil {
		s.logger.Error("failed to read config", "error", err)
		writeError(w, http.StatusBadGateway, "gateway request failed")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type patchConfigRequest struct {
	BaseHash string         `json:"baseHash"`
	Patch    map[string]any `json:"patch,omitempty"`
	// ReplaceList requests replacement semantics for one array-valued key,
	// which the upstream store would otherwise union-merge.
	ReplaceList *struct {
		Key   string `json:"key"`
		Value []any  `json:"value"`
	} `json:"replaceList,omitempty"`
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	ad, ok := s.gateways.GetAdapter(chi.URLParam(r, "instanceID"))
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "instance not connected")
		return
	}

	var req patchConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.BaseHash == "" {
		writeError(w, http.StatusBadRequest, "baseHash is required")
		return
	}

	var (
		cfg *adapter.Config
		err error
	)
	switch {
	case req.ReplaceList != nil:
		cfg, err = ad.ReplaceList(r.Context(), req.ReplaceList.Key, req.ReplaceList.Value, req.BaseHash)
	case len(req.Patch) > 0:
		cfg, err = ad.PatchConfig(r.Context(), req.Patch, req.BaseHash)
	default:
		writeError(w, http.StatusBadRequest, "patch or replaceList is required")
		return
	}

	if err != nil {
		if errors.Is(err, adapter.ErrConflict) {
			writeError(w, http.StatusConflict, "config hash conflict, re-read and retry")
			return
		}
		s.logger.Error("config patch failed", "error", err)
		writeError(w, http.StatusBadGateway, "gateway request failed")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
