package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ricochet1k/concordia/internal/realtime"
	"github.com/ricochet1k/concordia/internal/service"
	"github.com/ricochet1k/concordia/internal/session"
	"github.com/ricochet1k/concordia/internal/storage"
	apiTypes "github.com/ricochet1k/concordia/pkg/api"
	realtimeTypes "github.com/ricochet1k/concordia/pkg/realtime"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Party is the hosted party the handler serves.
type Party interface {
	ID() string
	Join(name string, participant realtime.Participant) string
	Leave(name string, participant realtime.Participant)
	Submit(author, text string) error
	Send(name string, msg realtimeTypes.ServerEnvelope) bool
	Restart() error
	Status() realtimeTypes.SessionStatus
	Events() *service.EventBroadcaster
}

// HistoryReader is the read side of the prompt history.
type HistoryReader interface {
	ListPrompts(ctx context.Context, partyID string, limit int) ([]storage.PromptRecord, error)
	ListBatches(ctx context.Context, q storage.BatchQuery) ([]storage.BatchRecord, error)
}

type HandlerConfig struct {
	Party Party
	// History is optional; leave it nil (not a typed nil) when history is
	// disabled.
	History HistoryReader
	// Token is the shared secret participants present in their hello and
	// REST callers send as a bearer token. Empty disables the check.
	Token string
	// InviteCode is handed to every participant after they join.
	InviteCode string
	Logger     *slog.Logger
}

// Handler serves the party over websocket and a small REST surface.
type Handler struct {
	party      Party
	history    HistoryReader
	token      string
	inviteCode string
	logger     *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		party:      cfg.Party,
		history:    cfg.History,
		token:      cfg.Token,
		inviteCode: cfg.InviteCode,
		logger:     logger.With("component", "api"),
	}
}

// Mount registers all routes on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/ws", h.partyWebSocket)
	r.Get("/healthz", h.healthz)
	r.Group(func(r chi.Router) {
		r.Use(RequireToken(h.token))
		r.Get("/api/status", h.status)
		r.Get("/api/history", h.listHistory)
		r.Get("/api/events", h.sseEvents)
		r.Post("/api/session/restart", h.restartSession)
	})
}

// NewRouter returns a router with the handler mounted.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiTypes.HealthResponse{Status: "ok", Party: h.party.ID()})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.party.Status())
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "history is disabled", "")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit", raw)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ctx := r.Context()
	prompts, err := h.history.ListPrompts(ctx, h.party.ID(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list prompts", err.Error())
		return
	}
	batches, err := h.history.ListBatches(ctx, storage.BatchQuery{PartyID: h.party.ID(), Limit: limit})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list batches", err.Error())
		return
	}

	resp := apiTypes.HistoryResponse{
		Prompts: make([]apiTypes.PromptEntry, 0, len(prompts)),
		Batches: make([]apiTypes.BatchEntry, 0, len(batches)),
	}
	for _, p := range prompts {
		resp.Prompts = append(resp.Prompts, apiTypes.PromptEntry{
			ID:        p.ID,
			Author:    p.Author,
			Text:      p.Text,
			CreatedAt: p.CreatedAt,
		})
	}
	for _, b := range batches {
		resp.Batches = append(resp.Batches, apiTypes.BatchEntry{
			ID:        b.ID,
			Status:    string(b.Status),
			Merged:    b.Merged,
			Error:     b.Error,
			Authors:   b.Authors,
			Prompts:   len(b.Prompts),
			CreatedAt: b.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) restartSession(w http.ResponseWriter, r *http.Request) {
	if err := h.party.Restart(); err != nil {
		if errors.Is(err, session.ErrTerminated) {
			writeError(w, http.StatusConflict, "session terminated", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to restart session", err.Error())
		return
	}
	h.logger.Info("session restart requested over api", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, apiTypes.RestartResponse{State: h.party.Status().State})
}

func generateID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message, details string) {
	resp := apiTypes.ErrorResponse{Error: message}
	if details != "" {
		resp.Details = details
	}
	writeJSON(w, code, resp)
}
