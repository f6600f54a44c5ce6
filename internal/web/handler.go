package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cexll/gitlab-copilot/internal/eventstore"
	"github.com/cexll/gitlab-copilot/internal/session"
)

const defaultEventLimit = 50

// CleanupStatus reports the last completed sweep of a background cleanup
// service. Both the session and workspace services implement it.
type CleanupStatus interface {
	LastRun() time.Time
}

// Handler serves the status API.
type Handler struct {
	auth             *Auth
	events           eventstore.Store
	sessions         *session.Store
	sessionCleanup   CleanupStatus
	workspaceCleanup CleanupStatus
}

// NewHandler creates the status API handler. sessions and the cleanup
// statuses may be nil when the corresponding subsystem is disabled.
func NewHandler(auth *Auth, events eventstore.Store, sessions *session.Store, sessionCleanup, workspaceCleanup CleanupStatus) *Handler {
	return &Handler{
		auth:             auth,
		events:           events,
		sessions:         sessions,
		sessionCleanup:   sessionCleanup,
		workspaceCleanup: workspaceCleanup,
	}
}

// RegisterRoutes mounts the status API.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/auth/token", h.handleToken).Methods(http.MethodPost)
	r.HandleFunc("/api/events", h.requireAuth(h.handleEvents)).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", h.requireAuth(h.handleStats)).Methods(http.MethodGet)
}

func respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	token, err := h.auth.Exchange(req.Secret)
	if err != nil {
		respond(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	respond(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || h.auth.Verify(token) != nil {
			respond(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	includeProgress := r.URL.Query().Get("includeProgress") == "1"

	records, err := h.events.ListRecent(r.Context(), limit, includeProgress)
	if err != nil {
		respond(w, http.StatusInternalServerError, map[string]string{"error": "failed to list events"})
		return
	}

	type eventView struct {
		ID              string `json:"id"`
		TenantID        string `json:"tenantId,omitempty"`
		ProjectName     string `json:"projectName,omitempty"`
		EventKind       string `json:"eventKind"`
		ContextID       int    `json:"contextId,omitempty"`
		ContextTitle    string `json:"contextTitle,omitempty"`
		AIProvider      string `json:"aiProvider,omitempty"`
		Status          string `json:"status"`
		ResponseType    string `json:"responseType,omitempty"`
		ReceivedAt      string `json:"receivedAt"`
		ExecutionTimeMs int64  `json:"executionTimeMs,omitempty"`
		ErrorMessage    string `json:"errorMessage,omitempty"`
	}
	views := make([]eventView, 0, len(records))
	for _, rec := range records {
		views = append(views, eventView{
			ID:              rec.ID,
			TenantID:        rec.TenantID,
			ProjectName:     rec.ProjectName,
			EventKind:       rec.EventKind,
			ContextID:       rec.ContextID,
			ContextTitle:    rec.ContextTitle,
			AIProvider:      rec.AIProvider,
			Status:          string(rec.Status),
			ResponseType:    string(rec.ResponseType),
			ReceivedAt:      rec.ReceivedAt.Format(time.RFC3339),
			ExecutionTimeMs: rec.ExecutionTimeMs,
			ErrorMessage:    rec.ErrorMessage,
		})
	}
	respond(w, http.StatusOK, map[string]any{"events": views})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"sessionSubsystemEnabled": h.sessions != nil,
	}
	if h.sessions != nil {
		stats["sessions"] = h.sessions.Stats()
	}
	stats["cleanup"] = map[string]any{
		"sessions":   cleanupView(h.sessionCleanup),
		"workspaces": cleanupView(h.workspaceCleanup),
	}
	respond(w, http.StatusOK, stats)
}

func cleanupView(c CleanupStatus) map[string]any {
	if c == nil {
		return map[string]any{"enabled": false}
	}
	view := map[string]any{"enabled": true}
	if last := c.LastRun(); !last.IsZero() {
		view["lastRun"] = last.Format(time.RFC3339)
	}
	return view
}
