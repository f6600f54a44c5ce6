package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cexll/gitlab-copilot/internal/eventstore"
	"github.com/cexll/gitlab-copilot/internal/processor"
	"github.com/cexll/gitlab-copilot/internal/tenant"
)

// headerTenantToken is the fallback token carrier for installations that
// cannot put the token in the webhook path.
const headerTenantToken = "X-Gitlab-Copilot-Token"

const maxBodyBytes = 10 << 20

// Dispatcher runs the verified event in the background.
type Dispatcher interface {
	Process(ctx context.Context, tc *tenant.Context, eventID string, body []byte)
}

// Handler is the webhook receiver.
type Handler struct {
	resolver   *tenant.Resolver
	events     eventstore.Store
	dispatcher Dispatcher

	// runAsync is a seam so tests can run the background phase inline.
	runAsync func(fn func())
}

// NewHandler creates the receiver.
func NewHandler(resolver *tenant.Resolver, events eventstore.Store, dispatcher Dispatcher) *Handler {
	return &Handler{
		resolver:   resolver,
		events:     events,
		dispatcher: dispatcher,
		runAsync:   func(fn func()) { go fn() },
	}
}

// Register mounts the webhook routes.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/webhook/{token}", h.Handle).Methods(http.MethodPost)
	r.HandleFunc("/webhook", h.Handle).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// tokenCandidate extracts the tenant token: path segment first, then header,
// then query parameter.
func tokenCandidate(r *http.Request) string {
	if token := mux.Vars(r)["token"]; token != "" {
		return token
	}
	if token := r.Header.Get(headerTenantToken); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// Handle authenticates the delivery and acknowledges with 200 before
// processing starts.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}

	res, err := h.resolver.Resolve(r.Context(), tokenCandidate(r))
	if err != nil {
		switch {
		case errors.Is(err, tenant.ErrNoToken):
			writeError(w, http.StatusBadRequest, "missing tenant token")
		case errors.Is(err, tenant.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown tenant token")
		case errors.Is(err, tenant.ErrStoreUnavailable):
			log.Printf("[Webhook] Tenant lookup failed: %v", err)
			writeError(w, http.StatusServiceUnavailable, "tenant lookup unavailable")
		default:
			log.Printf("[Webhook] Tenant resolution error: %v", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	if !VerifySignature(body, r.Header.Get(headerDirectSecret), r.Header.Get(headerSignature), res.WebhookSecret) {
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	eventID := uuid.NewString()
	rec := &eventstore.Record{
		ID:         eventID,
		TenantID:   res.Context.TenantID,
		ConfigID:   res.Context.ConfigID,
		Status:     eventstore.StatusReceived,
		Payload:    body,
		ReceivedAt: time.Now().UTC(),
		EventKind:  "unknown",
	}
	if ev, parseErr := processor.ParseEvent(body); parseErr == nil {
		rec.EventKind = ev.ObjectKind
		rec.ProjectID = ev.Project.ID
		rec.ProjectName = ev.Project.PathWithNamespace
		rec.ContextID = ev.ThreadIID()
		rec.WebhookAction = ev.ObjectAttributes.Action
		rec.AuthorUsername = ev.User.Username
	}
	if err := h.events.Insert(r.Context(), rec); err != nil {
		log.Printf("[Webhook] Failed to record event %s: %v", eventID, err)
	}

	// Acknowledge before processing; GitLab retries slow deliveries.
	writeJSON(w, http.StatusOK, map[string]string{"message": "Webhook received"})

	tc := res.Context
	h.runAsync(func() {
		ctx := tenant.NewContext(context.Background(), tc)
		log.Printf("[Webhook] Processing event %s for tenant %s", eventID, tc.TenantID)
		h.dispatcher.Process(ctx, tc, eventID, body)
	})
}
