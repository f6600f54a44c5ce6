package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/cexll/gitlab-copilot/internal/eventstore"
	"github.com/cexll/gitlab-copilot/internal/tenant"
	"github.com/cexll/gitlab-copilot/internal/vault"
)

type recordedDispatch struct {
	tc      *tenant.Context
	eventID string
	body    []byte
}

type mockDispatcher struct {
	dispatches []recordedDispatch
}

func (m *mockDispatcher) Process(_ context.Context, tc *tenant.Context, eventID string, body []byte) {
	m.dispatches = append(m.dispatches, recordedDispatch{tc: tc, eventID: eventID, body: body})
}

type stubStore struct {
	users   map[string]*tenant.User
	configs map[string]*tenant.GitLabConfig
	fail    bool
}

func (s *stubStore) FindUserByToken(_ context.Context, token string) (*tenant.User, error) {
	if s.fail {
		return nil, tenant.ErrStoreUnavailable
	}
	return s.users[token], nil
}

func (s *stubStore) FindConfigByToken(_ context.Context, token string) (*tenant.GitLabConfig, error) {
	if s.fail {
		return nil, tenant.ErrStoreUnavailable
	}
	return s.configs[token], nil
}

func (s *stubStore) FindDefaultConfig(_ context.Context, userID string) (*tenant.GitLabConfig, error) {
	for _, cfg := range s.configs {
		if cfg.UserID == userID && cfg.IsDefault {
			return cfg, nil
		}
	}
	return nil, nil
}

func (s *stubStore) FindConfigsForUser(_ context.Context, userID string) ([]tenant.GitLabConfig, error) {
	var out []tenant.GitLabConfig
	for _, cfg := range s.configs {
		if cfg.UserID == userID {
			out = append(out, *cfg)
		}
	}
	return out, nil
}

func newTestHandler(t *testing.T, store tenant.Store, legacy *tenant.Legacy) (*Handler, *mockDispatcher, *eventstore.MemoryStore) {
	t.Helper()
	v, err := vault.New("test-key")
	if err != nil {
		t.Fatal(err)
	}
	events := eventstore.NewMemoryStore(100)
	dispatcher := &mockDispatcher{}
	h := NewHandler(tenant.NewResolver(store, v, legacy), events, dispatcher)
	h.runAsync = func(fn func()) { fn() } // synchronous for assertions
	return h, dispatcher, events
}

func configStore(t *testing.T, secret string) *stubStore {
	t.Helper()
	v, _ := vault.New("test-key")
	encToken, _ := v.EncryptSecret("glpat-access")
	encSecret, _ := v.EncryptSecret(secret)
	return &stubStore{
		configs: map[string]*tenant.GitLabConfig{
			"glconfig_abc": {
				ID: "cfg-1", UserID: "user-1", ConfigToken: "glconfig_abc",
				GitLabBaseURL: "https://gitlab.example.com",
				AccessToken:   encToken, WebhookSecret: encSecret,
			},
		},
	}
}

func doWebhook(h *Handler, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	r := mux.NewRouter()
	h.Register(r)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleVerifiedDelivery(t *testing.T) {
	h, dispatcher, events := newTestHandler(t, configStore(t, "hook-secret"), nil)

	body := []byte(`{"object_kind":"issue","project":{"id":42,"path_with_namespace":"g/app"},"object_attributes":{"iid":7,"action":"open"},"user":{"username":"dev"}}`)
	w := doWebhook(h, "/webhook/glconfig_abc", body, map[string]string{
		headerSignature: signHex(body, "hook-secret"),
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["message"] != "Webhook received" {
		t.Errorf("body = %s", w.Body.String())
	}

	if len(dispatcher.dispatches) != 1 {
		t.Fatalf("dispatches = %d, want 1", len(dispatcher.dispatches))
	}
	d := dispatcher.dispatches[0]
	if d.tc.TenantID != "user-1" || d.tc.PlatformAccessToken != "glpat-access" {
		t.Errorf("tenant context = %+v", d.tc)
	}

	// The received record exists before the dispatcher rewrites it.
	rec, ok := events.Get(d.eventID)
	if !ok {
		t.Fatal("event record not inserted")
	}
	if rec.Status != eventstore.StatusReceived {
		t.Errorf("status = %q, want received", rec.Status)
	}
	if rec.EventKind != "issue" || rec.ProjectID != 42 || rec.AuthorUsername != "dev" {
		t.Errorf("record = %+v", rec)
	}
}

func TestHandleDirectSecretHeader(t *testing.T) {
	h, dispatcher, _ := newTestHandler(t, configStore(t, "hook-secret"), nil)

	body := []byte(`{"object_kind":"issue"}`)
	w := doWebhook(h, "/webhook/glconfig_abc", body, map[string]string{
		headerDirectSecret: "hook-secret",
	})

	if w.Code != http.StatusOK || len(dispatcher.dispatches) != 1 {
		t.Errorf("status = %d, dispatches = %d", w.Code, len(dispatcher.dispatches))
	}
}

func TestHandleTokenFromHeaderAndQuery(t *testing.T) {
	body := []byte(`{"object_kind":"issue"}`)
	sig := signHex(body, "hook-secret")

	for _, tc := range []struct {
		name    string
		path    string
		headers map[string]string
	}{
		{name: "header token", path: "/webhook", headers: map[string]string{headerTenantToken: "glconfig_abc", headerSignature: sig}},
		{name: "query token", path: "/webhook?token=glconfig_abc", headers: map[string]string{headerSignature: sig}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h, dispatcher, _ := newTestHandler(t, configStore(t, "hook-secret"), nil)
			w := doWebhook(h, tc.path, body, tc.headers)
			if w.Code != http.StatusOK || len(dispatcher.dispatches) != 1 {
				t.Errorf("status = %d, dispatches = %d", w.Code, len(dispatcher.dispatches))
			}
		})
	}
}

func TestHandleErrorStatuses(t *testing.T) {
	body := []byte(`{"object_kind":"issue"}`)

	tests := []struct {
		name    string
		store   tenant.Store
		legacy  *tenant.Legacy
		path    string
		headers map[string]string
		want    int
	}{
		{
			name: "no token no legacy", store: &stubStore{}, path: "/webhook",
			want: http.StatusBadRequest,
		},
		{
			name: "unknown token", store: &stubStore{}, path: "/webhook/glconfig_nope",
			want: http.StatusNotFound,
		},
		{
			name: "store unavailable", store: &stubStore{fail: true}, path: "/webhook/glconfig_abc",
			want: http.StatusServiceUnavailable,
		},
		{
			name: "bad signature", store: nil, path: "/webhook",
			legacy:  &tenant.Legacy{BaseURL: "https://gitlab.example.com", AccessToken: "t", WebhookSecret: "right"},
			headers: map[string]string{headerSignature: signHex(body, "wrong")},
			want:    http.StatusUnauthorized,
		},
		{
			name: "missing auth headers", store: nil, path: "/webhook",
			legacy: &tenant.Legacy{BaseURL: "https://gitlab.example.com", AccessToken: "t", WebhookSecret: "right"},
			want:   http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, dispatcher, _ := newTestHandler(t, tt.store, tt.legacy)
			w := doWebhook(h, tt.path, body, tt.headers)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			if len(dispatcher.dispatches) != 0 {
				t.Error("rejected delivery still dispatched")
			}
		})
	}
}

func TestHandleLegacyFallback(t *testing.T) {
	legacy := &tenant.Legacy{BaseURL: "https://gitlab.internal", AccessToken: "legacy-token", WebhookSecret: "legacy-secret"}
	h, dispatcher, _ := newTestHandler(t, nil, legacy)

	body := []byte(`{"object_kind":"note"}`)
	w := doWebhook(h, "/webhook", body, map[string]string{
		headerDirectSecret: "legacy-secret",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(dispatcher.dispatches) != 1 || dispatcher.dispatches[0].tc.TenantID != "legacy" {
		t.Errorf("dispatches = %+v", dispatcher.dispatches)
	}
}
