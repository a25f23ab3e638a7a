package webhooks

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/cloakgate/internal/identity"
)

func init() { gin.SetMode(gin.TestMode) }

func newTestRouter(tokens *identity.TokenVerifier) (*gin.Engine, *memStore) {
	store := &memStore{}
	h := NewHandler(newTestService(store), tokens, zap.NewNop())
	r := gin.New()
	h.Register(r.Group("/api/v1"))
	return r, store
}

func doRequest(r *gin.Engine, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func ownerHeader(owner string) http.Header {
	return http.Header{identity.DevOwnerHeader: []string{owner}}
}

func TestHandler_createListDelete(t *testing.T) {
	r, store := newTestRouter(nil)

	w := doRequest(r, http.MethodPost, "/api/v1/webhooks", CreateSubscriptionRequest{
		URL:    "https://hooks.example.com/cloak",
		Events: []string{EventDomainActive},
	}, ownerHeader("owner-1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Subscription Subscription `json:"subscription"`
		Secret       string       `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Secret == "" || created.Subscription.ID == uuid.Nil {
		t.Fatalf("unexpected response %s", w.Body.String())
	}

	w = doRequest(r, http.MethodGet, "/api/v1/webhooks", nil, ownerHeader("owner-2"))
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"count":0`)) {
		t.Errorf("foreign list = %d %s", w.Code, w.Body.String())
	}
	w = doRequest(r, http.MethodGet, "/api/v1/webhooks", nil, ownerHeader("owner-1"))
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`"count":1`)) {
		t.Errorf("own list = %d %s", w.Code, w.Body.String())
	}
	if bytes.Contains(w.Body.Bytes(), []byte(created.Secret)) {
		t.Error("list must not expose the secret")
	}

	path := "/api/v1/webhooks/" + created.Subscription.ID.String()
	if w := doRequest(r, http.MethodDelete, path, nil, ownerHeader("owner-2")); w.Code != http.StatusNotFound {
		t.Errorf("foreign delete = %d", w.Code)
	}
	if w := doRequest(r, http.MethodDelete, path, nil, ownerHeader("owner-1")); w.Code != http.StatusNoContent {
		t.Errorf("delete = %d", w.Code)
	}
	if len(store.subs) != 0 {
		t.Errorf("subscriptions left: %d", len(store.subs))
	}
}

func TestHandler_badRequests(t *testing.T) {
	r, _ := newTestRouter(nil)

	cases := []struct {
		name string
		body any
	}{
		{"missing events", map[string]any{"url": "https://hooks.example.com"}},
		{"unknown event", CreateSubscriptionRequest{URL: "https://hooks.example.com", Events: []string{"domain.renamed"}}},
		{"bad scheme", CreateSubscriptionRequest{URL: "ftp://hooks.example.com", Events: []string{EventDomainActive}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := doRequest(r, http.MethodPost, "/api/v1/webhooks", tc.body, ownerHeader("owner-1")); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d: %s", w.Code, w.Body.String())
			}
		})
	}

	if w := doRequest(r, http.MethodDelete, "/api/v1/webhooks/not-a-uuid", nil, ownerHeader("owner-1")); w.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", w.Code)
	}
}

func TestHandler_requiresIdentity(t *testing.T) {
	r, _ := newTestRouter(nil)
	if w := doRequest(r, http.MethodGet, "/api/v1/webhooks", nil, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("dev mode without owner = %d", w.Code)
	}

	tokens := identity.NewTokenVerifier([]byte("test-secret"), "cloakgate", time.Hour)
	r, _ = newTestRouter(tokens)
	if w := doRequest(r, http.MethodGet, "/api/v1/webhooks", nil, ownerHeader("owner-1")); w.Code != http.StatusUnauthorized {
		t.Errorf("owner header with verifier = %d", w.Code)
	}

	tok, err := tokens.Issue("owner-1", "ops@example.com")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	w := doRequest(r, http.MethodGet, "/api/v1/webhooks", nil, http.Header{"Authorization": []string{"Bearer " + tok}})
	if w.Code != http.StatusOK {
		t.Errorf("bearer = %d: %s", w.Code, w.Body.String())
	}
}
