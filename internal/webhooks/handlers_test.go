package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/dimm/internal/vault"
)

func setupRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	h := NewHandler(store)
	h.validate = func(_ context.Context, raw string) error {
		if raw == "http://127.0.0.1/hook" {
			return errors.New("loopback address")
		}
		return nil
	}

	r := gin.New()
	g := r.Group("/v1", vault.RequireCaller())
	h.RegisterRoutes(g)
	return r, store
}

func call(r *gin.Engine, method, path string, caller common.Address, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != (common.Address{}) {
		req.Header.Set(vault.CallerHeader, caller.Hex())
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createHook(t *testing.T, r *gin.Engine, caller common.Address) (id, secret string) {
	t.Helper()
	w := call(r, http.MethodPost, "/v1/webhooks", caller, map[string]any{
		"url":    "https://hooks.example.com/dimm",
		"events": []string{"transaction", "agent_revoked"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Webhook struct {
			ID     string `json:"id"`
			Secret string `json:"secret"`
		} `json:"webhook"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Webhook.Secret != "" {
		t.Fatal("secret must not be serialized on the subscription")
	}
	return resp.Webhook.ID, resp.Secret
}

func TestHandler_RequiresCaller(t *testing.T) {
	r, _ := setupRouter(t)
	w := call(r, http.MethodGet, "/v1/webhooks", common.Address{}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandler_CreateAndList(t *testing.T) {
	r, store := setupRouter(t)
	id, secret := createHook(t, r, ownerA)
	if len(secret) != 64 {
		t.Errorf("Expected a 64-char secret, got %q", secret)
	}

	sub, err := store.Get(context.Background(), id)
	if err != nil || sub.Owner != ownerA || sub.Secret != secret || !sub.Active {
		t.Fatalf("stored subscription wrong: %+v (%v)", sub, err)
	}

	w := call(r, http.MethodGet, "/v1/webhooks", ownerA, nil)
	var list struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 1 {
		t.Errorf("Expected 1 webhook for owner A, got %d", list.Count)
	}

	w = call(r, http.MethodGet, "/v1/webhooks", ownerB, nil)
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 0 {
		t.Errorf("Expected owner B to see none, got %d", list.Count)
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	r, _ := setupRouter(t)

	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{"missing url", map[string]any{"events": []string{"transaction"}}, "validation_error"},
		{"no events", map[string]any{"url": "https://hooks.example.com/x"}, "invalid_events"},
		{"unknown event", map[string]any{"url": "https://hooks.example.com/x", "events": []string{"payment.sent"}}, "invalid_events"},
		{"blocked url", map[string]any{"url": "http://127.0.0.1/hook", "events": []string{"transaction"}}, "invalid_url"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := call(r, http.MethodPost, "/v1/webhooks", ownerA, tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
			}
			var resp struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(w.Body.Bytes(), &resp)
			if resp.Error != tc.code {
				t.Errorf("Expected %s, got %s", tc.code, resp.Error)
			}
		})
	}
}

func TestHandler_LimitPerOwner(t *testing.T) {
	r, _ := setupRouter(t)
	for range MaxSubscriptionsPerOwner {
		createHook(t, r, ownerA)
	}
	w := call(r, http.MethodPost, "/v1/webhooks", ownerA, map[string]any{
		"url": "https://hooks.example.com/dimm", "events": []string{"transaction"},
	})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 past the limit, got %d", w.Code)
	}
}

func TestHandler_DeleteIsOwnerScoped(t *testing.T) {
	r, store := setupRouter(t)
	id, _ := createHook(t, r, ownerA)

	w := call(r, http.MethodDelete, "/v1/webhooks/"+id, ownerB, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 for another owner, got %d", w.Code)
	}
	if _, err := store.Get(context.Background(), id); err != nil {
		t.Fatal("subscription removed by a non-owner")
	}

	w = call(r, http.MethodDelete, "/v1/webhooks/"+id, ownerA, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if _, err := store.Get(context.Background(), id); !errors.Is(err, ErrNotFound) {
		t.Error("subscription still present after delete")
	}
}

func TestHandler_EnableResetsFailures(t *testing.T) {
	r, store := setupRouter(t)
	id, _ := createHook(t, r, ownerA)

	ctx := context.Background()
	sub, _ := store.Get(ctx, id)
	sub.Active = false
	sub.ConsecutiveFailures = MaxConsecutiveFailures
	_ = store.Update(ctx, sub)

	w := call(r, http.MethodPost, "/v1/webhooks/"+id+"/enable", ownerA, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	sub, _ = store.Get(ctx, id)
	if !sub.Active || sub.ConsecutiveFailures != 0 {
		t.Errorf("Expected re-enabled subscription, got %+v", sub)
	}
}
