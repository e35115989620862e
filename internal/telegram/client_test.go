package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// fakeAPI is a scripted Bot API endpoint.
type fakeAPI struct {
	mu       sync.Mutex
	requests []string
	handler  func(method string, body map[string]interface{}) (int, interface{})
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	json.NewDecoder(r.Body).Decode(&body)
	method := r.URL.Path[len("/bottoken/"):]

	f.mu.Lock()
	f.requests = append(f.requests, method)
	f.mu.Unlock()

	status, response := f.handler(method, body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

func newTestClient(t *testing.T, handler func(method string, body map[string]interface{}) (int, interface{})) (*Client, *fakeAPI, func()) {
	t.Helper()
	api := &fakeAPI{handler: handler}
	srv := httptest.NewServer(api)
	client, err := NewClient(ClientOpts{Token: "token", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, api, srv.Close
}

func TestSendMessage_ReturnsMessageID(t *testing.T) {
	client, _, done := newTestClient(t, func(method string, body map[string]interface{}) (int, interface{}) {
		if method != "sendMessage" {
			return 404, map[string]interface{}{"ok": false}
		}
		if body["text"] != "hello" {
			return 400, map[string]interface{}{"ok": false, "description": "bad text"}
		}
		return 200, map[string]interface{}{"ok": true, "result": map[string]interface{}{"message_id": 17}}
	})
	defer done()

	id, err := client.SendMessage(context.Background(), 1001, "hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != 17 {
		t.Fatalf("message id = %d, want 17", id)
	}
}

func TestSendMessage_RateLimit(t *testing.T) {
	var observed []int
	api := &fakeAPI{handler: func(method string, body map[string]interface{}) (int, interface{}) {
		return http.StatusTooManyRequests, map[string]interface{}{
			"ok":          false,
			"description": "Too Many Requests",
			"parameters":  map[string]interface{}{"retry_after": 3},
		}
	}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	client, err := NewClient(ClientOpts{
		Token:   "token",
		BaseURL: srv.URL,
		OnRateLimit: func(method string, retryAfter int) {
			observed = append(observed, retryAfter)
		},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.SendMessage(context.Background(), 1001, "hi", nil)
	var rateLimited *RateLimitError
	if !errors.As(err, &rateLimited) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rateLimited.RetryAfter != 3 {
		t.Fatalf("retry_after = %d, want 3", rateLimited.RetryAfter)
	}
	if len(observed) != 1 || observed[0] != 3 {
		t.Fatalf("observer calls = %v", observed)
	}
}

func TestAPIFailure(t *testing.T) {
	client, _, done := newTestClient(t, func(method string, body map[string]interface{}) (int, interface{}) {
		return 400, map[string]interface{}{"ok": false, "description": "chat not found"}
	})
	defer done()

	err := client.AnswerCallbackQuery(context.Background(), "cb-1", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Description != "chat not found" {
		t.Fatalf("description = %q", apiErr.Description)
	}
}

func TestGetUpdates_ParsesIDs(t *testing.T) {
	client, _, done := newTestClient(t, func(method string, body map[string]interface{}) (int, interface{}) {
		return 200, map[string]interface{}{"ok": true, "result": []interface{}{
			map[string]interface{}{"update_id": 5, "message": map[string]interface{}{}},
			map[string]interface{}{"no_id": true},
			map[string]interface{}{"update_id": 6},
		}}
	})
	defer done()

	updates, err := client.GetUpdates(context.Background(), 0, 1, 100)
	if err != nil {
		t.Fatalf("get updates: %v", err)
	}
	if len(updates) != 2 || updates[0].UpdateID != 5 || updates[1].UpdateID != 6 {
		t.Fatalf("updates = %+v", updates)
	}
}

func TestRegisterWebhook_DeletesFirst(t *testing.T) {
	client, api, done := newTestClient(t, func(method string, body map[string]interface{}) (int, interface{}) {
		return 200, map[string]interface{}{"ok": true, "result": true}
	})
	defer done()

	if err := client.RegisterWebhook(context.Background(), "https://example.test/hook", "secret"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(api.requests) != 2 || api.requests[0] != "deleteWebhook" || api.requests[1] != "setWebhook" {
		t.Fatalf("requests = %v", api.requests)
	}
}
