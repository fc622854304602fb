package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNeedsLoginMessage(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier("TOKEN", "42")
	n.apiBase = srv.URL
	if err := n.NeedsLogin(context.Background(), "spouse", "auth_expired", "http://127.0.0.1:8000/login/spouse"); err != nil {
		t.Fatalf("NeedsLogin: %v", err)
	}
	text, _ := got["text"].(string)
	if !strings.Contains(text, `"spouse"`) || !strings.Contains(text, "/login/spouse") {
		t.Fatalf("unexpected text %q", text)
	}
	if got["chat_id"] != "42" {
		t.Fatalf("unexpected chat id %v", got["chat_id"])
	}
}

func TestDisabledNotifier(t *testing.T) {
	if err := NewNotifier("", "").Notify(context.Background(), "hi"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}
