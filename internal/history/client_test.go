package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brokeradda/chatkit/internal/protocol"
)

func TestFetchMessages(t *testing.T) {
	created := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats/chat-1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-abc" {
			t.Errorf("unexpected authorization header %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"messages": []protocol.Message{
				{ID: "m1", ChatID: "chat-1", From: "broker-2", To: "broker-1", Text: "hello", CreatedAt: created},
				{ID: "m2", ChatID: "chat-1", From: "broker-1", To: "broker-2", Text: "hi", CreatedAt: created.Add(time.Minute)},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	msgs, err := c.FetchMessages(context.Background(), "chat-1", "tok-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].Text != "hello" || !msgs[0].CreatedAt.Equal(created) {
		t.Errorf("unexpected first message: %+v", msgs[0])
	}
}

func TestFetchMessagesErrors(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http error status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}},
		{"endpoint failure flag", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": false})
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{not json"))
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			c := NewClient(srv.URL)
			if _, err := c.FetchMessages(context.Background(), "chat-1", "tok"); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestFetchMessagesContextCancel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(srv.URL)
	if _, err := c.FetchMessages(ctx, "chat-1", "tok"); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
