package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	roomchat "github.com/roomchat/roomchat/sdk/golang"
	"nhooyr.io/websocket"
)

// chatServer serves the REST endpoints and push channel for one room.
type chatServer struct {
	mu   sync.Mutex
	sent []roomchat.SendRequest
}

func (s *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/ws":
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	case r.URL.Path == "/api/chatrooms" && r.Method == http.MethodGet:
		io.WriteString(w, `[{"chatRoomId": 1, "name": "general", "isPrivate": false}]`)
	case r.URL.Path == "/api/chatrooms/1/messages":
		io.WriteString(w, `{"messages": [{"messageId": 5, "senderId": 2, "senderUsername": "bob", "content": "welcome", "sentAt": "2026-02-01T09:00:00Z"}], "avatars": []}`)
	case r.URL.Path == "/api/messages" && r.Method == http.MethodPost:
		var req roomchat.SendRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.sent = append(s.sent, req)
		s.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	default:
		http.NotFound(w, r)
	}
}

func TestRunChat(t *testing.T) {
	backend := &chatServer{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	cfg := &Config{
		Default: ConfigDefault{BaseURL: srv.URL},
		Auth:    ConfigAuth{Token: "tok", UserID: "1", Username: "alice"},
	}
	session, err := requireSession(cfg)
	if err != nil {
		t.Fatalf("requireSession: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	in := strings.NewReader("hello room\n/gif party-parrot\n/quit\nnot sent\n")
	var out, errOut bytes.Buffer
	if err := runChat(ctx, cfg, session, "1", in, &out, &errOut); err != nil {
		t.Fatalf("runChat: %v\nstderr: %s", err, errOut.String())
	}

	if !strings.Contains(out.String(), "== general ==") {
		t.Errorf("missing room header:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "bob: welcome") {
		t.Errorf("missing history:\n%s", out.String())
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.sent) != 2 {
		t.Fatalf("sent = %+v, want 2 messages", backend.sent)
	}
	if first := backend.sent[0]; first.Content != "hello room" || first.IsGif || first.RoomID != "1" || first.SenderID != "1" {
		t.Errorf("first = %+v", first)
	}
	if second := backend.sent[1]; second.Content != "party-parrot" || !second.IsGif {
		t.Errorf("second = %+v", second)
	}
}

func TestRunChatUnknownRoom(t *testing.T) {
	srv := httptest.NewServer(&chatServer{})
	defer srv.Close()

	cfg := &Config{
		Default: ConfigDefault{BaseURL: srv.URL},
		Auth:    ConfigAuth{Token: "tok", UserID: "1"},
	}
	session, _ := requireSession(cfg)

	var out, errOut bytes.Buffer
	err := runChat(context.Background(), cfg, session, "99", strings.NewReader(""), &out, &errOut)
	if err == nil || !strings.Contains(err.Error(), "room 99 not found") {
		t.Fatalf("err = %v", err)
	}
}
