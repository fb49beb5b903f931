package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/timmy/genflow/internal/config"
)

func TestNewTelegramSenderDisabled(t *testing.T) {
	if s := NewTelegramSender(config.NotifierConfig{TelegramBotToken: "tok"}); s != nil {
		t.Error("sender without chat ids should be nil")
	}
	if s := NewTelegramSender(config.NotifierConfig{TelegramChatID: "1"}); s != nil {
		t.Error("sender without token should be nil")
	}
}

func TestTelegramSendAlert(t *testing.T) {
	var calls int32
	var gotChats []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/botTOKEN/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["parse_mode"] != "Markdown" {
			t.Errorf("parse_mode = %v", body["parse_mode"])
		}
		chat, _ := body["chat_id"].(string)
		gotChats = append(gotChats, chat)
		w.Header().Set("Content-Type", "application/json")
		if chat == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender(config.NotifierConfig{
		TelegramBotToken: "TOKEN",
		TelegramChatID:   "100, bad",
		TelegramBaseURL:  srv.URL,
		Timeout:          time.Second,
	})
	if s == nil {
		t.Fatal("sender should be configured")
	}

	if err := s.SendAlert(context.Background(), "*refund* issued"); err != nil {
		t.Fatalf("SendAlert should succeed when one chat receives it: %v", err)
	}
	if len(gotChats) != 2 || gotChats[0] != "100" || gotChats[1] != "bad" {
		t.Errorf("chats = %v", gotChats)
	}
}

func TestTelegramResponseContentType(t *testing.T) {
	testCases := []struct {
		name        string
		contentType string
		status      int
		body        string
		wantErr     bool
	}{
		{name: "json ok", contentType: "application/json", status: http.StatusOK, body: `{"ok":true}`},
		{name: "untyped ok", contentType: "", status: http.StatusOK, body: `{"ok":true}`},
		{name: "text plain ok", contentType: "text/plain", status: http.StatusOK, body: `{"ok":true}`},
		{name: "ok false", contentType: "", status: http.StatusOK, body: `{"ok":false,"description":"bot blocked"}`, wantErr: true},
		{name: "not json", contentType: "text/html", status: http.StatusOK, body: `<html>gateway</html>`, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.contentType != "" {
					w.Header().Set("Content-Type", tc.contentType)
				}
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			s := NewTelegramSender(config.NotifierConfig{
				TelegramBotToken: "TOKEN",
				TelegramChatID:   "100",
				TelegramBaseURL:  srv.URL,
				Timeout:          time.Second,
			})
			err := s.SendAlert(context.Background(), "hello")
			if (err != nil) != tc.wantErr {
				t.Errorf("SendAlert err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := EscapeMarkdown("job_1 *x* [y]"); got != `job\_1 \*x\* \[y]` {
		t.Errorf("EscapeMarkdown = %q", got)
	}
}

func TestHubPublish(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := hub.ServeWS(w, r, r.URL.Query().Get("user")); err != nil {
			t.Errorf("ServeWS: %v", err)
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=u1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Connections("u1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Publish("u2", Message{Type: "notification", Data: "not for u1"})
	hub.Publish("u1", Message{Type: "notification", Data: map[string]string{"title": "done"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != "notification" || msg.Data["title"] != "done" {
		t.Errorf("message = %+v", msg)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.Connections("u1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
