package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	tele "gopkg.in/telebot.v4"
)

func TestTelegramProviderConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  TelegramConfig
	}{
		{"missing token", TelegramConfig{ChatID: "@allerta"}},
		{"missing chat", TelegramConfig{Token: "123:abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTelegramProvider(tt.cfg, testLogger()); err == nil {
				t.Error("NewTelegramProvider() should fail")
			}
		})
	}
}

func TestTelegramProviderSend(t *testing.T) {
	var calls atomic.Int32
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/bot123:abc/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":42,"date":1748340000,"chat":{"id":-1001,"type":"channel"},"text":"ok"}}`)
	}))
	defer server.Close()

	p, err := NewTelegramProvider(TelegramConfig{Token: "123:abc", ChatID: "@allerta", APIURL: server.URL}, testLogger())
	if err != nil {
		t.Fatalf("NewTelegramProvider() error = %v", err)
	}

	// Without a document link the body goes out as a text message.
	msg := Message{Subject: "s", Body: "<b>Nuovo bollettino</b>"}
	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("API calls = %d, want 1", calls.Load())
	}
	checks := map[string]string{
		"chat_id":    "@allerta",
		"text":       "<b>Nuovo bollettino</b>",
		"parse_mode": "HTML",
	}
	for key, want := range checks {
		if v := fmt.Sprint(got[key]); v != want {
			t.Errorf("request %s = %q, want %q", key, v, want)
		}
	}
}

func TestTelegramProviderPermanentError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	}))
	defer server.Close()

	p, err := NewTelegramProvider(TelegramConfig{Token: "123:abc", ChatID: "-1001", APIURL: server.URL}, testLogger())
	if err != nil {
		t.Fatalf("NewTelegramProvider() error = %v", err)
	}

	if err := p.Send(context.Background(), Message{Body: "x"}); err == nil {
		t.Fatal("Send() should fail")
	}
	if calls.Load() != 1 {
		t.Errorf("API calls = %d, want 1 (no retry on permanent errors)", calls.Load())
	}
}

func TestTelegramProviderSendDocument(t *testing.T) {
	var got map[string]any
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":43,"date":1748340000,"chat":{"id":-1001,"type":"channel"},"caption":"ok","document":{"file_id":"f1","file_unique_id":"u1","file_name":"b27.pdf"}}}`)
	}))
	defer server.Close()

	p, err := NewTelegramProvider(TelegramConfig{Token: "123:abc", ChatID: "@allerta", APIURL: server.URL}, testLogger())
	if err != nil {
		t.Fatalf("NewTelegramProvider() error = %v", err)
	}

	msg := Message{Subject: "s", Body: "<b>Nuovo bollettino</b>", URL: "https://example.org/docs/b27.pdf"}
	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if path != "/bot123:abc/sendDocument" {
		t.Errorf("path = %s, want sendDocument", path)
	}
	checks := map[string]string{
		"chat_id":    "@allerta",
		"document":   "https://example.org/docs/b27.pdf",
		"caption":    "<b>Nuovo bollettino</b>",
		"file_name":  "b27.pdf",
		"parse_mode": "HTML",
	}
	for key, want := range checks {
		if v := fmt.Sprint(got[key]); v != want {
			t.Errorf("request %s = %q, want %q", key, v, want)
		}
	}
}

func TestTelegramProviderDocumentFallback(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/sendDocument") {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: failed to get HTTP URL content"}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":44,"date":1748340000,"chat":{"id":-1001,"type":"channel"},"text":"ok"}}`)
	}))
	defer server.Close()

	p, err := NewTelegramProvider(TelegramConfig{Token: "123:abc", ChatID: "@allerta", APIURL: server.URL}, testLogger())
	if err != nil {
		t.Fatalf("NewTelegramProvider() error = %v", err)
	}

	if err := p.Send(context.Background(), Message{Body: "x", URL: "https://example.org/b27.pdf"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	want := []string{"/bot123:abc/sendDocument", "/bot123:abc/sendMessage"}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Errorf("API calls = %v, want %v", paths, want)
	}
}

func TestTelegramProviderHonoursDeadline(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":45,"date":1748340000,"chat":{"id":-1001,"type":"channel"},"text":"ok"}}`)
	}))
	defer server.Close()

	p, err := NewTelegramProvider(TelegramConfig{Token: "123:abc", ChatID: "@allerta", APIURL: server.URL}, testLogger())
	if err != nil {
		t.Fatalf("NewTelegramProvider() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = p.Send(ctx, Message{Body: "x"})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Send() should fail once the deadline passes")
	}
	if elapsed > 2*time.Second {
		t.Errorf("Send() took %v, want it bounded by the 200ms deadline", elapsed)
	}
	if calls.Load() != 1 {
		t.Errorf("API calls = %d, want 1 (a request that reached the server is not retried)", calls.Load())
	}
}

func TestTelegramErrorClassification(t *testing.T) {
	p := &TelegramProvider{logger: testLogger()}
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"known bad request", tele.ErrChatNotFound, true},
		{"unknown bad request", fmt.Errorf("telegram: Bad Request: message is too long (400)"), true},
		{"server error", fmt.Errorf("telegram: Internal Server Error (500)"), false},
		{"flood", tele.NewError(http.StatusTooManyRequests, "Too Many Requests"), false},
		{"timeout", fmt.Errorf("telebot: %w", &url.Error{Op: "Post", URL: "x", Err: context.DeadlineExceeded}), true},
		{"reset after write", fmt.Errorf("telebot: %w", &url.Error{Op: "Post", URL: "x", Err: &net.OpError{Op: "read", Err: errors.New("connection reset")}}), true},
		{"refused", fmt.Errorf("telebot: %w", &url.Error{Op: "Post", URL: "x", Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.classify(tt.err)
			if got := !retry.IsRecoverable(err); got != tt.permanent {
				t.Errorf("classify(%v) permanent = %v, want %v", tt.err, got, tt.permanent)
			}
		})
	}
}

func TestGmailProviderSend(t *testing.T) {
	var raw string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/users/me/messages/send") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var m gmail.Message
		if err := json.Unmarshal(body, &m); err != nil {
			t.Errorf("decode request: %v", err)
		}
		raw = m.Raw
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"m1"}`)
	}))
	defer server.Close()

	ctx := context.Background()
	svc, err := gmail.NewService(ctx, option.WithEndpoint(server.URL+"/"), option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("gmail.NewService() error = %v", err)
	}

	p := NewGmailProvider(svc, "alerts@example.org", testLogger())
	if err := p.Send(ctx, Message{Subject: "Bollettino", Body: "<b>x</b>"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	decoded, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	if !strings.Contains(string(decoded), "To: alerts@example.org") {
		t.Errorf("raw message missing recipient:\n%s", decoded)
	}
}
