package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeSender struct {
	name string
	sent []string
	err  error
}

func (f *fakeSender) Send(ctx context.Context, title, message string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, title)
	return nil
}

func (f *fakeSender) Name() string { return f.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFansOut(t *testing.T) {
	a := &fakeSender{name: "a"}
	b := &fakeSender{name: "b"}
	n := NewNotifier([]Sender{a, b}, false, testLogger())

	n.Critical(context.Background(), "margin breach", "usage at 41%")
	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Fatalf("deliveries a=%d b=%d want 1 each", len(a.sent), len(b.sent))
	}
	if !strings.Contains(a.sent[0], "margin breach") {
		t.Fatalf("title=%q", a.sent[0])
	}
}

func TestNotifierCriticalOnlyMutesInfo(t *testing.T) {
	s := &fakeSender{name: "a"}
	n := NewNotifier([]Sender{s}, true, testLogger())

	n.Info(context.Background(), "trade closed", "net +4bps")
	if len(s.sent) != 0 {
		t.Fatalf("info delivered %d times under critical-only", len(s.sent))
	}

	n.Critical(context.Background(), "emergency stop", "operator requested")
	if len(s.sent) != 1 {
		t.Fatalf("critical deliveries=%d want 1", len(s.sent))
	}
}

func TestNotifierFailureDoesNotBlockOthers(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("webhook down")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, false, testLogger())

	n.Critical(context.Background(), "orphan detected", "leg unfilled past budget")
	if len(good.sent) != 1 {
		t.Fatalf("healthy sender deliveries=%d want 1", len(good.sent))
	}
}

func TestDiscordSenderPostsContent(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	if err := d.Send(context.Background(), "delta breach", "net delta 6%"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(got["content"], "**delta breach**") {
		t.Fatalf("content=%q want bold title", got["content"])
	}
	if !strings.Contains(got["content"], "net delta 6%") {
		t.Fatalf("content=%q missing body", got["content"])
	}
}

func TestDiscordSenderSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	err := d.Send(context.Background(), "t", "m")
	if err == nil {
		t.Fatal("send succeeded against a 429")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Fatalf("error=%v, status code not surfaced", err)
	}
}
