package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/livewatch/check"
)

func TestStdout_JSONLines(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdout(&buf)
	ctx := context.Background()
	s.Narrate(ctx, check.Narration{TabID: "t1", Text: "Page update: x", Rate: 1.5})
	s.Complete(ctx, check.Completion{CheckID: "chk_1", TabID: "t1", Result: check.NoChange{}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d", len(lines))
	}
	var first struct {
		Type string          `json:"type"`
		Data check.Narration `json:"data"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Type != "narration" || first.Data.Rate != 1.5 {
		t.Fatalf("first = %+v", first)
	}
	if !strings.Contains(lines[1], `"type":"check_complete"`) || !strings.Contains(lines[1], `"no_change"`) {
		t.Fatalf("second = %s", lines[1])
	}
}

func TestWebhook_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var env struct{ Type string }
		json.NewDecoder(r.Body).Decode(&env)
		if env.Type != "status" {
			t.Errorf("type = %q", env.Type)
		}
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookBackoff(time.Millisecond), WithWebhookLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := w.Status(context.Background(), check.StatusUpdate{TabID: "t1", Text: "Checking..."}); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestWebhook_Exhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, WithWebhookRetries(1), WithWebhookBackoff(time.Millisecond),
		WithWebhookLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := w.Narrate(context.Background(), check.Narration{Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRouter_FanOutDespiteFailure(t *testing.T) {
	boom := errors.New("boom")
	var got []string
	failing := &Callback{OnStatus: func(context.Context, check.StatusUpdate) error { return boom }}
	ok := &Callback{OnStatus: func(_ context.Context, u check.StatusUpdate) error {
		got = append(got, u.Text)
		return nil
	}}
	r := NewRouter(slog.New(slog.NewTextHandler(io.Discard, nil)), failing, ok)

	err := r.Status(context.Background(), check.StatusUpdate{Text: "Monitoring active"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if len(got) != 1 || got[0] != "Monitoring active" {
		t.Fatalf("second sink got %v", got)
	}
	if err := r.Narrate(context.Background(), check.Narration{}); err != nil {
		t.Fatalf("nil callbacks should be no-ops: %v", err)
	}
}
