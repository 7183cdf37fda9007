package shield

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/livewatch/kit"
)

func TestAPIStack(t *testing.T) {
	var gotTrace, gotMethod string
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = kit.GetTraceID(r.Context())
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	})
	stack := APIStack(nil)
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/health", nil))

	if gotMethod != http.MethodGet {
		t.Fatalf("HEAD not converted: %s", gotMethod)
	}
	if gotTrace == "" || rec.Header().Get("X-Trace-ID") != gotTrace {
		t.Fatalf("trace id not propagated: ctx=%q header=%q", gotTrace, rec.Header().Get("X-Trace-ID"))
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" || rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("security headers missing: %v", rec.Header())
	}
}

func TestTraceID_ReusesIncoming(t *testing.T) {
	h := TraceID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-ID", "upstream42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("X-Trace-ID") != "upstream42" {
		t.Fatalf("got %q", rec.Header().Get("X-Trace-ID"))
	}
}

func TestMaxBody(t *testing.T) {
	var readErr error
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"interval_ms": 5000}`))
	req.ContentLength = -1
	h.ServeHTTP(httptest.NewRecorder(), req)
	if readErr == nil {
		t.Fatal("expected body limit error")
	}
}

func TestMaxBody_DeclaredLengthRefused(t *testing.T) {
	called := false
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tabs", strings.NewReader(`{"url": "https://example.com"}`)))
	if called || rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("called=%v code=%d", called, rec.Code)
	}
}
