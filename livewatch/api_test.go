package livewatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/livewatch/check"
)

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPI_Health(t *testing.T) {
	w := newTestWatcher(t, "http://127.0.0.1:1", &recorder{})
	rec := do(t, w.Handler(), "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["describe"] != "closed" {
		t.Errorf("body = %v", body)
	}
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Error("X-Trace-ID header missing")
	}
}

func TestAPI_TabLifecycle(t *testing.T) {
	site := httptest.NewServer(&page{body: "<p>hello</p>"})
	defer site.Close()
	w := newTestWatcher(t, "http://127.0.0.1:1", &recorder{})
	h := w.Handler()

	rec := do(t, h, "POST", "/tabs", `{"id":"t1","url":"`+site.URL+`","mode":"static"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open = %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, "POST", "/tabs", `{"id":"t1","url":"`+site.URL+`","mode":"static"}`); rec.Code != http.StatusConflict {
		t.Errorf("duplicate open = %d", rec.Code)
	}

	if rec := do(t, h, "POST", "/tabs/t1/check", ""); rec.Code != http.StatusConflict {
		t.Errorf("check before monitoring = %d", rec.Code)
	}

	rec = do(t, h, "POST", "/tabs/t1/monitoring", `{"interval_ms":5000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d %s", rec.Code, rec.Body)
	}
	var sess Session
	if err := json.NewDecoder(rec.Body).Decode(&sess); err != nil {
		t.Fatal(err)
	}
	if sess.Config.IntervalMs != 5000 || !sess.Config.MonitorPage || sess.Config.SpeechRate != 1.0 {
		t.Errorf("session config = %+v", sess.Config)
	}

	rec = do(t, h, "POST", "/tabs/t1/check", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("check = %d %s", rec.Code, rec.Body)
	}
	var out struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	res, err := check.Unmarshal(out.Result)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind() != check.KindNoChange {
		t.Errorf("result = %+v", res)
	}

	rec = do(t, h, "GET", "/tabs/t1/monitoring", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"enabled":true`) {
		t.Errorf("status = %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, "DELETE", "/tabs/t1/monitoring", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"stopped":true`) {
		t.Errorf("stop = %d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, "GET", "/tabs", "")
	var tabs []TabInfo
	if err := json.NewDecoder(rec.Body).Decode(&tabs); err != nil {
		t.Fatal(err)
	}
	if len(tabs) != 1 || tabs[0].ID != "t1" || tabs[0].Monitoring {
		t.Errorf("tabs = %+v", tabs)
	}

	if rec := do(t, h, "DELETE", "/tabs/t1", ""); rec.Code != http.StatusNoContent {
		t.Errorf("close = %d", rec.Code)
	}
	if rec := do(t, h, "DELETE", "/tabs/t1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second close = %d", rec.Code)
	}
}

func TestAPI_BadRequests(t *testing.T) {
	w := newTestWatcher(t, "http://127.0.0.1:1", &recorder{})
	h := w.Handler()

	tests := []struct {
		method, path, body string
		want               int
	}{
		{"POST", "/tabs", `{`, http.StatusBadRequest},
		{"POST", "/tabs", `{"mode":"static"}`, http.StatusBadRequest},
		{"POST", "/tabs", `{"url":"file:///etc/passwd"}`, http.StatusBadRequest},
		{"POST", "/tabs/missing/monitoring", "", http.StatusNotFound},
		{"GET", "/tabs/missing/monitoring", "", http.StatusNotFound},
		{"DELETE", "/tabs/missing/monitoring", "", http.StatusNotFound},
		{"POST", "/tabs/missing/check", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rec := do(t, h, tt.method, tt.path, tt.body); rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, rec.Code, tt.want, rec.Body)
		}
	}
}
