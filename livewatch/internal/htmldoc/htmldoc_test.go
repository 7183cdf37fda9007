package htmldoc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hazyhaar/livewatch/livewatch/internal/pagediff"
)

type page struct {
	mu   sync.Mutex
	body string
}

func (p *page) set(body string) {
	p.mu.Lock()
	p.body = body
	p.mu.Unlock()
}

func (p *page) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, "<html><head><title>t</title><style>p{}</style></head><body>%s</body></html>", p.body)
}

func TestCapture_Extract(t *testing.T) {
	p := &page{}
	p.set(`<h1>Headline</h1><script>var hidden = 1;</script>
<p>First paragraph</p><img src="/img/a.png"><img src="https://cdn.example/b.jpg">
<a href="/x">x</a><a>no href</a><a href="/y">y</a>`)
	srv := httptest.NewServer(p)
	defer srv.Close()

	doc, err := New(Config{URL: srv.URL + "/news/"})
	if err != nil {
		t.Fatal(err)
	}
	st, err := doc.Capture(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Text != "Headline First paragraph x no href y" {
		t.Errorf("text = %q", st.Text)
	}
	if strings.Contains(st.Text, "hidden") {
		t.Error("script text leaked into the document text")
	}
	want := []string{srv.URL + "/img/a.png", "https://cdn.example/b.jpg"}
	if len(st.Images) != 2 || st.Images[0] != want[0] || st.Images[1] != want[1] {
		t.Errorf("images = %v, want %v", st.Images, want)
	}
	if st.LinkCount != 2 {
		t.Errorf("link count = %d, want 2", st.LinkCount)
	}
}

func TestCapture_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	doc, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := doc.Capture(context.Background()); err == nil || !strings.Contains(err.Error(), "http 404") {
		t.Fatalf("err = %v, want http 404", err)
	}
}

func TestCapture_ValidatorBlocks(t *testing.T) {
	blocked := errors.New("blocked")
	doc, err := New(Config{URL: "http://127.0.0.1:1/", URLValidator: func(string) error { return blocked }})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := doc.Capture(context.Background()); !errors.Is(err, blocked) {
		t.Fatalf("err = %v, want validator error", err)
	}
}

func TestNew_RejectsScheme(t *testing.T) {
	if _, err := New(Config{URL: "file:///etc/passwd"}); err == nil {
		t.Fatal("expected scheme error")
	}
}

func TestNoVideos(t *testing.T) {
	doc, err := New(Config{URL: "http://example.test/"})
	if err != nil {
		t.Fatal(err)
	}
	vids, err := doc.Videos(context.Background())
	if err != nil || len(vids) != 0 {
		t.Fatalf("videos = %v, %v", vids, err)
	}
}

func TestDetector_StaticPage(t *testing.T) {
	p := &page{}
	p.set("<p>Static article body.</p>")
	srv := httptest.NewServer(p)
	defer srv.Close()

	doc, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	det := pagediff.New(doc, pagediff.Config{})
	ctx := context.Background()
	if err := det.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer det.Stop()

	change, err := det.Detect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if change != nil {
		t.Fatalf("unchanged page reported %+v", change)
	}

	p.set("<p>Static article body.</p><p>" + strings.Repeat("z", 250) + "</p>")
	change, err = det.Detect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if change == nil {
		t.Fatal("250 injected characters not reported")
	}
	if !change.Details.TextModified || change.Details.NodesAdded != 0 {
		t.Errorf("details = %+v", change.Details)
	}
	if change.Summary != "text content updated" {
		t.Errorf("summary = %q", change.Summary)
	}

	if change, _ := det.Detect(ctx); change != nil {
		t.Errorf("second detect after refresh = %+v, want nil", change)
	}
}
