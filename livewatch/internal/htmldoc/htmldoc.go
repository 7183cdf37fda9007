// Package htmldoc is the static document: the page is fetched over HTTP
// and parsed, with no script execution. Every Capture refetches, so a
// change between two fetches is seen by the next check. No mutation is
// ever observed and no video ever plays.
package htmldoc

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/livewatch/horosafe"
	"github.com/hazyhaar/livewatch/livewatch/internal/pagediff"
	"github.com/hazyhaar/livewatch/livewatch/internal/video"
)

// Config configures a Document.
type Config struct {
	URL       string
	Timeout   time.Duration // Default: 30s.
	MaxBytes  int64         // Default: 10MB.
	UserAgent string
	// URLValidator runs on the page URL and on every redirect. Nil
	// accepts everything.
	URLValidator func(string) error
	Client       *http.Client
	Logger       *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "livewatch/1.0"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Document is a page loaded by plain HTTP GET.
type Document struct {
	cfg    Config
	base   *url.URL
	client *http.Client
}

// New creates a Document for cfg.URL. Nothing is fetched yet.
func New(cfg Config) (*Document, error) {
	cfg.defaults()
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("htmldoc: parse url: %w", err)
	}
	if err := horosafe.ValidateScheme(cfg.URL); err != nil {
		return nil, fmt.Errorf("htmldoc: %w", err)
	}
	client := cfg.Client
	if client == nil {
		validate := cfg.URLValidator
		client = &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				if validate != nil {
					if err := validate(req.URL.String()); err != nil {
						return fmt.Errorf("redirect blocked: %w", err)
					}
				}
				return nil
			},
		}
	}
	return &Document{cfg: cfg, base: base, client: client}, nil
}

// URL returns the page URL.
func (d *Document) URL() string { return d.cfg.URL }

// Capture implements pagediff.Document by fetching and parsing the page.
func (d *Document) Capture(ctx context.Context) (pagediff.State, error) {
	_, root, err := d.fetch(ctx)
	if err != nil {
		return pagediff.State{}, err
	}
	return extract(root, d.base), nil
}

// Observe implements pagediff.Document. A static page streams nothing.
func (d *Document) Observe(ctx context.Context, root string, fn func(pagediff.Mutation)) (func(), error) {
	return func() {}, nil
}

// Videos implements video.Document. A static page has no playing video.
func (d *Document) Videos(ctx context.Context) ([]video.Element, error) {
	return nil, nil
}

// ShowIndicator implements video.Document.
func (d *Document) ShowIndicator(ctx context.Context, el video.Element, text string) error {
	return nil
}

// HideIndicator implements video.Document.
func (d *Document) HideIndicator(ctx context.Context) error { return nil }

func (d *Document) fetch(ctx context.Context) ([]byte, *html.Node, error) {
	if d.cfg.URLValidator != nil {
		if err := d.cfg.URLValidator(d.cfg.URL); err != nil {
			return nil, nil, fmt.Errorf("htmldoc: url blocked: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("htmldoc: new request: %w", err)
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("htmldoc: get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, nil, fmt.Errorf("htmldoc: get: http %d", resp.StatusCode)
	}
	body, err := horosafe.LimitedReadAll(resp.Body, d.cfg.MaxBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("htmldoc: read body: %w", err)
	}
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("htmldoc: parse: %w", err)
	}
	return body, root, nil
}

// extract reads the body text, image sources (resolved against base) and
// link count of a parsed page.
func extract(root *html.Node, base *url.URL) pagediff.State {
	var st pagediff.State
	body := findBody(root)
	if body == nil {
		return st
	}
	var text strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				if text.Len() > 0 {
					text.WriteByte(' ')
				}
				text.WriteString(t)
			}
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			case atom.Img:
				if src := attr(n, "src"); src != "" {
					st.Images = append(st.Images, resolve(base, src))
				}
			case atom.A, atom.Area:
				if attr(n, "href") != "" {
					st.LinkCount++
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(body)
	st.Text = text.String()
	return st
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil || base == nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
