package htmldoc

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	minSufficientBytes = 256
	minSufficientText  = 200
	minTextRatio       = 0.10
)

// shellRoots are ids of mount points that client-side apps render into.
var shellRoots = map[string]bool{"root": true, "app": true, "__next": true}

// Sufficient fetches the page once and reports whether the static document
// can stand in for a browser: enough visible text relative to markup, no
// empty application mount point and no video element.
func (d *Document) Sufficient(ctx context.Context) (bool, error) {
	raw, root, err := d.fetch(ctx)
	if err != nil {
		return false, err
	}
	return sufficient(raw, root), nil
}

func sufficient(raw []byte, root *html.Node) bool {
	if len(raw) < minSufficientBytes {
		return false
	}
	text := 0
	for _, r := range extract(root, nil).Text {
		if !unicode.IsSpace(r) {
			text++
		}
	}
	if text < minSufficientText || float64(text)/float64(len(raw)) < minTextRatio {
		return false
	}
	return !needsBrowser(root)
}

// needsBrowser finds a <video>, a <noscript> asking for JavaScript, or an
// empty mount point.
func needsBrowser(n *html.Node) bool {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Video:
			return true
		case atom.Noscript:
			if strings.Contains(strings.ToLower(textOf(n)), "enable javascript") {
				return true
			}
		case atom.Div:
			if shellRoots[attr(n, "id")] && strings.TrimSpace(textOf(n)) == "" {
				return true
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if needsBrowser(c) {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
