// Package pagediff detects material structural change in a document.
//
// A Detector keeps a snapshot of the document (text, image sources, link
// count) and a ledger of the mutations observed since that snapshot. Detect
// compares the live document against the pair and reports a Change only
// when it is worth narrating; reporting refreshes the pair so the next
// Detect measures only what happened afterwards.
package pagediff

import (
	"context"
	"strings"
	"time"
)

// State is what a document looks like right now.
type State struct {
	Text      string
	Images    []string // image sources in document order
	LinkCount int
}

// Element is an element node added to or removed from the document.
type Element struct {
	Tag  string
	Text string
}

// Mutation is one batch of observed structural changes. Only element nodes
// appear in Added and Removed.
type Mutation struct {
	Added         []Element
	Removed       []Element
	CharacterData bool
	NewImages     []string // sources of images carried by added nodes
	NewLinks      []string // hrefs of links carried by added nodes
}

// Document is the observed page.
type Document interface {
	// Capture reads the current state under the document body.
	Capture(ctx context.Context) (State, error)
	// Observe streams structural mutations under the subtree matched by
	// root until stop is called or ctx ends. fn may run on any goroutine.
	Observe(ctx context.Context, root string, fn func(Mutation)) (stop func(), err error)
}

// Snapshot is the baseline a Detector compares against. It is replaced
// wholesale, never patched.
type Snapshot struct {
	TextLength int
	Text       string
	Images     map[string]struct{}
	LinkCount  int
	CapturedAt time.Time
}

func newSnapshot(s State, at time.Time) Snapshot {
	imgs := make(map[string]struct{}, len(s.Images))
	for _, src := range s.Images {
		imgs[src] = struct{}{}
	}
	return Snapshot{
		TextLength: len([]rune(s.Text)),
		Text:       s.Text,
		Images:     imgs,
		LinkCount:  s.LinkCount,
		CapturedAt: at,
	}
}

// Ledger accumulates mutations since the last snapshot. It is reset
// together with the snapshot.
type Ledger struct {
	Added        []Element
	Removed      []Element
	TextModified bool
	NewImages    []string
	NewLinks     []string

	textEvents int
}

func (l *Ledger) apply(m Mutation) {
	l.Added = append(l.Added, m.Added...)
	l.Removed = append(l.Removed, m.Removed...)
	if m.CharacterData {
		l.textEvents++
		l.TextModified = true
	}
	l.NewImages = append(l.NewImages, m.NewImages...)
	l.NewLinks = append(l.NewLinks, m.NewLinks...)
}

// ledgerMark records how far each list of a Ledger reached at one instant.
type ledgerMark struct {
	added, removed, images, links, text int
}

func (l *Ledger) mark() ledgerMark {
	return ledgerMark{
		added:   len(l.Added),
		removed: len(l.Removed),
		images:  len(l.NewImages),
		links:   len(l.NewLinks),
		text:    l.textEvents,
	}
}

// split divides the ledger at m: head holds what was recorded before the
// mark, tail what was recorded after it.
func (l *Ledger) split(m ledgerMark) (head, tail Ledger) {
	head.Added, tail.Added = cut(l.Added, m.added)
	head.Removed, tail.Removed = cut(l.Removed, m.removed)
	head.NewImages, tail.NewImages = cut(l.NewImages, m.images)
	head.NewLinks, tail.NewLinks = cut(l.NewLinks, m.links)
	head.textEvents = min(m.text, l.textEvents)
	tail.textEvents = l.textEvents - head.textEvents
	head.TextModified = head.textEvents > 0
	tail.TextModified = tail.textEvents > 0
	return head, tail
}

func cut[T any](s []T, n int) (head, tail []T) {
	n = min(n, len(s))
	if n < len(s) {
		tail = append([]T(nil), s[n:]...)
	}
	return s[:n:n], tail
}

// newText joins the text of added elements longer than 20 characters,
// capped at 1000 characters.
func (l *Ledger) newText() string {
	var parts []string
	for _, el := range l.Added {
		if t := strings.TrimSpace(el.Text); len(t) > newTextMinLen {
			parts = append(parts, t)
		}
	}
	text := strings.Join(parts, " ")
	if r := []rune(text); len(r) > newTextMaxLen {
		text = string(r[:newTextMaxLen])
	}
	return text
}
