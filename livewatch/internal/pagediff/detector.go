package pagediff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/livewatch/check"
)

// Defaults.
const (
	DefaultRoot          = "body"
	DefaultTextThreshold = 100
	DefaultMaxNewImages  = 3
	newTextMinLen        = 20
	newTextMaxLen        = 1000
)

// ErrNotMonitoring is returned by Detect before Start or after Stop.
var ErrNotMonitoring = errors.New("pagediff: not monitoring")

// Config configures a Detector.
type Config struct {
	// Root selects the observed subtree. Default: "body".
	Root string
	// TextThreshold is the text length delta (in characters) above which a
	// textual difference becomes material. Default: 100.
	TextThreshold int
	// MaxNewImages caps Change.NewImageURLs. Default: 3.
	MaxNewImages int
	Logger       *slog.Logger
	Now          func() time.Time
}

func (c *Config) defaults() {
	if c.Root == "" {
		c.Root = DefaultRoot
	}
	if c.TextThreshold <= 0 {
		c.TextThreshold = DefaultTextThreshold
	}
	if c.MaxNewImages <= 0 {
		c.MaxNewImages = DefaultMaxNewImages
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Change is a material change report.
type Change struct {
	Summary      string
	Details      check.ChangeDetails
	NewImageURLs []string // most recent describable new images, capped
	NewText      string   // text of the added elements
}

// Detector tracks one document. Safe for concurrent use.
type Detector struct {
	doc Document
	cfg Config

	mu         sync.Mutex
	monitoring bool
	stopObs    func()
	cancel     context.CancelFunc
	snap       Snapshot
	ledger     Ledger
	gen        uint64 // bumped whenever snap and ledger are replaced
}

// New creates an idle Detector over doc.
func New(doc Document, cfg Config) *Detector {
	cfg.defaults()
	return &Detector{doc: doc, cfg: cfg}
}

// Start takes the initial snapshot and begins observing. Starting a
// monitoring detector is a no-op. Observation outlives ctx; it ends with Stop.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.monitoring {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	state, err := d.doc.Capture(ctx)
	if err != nil {
		return fmt.Errorf("pagediff: initial snapshot: %w", err)
	}

	obsCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop, err := d.doc.Observe(obsCtx, d.cfg.Root, d.record)
	if err != nil {
		cancel()
		return fmt.Errorf("pagediff: observe %s: %w", d.cfg.Root, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.monitoring {
		// Lost a race with a concurrent Start.
		stop()
		cancel()
		return nil
	}
	d.monitoring = true
	d.stopObs = stop
	d.cancel = cancel
	d.snap = newSnapshot(state, d.cfg.Now())
	d.ledger = Ledger{}
	d.gen++
	d.cfg.Logger.Debug("pagediff: monitoring started",
		"root", d.cfg.Root, "text_len", d.snap.TextLength, "images", len(d.snap.Images))
	return nil
}

// Stop ends observation. Idempotent.
func (d *Detector) Stop() {
	d.mu.Lock()
	stop, cancel := d.stopObs, d.cancel
	wasMonitoring := d.monitoring
	d.monitoring = false
	d.stopObs = nil
	d.cancel = nil
	d.mu.Unlock()

	if stop != nil {
		stop()
	}
	if cancel != nil {
		cancel()
	}
	if wasMonitoring {
		d.cfg.Logger.Debug("pagediff: monitoring stopped")
	}
}

// Monitoring reports whether the detector is observing.
func (d *Detector) Monitoring() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.monitoring
}

func (d *Detector) record(m Mutation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.monitoring {
		return
	}
	d.ledger.apply(m)
}

// Detect compares the live document with the snapshot and ledger. It
// returns nil when nothing material changed, leaving both untouched.
// Otherwise it builds the Change from the ledger entries recorded before the
// capture, then refreshes the snapshot. Entries recorded while the capture
// ran stay in the ledger for the next Detect.
func (d *Detector) Detect(ctx context.Context) (*Change, error) {
	d.mu.Lock()
	if !d.monitoring {
		d.mu.Unlock()
		return nil, ErrNotMonitoring
	}
	gen, mark := d.gen, d.ledger.mark()
	d.mu.Unlock()

	state, err := d.doc.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("pagediff: capture: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.monitoring {
		return nil, ErrNotMonitoring
	}
	if d.gen != gen {
		// Re-baselined while capturing.
		return nil, nil
	}
	head, tail := d.ledger.split(mark)

	var newImages []string
	for _, src := range state.Images {
		if _, seen := d.snap.Images[src]; !seen {
			newImages = append(newImages, src)
		}
	}
	newImages = dedupe(newImages)

	textDiffers := state.Text != d.snap.Text
	delta := len([]rune(state.Text)) - d.snap.TextLength
	if delta < 0 {
		delta = -delta
	}

	material := len(head.Added) > 0 ||
		len(head.Removed) > 0 ||
		len(newImages) > 0 ||
		(textDiffers && delta > d.cfg.TextThreshold)
	if !material {
		return nil, nil
	}

	details := check.ChangeDetails{
		NodesAdded:   len(head.Added),
		NodesRemoved: len(head.Removed),
		NewImages:    len(newImages),
		TextModified: textDiffers,
	}
	change := &Change{
		Summary:      Summarize(details),
		Details:      details,
		NewImageURLs: mostRecent(describable(newImages), head.NewImages, d.cfg.MaxNewImages),
		NewText:      head.newText(),
	}

	d.snap = newSnapshot(state, d.cfg.Now())
	d.ledger = tail
	d.gen++

	d.cfg.Logger.Debug("pagediff: change detected",
		"summary", change.Summary, "text_delta", delta, "new_images", len(newImages),
		"carried", len(tail.Added)+len(tail.Removed))
	return change, nil
}

// Refresh replaces the snapshot with the live state without reporting.
// Ledger entries recorded while the capture ran are kept.
func (d *Detector) Refresh(ctx context.Context) error {
	d.mu.Lock()
	gen, mark := d.gen, d.ledger.mark()
	d.mu.Unlock()

	state, err := d.doc.Capture(ctx)
	if err != nil {
		return fmt.Errorf("pagediff: refresh: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen != gen {
		return nil
	}
	_, tail := d.ledger.split(mark)
	d.snap = newSnapshot(state, d.cfg.Now())
	d.ledger = tail
	d.gen++
	return nil
}

// Snapshot returns a copy of the current baseline.
func (d *Detector) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := d.snap
	cp.Images = make(map[string]struct{}, len(d.snap.Images))
	for k := range d.snap.Images {
		cp.Images[k] = struct{}{}
	}
	return cp
}

// Summarize renders details as one line of comma-joined phrases.
func Summarize(det check.ChangeDetails) string {
	var parts []string
	if det.NodesAdded > 0 {
		parts = append(parts, fmt.Sprintf("%d new elements added", det.NodesAdded))
	}
	if det.NodesRemoved > 0 {
		parts = append(parts, fmt.Sprintf("%d elements removed", det.NodesRemoved))
	}
	if det.NewImages > 0 {
		parts = append(parts, fmt.Sprintf("%d new images appeared", det.NewImages))
	}
	if det.TextModified {
		parts = append(parts, "text content updated")
	}
	if len(parts) == 0 {
		return "Page content changed"
	}
	return strings.Join(parts, ", ")
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func describable(srcs []string) []string {
	var out []string
	for _, s := range srcs {
		if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
			out = append(out, s)
		}
	}
	return out
}

// mostRecent orders candidates by when mutations reported them (unreported
// ones first, in document order) and keeps the last n.
func mostRecent(candidates, observed []string, n int) []string {
	rank := make(map[string]int, len(observed))
	for i, src := range observed {
		rank[src] = i + 1
	}
	var unseen, seen []string
	for _, src := range candidates {
		if rank[src] == 0 {
			unseen = append(unseen, src)
		} else {
			seen = append(seen, src)
		}
	}
	sort.SliceStable(seen, func(i, j int) bool { return rank[seen[i]] < rank[seen[j]] })
	ordered := append(unseen, seen...)
	if len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}
