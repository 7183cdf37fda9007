// Package coordinator runs monitoring checks for one document: it waits for
// the document's capabilities, holds the session configuration and decides
// between video and page results.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/livewatch/check"
	"github.com/hazyhaar/livewatch/livewatch/internal/describe"
	"github.com/hazyhaar/livewatch/livewatch/internal/pagediff"
	"github.com/hazyhaar/livewatch/livewatch/internal/readiness"
	"github.com/hazyhaar/livewatch/livewatch/internal/video"
)

// Narration texts.
const (
	NarrationCheckFailed    = "Error performing check"
	NarrationVideoDegraded  = "Video is playing but frame analysis unavailable"
	maxDescribedImages      = 2
	maxNarratedObjects      = 3
	invalidCaptionSubstring = "No valid"
)

// VideoAnalyzer is the video side of a document.
type VideoAnalyzer interface {
	Analyze(ctx context.Context) (video.Analysis, error)
	HasVideos(ctx context.Context) (bool, error)
	Forget()
}

// ChangeDetector is the page side of a document.
type ChangeDetector interface {
	Start(ctx context.Context) error
	Stop()
	Detect(ctx context.Context) (*pagediff.Change, error)
	Refresh(ctx context.Context) error
	Monitoring() bool
	Snapshot() pagediff.Snapshot
}

// ImageDescriber captions image URLs. text is the page text that came with
// them.
type ImageDescriber interface {
	DescribeImages(ctx context.Context, text string, urls []string) ([]string, error)
}

// Components are the capabilities bound once the document is ready.
type Components struct {
	Video   VideoAnalyzer
	Changes ChangeDetector
}

// Readiness resolves the document's components.
type Readiness interface {
	AwaitReady(ctx context.Context) (Components, error)
}

// Config configures a Coordinator.
type Config struct {
	Images ImageDescriber
	Logger *slog.Logger
	Now    func() time.Time
}

// Coordinator owns the monitoring state of one document. Checks are
// serialized: a check requested while another runs returns a busy error.
type Coordinator struct {
	ready  Readiness
	images ImageDescriber
	logger *slog.Logger
	now    func() time.Time

	checking sync.Mutex

	mu          sync.Mutex
	enabled     bool
	config      *check.SessionConfig
	components  Components
	lastCheckAt time.Time
}

// New creates a Coordinator in the uninitialized state.
func New(ready Readiness, cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{ready: ready, images: cfg.Images, logger: cfg.Logger, now: cfg.Now}
}

// Initialize waits for the document's components, stores cfg and starts
// page observation when requested. Readiness errors are returned as is.
// A repeated call replaces the configuration and re-baselines the detector.
func (c *Coordinator) Initialize(ctx context.Context, cfg check.SessionConfig) error {
	comps, err := c.ready.AwaitReady(ctx)
	if err != nil {
		return err
	}
	if comps.Video == nil || comps.Changes == nil {
		return errors.New("coordinator: required components not available")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	comps.Video.Forget()
	c.components = comps
	c.config = &cfg
	c.enabled = true
	c.lastCheckAt = c.now()
	switch {
	case !cfg.MonitorPage:
		comps.Changes.Stop()
	case comps.Changes.Monitoring():
		err = comps.Changes.Refresh(ctx)
	default:
		err = comps.Changes.Start(ctx)
	}
	if err != nil {
		comps.Changes.Stop()
		c.enabled, c.config = false, nil
		return fmt.Errorf("coordinator: start page monitoring: %w", err)
	}
	c.logger.Info("coordinator: monitoring initialized",
		"interval_ms", cfg.IntervalMs, "videos", cfg.MonitorVideos, "page", cfg.MonitorPage)
	return nil
}

// Stop disables monitoring. Safe to call in any state.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	wasEnabled := c.enabled
	c.enabled = false
	c.config = nil
	if c.components.Changes != nil {
		c.components.Changes.Stop()
	}
	if wasEnabled {
		c.logger.Info("coordinator: monitoring stopped")
	}
}

// Enabled reports whether monitoring is active.
func (c *Coordinator) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// PerformCheck runs one check. It never returns a Go error: every failure
// is an *check.Error result.
func (c *Coordinator) PerformCheck(ctx context.Context) (res check.Result) {
	if !c.checking.TryLock() {
		return check.Errorf(check.CategoryBusy, "A check is already in progress")
	}
	defer c.checking.Unlock()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("coordinator: check panicked", "panic", r, "stack", string(debug.Stack()))
			res = &check.Error{
				Category:  check.CategoryInternal,
				Message:   fmt.Sprint(r),
				Narration: NarrationCheckFailed,
			}
		}
	}()

	c.mu.Lock()
	enabled, cfg := c.enabled, c.config
	c.mu.Unlock()
	if !enabled || cfg == nil {
		return check.Errorf(check.CategoryNotEnabled, "Monitoring not enabled")
	}

	comps, err := c.ready.AwaitReady(ctx)
	if err != nil {
		return check.Errorf(check.CategoryUnavailable, readinessMessage(err))
	}

	c.mu.Lock()
	c.lastCheckAt = c.now()
	c.mu.Unlock()

	if cfg.MonitorVideos {
		r, err := c.checkVideo(ctx, comps.Video)
		if err != nil {
			return internalError(err)
		}
		if !c.Enabled() {
			return stoppedDuringCheck()
		}
		if r != nil {
			return r
		}
	}
	if cfg.MonitorPage {
		r, err := c.checkPage(ctx, comps.Changes)
		if errors.Is(err, pagediff.ErrNotMonitoring) {
			return stoppedDuringCheck()
		}
		if err != nil {
			return internalError(err)
		}
		if r != nil {
			return r
		}
	}
	return check.NoChange{}
}

func (c *Coordinator) checkVideo(ctx context.Context, v VideoAnalyzer) (check.Result, error) {
	a, err := v.Analyze(ctx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: video: %w", err)
	}
	switch a.Outcome {
	case video.Analyzed:
		return &check.Video{
			Description: a.Description,
			Objects:     a.Objects,
			Confidence:  a.Confidence,
			Narration:   VideoNarration(a.Description, a.Objects),
			Metadata:    a.Metadata,
		}, nil
	case video.Degraded:
		src := a.Metadata.Src
		if src == "" {
			src = "Unknown source"
		}
		return &check.Video{
			Description: "Video is playing: " + src,
			Narration:   NarrationVideoDegraded,
			Metadata:    a.Metadata,
			Degraded:    true,
			Reason:      string(a.Reason),
		}, nil
	case video.Failed:
		c.logger.Warn("coordinator: video description failed", "error", a.Err)
		return &check.Error{Category: a.Reason, Message: describe.UserMessage}, nil
	default:
		return nil, nil
	}
}

func (c *Coordinator) checkPage(ctx context.Context, d ChangeDetector) (check.Result, error) {
	change, err := d.Detect(ctx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: page: %w", err)
	}
	if change == nil {
		return nil, nil
	}
	captions := c.describeImages(ctx, change.NewText, change.NewImageURLs)
	return &check.Page{
		Summary:           change.Summary,
		Details:           change.Details,
		ImageDescriptions: captions,
		Narration:         PageNarration(change.Summary, captions),
	}, nil
}

// describeImages captions at most two new images. Failures only drop the
// captions.
func (c *Coordinator) describeImages(ctx context.Context, text string, urls []string) []string {
	if c.images == nil || len(urls) == 0 {
		return nil
	}
	if len(urls) > maxDescribedImages {
		urls = urls[:maxDescribedImages]
	}
	caps, err := c.images.DescribeImages(ctx, text, urls)
	if err != nil {
		c.logger.Warn("coordinator: image description failed", "images", len(urls), "error", err)
		return nil
	}
	out := caps[:0]
	for _, cp := range caps {
		if cp != "" && !strings.Contains(cp, invalidCaptionSubstring) {
			out = append(out, cp)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Status reports the coordinator state. Once the components are bound it
// also reports the page baseline and whether the document holds videos.
func (c *Coordinator) Status(ctx context.Context) check.Status {
	c.mu.Lock()
	st := check.Status{Enabled: c.enabled, LastCheck: c.lastCheckAt}
	if g, ok := c.ready.(interface{ State() readiness.State }); ok {
		st.Ready = g.State() == readiness.Ready
	}
	if g, ok := c.ready.(interface{ Err() error }); ok {
		if err := g.Err(); err != nil {
			st.ReadinessError = readinessMessage(err)
		}
	}
	if c.config != nil {
		cfg := *c.config
		st.Config = &cfg
	}
	if !c.lastCheckAt.IsZero() {
		st.SinceLastCheckMs = c.now().Sub(c.lastCheckAt).Milliseconds()
	}
	comps := c.components
	c.mu.Unlock()

	if comps.Changes != nil && comps.Changes.Monitoring() {
		snap := comps.Changes.Snapshot()
		st.Page = &check.PageBaseline{
			TextLength: snap.TextLength,
			Images:     len(snap.Images),
			Links:      snap.LinkCount,
			CapturedAt: snap.CapturedAt,
		}
	}
	if comps.Video != nil {
		has, err := comps.Video.HasVideos(ctx)
		if err != nil {
			c.logger.Debug("coordinator: video lookup failed", "error", err)
		} else {
			st.HasVideos = &has
		}
	}
	return st
}

// VideoNarration builds the spoken text of a described video.
func VideoNarration(description string, objects []string) string {
	text := "Video update: " + description
	if len(objects) > 0 {
		if len(objects) > maxNarratedObjects {
			objects = objects[:maxNarratedObjects]
		}
		text += ". Visible elements: " + strings.Join(objects, ", ")
	}
	return text
}

// PageNarration builds the spoken text of a page change.
func PageNarration(summary string, captions []string) string {
	var b strings.Builder
	b.WriteString("Page update: ")
	b.WriteString(summary)
	if len(captions) > 0 {
		b.WriteString(". New images: ")
		for _, cp := range captions {
			if cp == "" || strings.Contains(cp, invalidCaptionSubstring) {
				continue
			}
			b.WriteString(cp)
			b.WriteString(". ")
		}
	}
	return b.String()
}

func readinessMessage(err error) string {
	var ue *readiness.UnavailableError
	if errors.As(err, &ue) {
		return ue.UserMessage()
	}
	return err.Error()
}

// stoppedDuringCheck is the result of a check whose session ended while it
// ran. It carries no narration.
func stoppedDuringCheck() *check.Error {
	return check.Errorf(check.CategoryNotEnabled, "Monitoring not enabled")
}

func internalError(err error) *check.Error {
	return &check.Error{Category: check.CategoryInternal, Message: err.Error(), Narration: NarrationCheckFailed}
}
