// Package frames captures still frames from a video element over a recent
// time window, compares frames for motion, and encodes them for the remote
// description service.
package frames

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrCaptureBlocked means the element's pixels cannot be read back
	// (cross-origin media without CORS, DRM).
	ErrCaptureBlocked = errors.New("frames: capture blocked by security restrictions")
	// ErrNoFrames means every sampled frame failed.
	ErrNoFrames = errors.New("frames: no frames captured")
	// ErrNotReady means the element has no decoded frame at the position.
	ErrNotReady = errors.New("frames: video not ready")
)

// Source is one video element.
type Source interface {
	// Position returns the playback position in seconds.
	Position(ctx context.Context) (float64, error)
	// Seek moves to t seconds and returns once the seek completed.
	Seek(ctx context.Context, t float64) error
	// Capture encodes the current frame as JPEG at quality (0..1).
	Capture(ctx context.Context, quality float64) ([]byte, error)
	// ProbePixel draws the current frame and reads one pixel back. It
	// fails with an error wrapping ErrCaptureBlocked on a security
	// restriction.
	ProbePixel(ctx context.Context) error
}

// Frame is one captured still.
type Frame struct {
	Timestamp float64
	Image     []byte // JPEG
}

// Defaults.
const (
	DefaultCount       = 3
	DefaultWindow      = 10 * time.Second
	DefaultSeekTimeout = 2 * time.Second
	DefaultQuality     = 0.8
)

// Config configures a Pipeline.
type Config struct {
	Count       int
	Window      time.Duration
	SeekTimeout time.Duration
	Quality     float64
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.Count <= 0 {
		c.Count = DefaultCount
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.SeekTimeout <= 0 {
		c.SeekTimeout = DefaultSeekTimeout
	}
	if c.Quality <= 0 || c.Quality > 1 {
		c.Quality = DefaultQuality
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pipeline captures frame batches. It holds no per-element state.
type Pipeline struct {
	cfg Config
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg Config) *Pipeline {
	cfg.defaults()
	return &Pipeline{cfg: cfg}
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Capturable reports whether src's pixels can be read. Security
// restrictions become ErrCaptureBlocked; other probe failures are wrapped.
func (p *Pipeline) Capturable(ctx context.Context, src Source) error {
	err := src.ProbePixel(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCaptureBlocked):
		return ErrCaptureBlocked
	default:
		return fmt.Errorf("frames: probe: %w", err)
	}
}

// CaptureWindow samples Count frames evenly over the Window preceding the
// current position (clamped at 0). Each seek is bounded by SeekTimeout; a
// frame whose seek or capture fails is skipped. The original position is
// restored on every path, even when ctx is cancelled.
func (p *Pipeline) CaptureWindow(ctx context.Context, src Source) ([]Frame, error) {
	orig, err := src.Position(ctx)
	if err != nil {
		return nil, fmt.Errorf("frames: position: %w", err)
	}
	defer p.restore(ctx, src, orig)

	start := orig - p.cfg.Window.Seconds()
	if start < 0 {
		start = 0
	}
	step := (orig - start) / float64(p.cfg.Count)

	frames := make([]Frame, 0, p.cfg.Count)
	for i := 0; i < p.cfg.Count; i++ {
		if ctx.Err() != nil {
			break
		}
		ts := start + step*float64(i)
		f, err := p.captureAt(ctx, src, ts)
		if err != nil {
			p.cfg.Logger.Warn("frames: frame skipped", "timestamp", ts, "error", err)
			continue
		}
		frames = append(frames, f)
	}

	if len(frames) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoFrames
	}
	return frames, nil
}

func (p *Pipeline) captureAt(ctx context.Context, src Source, ts float64) (Frame, error) {
	seekCtx, cancel := context.WithTimeout(ctx, p.cfg.SeekTimeout)
	defer cancel()
	if err := src.Seek(seekCtx, ts); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Frame{}, &SeekTimeoutError{Timestamp: ts, After: p.cfg.SeekTimeout}
		}
		return Frame{}, fmt.Errorf("frames: seek %.2fs: %w", ts, err)
	}
	img, err := src.Capture(ctx, p.cfg.Quality)
	if err != nil {
		return Frame{}, fmt.Errorf("frames: capture %.2fs: %w", ts, err)
	}
	return Frame{Timestamp: ts, Image: img}, nil
}

func (p *Pipeline) restore(ctx context.Context, src Source, pos float64) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.SeekTimeout)
	defer cancel()
	if err := src.Seek(rctx, pos); err != nil {
		p.cfg.Logger.Warn("frames: restore position failed", "position", pos, "error", err)
	}
}

// SeekTimeoutError is logged for a frame whose seek did not complete in time.
type SeekTimeoutError struct {
	Timestamp float64
	After     time.Duration
}

func (e *SeekTimeoutError) Error() string {
	return fmt.Sprintf("frames: seek to %.2fs timed out after %s", e.Timestamp, e.After)
}

func (e *SeekTimeoutError) Unwrap() error { return context.DeadlineExceeded }
