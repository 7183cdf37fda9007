package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/livewatch/livewatch/internal/frames"
	"github.com/hazyhaar/livewatch/livewatch/internal/video"
)

// videoElement addresses the index-th <video> of the document.
type videoElement struct {
	doc   *Document
	index int
}

type wireState struct {
	Src         string  `json:"src"`
	CurrentTime float64 `json:"current_time"`
	Duration    float64 `json:"duration"`
	Paused      bool    `json:"paused"`
	Ended       bool    `json:"ended"`
	Muted       bool    `json:"muted"`
	Volume      float64 `json:"volume"`
	ReadyState  int     `json:"ready_state"`
	VideoWidth  int     `json:"video_width"`
	VideoHeight int     `json:"video_height"`
}

type pixelReply struct {
	OK      bool   `json:"ok"`
	Blocked bool   `json:"blocked"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (r pixelReply) err() error {
	switch {
	case r.OK:
		return nil
	case r.Blocked:
		return fmt.Errorf("%w: %s", frames.ErrCaptureBlocked, r.Message)
	case r.Message == "video not ready":
		return frames.ErrNotReady
	case r.Message == "video element gone":
		return ErrElementGone
	default:
		return errors.New("browser: " + r.Message)
	}
}

func (v *videoElement) State(ctx context.Context) (video.ElementState, error) {
	var w *wireState
	if err := v.doc.eval(ctx, &w, `(i) => window.__livewatch.video.state(i)`, v.index); err != nil {
		return video.ElementState{}, fmt.Errorf("browser: video state: %w", err)
	}
	if w == nil {
		return video.ElementState{}, ErrElementGone
	}
	return video.ElementState(*w), nil
}

func (v *videoElement) Pause(ctx context.Context) error {
	return v.doc.eval(ctx, nil, `(i) => window.__livewatch.video.pause(i)`, v.index)
}

func (v *videoElement) Play(ctx context.Context) error {
	return v.doc.eval(ctx, nil, `(i) => window.__livewatch.video.play(i)`, v.index)
}

func (v *videoElement) Position(ctx context.Context) (float64, error) {
	var pos float64
	if err := v.doc.eval(ctx, &pos, `(i) => window.__livewatch.video.position(i)`, v.index); err != nil {
		return 0, err
	}
	if pos < 0 {
		return 0, ErrElementGone
	}
	return pos, nil
}

func (v *videoElement) Seek(ctx context.Context, t float64) error {
	return v.doc.eval(ctx, nil, `(i, t) => window.__livewatch.video.seek(i, t)`, v.index, t)
}

func (v *videoElement) Capture(ctx context.Context, quality float64) ([]byte, error) {
	var r pixelReply
	if err := v.doc.eval(ctx, &r, `(i, q) => window.__livewatch.frames.capture(i, q)`, v.index, quality); err != nil {
		return nil, err
	}
	if err := r.err(); err != nil {
		return nil, err
	}
	return frames.DecodeDataURL(r.Data)
}

func (v *videoElement) ProbePixel(ctx context.Context) error {
	var r pixelReply
	if err := v.doc.eval(ctx, &r, `(i) => window.__livewatch.frames.probe(i)`, v.index); err != nil {
		return err
	}
	return r.err()
}
