// Package video finds the primary playing video of a document, captures a
// short window of its recent frames and has them described remotely.
package video

import (
	"context"
	"fmt"

	"github.com/hazyhaar/livewatch/check"
	"github.com/hazyhaar/livewatch/livewatch/internal/frames"
)

// ElementState is a snapshot of a video element's media properties.
type ElementState struct {
	Src         string
	CurrentTime float64
	Duration    float64
	Paused      bool
	Ended       bool
	Muted       bool
	Volume      float64
	ReadyState  int
	VideoWidth  int
	VideoHeight int
}

// haveFutureData is HTMLMediaElement.HAVE_FUTURE_DATA.
const haveFutureData = 3

// Playing reports whether the element is actively playing.
func (s ElementState) Playing() bool {
	return s.CurrentTime > 0 && !s.Paused && !s.Ended && s.ReadyState >= haveFutureData
}

// Area is the intrinsic pixel area.
func (s ElementState) Area() int { return s.VideoWidth * s.VideoHeight }

// Metadata converts the state to the result metadata.
func (s ElementState) Metadata() check.VideoMetadata {
	return check.VideoMetadata{
		Src:         s.Src,
		CurrentTime: s.CurrentTime,
		Duration:    s.Duration,
		Dimensions:  fmt.Sprintf("%dx%d", s.VideoWidth, s.VideoHeight),
		Paused:      s.Paused,
		Muted:       s.Muted,
		Volume:      s.Volume,
	}
}

// Element is one video element of the document.
type Element interface {
	frames.Source
	State(ctx context.Context) (ElementState, error)
	Pause(ctx context.Context) error
	Play(ctx context.Context) error
}

// Document enumerates video elements and draws the capture indicator.
type Document interface {
	Videos(ctx context.Context) ([]Element, error)
	ShowIndicator(ctx context.Context, el Element, text string) error
	HideIndicator(ctx context.Context) error
}

// Candidate is a playing element with the state it was selected on.
type Candidate struct {
	Element Element
	State   ElementState
}

// DetectPlaying returns the playing elements in document order. Elements
// whose state cannot be read are skipped.
func DetectPlaying(ctx context.Context, doc Document) ([]Candidate, error) {
	els, err := doc.Videos(ctx)
	if err != nil {
		return nil, fmt.Errorf("video: list: %w", err)
	}
	var out []Candidate
	for _, el := range els {
		st, err := el.State(ctx)
		if err != nil {
			continue
		}
		if st.Playing() {
			out = append(out, Candidate{Element: el, State: st})
		}
	}
	return out, nil
}

// Primary picks the candidate with the largest intrinsic area. The first
// one wins ties.
func Primary(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.State.Area() > best.State.Area() {
			best = c
		}
	}
	return best, true
}
