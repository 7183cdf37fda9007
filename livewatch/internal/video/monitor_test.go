package video

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/hazyhaar/livewatch/check"
	"github.com/hazyhaar/livewatch/livewatch/internal/describe"
	"github.com/hazyhaar/livewatch/livewatch/internal/frames"
)

type fakeElement struct {
	mu       sync.Mutex
	st       ElementState
	img      []byte
	probeErr error
	pauses   int
	plays    int
}

func playing(w, h int) *fakeElement {
	return &fakeElement{
		st:  ElementState{Src: "v.mp4", CurrentTime: 30, Duration: 60, ReadyState: 4, VideoWidth: w, VideoHeight: h, Volume: 1},
		img: []byte{0xff, 0xd8},
	}
}

func (f *fakeElement) Position(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st.CurrentTime, nil
}

func (f *fakeElement) Seek(ctx context.Context, t float64) error {
	f.mu.Lock()
	f.st.CurrentTime = t
	f.mu.Unlock()
	return nil
}

func (f *fakeElement) Capture(ctx context.Context, quality float64) ([]byte, error) {
	return f.img, nil
}

func (f *fakeElement) ProbePixel(ctx context.Context) error { return f.probeErr }

func (f *fakeElement) State(ctx context.Context) (ElementState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st, nil
}

func (f *fakeElement) Pause(ctx context.Context) error {
	f.mu.Lock()
	f.pauses++
	f.st.Paused = true
	f.mu.Unlock()
	return nil
}

func (f *fakeElement) Play(ctx context.Context) error {
	f.mu.Lock()
	f.plays++
	f.st.Paused = false
	f.mu.Unlock()
	return nil
}

type fakeDoc struct {
	els       []Element
	shown     []string
	hidden    int
	listCalls int
}

func (d *fakeDoc) Videos(ctx context.Context) ([]Element, error) {
	d.listCalls++
	return d.els, nil
}

func (d *fakeDoc) ShowIndicator(ctx context.Context, el Element, text string) error {
	d.shown = append(d.shown, text)
	return nil
}

func (d *fakeDoc) HideIndicator(ctx context.Context) error {
	d.hidden++
	return nil
}

type fakeDescriber struct {
	calls   int
	payload frames.Payload
	meta    check.VideoMetadata
	err     error
}

func (d *fakeDescriber) DescribeFrames(ctx context.Context, p frames.Payload, meta check.VideoMetadata) (*describe.FrameAnalysis, error) {
	d.calls++
	d.payload, d.meta = p, meta
	if d.err != nil {
		return nil, d.err
	}
	return &describe.FrameAnalysis{Description: "a person walking", Objects: []string{"person", "tree"}, Confidence: 0.8}, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func solidJPEG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestPrimary_LargestPlayingArea(t *testing.T) {
	small := playing(10, 10)
	big := playing(30, 10)
	big.st.Paused = true
	mid := playing(20, 10)
	doc := &fakeDoc{els: []Element{small, big, mid}}

	cands, err := DetectPlaying(context.Background(), doc)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 {
		t.Fatalf("candidates = %d, want 2", len(cands))
	}
	p, ok := Primary(cands)
	if !ok || p.Element != Element(mid) {
		t.Fatalf("primary = %+v", p.State)
	}
}

func TestPrimary_FirstWinsTies(t *testing.T) {
	a, b := playing(10, 10), playing(10, 10)
	p, _ := Primary([]Candidate{{Element: a, State: a.st}, {Element: b, State: b.st}})
	if p.Element != Element(a) {
		t.Fatal("tie should keep the first candidate")
	}
	if _, ok := Primary(nil); ok {
		t.Fatal("no candidates should yield no primary")
	}
}

func TestPlaying(t *testing.T) {
	tests := []struct {
		name string
		st   ElementState
		want bool
	}{
		{"playing", ElementState{CurrentTime: 1, ReadyState: 4}, true},
		{"at start", ElementState{CurrentTime: 0, ReadyState: 4}, false},
		{"paused", ElementState{CurrentTime: 1, Paused: true, ReadyState: 4}, false},
		{"ended", ElementState{CurrentTime: 1, Ended: true, ReadyState: 4}, false},
		{"not buffered", ElementState{CurrentTime: 1, ReadyState: 2}, false},
	}
	for _, tt := range tests {
		if got := tt.st.Playing(); got != tt.want {
			t.Errorf("%s: Playing() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAnalyze_NoVideo(t *testing.T) {
	el := playing(10, 10)
	el.st.Paused = true
	desc := &fakeDescriber{}
	m := NewMonitor(&fakeDoc{els: []Element{el}}, desc, Config{Logger: quiet()})

	a, err := m.Analyze(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a.Outcome != NoVideo || desc.calls != 0 {
		t.Fatalf("outcome=%v describer calls=%d", a.Outcome, desc.calls)
	}
}

func TestAnalyze_DescribesAndRestores(t *testing.T) {
	el := playing(640, 360)
	doc := &fakeDoc{els: []Element{el}}
	desc := &fakeDescriber{}
	m := NewMonitor(doc, desc, Config{Logger: quiet()})

	a, err := m.Analyze(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a.Outcome != Analyzed || a.Description != "a person walking" || len(a.Objects) != 2 {
		t.Fatalf("analysis = %+v", a)
	}
	if desc.payload.Count != 3 || len(desc.payload.Frames) != 3 {
		t.Fatalf("payload count = %d", desc.payload.Count)
	}
	if desc.meta.Dimensions != "640x360" || desc.meta.Src != "v.mp4" || desc.meta.CurrentTime != 30 {
		t.Fatalf("metadata = %+v", desc.meta)
	}
	if el.pauses != 1 || el.plays != 1 || el.st.Paused {
		t.Fatalf("pauses=%d plays=%d paused=%v", el.pauses, el.plays, el.st.Paused)
	}
	if el.st.CurrentTime != 30 {
		t.Fatalf("position = %v, want restored to 30", el.st.CurrentTime)
	}
	if len(doc.shown) != 1 || doc.shown[0] != IndicatorText || doc.hidden != 1 {
		t.Fatalf("indicator shown=%v hidden=%d", doc.shown, doc.hidden)
	}
}

func TestAnalyze_CaptureBlockedDegrades(t *testing.T) {
	el := playing(640, 360)
	el.probeErr = frames.ErrCaptureBlocked
	desc := &fakeDescriber{}
	m := NewMonitor(&fakeDoc{els: []Element{el}}, desc, Config{Logger: quiet()})

	a, err := m.Analyze(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a.Outcome != Degraded || a.Reason != check.CategoryCaptureBlocked {
		t.Fatalf("analysis = %+v", a)
	}
	if a.Metadata.Src != "v.mp4" {
		t.Fatalf("metadata = %+v", a.Metadata)
	}
	if el.pauses != 0 || desc.calls != 0 {
		t.Fatalf("pauses=%d describer calls=%d", el.pauses, desc.calls)
	}
}

func TestAnalyze_PipelineUnavailableThenMemoized(t *testing.T) {
	el := playing(640, 360)
	var calls int
	provider := func(context.Context) (*frames.Pipeline, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("frame helper missing")
		}
		return frames.NewPipeline(frames.Config{Logger: quiet()}), nil
	}
	m := NewMonitor(&fakeDoc{els: []Element{el}}, &fakeDescriber{}, Config{Pipeline: provider, Logger: quiet()})

	a, _ := m.Analyze(context.Background())
	if a.Outcome != Degraded || a.Reason != check.CategoryUnavailable {
		t.Fatalf("first analysis = %+v", a)
	}
	m.Forget()
	if a, _ := m.Analyze(context.Background()); a.Outcome != Analyzed {
		t.Fatalf("second analysis = %+v", a)
	}
	m.Forget()
	m.Analyze(context.Background())
	if calls != 2 {
		t.Fatalf("provider calls = %d, want 2", calls)
	}
}

func TestAnalyze_TransportFailure(t *testing.T) {
	el := playing(640, 360)
	desc := &fakeDescriber{err: &describe.TransportError{Service: describe.ServiceFrames, Err: errors.New("refused")}}
	m := NewMonitor(&fakeDoc{els: []Element{el}}, desc, Config{Logger: quiet()})

	a, err := m.Analyze(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if a.Outcome != Failed || a.Reason != check.CategoryTransport || !errors.Is(a.Err, describe.ErrTransport) {
		t.Fatalf("analysis = %+v", a)
	}
	if el.plays != 1 {
		t.Fatalf("video not resumed after failure: plays=%d", el.plays)
	}
}

func TestAnalyze_SkipsUnchangedFrames(t *testing.T) {
	el := playing(640, 360)
	el.img = solidJPEG(t, color.RGBA{R: 120, A: 255})
	desc := &fakeDescriber{}
	m := NewMonitor(&fakeDoc{els: []Element{el}}, desc, Config{Logger: quiet()})
	ctx := context.Background()

	if a, _ := m.Analyze(ctx); a.Outcome != Analyzed {
		t.Fatalf("first = %v", a.Outcome)
	}
	if a, _ := m.Analyze(ctx); a.Outcome != Unchanged {
		t.Fatalf("second = %v, want unchanged", a.Outcome)
	}
	if desc.calls != 1 {
		t.Fatalf("describer calls = %d, want 1", desc.calls)
	}

	el.img = solidJPEG(t, color.RGBA{R: 250, A: 255})
	if a, _ := m.Analyze(ctx); a.Outcome != Analyzed {
		t.Fatalf("after motion = %v, want analyzed", a.Outcome)
	}
	if desc.calls != 2 {
		t.Fatalf("describer calls = %d, want 2", desc.calls)
	}
}

func TestHasVideos(t *testing.T) {
	m := NewMonitor(&fakeDoc{}, &fakeDescriber{}, Config{Logger: quiet()})
	if ok, _ := m.HasVideos(context.Background()); ok {
		t.Fatal("empty document has no videos")
	}
	m = NewMonitor(&fakeDoc{els: []Element{playing(1, 1)}}, &fakeDescriber{}, Config{Logger: quiet()})
	if ok, _ := m.HasVideos(context.Background()); !ok {
		t.Fatal("expected a video")
	}
}
