package video

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/hazyhaar/livewatch/check"
	"github.com/hazyhaar/livewatch/livewatch/internal/describe"
	"github.com/hazyhaar/livewatch/livewatch/internal/frames"
	"github.com/hazyhaar/livewatch/observability"
)

// IndicatorText is shown over the video while frames are captured.
const IndicatorText = "Analyzing video..."

// Outcome classifies an Analysis.
type Outcome int

const (
	// NoVideo: nothing is playing.
	NoVideo Outcome = iota
	// Unchanged: the video shows no motion since the last description.
	Unchanged
	// Analyzed: frames were described.
	Analyzed
	// Degraded: a video plays but frames could not be captured.
	Degraded
	// Failed: the description service could not be reached.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NoVideo:
		return "no_video"
	case Unchanged:
		return "unchanged"
	case Analyzed:
		return "analyzed"
	case Degraded:
		return "degraded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Analysis is the result of one Analyze call.
type Analysis struct {
	Outcome     Outcome
	Metadata    check.VideoMetadata
	Description string
	Objects     []string
	Confidence  float64
	// Reason is set for Degraded and Failed.
	Reason check.Category
	Err    error
}

// Describer describes a frame batch.
type Describer interface {
	DescribeFrames(ctx context.Context, p frames.Payload, meta check.VideoMetadata) (*describe.FrameAnalysis, error)
}

// PipelineProvider returns the frame pipeline once the document can serve
// it.
type PipelineProvider func(ctx context.Context) (*frames.Pipeline, error)

// Config configures a Monitor.
type Config struct {
	Pipeline PipelineProvider
	Metrics  *observability.MetricsManager
	Logger   *slog.Logger
	// Labels are attached to recorded metrics.
	Labels map[string]string
}

// Monitor analyses the primary playing video of one document. Analyze
// calls are serialized.
type Monitor struct {
	doc       Document
	describer Describer
	cfg       Config

	mu        sync.Mutex
	pipeline  *frames.Pipeline
	lastSrc   string
	lastFrame []byte
}

// NewMonitor creates a Monitor.
func NewMonitor(doc Document, describer Describer, cfg Config) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Pipeline == nil {
		p := frames.NewPipeline(frames.Config{Logger: cfg.Logger})
		cfg.Pipeline = func(context.Context) (*frames.Pipeline, error) { return p, nil }
	}
	return &Monitor{doc: doc, describer: describer, cfg: cfg}
}

// HasVideos reports whether the document contains any video element.
func (m *Monitor) HasVideos(ctx context.Context) (bool, error) {
	els, err := m.doc.Videos(ctx)
	if err != nil {
		return false, err
	}
	return len(els) > 0, nil
}

// Forget drops the last described frame so the next analysis always
// reaches the describer.
func (m *Monitor) Forget() {
	m.mu.Lock()
	m.lastSrc, m.lastFrame = "", nil
	m.mu.Unlock()
}

// Analyze inspects the primary playing video. The element is paused during
// capture and resumed afterwards if it was playing.
func (m *Monitor) Analyze(ctx context.Context) (Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cands, err := DetectPlaying(ctx, m.doc)
	if err != nil {
		return Analysis{}, err
	}
	primary, ok := Primary(cands)
	if !ok {
		return Analysis{Outcome: NoVideo}, nil
	}
	el, st := primary.Element, primary.State
	meta := st.Metadata()

	pipeline, err := m.pipelineLocked(ctx)
	if err != nil {
		m.cfg.Logger.Warn("video: frame pipeline unavailable", "src", st.Src, "error", err)
		return degraded(meta, check.CategoryUnavailable, err), nil
	}

	if err := pipeline.Capturable(ctx, el); err != nil {
		m.cfg.Logger.Warn("video: frames not capturable", "src", st.Src, "error", err)
		if errors.Is(err, frames.ErrCaptureBlocked) {
			return degraded(meta, check.CategoryCaptureBlocked, err), nil
		}
		return degraded(meta, check.CategoryInternal, err), nil
	}

	batch, err := m.capture(ctx, pipeline, el, st)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Analysis{}, ctxErr
		}
		m.cfg.Logger.Warn("video: capture failed", "src", st.Src, "error", err)
		return degraded(meta, check.CategorySeekTimeout, err), nil
	}
	m.cfg.Metrics.Record(&observability.Metric{
		Name:   observability.MetricFramesCaptured,
		Value:  float64(len(batch)),
		Labels: m.cfg.Labels,
		Unit:   "count",
	})

	newest := batch[len(batch)-1].Image
	if m.lastFrame != nil && m.lastSrc == st.Src && !frames.HasMotion(m.lastFrame, newest) {
		m.cfg.Logger.Debug("video: no motion since last description", "src", st.Src)
		return Analysis{Outcome: Unchanged, Metadata: meta}, nil
	}

	fa, err := m.describer.DescribeFrames(ctx, frames.Encode(batch), meta)
	if err != nil {
		return Analysis{Outcome: Failed, Metadata: meta, Reason: check.CategoryTransport, Err: err}, nil
	}
	m.lastSrc, m.lastFrame = st.Src, newest
	return Analysis{
		Outcome:     Analyzed,
		Metadata:    meta,
		Description: fa.Description,
		Objects:     fa.Objects,
		Confidence:  fa.Confidence,
	}, nil
}

func (m *Monitor) capture(ctx context.Context, p *frames.Pipeline, el Element, st ElementState) ([]frames.Frame, error) {
	wasPaused := st.Paused
	if err := el.Pause(ctx); err != nil {
		m.cfg.Logger.Warn("video: pause failed", "src", st.Src, "error", err)
	}
	if err := m.doc.ShowIndicator(ctx, el, IndicatorText); err != nil {
		m.cfg.Logger.Debug("video: indicator not shown", "error", err)
	}
	defer func() {
		detached := context.WithoutCancel(ctx)
		if err := m.doc.HideIndicator(detached); err != nil {
			m.cfg.Logger.Debug("video: indicator not hidden", "error", err)
		}
		if !wasPaused {
			if err := el.Play(detached); err != nil {
				m.cfg.Logger.Warn("video: resume failed", "src", st.Src, "error", err)
			}
		}
	}()
	return p.CaptureWindow(ctx, el)
}

func (m *Monitor) pipelineLocked(ctx context.Context) (*frames.Pipeline, error) {
	if m.pipeline != nil {
		return m.pipeline, nil
	}
	p, err := m.cfg.Pipeline(ctx)
	if err != nil {
		return nil, err
	}
	m.pipeline = p
	return p, nil
}

func degraded(meta check.VideoMetadata, reason check.Category, err error) Analysis {
	return Analysis{Outcome: Degraded, Metadata: meta, Reason: reason, Err: err}
}
