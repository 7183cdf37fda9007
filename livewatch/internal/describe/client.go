// Package describe is the client of the remote description service that
// summarises page text, captions images and describes video frames.
//
// Calls go through the connectivity router as remote HTTP routes, wrapped
// with call logging, metrics, a circuit breaker, retries and a per-call
// timeout. Every failure surfaces as a *TransportError.
package describe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/livewatch/check"
	"github.com/hazyhaar/livewatch/connectivity"
	"github.com/hazyhaar/livewatch/livewatch/internal/frames"
	"github.com/hazyhaar/livewatch/observability"
)

// Router service names.
const (
	ServicePage   = "describe.page"
	ServiceFrames = "describe.frames"
)

// Defaults.
const (
	DefaultBaseURL = "http://127.0.0.1:8000"
	DefaultTimeout = 10 * time.Second
)

// ErrTransport is matched by errors.Is on every *TransportError.
var ErrTransport = errors.New("describe: transport failure")

// TransportError means the service was unreachable, timed out, answered
// non-2xx, or answered something unusable.
type TransportError struct {
	Service string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("describe: %s: %v", e.Service, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// UserMessage is the narration-safe text for a transport failure.
const UserMessage = "Could not connect to description service. Is it running?"

// Config configures a Client.
type Config struct {
	BaseURL          string
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
	Router           *connectivity.Router
	Metrics          *observability.MetricsManager
	Logger           *slog.Logger
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Router == nil {
		c.Router = connectivity.New(connectivity.WithLogger(c.Logger))
	}
}

// Client talks to the description service.
type Client struct {
	cfg      Config
	router   *connectivity.Router
	breaker  *connectivity.CircuitBreaker
	sanitize *bluemonday.Policy
}

// New registers the description routes on cfg.Router (or a private router).
func New(cfg Config) (*Client, error) {
	cfg.defaults()
	c := &Client{
		cfg:    cfg,
		router: cfg.Router,
		breaker: connectivity.NewCircuitBreaker(
			connectivity.WithBreakerThreshold(cfg.BreakerThreshold),
			connectivity.WithBreakerResetTimeout(cfg.BreakerReset),
			connectivity.WithBreakerStateChange(func(from, to connectivity.BreakerState) {
				cfg.Logger.Warn("describe: breaker state changed", "from", from, "to", to)
			}),
		),
		sanitize: bluemonday.StrictPolicy(),
	}

	c.router.RegisterTransport("http", connectivity.HTTPFactory())
	routeCfg, _ := json.Marshal(map[string]any{
		"allow_private": true,
		"timeout_ms":    cfg.Timeout.Milliseconds(),
	})
	routes := map[string]string{
		ServicePage:   cfg.BaseURL + "/analyze-page",
		ServiceFrames: cfg.BaseURL + "/analyze-video-frames",
	}
	for service, endpoint := range routes {
		if err := c.router.SetRoute(service, "http", endpoint, routeCfg); err != nil {
			return nil, fmt.Errorf("describe: route %s: %w", service, err)
		}
		c.router.Wrap(service, connectivity.Chain(
			connectivity.WithCallLogging(cfg.Logger, service),
			connectivity.WithObservability(cfg.Metrics, service),
			connectivity.WithCircuitBreaker(c.breaker, "describe"),
			connectivity.WithRetry(cfg.MaxRetries, cfg.RetryBackoff, cfg.Logger),
			connectivity.Timeout(cfg.Timeout),
			connectivity.Recovery(cfg.Logger),
		))
	}
	return c, nil
}

// Breaker exposes the shared circuit breaker state.
func (c *Client) Breaker() connectivity.BreakerState { return c.breaker.State() }

// PageRequest is the /analyze-page body.
type PageRequest struct {
	Text   string   `json:"text"`
	Images []string `json:"images"`
	Videos []string `json:"videos"`
}

// PageResponse is the /analyze-page answer.
type PageResponse struct {
	Summaries         []string           `json:"summaries"`
	ImageDescriptions []ImageDescription `json:"image_descriptions"`
	Error             string             `json:"error,omitempty"`
}

// ImageDescription is a caption, received either as a bare string or as
// {"caption", "size", "url"}.
type ImageDescription struct {
	Caption string `json:"caption"`
	Size    string `json:"size,omitempty"`
	URL     string `json:"url,omitempty"`
}

// UnmarshalJSON accepts both wire shapes.
func (d *ImageDescription) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*d = ImageDescription{Caption: s}
		return nil
	}
	type plain ImageDescription
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("describe: image description: %w", err)
	}
	*d = ImageDescription(p)
	return nil
}

// FramesRequest is the /analyze-video-frames body.
type FramesRequest struct {
	frames.Payload
	Metadata check.VideoMetadata `json:"metadata"`
}

// FrameAnalysis is the /analyze-video-frames answer.
type FrameAnalysis struct {
	Description string   `json:"description"`
	Objects     []string `json:"objects_detected"`
	Confidence  float64  `json:"confidence"`
	Error       string   `json:"error,omitempty"`
}

// AnalyzePage sends text and images for summaries and captions.
func (c *Client) AnalyzePage(ctx context.Context, req PageRequest) (*PageResponse, error) {
	if req.Images == nil {
		req.Images = []string{}
	}
	if req.Videos == nil {
		req.Videos = []string{}
	}
	var resp PageResponse
	if err := c.call(ctx, ServicePage, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &TransportError{Service: ServicePage, Err: errors.New(resp.Error)}
	}
	for i := range resp.ImageDescriptions {
		resp.ImageDescriptions[i].Caption = c.clean(resp.ImageDescriptions[i].Caption)
	}
	for i := range resp.Summaries {
		resp.Summaries[i] = c.clean(resp.Summaries[i])
	}
	return &resp, nil
}

// DescribeImages captions image URLs and returns the captions in order.
// text is the newly added page text, sent as context for the captions.
func (c *Client) DescribeImages(ctx context.Context, text string, urls []string) ([]string, error) {
	resp, err := c.AnalyzePage(ctx, PageRequest{Text: text, Images: urls})
	if err != nil {
		return nil, err
	}
	captions := make([]string, 0, len(resp.ImageDescriptions))
	for _, d := range resp.ImageDescriptions {
		captions = append(captions, d.Caption)
	}
	return captions, nil
}

// DescribeFrames sends a frame batch with its video metadata.
func (c *Client) DescribeFrames(ctx context.Context, p frames.Payload, meta check.VideoMetadata) (*FrameAnalysis, error) {
	var resp FrameAnalysis
	if err := c.call(ctx, ServiceFrames, FramesRequest{Payload: p, Metadata: meta}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &TransportError{Service: ServiceFrames, Err: errors.New(resp.Error)}
	}
	resp.Description = c.clean(resp.Description)
	for i := range resp.Objects {
		resp.Objects[i] = c.clean(resp.Objects[i])
	}
	return &resp, nil
}

func (c *Client) call(ctx context.Context, service string, req, resp any) error {
	if err := c.router.CallJSON(ctx, service, req, resp); err != nil {
		return &TransportError{Service: service, Err: err}
	}
	return nil
}

// clean strips markup from service text. The policy escapes what it keeps,
// so the result is unescaped back to plain text for speech.
func (c *Client) clean(s string) string {
	return strings.TrimSpace(html.UnescapeString(c.sanitize.Sanitize(s)))
}
