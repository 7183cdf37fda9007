package livewatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hazyhaar/livewatch/check"
	"github.com/hazyhaar/livewatch/livewatch/internal/sink"
)

// Sink is the output interface for narrations, status updates and check
// completions.
type Sink = sink.Sink

// NewStdoutSink creates a stdout JSON-lines sink.
func NewStdoutSink(w io.Writer) Sink {
	return sink.NewStdout(w)
}

// NewWebhookSink creates a webhook POST sink with retry.
func NewWebhookSink(url string, logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return sink.NewWebhook(url, sink.WithWebhookLogger(logger))
}

// NewCallbackSink creates an in-process sink. Any function may be nil.
func NewCallbackSink(
	onNarration func(ctx context.Context, n check.Narration) error,
	onStatus func(ctx context.Context, u check.StatusUpdate) error,
	onComplete func(ctx context.Context, c check.Completion) error,
) Sink {
	return &sink.Callback{OnNarration: onNarration, OnStatus: onStatus, OnComplete: onComplete}
}

// SinksFromConfig builds the sinks listed in cfg. stdout is the writer of
// stdout sinks.
func SinksFromConfig(cfg *Config, stdout io.Writer, logger *slog.Logger) ([]Sink, error) {
	var out []Sink
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout", "":
			out = append(out, NewStdoutSink(stdout))
		case "webhook":
			if sc.URL == "" {
				return nil, fmt.Errorf("livewatch: webhook sink without url")
			}
			out = append(out, NewWebhookSink(sc.URL, logger))
		default:
			return nil, fmt.Errorf("livewatch: unknown sink type %q", sc.Type)
		}
	}
	return out, nil
}
