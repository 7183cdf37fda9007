package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hazyhaar/livewatch/check"
)

// Router fans out to all configured sinks. One sink error does not block
// the others: errors are logged and the first one is returned.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a fan-out router delivering to all sinks.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

// Add appends a sink.
func (r *Router) Add(s Sink) { r.sinks = append(r.sinks, s) }

func (r *Router) Narrate(ctx context.Context, n check.Narration) error {
	return r.each("narration", func(s Sink) error { return s.Narrate(ctx, n) })
}

func (r *Router) Status(ctx context.Context, u check.StatusUpdate) error {
	return r.each("status", func(s Sink) error { return s.Status(ctx, u) })
}

func (r *Router) Complete(ctx context.Context, c check.Completion) error {
	return r.each("completion", func(s Sink) error { return s.Complete(ctx, c) })
}

func (r *Router) Close() error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) each(what string, fn func(Sink) error) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := fn(s); err != nil {
			r.logger.Warn("sink: deliver failed", "kind", what, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
