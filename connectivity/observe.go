package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/livewatch/observability"
)

// WithObservability returns a HandlerMiddleware that records
// "connectivity.call.duration_ms" for every call and
// "connectivity.call.error" on failures, labelled with the service name.
// A nil manager disables it.
func WithObservability(mm *observability.MetricsManager, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		if mm == nil {
			return next
		}
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)

			mm.Record(&observability.Metric{
				Name:      observability.MetricCallDurationMs,
				Timestamp: start,
				Value:     float64(time.Since(start).Milliseconds()),
				Labels:    map[string]string{"service": service},
				Unit:      "milliseconds",
			})
			if err != nil {
				mm.Record(&observability.Metric{
					Name:      observability.MetricCallError,
					Timestamp: start,
					Value:     1,
					Labels:    map[string]string{"service": service},
					Unit:      "count",
				})
			}
			return resp, err
		}
	}
}

// WithCallLogging returns a HandlerMiddleware that logs each call with its
// duration, payload sizes and error.
func WithCallLogging(logger *slog.Logger, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, payload)
			dur := time.Since(start)

			if err != nil {
				logger.WarnContext(ctx, "connectivity: call failed",
					"service", service,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(payload),
					"error", err)
			} else {
				logger.DebugContext(ctx, "connectivity: call ok",
					"service", service,
					"duration_ms", dur.Milliseconds(),
					"payload_bytes", len(payload),
					"response_bytes", len(resp))
			}
			return resp, err
		}
	}
}
