package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/livewatch/idgen"
)

// Session lifecycle actions.
const (
	ActionStarted        = "started"
	ActionStartFailed    = "start_failed"
	ActionStopped        = "stopped"
	ActionDeliveryFailed = "delivery_failed"
)

// SessionEvent is one monitoring session lifecycle record.
type SessionEvent struct {
	EventID   string
	TabID     string
	SessionID string
	Action    string
	Detail    string
	Success   bool
	CreatedAt time.Time
}

// EventLogger writes session lifecycle events. Failures are logged and
// swallowed so a broken store never blocks monitoring.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithEventLogger sets the slog logger used for write failures.
func WithEventLogger(logger *slog.Logger) EventLoggerOption {
	return func(l *EventLogger) { l.logger = logger }
}

// NewEventLogger creates a logger backed by db (schema applied by Init).
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:     db,
		newID:  idgen.Prefixed("evt_", idgen.Default),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Log records ev. A nil receiver is a no-op.
func (l *EventLogger) Log(ctx context.Context, ev SessionEvent) {
	if l == nil {
		return
	}
	if ev.EventID == "" {
		ev.EventID = l.newID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO session_events (event_id, tab_id, session_id, action, detail, success, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		ev.EventID, ev.TabID, ev.SessionID, ev.Action, ev.Detail, boolToInt(ev.Success), ev.CreatedAt.Unix())
	if err != nil {
		l.logger.WarnContext(ctx, "observability: session event insert failed",
			"tab", ev.TabID, "action", ev.Action, "error", err)
	}
}

// Recent returns the latest events for a tab, newest first.
func (l *EventLogger) Recent(ctx context.Context, tabID string, limit int) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, tab_id, COALESCE(session_id, ''), action, COALESCE(detail, ''), success, created_at
		FROM session_events WHERE tab_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, tabID, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: query session events: %w", err)
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var ev SessionEvent
		var success int
		var ts int64
		if err := rows.Scan(&ev.EventID, &ev.TabID, &ev.SessionID, &ev.Action, &ev.Detail, &success, &ts); err != nil {
			return nil, fmt.Errorf("observability: scan session event: %w", err)
		}
		ev.Success = success == 1
		ev.CreatedAt = time.Unix(ts, 0)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
