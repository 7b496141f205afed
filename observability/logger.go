package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/mediaserver/idgen"
)

// Event types written by the action coordinator.
const (
	EventActionRequested = "action_requested"
	EventActionStarted   = "action_started"
	EventActionCompleted = "action_completed"
	EventActionFailed    = "action_failed"
	EventCacheCleared    = "cache_cleared"
)

// BusinessEvent is one row of business_event_logs.
type BusinessEvent struct {
	EventType   string
	ServiceName string
	WorkID      string
	Action      string
	RecordID    string
	Caller      string
	Transport   string
	Details     string // optional JSON
	Success     bool
}

// EventLogger appends business events. A nil *EventLogger is valid and
// discards everything.
type EventLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	now    func() time.Time
}

type EventLoggerOption func(*EventLogger)

func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

func WithEventLogger(logger *slog.Logger) EventLoggerOption {
	return func(l *EventLogger) { l.logger = logger }
}

// NewEventLogger writes to db, which must carry Schema.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:     db,
		newID:  idgen.Event,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent inserts ev. Failures are logged and swallowed; the event log must
// never fail an action.
func (l *EventLogger) LogEvent(ctx context.Context, ev BusinessEvent) {
	if l == nil {
		return
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO business_event_logs (
			event_id, event_type, service_name, work_id, action, record_id,
			caller, transport, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		l.newID(), ev.EventType, ev.ServiceName, ev.WorkID, ev.Action, ev.RecordID,
		ev.Caller, ev.Transport, ev.Details, ev.Success, l.now().Unix())
	if err != nil {
		l.logger.Error("observability: event log failed", "error", err, "event_type", ev.EventType)
	}
}

// Events returns the most recent events for workID, newest first. An empty
// workID lists all works.
func (l *EventLogger) Events(ctx context.Context, workID string, limit int) ([]BusinessEvent, error) {
	q := `SELECT event_type, service_name, COALESCE(work_id,''), action, COALESCE(record_id,''),
		COALESCE(caller,''), COALESCE(transport,''), COALESCE(details,''), success
		FROM business_event_logs`
	var args []any
	if workID != "" {
		q += ` WHERE work_id = ?`
		args = append(args, workID)
	}
	q += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []BusinessEvent
	for rows.Next() {
		var ev BusinessEvent
		if err := rows.Scan(&ev.EventType, &ev.ServiceName, &ev.WorkID, &ev.Action, &ev.RecordID,
			&ev.Caller, &ev.Transport, &ev.Details, &ev.Success); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// RetentionConfig holds per-table retention in days. Zero keeps everything.
type RetentionConfig struct {
	EventLogsDays int
	MetricsDays   int
}

// Cleanup deletes rows older than the configured retention.
func Cleanup(ctx context.Context, db *sql.DB, cfg RetentionConfig) error {
	now := time.Now().Unix()
	targets := []struct {
		query string
		days  int
	}{
		{`DELETE FROM business_event_logs WHERE created_at < ?`, cfg.EventLogsDays},
		{`DELETE FROM metrics_timeseries WHERE timestamp < ?`, cfg.MetricsDays},
	}
	for _, t := range targets {
		if t.days <= 0 {
			continue
		}
		if _, err := db.ExecContext(ctx, t.query, now-int64(t.days*86400)); err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
	}
	return nil
}
