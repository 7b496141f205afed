package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/mediaserver/dbopen"
	"github.com/hazyhaar/mediaserver/idgen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestInit_Idempotent(t *testing.T) {
	db := setupObsDB(t)
	if err := Init(context.Background(), db); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	for _, table := range []string{"business_event_logs", "metrics_timeseries"} {
		var n int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		if n != 1 {
			t.Fatalf("table %s missing", table)
		}
	}
}

func TestEventLogger_LogAndList(t *testing.T) {
	db := setupObsDB(t)
	l := NewEventLogger(db, WithEventIDGenerator(idgen.Sequence("evt_")))
	ctx := context.Background()

	l.LogEvent(ctx, BusinessEvent{
		EventType: EventActionRequested, ServiceName: "actions",
		WorkID: "w1", Action: "cacheDeleteAction", RecordID: "act_1", Caller: "cli", Success: true,
	})
	l.LogEvent(ctx, BusinessEvent{
		EventType: EventActionFailed, ServiceName: "actions",
		WorkID: "w1", Action: "cacheDeleteAction", RecordID: "act_1", Details: `{"error":"boom"}`,
	})
	l.LogEvent(ctx, BusinessEvent{EventType: EventCacheCleared, ServiceName: "cli", Action: "cache_clear", Success: true})

	evs, err := l.Events(ctx, "w1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("got %d events for w1, want 2", len(evs))
	}
	if evs[0].EventType != EventActionFailed || evs[0].Success {
		t.Fatalf("newest event: %+v", evs[0])
	}
	if evs[1].Caller != "cli" || !evs[1].Success {
		t.Fatalf("oldest event: %+v", evs[1])
	}

	all, _ := l.Events(ctx, "", 1)
	if len(all) != 1 || all[0].EventType != EventCacheCleared {
		t.Fatalf("limit 1: %+v", all)
	}
}

func TestEventLogger_NilAndBrokenDBDoNotPanic(t *testing.T) {
	var l *EventLogger
	l.LogEvent(context.Background(), BusinessEvent{EventType: "x"})

	db := dbopen.OpenMemory(t) // no schema
	NewEventLogger(db).LogEvent(context.Background(), BusinessEvent{EventType: "x", Action: "y"})
}

func TestMetricsManager_RecordFlushQuery(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)
	defer mm.Close()
	ctx := context.Background()

	mm.Record(&Metric{
		Name:   MetricConversionDurationMs,
		Value:  120,
		Unit:   "milliseconds",
		Labels: map[string]string{"mime": "application/pdf"},
	})
	mm.RecordSimple(MetricCacheHit, 1, "count")
	mm.Duration(MetricActionDurationMs, time.Now().Add(-time.Second), nil)
	mm.Flush()

	got, err := mm.Query(ctx, MetricConversionDurationMs, nil, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 120 || got[0].Labels["mime"] != "application/pdf" {
		t.Fatalf("unexpected metrics: %+v", got)
	}
	dur, _ := mm.Query(ctx, MetricActionDurationMs, nil, nil, 0)
	if len(dur) != 1 || dur[0].Value < 1000 {
		t.Fatalf("duration metric: %+v", dur)
	}
	all, _ := mm.Query(ctx, "", nil, nil, 0)
	if len(all) != 3 {
		t.Fatalf("all: got %d, want 3", len(all))
	}
	future := time.Now().Add(time.Hour)
	none, _ := mm.Query(ctx, "", &future, nil, 0)
	if len(none) != 0 {
		t.Fatalf("from future: got %d", len(none))
	}
}

func TestMetricsManager_FlushOnFullBufferAndClose(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour, nil)
	mm.RecordSimple("a", 1, "count")
	mm.RecordSimple("a", 2, "count")

	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 2 {
		t.Fatalf("full buffer should flush, rows=%d", n)
	}

	mm.RecordSimple("a", 3, "count")
	mm.Close()
	mm.Close()
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 3 {
		t.Fatalf("close should flush, rows=%d", n)
	}
}

func TestCleanup(t *testing.T) {
	db := setupObsDB(t)
	ctx := context.Background()
	old := time.Now().AddDate(0, 0, -10).Unix()
	db.Exec(`INSERT INTO business_event_logs (event_id, event_type, service_name, action, created_at) VALUES ('e1','x','s','a',?)`, old)
	db.Exec(`INSERT INTO business_event_logs (event_id, event_type, service_name, action, created_at) VALUES ('e2','x','s','a',?)`, time.Now().Unix())
	db.Exec(`INSERT INTO metrics_timeseries (metric_name, timestamp, value) VALUES ('m', ?, 1)`, old)

	if err := Cleanup(ctx, db, RetentionConfig{EventLogsDays: 7}); err != nil {
		t.Fatal(err)
	}
	var events, metrics int
	db.QueryRow("SELECT COUNT(*) FROM business_event_logs").Scan(&events)
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&metrics)
	if events != 1 || metrics != 1 {
		t.Fatalf("events=%d metrics=%d, want 1 and 1", events, metrics)
	}
}
