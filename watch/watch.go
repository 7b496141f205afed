// Package watch polls a SQLite query for a version token and runs a callback
// when it moves. The dispatcher uses it to sweep right after a new action
// request lands instead of waiting for the next sweep tick.
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Detector reads a version token. Two different results mean something
// changed.
type Detector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes a Watcher.
type Options struct {
	// Interval between polls. Default 1s.
	Interval time.Duration
	// Debounce is the quiet period required after a change before the
	// callback fires. 0 fires on the poll that saw the change.
	Debounce time.Duration
	Detector Detector
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher runs the poll loop. Counters are safe to read concurrently.
type Watcher struct {
	db   *sql.DB
	opts Options

	version atomic.Int64
	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	fires   atomic.Int64
}

// Stats is a snapshot of the counters.
type Stats struct {
	Checks          int64 `json:"checks"`
	ChangesDetected int64 `json:"changes_detected"`
	Errors          int64 `json:"errors"`
	Fires           int64 `json:"fires"`
}

// New returns a Watcher. opts.Detector is required.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	return &Watcher{db: db, opts: opts}
}

func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Errors:          w.errors.Load(),
		Fires:           w.fires.Load(),
	}
}

// Version is the last token for which the callback succeeded.
func (w *Watcher) Version() int64 { return w.version.Load() }

// OnChange polls until ctx is done. The first reading is the baseline and
// does not fire. A failing callback leaves the version where it was, so the
// next poll fires again.
func (w *Watcher) OnChange(ctx context.Context, fn func(context.Context) error) {
	log := w.opts.Logger

	if v, err := w.opts.Detector(ctx, w.db); err != nil {
		log.Warn("watch: baseline read failed", "error", err)
	} else {
		w.version.Store(v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time
	pending := int64(-1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.checks.Add(1)
			cur, err := w.opts.Detector(ctx, w.db)
			if err != nil {
				if ctx.Err() == nil {
					w.errors.Add(1)
					log.Warn("watch: read failed", "error", err)
				}
				continue
			}
			if cur == w.version.Load() || cur == pending {
				continue
			}
			w.changes.Add(1)
			pending = cur
			if w.opts.Debounce <= 0 {
				w.fire(ctx, fn, pending)
				pending = -1
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.opts.Debounce)
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			if pending >= 0 {
				w.fire(ctx, fn, pending)
				pending = -1
			}
		}
	}
}

func (w *Watcher) fire(ctx context.Context, fn func(context.Context) error, v int64) {
	if err := fn(ctx); err != nil {
		w.errors.Add(1)
		w.opts.Logger.Warn("watch: callback failed", "error", err, "version", v)
		return
	}
	w.fires.Add(1)
	w.version.Store(v)
	w.opts.Logger.Debug("watch: fired", "version", v)
}

// MaxColumn returns a Detector reading MAX(column) FROM table, 0 when empty.
func MaxColumn(table, column string) Detector {
	return Query("SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table))
}

// Query returns a Detector that scans the single integer the query yields.
func Query(query string) Detector {
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
