// Package vtq is the SQLite visibility-timeout queue that carries requested
// action records from the sweeper to the workers.
//
// A claimed job is hidden for Visibility. A worker that finishes acks it; a
// worker that fails releases it with a delay; a worker that dies simply lets
// the visibility run out and the job comes back.
//
// Job IDs are action record IDs. Publishing the same record twice while it is
// still queued is a no-op, so the sweeper can republish on every tick.
//
//	CREATE TABLE IF NOT EXISTS dispatch_jobs (
//	    id          TEXT NOT NULL,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- unix millis
//	    created_at  INTEGER NOT NULL,
//	    attempts    INTEGER NOT NULL DEFAULT 0,
//	    PRIMARY KEY (queue, id)
//	);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Schema creates the queue table. It is exported so callers can pass it to
// dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS dispatch_jobs (
	id          TEXT NOT NULL,
	queue       TEXT NOT NULL DEFAULT '',
	payload     BLOB,
	visible_at  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (queue, id)
);
CREATE INDEX IF NOT EXISTS idx_dispatch_visible ON dispatch_jobs (queue, visible_at);
`

// Job is a claimed row.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures a queue handle.
type Options struct {
	// Queue name; several queues share one table. Default "".
	Queue string
	// Visibility is how long a claimed job stays hidden. Default 5m, since a
	// full PDF conversion can take minutes.
	Visibility time.Duration
	// PollInterval between claim attempts in RunBatch. Default 1s.
	PollInterval time.Duration
	// RetryDelay hides a failed job before it is offered again. Default 30s.
	RetryDelay time.Duration
	// MaxAttempts drops a job after that many deliveries. 0 is unlimited.
	MaxAttempts int
	Logger      *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is a queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New returns a handle on the queue named in opts.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the queue table if needed.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, Schema)
	return err
}

// Publish enqueues a visible job. It reports whether a row was inserted;
// false means the id is already queued.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dispatch_jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Claim hides and returns the oldest visible job, or nil when there is none.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	jobs, err := q.BatchClaim(ctx, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// BatchClaim hides and returns up to n visible jobs. The slice is empty,
// not nil, when nothing is visible.
func (q *Q) BatchClaim(ctx context.Context, n int) ([]*Job, error) {
	now := time.Now()
	rows, err := q.db.QueryContext(ctx, `
		UPDATE dispatch_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE queue = ? AND id IN (
			SELECT id FROM dispatch_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT ?
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		now.Add(q.opts.Visibility).UnixMilli(), q.opts.Queue, q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		var j Job
		var visAt, creAt int64
		if err := rows.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts); err != nil {
			return nil, err
		}
		j.VisibleAt = time.UnixMilli(visAt)
		j.CreatedAt = time.UnixMilli(creAt)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// Ack removes a job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM dispatch_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Release makes a job visible again after delay. A zero delay offers it on
// the next poll.
func (q *Q) Release(ctx context.Context, id string, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE dispatch_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		time.Now().Add(delay).UnixMilli(), id, q.opts.Queue)
	return err
}

// Len counts visible and hidden jobs.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dispatch_jobs WHERE queue = ?`, q.opts.Queue).Scan(&n)
	return n, err
}

// ErrDrop tells RunBatch to ack a job the handler could not process and that
// should not be retried.
var ErrDrop = errors.New("vtq: drop job")

// Handler processes a job. nil or ErrDrop acks it; any other error releases
// it after RetryDelay.
type Handler func(ctx context.Context, job *Job) error

// RunBatch claims up to batchSize jobs per tick and runs them with at most
// maxConcurrency handlers in flight. It returns after ctx is cancelled and
// in-flight handlers have finished.
func (q *Q) RunBatch(ctx context.Context, batchSize, maxConcurrency int, handler Handler) {
	log := q.opts.Logger
	if batchSize <= 0 {
		batchSize = 1
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	log.Info("vtq: consumer started",
		"queue", q.opts.Queue,
		"batch_size", batchSize,
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility,
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info("vtq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
		}

		jobs, err := q.BatchClaim(ctx, batchSize)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("vtq: claim failed", "error", err, "queue", q.opts.Queue)
			}
			continue
		}

		for _, job := range jobs {
			if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
				log.Warn("vtq: job exceeded max attempts, dropping",
					"id", job.ID, "attempts", job.Attempts, "queue", q.opts.Queue)
				_ = q.Ack(ctx, job.ID)
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				_ = q.Release(context.Background(), job.ID, 0)
				continue
			}

			wg.Add(1)
			go func(j *Job) {
				defer wg.Done()
				defer func() { <-sem }()
				q.handle(ctx, j, handler)
			}(job)
		}
	}
}

func (q *Q) handle(ctx context.Context, j *Job, handler Handler) {
	err := handler(ctx, j)
	switch {
	case err == nil, errors.Is(err, ErrDrop):
		if err != nil {
			q.opts.Logger.Info("vtq: job dropped", "id", j.ID, "error", err, "queue", q.opts.Queue)
		}
		_ = q.Ack(context.Background(), j.ID)
	default:
		q.opts.Logger.Warn("vtq: handler failed, releasing",
			"id", j.ID, "error", err, "retry_in", q.opts.RetryDelay, "queue", q.opts.Queue)
		_ = q.Release(context.Background(), j.ID, q.opts.RetryDelay)
	}
}
