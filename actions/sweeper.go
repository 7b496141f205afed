package actions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/hazyhaar/mediaserver/observability"
	"github.com/hazyhaar/mediaserver/vtq"
	"github.com/hazyhaar/mediaserver/watch"
	"github.com/hazyhaar/pkg/kit"
)

// SweepConfig controls the dispatch loop.
type SweepConfig struct {
	// Interval between sweeps. Default 1m.
	Interval time.Duration `yaml:"sweep_interval"`
	// BatchSize of records published per sweep and jobs claimed per poll.
	// Default 20.
	BatchSize int `yaml:"batch_size"`
	// Workers bounds concurrently running actions. Default 2.
	Workers int `yaml:"workers"`
	// StaleRunning resets records that have been Running longer than this,
	// left behind by a crashed process. 0 disables it.
	StaleRunning time.Duration `yaml:"stale_running"`
	// WatchInterval polls the action table for new requests so they run
	// without waiting for the next sweep. 0 disables it.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

func (c *SweepConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
}

// Sweeper publishes Requested records to a queue and runs them from it.
type Sweeper struct {
	coord   *Coordinator
	queue   *vtq.Q
	config  SweepConfig
	metrics *observability.MetricsManager
	logger  *slog.Logger
}

// NewSweeper creates a sweeper. The queue table must exist.
func NewSweeper(coord *Coordinator, q *vtq.Q, cfg SweepConfig, logger *slog.Logger) *Sweeper {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{coord: coord, queue: q, config: cfg, metrics: coord.metrics, logger: logger}
}

// Run sweeps, consumes and watches until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper: started",
		"interval", s.config.Interval,
		"workers", s.config.Workers,
		"watch_interval", s.config.WatchInterval)

	done := make(chan struct{})
	go func() {
		s.queue.RunBatch(ctx, s.config.BatchSize, s.config.Workers, s.Handle)
		close(done)
	}()

	if s.config.WatchInterval > 0 {
		w := watch.New(s.coord.store.DB, watch.Options{
			Interval: s.config.WatchInterval,
			Debounce: s.config.WatchInterval,
			Detector: watch.MaxColumn("action_records", "request_time"),
			Logger:   s.logger,
		})
		go w.OnChange(ctx, func(ctx context.Context) error {
			_, err := s.Sweep(ctx)
			return err
		})
	}

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Warn("sweeper: sweep failed", "error", err)
	}
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			s.logger.Info("sweeper: stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("sweeper: sweep failed", "error", err)
			}
		}
	}
}

// Sweep publishes up to BatchSize Requested records and returns how many
// were newly queued. Records already in the queue are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.config.StaleRunning > 0 {
		n, err := s.coord.store.ResetStale(ctx, time.Now().Add(-s.config.StaleRunning))
		if err != nil {
			return 0, err
		}
		if n > 0 {
			s.logger.Warn("sweeper: reset stale running records", "count", n)
		}
	}
	recs, err := s.coord.store.ListRequested(ctx, s.config.BatchSize)
	if err != nil {
		return 0, err
	}
	var queued int
	for _, r := range recs {
		ok, err := s.queue.Publish(ctx, r.ID, nil)
		if err != nil {
			s.logger.Warn("sweeper: publish failed", "record_id", r.ID, "error", err)
			continue
		}
		if ok {
			queued++
		}
	}
	if queued > 0 {
		pending, _ := s.queue.Len(ctx)
		s.logger.Info("sweeper: queued actions", "count", queued, "pending", pending)
		s.metrics.RecordSimple(observability.MetricSweepQueued, float64(queued), "count")
	}
	return queued, nil
}

// Handle runs one queued record. Records that are already running or no
// longer pending are dropped; a failing action is retried.
func (s *Sweeper) Handle(ctx context.Context, job *vtq.Job) error {
	ctx = kit.WithTransport(ctx, "sweeper")
	res, err := s.coord.PerformRequestedByID(ctx, job.ID)
	if c, ok := res.(io.Closer); ok {
		c.Close()
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrNoRecord):
		return vtq.ErrDrop
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotAnAction):
		// No amount of retrying binds the action; the record stays
		// Requested for an operator to look at.
		s.logger.Error("sweeper: action cannot be resolved", "record_id", job.ID, "error", err)
		return vtq.ErrDrop
	}
	return err
}
