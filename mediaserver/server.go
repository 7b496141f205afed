// Package mediaserver wires the media server together: the work catalog,
// the action coordinator with its dispatch queue, the conversions behind
// the derivative cache, and the HTTP file server.
//
// Usage:
//
//	cfg, err := mediaserver.LoadConfigFile("mediaserver.yaml")
//	s, err := mediaserver.New(cfg, logger)
//	defer s.Close()
//	s.RegisterMCP(mcpServer)
//	s.Start(ctx)
//	s.ListenAndServe(ctx)
package mediaserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/mediaserver/actions"
	"github.com/hazyhaar/mediaserver/cacheguard"
	"github.com/hazyhaar/mediaserver/catalog"
	"github.com/hazyhaar/mediaserver/conversion"
	"github.com/hazyhaar/mediaserver/dbopen"
	"github.com/hazyhaar/mediaserver/fileserver"
	"github.com/hazyhaar/mediaserver/observability"
	"github.com/hazyhaar/mediaserver/vtq"
	"github.com/hazyhaar/mediaserver/workactions"
	"github.com/hazyhaar/pkg/kit"
)

// ErrNoMatch is returned when no work matches the given id patterns.
var ErrNoMatch = errors.New("mediaserver: no matching work")

// Server is the media server orchestrator.
type Server struct {
	config    *Config
	works     *catalog.Store
	coord     *actions.Coordinator
	sweeper   *actions.Sweeper
	guard     *cacheguard.Guard
	converter *conversion.Converter
	files     *fileserver.Server
	obsDB     *sql.DB
	events    *observability.EventLogger
	metrics   *observability.MetricsManager
	logger    *slog.Logger
}

// New opens the databases and wires every component. cfg is validated
// first; an invalid configuration fails with ErrConfiguration.
func New(cfg *Config, logger *slog.Logger) (*Server, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()

	works, err := catalog.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("mediaserver: catalog: %w", err)
	}
	s := &Server{config: cfg, works: works, logger: logger}

	store, err := actions.NewStore(ctx, works.DB)
	if err != nil {
		s.Close()
		return nil, err
	}
	queue := vtq.New(works.DB, vtq.Options{
		Queue:        "actions",
		Visibility:   cfg.Queue.Visibility,
		PollInterval: cfg.Queue.PollInterval,
		RetryDelay:   cfg.Queue.RetryDelay,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Logger:       logger,
	})
	if err := queue.EnsureTable(ctx); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.ObservabilityDBPath != "" {
		s.obsDB, err = dbopen.Open(cfg.ObservabilityDBPath, dbopen.WithMkdirAll(), dbopen.WithSchema(observability.Schema))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("mediaserver: observability: %w", err)
		}
		s.events = observability.NewEventLogger(s.obsDB, observability.WithEventLogger(logger))
		s.metrics = observability.NewMetricsManager(s.obsDB, 0, 0, logger)
	}

	s.guard = cacheguard.New(cfg.Fileserver.CachePath, cacheguard.Options{Logger: logger})
	s.converter, err = conversion.New(conversion.Options{
		Config:  cfg.Conversion,
		Guard:   s.guard,
		Reader:  cfg.Mets,
		RootURL: cfg.Fileserver.RootURL,
		Metrics: s.metrics,
		Logger:  logger,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	reg := actions.NewRegistry()
	workactions.Register(reg, workactions.Deps{
		Converter: s.converter,
		Guard:     s.guard,
		Works:     works,
		Reader:    cfg.Mets,
		RootURL:   cfg.Fileserver.RootURL,
		Indexing:  cfg.Indexing,
		Logger:    logger,
	})
	s.coord = actions.NewCoordinator(actions.Options{
		Store:    store,
		Registry: reg,
		Works:    works,
		Events:   s.events,
		Metrics:  s.metrics,
		Logger:   logger,
	})
	s.sweeper = actions.NewSweeper(s.coord, queue, cfg.Actions, logger)

	s.files, err = fileserver.New(fileserver.Options{
		Config:  cfg.Fileserver,
		Works:   works,
		Actions: s.coord,
		Guard:   s.guard,
		Logger:  logger,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return s, nil
}

// Close flushes metrics and closes the databases.
func (s *Server) Close() error {
	if s.metrics != nil {
		s.metrics.Close()
	}
	var errs []error
	if s.obsDB != nil {
		errs = append(errs, s.obsDB.Close())
	}
	if s.works != nil {
		errs = append(errs, s.works.Close())
	}
	return errors.Join(errs...)
}

// Works returns the work catalog.
func (s *Server) Works() *catalog.Store { return s.works }

// Coordinator returns the action coordinator.
func (s *Server) Coordinator() *actions.Coordinator { return s.coord }

// Guard returns the derivative cache.
func (s *Server) Guard() *cacheguard.Guard { return s.guard }

// Handler returns the HTTP file server.
func (s *Server) Handler() http.Handler { return s.files.Handler() }

// Start launches the background loops: the action sweeper, periodic cache
// clearing and observability retention. They stop with ctx.
func (s *Server) Start(ctx context.Context) {
	go s.sweeper.Run(ctx)
	if cc := s.config.Fileserver.CacheClear; cc.Interval > 0 {
		go s.every(ctx, "cache_clear", cc.Interval, func(context.Context) error {
			_, err := s.ClearCache(kit.WithTransport(ctx, "scheduler"), "", cc.Since)
			return err
		})
	}
	if s.obsDB != nil {
		r := s.config.Retention
		if r.EventLogsDays > 0 || r.MetricsDays > 0 {
			go s.every(ctx, "retention", r.Interval, func(ctx context.Context) error {
				return observability.Cleanup(ctx, s.obsDB, observability.RetentionConfig{
					EventLogsDays: r.EventLogsDays,
					MetricsDays:   r.MetricsDays,
				})
			})
		}
	}
	s.logger.Info("mediaserver: started", "db", s.config.DBPath, "cache", s.config.Fileserver.CachePath,
		"actions", s.coord.Registry().Names())
}

func (s *Server) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	s.logger.Info("mediaserver: loop started", "loop", name, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("mediaserver: loop stopped", "loop", name)
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				s.logger.Warn("mediaserver: loop failed", "loop", name, "error", err)
			}
		}
	}
}

// ListenAndServe serves HTTP on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Fileserver.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("mediaserver: http listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ClearCache removes cached derivatives not touched for olderThan. An
// empty workID clears the whole cache and keeps its root; 0 removes
// everything.
func (s *Server) ClearCache(ctx context.Context, workID string, olderThan time.Duration) (cacheguard.PruneStats, error) {
	var (
		stats cacheguard.PruneStats
		err   error
	)
	if workID == "" {
		stats, err = s.guard.PruneAll(olderThan)
	} else {
		stats, err = s.guard.PruneKey(workID, olderThan)
	}
	if s.events != nil {
		details, _ := json.Marshal(map[string]any{"older_than": olderThan.String(), "files": stats.Files, "dirs": stats.Dirs})
		s.events.LogEvent(ctx, observability.BusinessEvent{
			EventType:   observability.EventCacheCleared,
			ServiceName: "mediaserver",
			WorkID:      workID,
			Action:      "cache_clear",
			Caller:      kit.GetRemoteAddr(ctx),
			Transport:   kit.GetTransport(ctx),
			Details:     string(details),
			Success:     err == nil,
		})
	}
	if err != nil {
		return stats, err
	}
	s.logger.Info("mediaserver: cache cleared", "work_id", workID, "older_than", olderThan,
		"files", stats.Files, "dirs", stats.Dirs)
	return stats, nil
}

// Outcome is the result of one action run.
type Outcome struct {
	WorkID   string `json:"work_id"`
	Action   string `json:"action"`
	RecordID string `json:"record_id,omitempty"`
	Result   any    `json:"result,omitempty"`
	Error    string `json:"error,omitempty"`
}

// DerivativeInfo stands in for a streamed derivative in an Outcome.
type DerivativeInfo struct {
	MIME     string `json:"mime"`
	Produced bool   `json:"produced"`
}

// describe closes streamed results and keeps what can be reported.
func describe(res any) any {
	switch v := res.(type) {
	case *conversion.Derivative:
		v.Close()
		return DerivativeInfo{MIME: v.MIME, Produced: v.Produced}
	case io.Closer:
		v.Close()
		return nil
	}
	return res
}

// MatchWorks resolves id glob patterns ('*' and '?') against the catalog.
// Each work is returned once, in pattern order.
func (s *Server) MatchWorks(ctx context.Context, patterns []string) ([]*catalog.Work, error) {
	seen := map[string]bool{}
	var out []*catalog.Work
	for _, p := range patterns {
		works, err := s.works.List(ctx, p)
		if err != nil {
			return nil, err
		}
		if len(works) == 0 {
			s.logger.Warn("mediaserver: pattern matches no work", "pattern", p)
		}
		for _, w := range works {
			if !seen[w.ID] {
				seen[w.ID] = true
				out = append(out, w)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoMatch, patterns)
	}
	return out, nil
}

// Perform runs an action immediately on every matching work. Without
// continueOnError it stops at the first failure and returns it along with
// the outcomes so far.
func (s *Server) Perform(ctx context.Context, patterns []string, name string, params actions.Params, continueOnError bool) ([]Outcome, error) {
	works, err := s.MatchWorks(ctx, patterns)
	if err != nil {
		return nil, err
	}
	var out []Outcome
	for _, w := range works {
		res, err := s.coord.PerformImmediately(ctx, w, name, params)
		o := Outcome{WorkID: w.ID, Action: name, Result: describe(res)}
		if err != nil {
			o.Error = err.Error()
			out = append(out, o)
			if !continueOnError || actions.IsServiceError(err) {
				return out, err
			}
			s.logger.Warn("mediaserver: action failed", "work_id", w.ID, "action", name, "error", err)
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// Request records an action for every matching work. Works that already
// have the same request pending are skipped.
func (s *Server) Request(ctx context.Context, patterns []string, name string, params actions.Params) ([]*actions.Record, error) {
	works, err := s.MatchWorks(ctx, patterns)
	if err != nil {
		return nil, err
	}
	var out []*actions.Record
	for _, w := range works {
		rec, err := s.coord.Request(ctx, w, name, params)
		if errors.Is(err, actions.ErrDuplicateRequest) {
			s.logger.Info("mediaserver: already requested", "work_id", w.ID, "action", name)
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// PerformAllRequested runs every unperformed record once, oldest first.
// Records another process started meanwhile are skipped.
func (s *Server) PerformAllRequested(ctx context.Context, continueOnError bool) ([]Outcome, error) {
	recs, err := s.coord.GetUnperformed(ctx)
	if err != nil {
		return nil, err
	}
	var out []Outcome
	for _, rec := range recs {
		res, err := s.coord.PerformRequested(ctx, rec)
		if errors.Is(err, actions.ErrAlreadyRunning) || errors.Is(err, actions.ErrNoRecord) {
			continue
		}
		o := Outcome{WorkID: rec.WorkID, Action: rec.Action, RecordID: rec.ID, Result: describe(res)}
		if err != nil {
			o.Error = err.Error()
			out = append(out, o)
			if !continueOnError {
				return out, err
			}
			continue
		}
		out = append(out, o)
	}
	return out, nil
}
