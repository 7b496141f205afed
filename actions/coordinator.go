package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/mediaserver/catalog"
	"github.com/hazyhaar/mediaserver/idgen"
	"github.com/hazyhaar/mediaserver/observability"
	"github.com/hazyhaar/pkg/kit"
)

// Works resolves work ids for records loaded from the store.
type Works interface {
	Get(ctx context.Context, id string) (*catalog.Work, error)
}

// Options wires a Coordinator. Store, Registry and Works are required.
type Options struct {
	Store    *Store
	Registry *Registry
	Works    Works
	Events   *observability.EventLogger
	Metrics  *observability.MetricsManager
	Logger   *slog.Logger
	NewID    idgen.Generator
	Now      func() time.Time
}

// Coordinator runs the action lifecycle. It is safe for concurrent use.
type Coordinator struct {
	store    *Store
	registry *Registry
	works    Works
	events   *observability.EventLogger
	metrics  *observability.MetricsManager
	logger   *slog.Logger
	newID    idgen.Generator
	now      func() time.Time
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = idgen.Action
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		store:    opts.Store,
		registry: opts.Registry,
		works:    opts.Works,
		events:   opts.Events,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		newID:    opts.NewID,
		now:      opts.Now,
	}
}

// Registry returns the action registry.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Store returns the record store.
func (c *Coordinator) Store() *Store { return c.store }

func check(op string, work *catalog.Work, name string) error {
	if work == nil {
		return &ServiceError{Op: op, Action: name, Err: fmt.Errorf("%w: work is required", ErrInvalid)}
	}
	if strings.TrimSpace(name) == "" {
		return &ServiceError{Op: op, WorkID: work.ID, Err: fmt.Errorf("%w: action name is required", ErrInvalid)}
	}
	return nil
}

func (c *Coordinator) lookup(op string, work *catalog.Work, name string) (Action, error) {
	a, err := c.registry.Lookup(name)
	if err != nil {
		return nil, &ServiceError{Op: op, WorkID: work.ID, Action: name, Err: err}
	}
	return a, nil
}

// Request records a new Requested action. A second request for an
// identity that is still unfinished fails with ErrDuplicateRequest.
func (c *Coordinator) Request(ctx context.Context, work *catalog.Work, name string, params Params) (*Record, error) {
	const op = "request"
	if err := check(op, work, name); err != nil {
		return nil, err
	}
	if _, err := c.lookup(op, work, name); err != nil {
		return nil, err
	}
	rec := &Record{
		ID:          c.newID(),
		WorkID:      work.ID,
		Action:      name,
		Params:      params.Clone(),
		RequestTime: c.now(),
		Status:      Requested{},
	}
	if err := c.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			return nil, &ServiceError{Op: op, WorkID: work.ID, Action: name, Err: err}
		}
		return nil, fmt.Errorf("actions: request %s: %w", name, err)
	}
	c.logger.Info("actions: requested", "work_id", work.ID, "action", name, "record_id", rec.ID)
	c.event(ctx, observability.EventActionRequested, rec, true, nil)
	return rec, nil
}

// PerformImmediately runs an action without touching the store.
func (c *Coordinator) PerformImmediately(ctx context.Context, work *catalog.Work, name string, params Params) (any, error) {
	const op = "perform"
	if err := check(op, work, name); err != nil {
		return nil, err
	}
	a, err := c.lookup(op, work, name)
	if err != nil {
		return nil, err
	}
	start := c.now()
	res, err := a.Perform(ctx, work, params.Clone())
	c.metrics.Duration(observability.MetricActionDurationMs, start, map[string]string{
		"action": name, "mode": "immediate", "success": fmt.Sprint(err == nil),
	})
	return res, err
}

// PerformRequested runs a Requested record. It fails with ErrAlreadyRunning
// when the record has already started elsewhere. A failing action puts the
// record back to Requested and its error is returned as is.
func (c *Coordinator) PerformRequested(ctx context.Context, rec *Record) (any, error) {
	const op = "perform requested"
	if rec == nil {
		return nil, &ServiceError{Op: op, Err: fmt.Errorf("%w: record is required", ErrInvalid)}
	}
	work, err := c.works.Get(ctx, rec.WorkID)
	if err != nil {
		return nil, fmt.Errorf("actions: record %s: %w", rec.ID, err)
	}
	a, err := c.lookup(op, work, rec.Action)
	if err != nil {
		return nil, err
	}

	started := c.now()
	if err := c.store.MarkStarted(ctx, rec.ID, started); err != nil {
		if errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrNoRecord) {
			return nil, &ServiceError{Op: op, WorkID: rec.WorkID, Action: rec.Action, Err: err}
		}
		return nil, fmt.Errorf("actions: start %s: %w", rec.ID, err)
	}
	rec.Status = Running{Since: started}
	c.event(ctx, observability.EventActionStarted, rec, true, nil)

	res, runErr := a.Perform(ctx, work, rec.Params.Clone())
	labels := map[string]string{"action": rec.Action, "mode": "requested", "success": fmt.Sprint(runErr == nil)}
	c.metrics.Duration(observability.MetricActionDurationMs, started, labels)

	// The outcome must be recorded even when ctx was cancelled by the run.
	sctx := context.WithoutCancel(ctx)
	if runErr != nil {
		if err := c.store.MarkRequested(sctx, rec.ID); err != nil {
			c.logger.Error("actions: could not reset failed record", "record_id", rec.ID, "error", err)
		}
		rec.Status = Requested{}
		c.logger.Warn("actions: failed", "work_id", rec.WorkID, "action", rec.Action, "record_id", rec.ID, "error", runErr)
		c.event(ctx, observability.EventActionFailed, rec, false, runErr)
		return nil, runErr
	}

	ended := c.now()
	if err := c.store.MarkCompleted(sctx, rec.ID, ended); err != nil {
		return res, fmt.Errorf("actions: complete %s: %w", rec.ID, err)
	}
	rec.Status = Completed{Started: started, At: ended}
	c.logger.Info("actions: completed", "work_id", rec.WorkID, "action", rec.Action,
		"record_id", rec.ID, "duration", ended.Sub(started))
	c.event(ctx, observability.EventActionCompleted, rec, true, nil)
	return res, nil
}

// PerformRequestedByID loads a record and performs it.
func (c *Coordinator) PerformRequestedByID(ctx context.Context, id string) (any, error) {
	rec, err := c.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNoRecord) {
			return nil, &ServiceError{Op: "perform requested", Action: id, Err: err}
		}
		return nil, err
	}
	return c.PerformRequested(ctx, rec)
}

// PerformRequestedFor performs the unfinished record of an identity. It
// fails with ErrNoRecord when nothing was requested.
func (c *Coordinator) PerformRequestedFor(ctx context.Context, work *catalog.Work, name string, params Params) (any, error) {
	const op = "perform requested"
	if err := check(op, work, name); err != nil {
		return nil, err
	}
	rec, err := c.store.FindUnfinished(ctx, work.ID, name, params)
	if err != nil {
		if errors.Is(err, ErrNoRecord) {
			return nil, &ServiceError{Op: op, WorkID: work.ID, Action: name, Err: err}
		}
		return nil, err
	}
	return c.PerformRequested(ctx, rec)
}

// GetUnperformed lists Requested records, oldest first.
func (c *Coordinator) GetUnperformed(ctx context.Context) ([]*Record, error) {
	return c.store.ListRequested(ctx, 0)
}

// LastPerformed returns the latest completed record for a work and action,
// or ErrNoRecord.
func (c *Coordinator) LastPerformed(ctx context.Context, work *catalog.Work, name string) (*Record, error) {
	if err := check("last performed", work, name); err != nil {
		return nil, err
	}
	return c.store.LastPerformed(ctx, work.ID, name)
}

func (c *Coordinator) event(ctx context.Context, typ string, rec *Record, ok bool, cause error) {
	if c.events == nil {
		return
	}
	details := map[string]any{"params": rec.Params.Clone(), "state": rec.Status.State()}
	if cause != nil {
		details["error"] = cause.Error()
	}
	b, _ := json.Marshal(details)
	c.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:   typ,
		ServiceName: "actions",
		WorkID:      rec.WorkID,
		Action:      rec.Action,
		RecordID:    rec.ID,
		Caller:      kit.GetRemoteAddr(ctx),
		Transport:   kit.GetTransport(ctx),
		Details:     string(b),
		Success:     ok,
	})
}
