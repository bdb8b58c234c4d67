// Package orchestrator drives connector sync cycles.
//
// Each connector gets one Orchestrator holding its checkpoint lifecycle. A
// cycle computes the fetch window, authenticates, fetches, normalizes,
// records metrics, submits and only then advances the checkpoint. A failed
// cycle leaves the checkpoint untouched and is retried with exponential
// backoff before the loop falls back to the configured interval.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/connector/base"
	"github.com/nocturne/connectors/pkg/connector/core"
	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/logger"
	"github.com/nocturne/connectors/pkg/metrics"
	"github.com/nocturne/connectors/pkg/models"
	"github.com/nocturne/connectors/pkg/observability"
)

// State is the lifecycle position of a connector. A cycle moves Idle to
// Running, passes through Succeeded or Failed and settles back on Idle; the
// outcome stays on Result.State.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Stage names, used for spans and log fields
const (
	StageAuthenticate = "authenticate"
	StageFetch        = "fetch"
	StageNormalize    = "normalize"
	StageSubmit       = "submit"
	StageCheckpoint   = "checkpoint"
)

// ErrSyncInProgress rejects a trigger while a cycle is running
var ErrSyncInProgress = errors.New(errors.ErrorTypeConflict, "sync already in progress")

// Result summarizes one sync cycle
type Result struct {
	CycleID   string
	Connector string
	// State is the outcome: succeeded, failed, or idle when cancelled
	State        State
	Window       core.Window
	Entries      int
	Treatments   int
	RecordErrors int
	// Checkpoint is the checkpoint after the cycle; zero if none exists
	Checkpoint time.Time
	Duration   time.Duration
	Err        error
}

// Succeeded reports whether the cycle completed
func (r *Result) Succeeded() bool {
	return r != nil && r.Err == nil
}

// Orchestrator runs the sync cycles of a single connector
type Orchestrator struct {
	cfg       *config.ConnectorConfig
	source    core.Source
	submitter core.Submitter
	store     core.CheckpointStore
	tracker   *metrics.Tracker
	tracer    *observability.ConnectorTracer
	backoff   *base.RetryPolicy
	logger    *zap.Logger
	now       func() time.Time

	// cycle is held for the duration of a cycle
	cycle sync.Mutex

	mu         sync.RWMutex
	state      State
	lastResult *Result
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithTracker replaces the default tracker
func WithTracker(t *metrics.Tracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithBackoff replaces the policy derived from the connector's reliability settings
func WithBackoff(p *base.RetryPolicy) Option {
	return func(o *Orchestrator) { o.backoff = p }
}

// New creates an orchestrator for one configured connector
func New(cfg *config.ConnectorConfig, source core.Source, submitter core.Submitter, store core.CheckpointStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		source:    source,
		submitter: submitter,
		store:     store,
		tracer:    observability.NewConnectorTracer(source.Type(), cfg.Name),
		backoff:   base.RetryPolicyFromConfig(cfg.Reliability),
		now:       time.Now,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logger.With(zap.String("connector", cfg.Name), zap.String("type", source.Type()))
	}
	if o.tracker == nil {
		o.tracker = metrics.NewTracker(cfg.Name,
			metrics.WithFailureThreshold(cfg.HealthFailureThreshold),
			metrics.WithClock(o.now))
	}
	return o
}

// Name returns the connector name
func (o *Orchestrator) Name() string { return o.cfg.Name }

// Config returns the connector configuration
func (o *Orchestrator) Config() *config.ConnectorConfig { return o.cfg }

// Source returns the connector's source
func (o *Orchestrator) Source() core.Source { return o.source }

// Tracker returns the metrics tracker
func (o *Orchestrator) Tracker() *metrics.Tracker { return o.tracker }

// State returns the current lifecycle state
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// LastResult returns the result of the most recent finished cycle
func (o *Orchestrator) LastResult() *Result {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastResult
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Window computes the fetch window. Without a checkpoint it starts lookback
// before now; an override replaces both the checkpoint and the configured
// lookback. The start never precedes the source's MaxLookback.
func (o *Orchestrator) Window(ctx context.Context, override time.Duration) (core.Window, error) {
	now := o.now().UTC()

	var from time.Time
	switch {
	case override > 0:
		from = now.Add(-override)
	default:
		cp, err := o.store.Load(ctx, o.cfg.Name)
		if err != nil {
			return core.Window{}, errors.Wrap(err, errors.ErrorTypeInternal, "failed to load checkpoint")
		}
		if cp.IsZero() {
			from = now.Add(-o.cfg.Lookback)
		} else {
			from = cp.LastSyncedAt.UTC()
		}
	}

	if limit := o.source.MaxLookback(); limit > 0 && now.Sub(from) > limit {
		from = now.Add(-limit)
	}
	if from.After(now) {
		from = now
	}
	return core.Window{From: from, To: now}, nil
}

// SyncOnce runs a single cycle. It returns ErrSyncInProgress without
// waiting when another cycle holds the connector. A positive lookback
// replaces the checkpoint-derived window start.
func (o *Orchestrator) SyncOnce(ctx context.Context, lookback time.Duration) (*Result, error) {
	if !o.cycle.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer o.cycle.Unlock()

	res := o.runCycle(ctx, lookback)
	return res, res.Err
}

func (o *Orchestrator) runCycle(ctx context.Context, lookback time.Duration) *Result {
	res := &Result{CycleID: uuid.NewString(), Connector: o.cfg.Name}
	start := o.now()

	o.setState(StateRunning)
	ctx = logger.ContextWithCycle(ctx, o.cfg.Name, res.CycleID)
	ctx, span := o.tracer.StartCycle(ctx, res.CycleID)
	defer span.End()

	log := logger.Scoped(o.logger, ctx)

	res.Err = o.cycleStages(ctx, lookback, res, log)
	res.Duration = o.now().Sub(start)
	observability.EndWithError(span, res.Err)

	switch {
	case res.Err == nil:
		o.tracker.RecordSync(nil, res.Duration)
		o.finish(StateSucceeded, res)
		log.Info("sync cycle succeeded",
			zap.Int("entries", res.Entries),
			zap.Int("treatments", res.Treatments),
			zap.Int("record_errors", res.RecordErrors),
			zap.Time("from", res.Window.From),
			zap.Duration("duration", res.Duration))
	case ctx.Err() != nil:
		// Cancelled cycles are neither failures nor successes for health.
		o.finish(StateIdle, res)
		log.Warn("sync cycle cancelled", zap.Error(res.Err))
	default:
		o.tracker.RecordSync(res.Err, res.Duration)
		o.finish(StateFailed, res)
		log.Error("sync cycle failed",
			zap.String("error_type", string(errors.TypeOf(res.Err))),
			zap.Error(res.Err),
			zap.Duration("duration", res.Duration))
	}
	return res
}

func (o *Orchestrator) finish(outcome State, res *Result) {
	res.State = outcome
	o.mu.Lock()
	o.state = StateIdle
	o.lastResult = res
	o.mu.Unlock()
}

func (o *Orchestrator) cycleStages(ctx context.Context, lookback time.Duration, res *Result, log *zap.Logger) error {
	window, err := o.Window(ctx, lookback)
	if err != nil {
		return err
	}
	res.Window = window
	log.Debug("sync window", zap.Time("from", window.From), zap.Time("to", window.To))

	if err := o.tracer.TraceStage(ctx, StageAuthenticate, o.source.Authenticate); err != nil {
		return err
	}

	var raw *models.RawPayload
	err = o.tracer.TraceStage(ctx, StageFetch, func(ctx context.Context) error {
		var ferr error
		raw, ferr = o.source.FetchRaw(ctx, window)
		return ferr
	})
	if err != nil {
		return err
	}

	var norm *core.Normalized
	err = o.tracer.TraceStage(ctx, StageNormalize, func(ctx context.Context) error {
		var nerr error
		norm, nerr = o.source.Normalize(ctx, raw)
		return nerr
	})
	if err != nil {
		return err
	}
	batch := norm.Batch
	if batch == nil {
		batch = &models.Batch{}
	}

	res.Entries = len(batch.Entries)
	res.Treatments = len(batch.Treatments)
	res.RecordErrors = len(norm.RecordErrors)
	for _, rerr := range norm.RecordErrors {
		log.Warn("record skipped", zap.Error(rerr))
	}
	o.tracker.RecordRecordErrors(len(norm.RecordErrors))

	if batch.IsEmpty() {
		res.Checkpoint = o.currentCheckpoint(ctx)
		return ctx.Err()
	}

	if err := o.tracer.TraceStage(ctx, StageSubmit, func(ctx context.Context) error {
		return o.submitter.Submit(ctx, batch)
	}); err != nil {
		return err
	}
	// Only acknowledged records count as ingested.
	o.tracker.RecordEntries(batch.Entries)
	o.tracker.RecordTreatments(batch.Treatments)

	// A cancellation after the store acknowledged still advances the
	// checkpoint; the records are there.
	newest, _ := batch.MaxTimestamp()
	return o.tracer.TraceStage(context.WithoutCancel(ctx), StageCheckpoint, func(ctx context.Context) error {
		cp, err := o.advance(ctx, newest)
		if err != nil {
			return err
		}
		res.Checkpoint = cp
		return nil
	})
}

// advance moves the checkpoint forward to newest; it never moves it back
func (o *Orchestrator) advance(ctx context.Context, newest time.Time) (time.Time, error) {
	prev, err := o.store.Load(ctx, o.cfg.Name)
	if err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeInternal, "failed to load checkpoint")
	}
	if !prev.IsZero() && !newest.After(prev.LastSyncedAt) {
		return prev.LastSyncedAt, nil
	}
	cp := &models.SyncCheckpoint{
		Connector:        o.cfg.Name,
		LastSyncedAt:     newest.UTC(),
		LastSuccessfulAt: o.now().UTC(),
	}
	if err := o.store.Save(ctx, cp); err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrorTypeInternal, "failed to save checkpoint")
	}
	return cp.LastSyncedAt, nil
}

func (o *Orchestrator) currentCheckpoint(ctx context.Context) time.Time {
	cp, err := o.store.Load(ctx, o.cfg.Name)
	if err != nil || cp.IsZero() {
		return time.Time{}
	}
	return cp.LastSyncedAt
}

// Run syncs on the configured interval until ctx is done. After a failed
// cycle the next attempt follows the backoff policy; once RetryAttempts
// retries have failed the loop returns to the normal interval.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("connector loop started", zap.Duration("interval", o.cfg.SyncInterval))
	defer o.logger.Info("connector loop stopped")

	retries := 0
	for {
		res, err := o.SyncOnce(ctx, 0)
		if ctx.Err() != nil {
			return nil
		}

		delay := o.cfg.SyncInterval
		switch {
		case errors.Is(err, ErrSyncInProgress):
			// A manual cycle is running; check back on schedule.
		case res.Succeeded():
			retries = 0
		case retries < o.cfg.Reliability.RetryAttempts:
			delay = o.backoff.Delay(retries)
			retries++
			o.logger.Info("sync retry scheduled",
				zap.Int("retry", retries),
				zap.Int("max_retries", o.cfg.Reliability.RetryAttempts),
				zap.Duration("delay", delay))
		default:
			o.logger.Warn("sync retries exhausted, resuming normal interval",
				zap.Int("retries", retries))
			retries = 0
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Close releases the source
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.source.Close(ctx)
}
