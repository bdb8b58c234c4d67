package mapping

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/logger"
	"github.com/nocturne/connectors/pkg/models"
	"github.com/nocturne/connectors/pkg/timestamps"
)

// Mapper converts raw events to canonical records. It is safe for
// concurrent use once built.
type Mapper struct {
	handlers      []Handler
	consolidation Consolidation
	device        string
	logger        *zap.Logger
}

// Option configures a Mapper
type Option func(*Mapper)

// WithHandlers replaces the default handler chain
func WithHandlers(handlers ...Handler) Option {
	return func(m *Mapper) { m.handlers = handlers }
}

// WithConsolidation enables treatment consolidation
func WithConsolidation(c Consolidation) Option {
	return func(m *Mapper) { m.consolidation = c }
}

// WithLogger sets the logger used for per-record warnings
func WithLogger(logger *zap.Logger) Option {
	return func(m *Mapper) { m.logger = logger }
}

// NewMapper creates a mapper. device identifies the connector on every record.
func NewMapper(device string, opts ...Option) *Mapper {
	m := &Mapper{
		handlers: DefaultHandlers(),
		device:   device,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Result is the outcome of mapping one batch of raw events
type Result struct {
	Batch     *models.Batch
	Errors    []RecordError
	Deleted   int
	Unhandled int
}

// Map converts events. Per-event failures are collected in Result.Errors and
// never stop the batch.
func (m *Mapper) Map(events []RawEvent) *Result {
	return m.MapContext(context.Background(), events)
}

// MapContext is Map with warnings tagged by the cycle carried in ctx
func (m *Mapper) MapContext(ctx context.Context, events []RawEvent) *Result {
	res := &Result{Batch: &models.Batch{}}
	log := logger.Scoped(m.logger, ctx)

	for i := range events {
		ev := &events[i]
		if ev.Deleted {
			res.Deleted++
			continue
		}

		ts, err := timestamps.ParseTicks(ev.DateTime)
		if err != nil {
			m.reject(log, res, RecordError{Index: i, Code: ev.EventTypeID, Handler: "timestamp", Err: err})
			continue
		}

		if ev.EventTypeID == CodeCGM {
			entry, err := m.entry(ev, ts)
			if err != nil {
				m.reject(log, res, RecordError{Index: i, EventID: Identity(ev), Code: ev.EventTypeID, Handler: "cgm", Err: err})
				continue
			}
			if entry != nil {
				res.Batch.Entries = append(res.Batch.Entries, *entry)
			}
			continue
		}

		m.dispatch(log, res, i, ev, ts)
	}

	res.Batch.Treatments = m.consolidation.Apply(res.Batch.Treatments)
	return res
}

func (m *Mapper) dispatch(log *zap.Logger, res *Result, index int, ev *RawEvent, ts time.Time) {
	ctx := &Context{ID: Identity(ev), Timestamp: ts, Device: m.device}

	var handler Handler
	for _, h := range m.handlers {
		if h.CanHandle(ev) {
			handler = h
			break
		}
	}
	if handler == nil {
		res.Unhandled++
		log.Debug("no handler for event", zap.Int("event_type", ev.EventTypeID))
		return
	}

	info, err := ev.ParseInfo()
	if err != nil {
		// handlers still run with an empty blob
		info = Info{}
		log.Warn("unreadable event information", zap.Int("event_type", ev.EventTypeID), zap.Error(err))
	}
	ctx.Info = info

	t, err := safeHandle(handler, ev, ctx)
	if err == nil {
		if t != nil {
			res.Batch.Treatments = append(res.Batch.Treatments, *t)
		}
		return
	}

	rerr := RecordError{Index: index, EventID: ctx.ID, Code: ev.EventTypeID, Handler: handler.Name(), Err: err}
	if label, ok := degradeLabel(ev.EventTypeID); ok {
		rerr.Degraded = true
		res.Batch.Treatments = append(res.Batch.Treatments, *ctx.NewTreatment(label))
	}
	m.reject(log, res, rerr)
}

func (m *Mapper) reject(log *zap.Logger, res *Result, rerr RecordError) {
	res.Errors = append(res.Errors, rerr)
	log.Warn("event not fully mapped",
		zap.Int("index", rerr.Index),
		zap.Int("event_type", rerr.Code),
		zap.String("handler", rerr.Handler),
		zap.Bool("degraded", rerr.Degraded),
		zap.Error(rerr.Err))
}

// safeHandle converts a handler panic into an error
func safeHandle(h Handler, ev *RawEvent, ctx *Context) (t *models.Treatment, err error) {
	defer func() {
		if r := recover(); r != nil {
			t = nil
			err = errors.Newf(errors.ErrorTypeInternal, "handler %s panicked: %v", h.Name(), r)
		}
	}()
	return h.Handle(ev, ctx)
}

func (m *Mapper) entry(ev *RawEvent, ts time.Time) (*models.Entry, error) {
	v, err := ParseValue(ev.Value)
	if err != nil {
		return nil, err
	}
	if v <= 0 {
		// sensor warm-up and error readings
		return nil, nil
	}
	info, _ := ev.ParseInfo()
	return &models.Entry{
		ID:          Identity(ev),
		Timestamp:   ts,
		GlucoseMgDl: v,
		Direction:   models.ParseTrendDirection(info.String("Trend")),
		Device:      m.device,
		Kind:        models.EntryKindSGV,
	}, nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func formatUnits(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + " U"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// String summarizes the result for logs
func (r *Result) String() string {
	return fmt.Sprintf("entries=%d treatments=%d errors=%d deleted=%d unhandled=%d",
		len(r.Batch.Entries), len(r.Batch.Treatments), len(r.Errors), r.Deleted, r.Unhandled)
}
