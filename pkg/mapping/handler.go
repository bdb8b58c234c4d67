package mapping

import (
	"fmt"
	"time"

	"github.com/nocturne/connectors/pkg/models"
)

// Handler maps one category of raw event to a Treatment
type Handler interface {
	// Name identifies the handler in logs and record errors
	Name() string
	// CanHandle reports whether the handler claims ev
	CanHandle(ev *RawEvent) bool
	// Handle maps ev. A nil Treatment with a nil error skips the event.
	Handle(ev *RawEvent, ctx *Context) (*models.Treatment, error)
}

// Context carries what the mapper already resolved for the current event
type Context struct {
	ID        string
	Timestamp time.Time
	Device    string
	Info      Info
}

// NewTreatment starts a Treatment with the resolved id and timestamp
func (c *Context) NewTreatment(eventType string) *models.Treatment {
	return &models.Treatment{
		ID:        c.ID,
		EventType: eventType,
		Timestamp: c.Timestamp,
		EnteredBy: c.Device,
	}
}

// RecordError describes one event that could not be mapped in full
type RecordError struct {
	Index    int
	EventID  string
	Code     int
	Handler  string
	Err      error
	Degraded bool
}

func (e RecordError) Error() string {
	outcome := "skipped"
	if e.Degraded {
		outcome = "degraded"
	}
	return fmt.Sprintf("event %d (type %d, handler %s) %s: %v", e.Index, e.Code, e.Handler, outcome, e.Err)
}

func (e RecordError) Unwrap() error {
	return e.Err
}

// codeHandler claims a fixed set of event codes
type codeHandler struct {
	name  string
	codes map[int]bool
	fn    func(ev *RawEvent, ctx *Context) (*models.Treatment, error)
}

func newCodeHandler(name string, fn func(*RawEvent, *Context) (*models.Treatment, error), codes ...int) *codeHandler {
	h := &codeHandler{name: name, codes: make(map[int]bool, len(codes)), fn: fn}
	for _, c := range codes {
		h.codes[c] = true
	}
	return h
}

func (h *codeHandler) Name() string                { return h.name }
func (h *codeHandler) CanHandle(ev *RawEvent) bool { return h.codes[ev.EventTypeID] }
func (h *codeHandler) Handle(ev *RawEvent, ctx *Context) (*models.Treatment, error) {
	return h.fn(ev, ctx)
}

// DefaultHandlers returns the handler chain in priority order
func DefaultHandlers() []Handler {
	return []Handler{
		newCodeHandler("bg_check", handleBGCheck, CodeBGCheck),
		newCodeHandler("total_daily_dose", handleTotalDailyDose, CodeTotalDailyDose),
		newCodeHandler("temp_basal", handleTempBasal, CodeTempBasal),
		newCodeHandler("bolus", handleBolus, CodeBolusStandard, CodeBolusExtended, CodeBolusMultiwave),
		newCodeHandler("alert", handleAlert, CodeAlert),
		newCodeHandler("carb_correction", handleCarbCorrection, CodeCarbCorrection),
		newCodeHandler("profile_switch", handleProfileSwitch, CodeProfileSwitch),
		newCodeHandler("indication", handleIndication, CodeIndication),
		newCodeHandler("prime", handlePrime, CodePrime),
		NewLabelHandler(DefaultLabels()),
	}
}

// labelHandler maps events to a bare Treatment by code
type labelHandler struct {
	labels map[int]string
}

// NewLabelHandler creates the generic fallback handler over labels
func NewLabelHandler(labels map[int]string) Handler {
	return &labelHandler{labels: labels}
}

func (h *labelHandler) Name() string { return "label_table" }

func (h *labelHandler) CanHandle(ev *RawEvent) bool {
	_, ok := h.labels[ev.EventTypeID]
	return ok
}

func (h *labelHandler) Handle(ev *RawEvent, ctx *Context) (*models.Treatment, error) {
	t := ctx.NewTreatment(h.labels[ev.EventTypeID])
	if note := ctx.Info.String("Message"); note != "" {
		t.Notes = note
	}
	if v, err := ParseValue(ev.Value); err == nil {
		switch ev.EventTypeID {
		case CodeMaxBolus:
			t.Insulin = models.Float(v)
		case CodeMaxBasal:
			t.Absolute = models.Float(v)
		}
	}
	return t, nil
}

// DefaultLabels is the generic event-type-to-label table. Prime is listed so
// that a chain without the prime handler still labels it.
func DefaultLabels() map[int]string {
	return map[int]string{
		CodePrime:          models.EventPrime,
		CodePodActivated:   models.EventPodActivated,
		CodePodDeactivated: models.EventPodDeactivated,
		CodeSuspend:        models.EventSuspendPump,
		CodeResume:         models.EventResumePump,
		CodeDateChanged:    models.EventDateChanged,
		CodeTimeChanged:    models.EventTimeChanged,
		CodeSiteChange:     models.EventSiteChange,
		CodeRewind:         models.EventRewind,
		CodeMaxBolus:       models.EventMaxBolus,
		CodeMaxBasal:       models.EventMaxBasal,
	}
}

// degradeLabels names the minimal Treatment emitted when a handler fails
var degradeLabels = map[int]string{
	CodeBGCheck:        models.EventBGCheck,
	CodeTotalDailyDose: models.EventTotalDailyDose,
	CodeTempBasal:      models.EventTempBasal,
	CodeBolusStandard:  models.EventBolus,
	CodeBolusExtended:  models.EventComboBolus,
	CodeBolusMultiwave: models.EventComboBolus,
	CodeAlert:          models.EventAnnouncement,
	CodeCarbCorrection: models.EventCarbCorrection,
	CodeProfileSwitch:  models.EventProfileSwitch,
	CodeIndication:     models.EventNote,
}

func degradeLabel(code int) (string, bool) {
	if l, ok := degradeLabels[code]; ok {
		return l, true
	}
	l, ok := DefaultLabels()[code]
	return l, ok
}
