package models

import (
	"time"

	gojson "github.com/goccy/go-json"
)

// Treatment event types understood by the central store
const (
	EventBGCheck        = "BG Check"
	EventTotalDailyDose = "Total Daily Dose"
	EventTempBasal      = "Temp Basal"
	EventBolus          = "Bolus"
	EventComboBolus     = "Combo Bolus"
	EventMealBolus      = "Meal Bolus"
	EventAnnouncement   = "Announcement"
	EventCarbCorrection = "Carb Correction"
	EventProfileSwitch  = "Profile Switch"
	EventNote           = "Note"
	EventPrime          = "Prime"
	EventPodActivated   = "Pod Activated"
	EventPodDeactivated = "Pod Deactivated"
	EventSuspendPump    = "Suspend Pump"
	EventResumePump     = "Resume Pump"
	EventDateChanged    = "Date Changed"
	EventTimeChanged    = "Time Changed"
	EventSiteChange     = "Site Change"
	EventRewind         = "Rewind"
	EventMaxBolus       = "Max Bolus Changed"
	EventMaxBasal       = "Max Basal Changed"
)

// Treatment is one clinical or device event. Optional quantities are nil when
// the source did not report them; zero is a legitimate value.
type Treatment struct {
	ID              string    `json:"identifier"`
	EventType       string    `json:"eventType"`
	Timestamp       time.Time `json:"-"`
	Insulin         *float64  `json:"insulin,omitempty"`
	Carbs           *float64  `json:"carbs,omitempty"`
	Rate            *float64  `json:"rate,omitempty"`
	Absolute        *float64  `json:"absolute,omitempty"`
	Percent         *float64  `json:"percent,omitempty"`
	DurationMinutes *float64  `json:"duration,omitempty"`
	Glucose         *float64  `json:"glucose,omitempty"`
	GlucoseType     string    `json:"glucoseType,omitempty"`
	Units           string    `json:"units,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	ProfileName     string    `json:"profile,omitempty"`
	SplitNow        *float64  `json:"splitNow,omitempty"`
	SplitExt        *float64  `json:"splitExt,omitempty"`
	BolusCalculated bool      `json:"bolusCalculated,omitempty"`
	EnteredBy       string    `json:"enteredBy,omitempty"`
}

// End returns the time the treatment stops applying, or Timestamp for
// instantaneous events
func (t Treatment) End() time.Time {
	if t.DurationMinutes == nil {
		return t.Timestamp
	}
	return t.Timestamp.Add(time.Duration(*t.DurationMinutes * float64(time.Minute)))
}

// Float returns a pointer to v, for populating optional Treatment fields
func Float(v float64) *float64 {
	return &v
}

// treatmentAlias drops the custom marshalers
type treatmentAlias Treatment

type treatmentWire struct {
	treatmentAlias
	CreatedAt string `json:"created_at"`
}

// MarshalJSON encodes the treatment with created_at as an ISO-8601 UTC string
func (t Treatment) MarshalJSON() ([]byte, error) {
	return gojson.Marshal(treatmentWire{
		treatmentAlias: treatmentAlias(t),
		CreatedAt:      t.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// UnmarshalJSON decodes the store representation
func (t *Treatment) UnmarshalJSON(data []byte) error {
	var w treatmentWire
	if err := gojson.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = Treatment(w.treatmentAlias)
	if w.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.CreatedAt)
		if err != nil {
			return err
		}
		t.Timestamp = ts.UTC()
	}
	return nil
}
