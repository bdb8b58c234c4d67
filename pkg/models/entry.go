// Package models defines the canonical records every connector produces:
// glucose Entries, clinical/device Treatments and the per-connector sync
// checkpoint. These are the only shapes the central store ever sees.
package models

import (
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
)

// EntryKindSGV is the default entry kind for sensor glucose values
const EntryKindSGV = "sgv"

// TrendDirection is the rate-of-change arrow reported alongside a glucose value
type TrendDirection int

const (
	TrendNone TrendDirection = iota
	TrendDoubleUp
	TrendSingleUp
	TrendFortyFiveUp
	TrendFlat
	TrendFortyFiveDown
	TrendSingleDown
	TrendDoubleDown
	TrendNotComputable
	TrendRateOutOfRange
)

var trendNames = [...]string{
	"NONE",
	"DoubleUp",
	"SingleUp",
	"FortyFiveUp",
	"Flat",
	"FortyFiveDown",
	"SingleDown",
	"DoubleDown",
	"NOT COMPUTABLE",
	"RATE OUT OF RANGE",
}

// String returns the store's name for the direction
func (d TrendDirection) String() string {
	if d < 0 || int(d) >= len(trendNames) {
		return trendNames[TrendNone]
	}
	return trendNames[d]
}

// ParseTrendDirection resolves a direction name case-insensitively.
// Unknown names resolve to TrendNone.
func ParseTrendDirection(name string) TrendDirection {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for i, n := range trendNames {
		if strings.ToLower(n) == normalized {
			return TrendDirection(i)
		}
	}
	switch normalized {
	case "notcomputable", "not_computable":
		return TrendNotComputable
	case "rateoutofrange", "rate_out_of_range":
		return TrendRateOutOfRange
	}
	return TrendNone
}

// MarshalJSON encodes the direction as its name
func (d TrendDirection) MarshalJSON() ([]byte, error) {
	return gojson.Marshal(d.String())
}

// UnmarshalJSON decodes a direction name
func (d *TrendDirection) UnmarshalJSON(data []byte) error {
	var name string
	if err := gojson.Unmarshal(data, &name); err != nil {
		return err
	}
	*d = ParseTrendDirection(name)
	return nil
}

// Entry is one glucose observation
type Entry struct {
	ID          string         `json:"identifier"`
	Timestamp   time.Time      `json:"-"`
	GlucoseMgDl float64        `json:"sgv"`
	Direction   TrendDirection `json:"direction"`
	Device      string         `json:"device"`
	Kind        string         `json:"type"`
}

// entryWire is the store representation, carrying both epoch and ISO time
type entryWire struct {
	ID          string         `json:"identifier"`
	Date        int64          `json:"date"`
	DateString  string         `json:"dateString"`
	GlucoseMgDl float64        `json:"sgv"`
	Direction   TrendDirection `json:"direction"`
	Device      string         `json:"device"`
	Kind        string         `json:"type"`
}

// MarshalJSON encodes the entry in the central store's wire format
func (e Entry) MarshalJSON() ([]byte, error) {
	kind := e.Kind
	if kind == "" {
		kind = EntryKindSGV
	}
	ts := e.Timestamp.UTC()
	return gojson.Marshal(entryWire{
		ID:          e.ID,
		Date:        ts.UnixMilli(),
		DateString:  ts.Format(time.RFC3339Nano),
		GlucoseMgDl: e.GlucoseMgDl,
		Direction:   e.Direction,
		Device:      e.Device,
		Kind:        kind,
	})
}

// UnmarshalJSON decodes the central store's wire format
func (e *Entry) UnmarshalJSON(data []byte) error {
	var w entryWire
	if err := gojson.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Entry{
		ID:          w.ID,
		Timestamp:   time.UnixMilli(w.Date).UTC(),
		GlucoseMgDl: w.GlucoseMgDl,
		Direction:   w.Direction,
		Device:      w.Device,
		Kind:        w.Kind,
	}
	return nil
}
