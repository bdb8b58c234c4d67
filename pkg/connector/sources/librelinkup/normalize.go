package librelinkup

import (
	"context"
	"fmt"
	"sort"

	gojson "github.com/goccy/go-json"

	"github.com/nocturne/connectors/pkg/connector/core"
	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/mapping"
	"github.com/nocturne/connectors/pkg/models"
	"github.com/nocturne/connectors/pkg/timestamps"
)

// Measurement is one glucose point of the graph response
type Measurement struct {
	FactoryTimestamp string  `json:"FactoryTimestamp"`
	Timestamp        string  `json:"Timestamp"`
	ValueInMgPerDl   float64 `json:"ValueInMgPerDl"`
	TrendArrow       *int    `json:"TrendArrow,omitempty"`
	IsHigh           bool    `json:"isHigh"`
	IsLow            bool    `json:"isLow"`
}

type graphData struct {
	Connection struct {
		GlucoseMeasurement *Measurement `json:"glucoseMeasurement"`
	} `json:"connection"`
	GraphData []Measurement `json:"graphData"`
}

// trendArrows maps the API's 1..5 arrow scale
var trendArrows = map[int]models.TrendDirection{
	1: models.TrendSingleDown,
	2: models.TrendFortyFiveDown,
	3: models.TrendFlat,
	4: models.TrendFortyFiveUp,
	5: models.TrendSingleUp,
}

// TrendFromArrow converts a TrendArrow value
func TrendFromArrow(arrow int) models.TrendDirection {
	if d, ok := trendArrows[arrow]; ok {
		return d
	}
	return models.TrendNone
}

// Normalize converts the graph and current measurement to Entries. Points
// before the payload window are skipped; duplicates collapse by identity.
func (s *Source) Normalize(ctx context.Context, payload *models.RawPayload) (*core.Normalized, error) {
	out := &core.Normalized{Batch: &models.Batch{}}
	if payload == nil || len(payload.Body) == 0 {
		return out, nil
	}

	var env envelope
	if err := gojson.Unmarshal(payload.Body, &env); err != nil {
		return nil, errors.Malformed("unparsable graph response", err)
	}
	var data graphData
	if err := gojson.Unmarshal(env.Data, &data); err != nil {
		return nil, errors.Malformed("unparsable graph data", err)
	}

	// the current measurement goes first so its trend arrow survives
	// deduplication against the matching graph point
	points := make([]Measurement, 0, len(data.GraphData)+1)
	if m := data.Connection.GlucoseMeasurement; m != nil {
		points = append(points, *m)
	}
	points = append(points, data.GraphData...)

	seen := make(map[string]bool, len(points))
	for i := range points {
		p := &points[i]
		ts, err := timestamps.ParseCalendar(p.FactoryTimestamp)
		if err != nil {
			out.RecordErrors = append(out.RecordErrors, fmt.Errorf("measurement %d: %w", i, err))
			continue
		}
		if p.ValueInMgPerDl <= 0 {
			continue
		}
		if !payload.From.IsZero() && ts.Before(payload.From) {
			continue
		}

		id := mapping.ReadingIdentity(Type, ts, p.ValueInMgPerDl)
		if seen[id] {
			continue
		}
		seen[id] = true

		direction := models.TrendNone
		if p.TrendArrow != nil {
			direction = TrendFromArrow(*p.TrendArrow)
		}
		out.Batch.Entries = append(out.Batch.Entries, models.Entry{
			ID:          id,
			Timestamp:   ts,
			GlucoseMgDl: p.ValueInMgPerDl,
			Direction:   direction,
			Device:      Type,
			Kind:        models.EntryKindSGV,
		})
	}

	sort.SliceStable(out.Batch.Entries, func(i, j int) bool {
		return out.Batch.Entries[i].Timestamp.Before(out.Batch.Entries[j].Timestamp)
	})
	return out, nil
}
