package mapping

import (
	"math"
	"sort"
	"time"

	"github.com/nocturne/connectors/pkg/config"
	"github.com/nocturne/connectors/pkg/models"
)

// rateEpsilon is the tolerance for comparing temp basal rates
const rateEpsilon = 1e-9

// Consolidation merges treatments that describe one real-world action
type Consolidation struct {
	// CarbBolus merges a carb correction into an uncarbed bolus within CarbBolusWindow
	CarbBolus       bool
	CarbBolusWindow time.Duration
	// TempBasal merges equal-rate temp basals whose gap is at most TempBasalWindow
	TempBasal       bool
	TempBasalWindow time.Duration
}

// ConsolidationFromConfig converts the operator settings
func ConsolidationFromConfig(c config.ConsolidationConfig) Consolidation {
	return Consolidation{
		CarbBolus:       c.CarbBolus,
		CarbBolusWindow: c.CarbBolusWindow(),
		TempBasal:       c.TempBasal,
		TempBasalWindow: c.TempBasalWindow(),
	}
}

// Apply returns treatments with enabled merges applied, ordered by timestamp
func (c Consolidation) Apply(treatments []models.Treatment) []models.Treatment {
	sort.SliceStable(treatments, func(i, j int) bool {
		return treatments[i].Timestamp.Before(treatments[j].Timestamp)
	})
	if c.CarbBolus {
		treatments = c.mergeCarbBolus(treatments)
	}
	if c.TempBasal {
		treatments = c.mergeTempBasal(treatments)
	}
	return treatments
}

// mergeCarbBolus folds each carb correction into the closest uncarbed bolus
// within the window. The bolus becomes a meal bolus under the id of the
// earlier of the two records: a later poll that fetches the pair overwrites
// the row an earlier poll stored for the first half alone.
func (c Consolidation) mergeCarbBolus(in []models.Treatment) []models.Treatment {
	drop := make(map[int]bool)
	for i := range in {
		if in[i].EventType != models.EventCarbCorrection || in[i].Carbs == nil {
			continue
		}
		best := -1
		var bestGap time.Duration
		for j := range in {
			if drop[j] || !isUncarbedBolus(&in[j]) {
				continue
			}
			gap := absDuration(in[j].Timestamp.Sub(in[i].Timestamp))
			if gap > c.CarbBolusWindow {
				continue
			}
			if best < 0 || gap < bestGap {
				best, bestGap = j, gap
			}
		}
		if best < 0 {
			continue
		}
		bolus := &in[best]
		bolus.EventType = models.EventMealBolus
		bolus.Carbs = models.Float(*in[i].Carbs)
		if in[i].Timestamp.Before(bolus.Timestamp) {
			bolus.ID = in[i].ID
		}
		drop[i] = true
	}
	return without(in, drop)
}

func isUncarbedBolus(t *models.Treatment) bool {
	if t.Carbs != nil && *t.Carbs > 0 {
		return false
	}
	return t.EventType == models.EventBolus || t.EventType == models.EventMealBolus
}

// mergeTempBasal extends a temp basal over the next one when the rates match
// and next.start - prev.end does not exceed the window
func (c Consolidation) mergeTempBasal(in []models.Treatment) []models.Treatment {
	drop := make(map[int]bool)
	prev := -1
	for i := range in {
		if in[i].EventType != models.EventTempBasal || in[i].Rate == nil {
			continue
		}
		if prev >= 0 && sameRate(in[prev].Rate, in[i].Rate) &&
			in[i].Timestamp.Sub(in[prev].End()) <= c.TempBasalWindow {
			end := in[prev].End()
			if next := in[i].End(); next.After(end) {
				end = next
			}
			in[prev].DurationMinutes = models.Float(end.Sub(in[prev].Timestamp).Minutes())
			drop[i] = true
			continue
		}
		prev = i
	}
	return without(in, drop)
}

func sameRate(a, b *float64) bool {
	return a != nil && b != nil && math.Abs(*a-*b) < rateEpsilon
}

func without(in []models.Treatment, drop map[int]bool) []models.Treatment {
	if len(drop) == 0 {
		return in
	}
	out := make([]models.Treatment, 0, len(in)-len(drop))
	for i := range in {
		if !drop[i] {
			out = append(out, in[i])
		}
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
