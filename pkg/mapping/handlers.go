package mapping

import (
	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/models"
)

// carbKeys are tried in order when resolving the carbs of a bolus
var carbKeys = []string{"CalculatedCarbs", "SuggestedCarbs", "Carbs", "CarbsAmount"}

func handleBGCheck(ev *RawEvent, ctx *Context) (*models.Treatment, error) {
	v, err := ParseValue(ev.Value)
	if err != nil {
		return nil, err
	}
	if v <= 0 {
		return nil, errors.New(errors.ErrorTypeFormat, "non-positive blood glucose")
	}
	t := ctx.NewTreatment(models.EventBGCheck)
	t.Glucose = models.Float(v)
	t.GlucoseType = "Finger"
	t.Units = "mg/dl"
	return t, nil
}

func handleTotalDailyDose(ev *RawEvent, ctx *Context) (*models.Treatment, error) {
	v, err := ParseValue(ev.Value)
	if err != nil {
		return nil, err
	}
	t := ctx.NewTreatment(models.EventTotalDailyDose)
	t.Insulin = models.Float(v)
	if basal, ok := ctx.Info.Float("Basal"); ok {
		t.Notes = "basal " + formatUnits(basal)
	}
	return t, nil
}

func handleTempBasal(ev *RawEvent, ctx *Context) (*models.Treatment, error) {
	rate, err := ParseValue(ev.Value)
	if err != nil {
		return nil, err
	}
	duration, ok := ctx.Info.Float("Duration")
	if !ok || duration <= 0 {
		return nil, errors.New(errors.ErrorTypeFormat, "temp basal without duration")
	}
	t := ctx.NewTreatment(models.EventTempBasal)
	t.Rate = models.Float(rate)
	t.Absolute = models.Float(rate)
	t.DurationMinutes = models.Float(duration)
	if pct, ok := ctx.Info.Float("Percent"); ok {
		t.Percent = models.Float(pct)
	}
	return t, nil
}

func handleBolus(ev *RawEvent, ctx *Context) (*models.Treatment, error) {
	insulin, err := ParseValue(ev.Value)
	if err != nil {
		return nil, err
	}

	calculated := ctx.Info.Bool("BolusCalculated")
	for _, k := range []string{"SuggestedCarbs", "CalculatedCarbs"} {
		if v, ok := ctx.Info.Float(k); ok && v > 0 {
			calculated = true
		}
	}
	carbs, hasCarbs := ctx.Info.FirstFloat(carbKeys...)

	var t *models.Treatment
	switch {
	case ev.EventTypeID == CodeBolusExtended || ev.EventTypeID == CodeBolusMultiwave:
		t = ctx.NewTreatment(models.EventComboBolus)
		if err := fillCombo(t, ev, ctx.Info, insulin); err != nil {
			return nil, err
		}
	case calculated:
		t = ctx.NewTreatment(models.EventMealBolus)
	default:
		t = ctx.NewTreatment(models.EventBolus)
	}

	t.Insulin = models.Float(insulin)
	t.BolusCalculated = calculated
	if hasCarbs && carbs > 0 {
		t.Carbs = models.Float(carbs)
	}
	return t, nil
}

// fillCombo sets the split and duration of an extended or multiwave bolus
func fillCombo(t *models.Treatment, ev *RawEvent, info Info, total float64) error {
	duration, ok := info.Float("Duration")
	if !ok || duration <= 0 {
		return errors.New(errors.ErrorTypeFormat, "extended bolus without duration")
	}
	t.DurationMinutes = models.Float(duration)

	immediate := 0.0
	if ev.EventTypeID == CodeBolusMultiwave {
		immediate, _ = info.Float("ImmediateAmount")
	}
	extended, ok := info.Float("ExtendedAmount")
	if !ok {
		extended = total - immediate
	}
	if total > 0 {
		t.SplitNow = models.Float(round1(immediate / total * 100))
		t.SplitExt = models.Float(round1(extended / total * 100))
	}
	if duration > 0 {
		t.Rate = models.Float(extended / (duration / 60))
	}
	return nil
}

func handleAlert(ev *RawEvent, ctx *Context) (*models.Treatment, error) {
	t := ctx.NewTreatment(models.EventAnnouncement)
	t.Notes = firstNonEmpty(ctx.Info.String("Message"), ev.Value)
	return t, nil
}

func handleCarbCorrection(ev *RawEvent, ctx *Context) (*models.Treatment, error) {
	v, err := ParseValue(ev.Value)
	if err != nil {
		return nil, err
	}
	if v <= 0 {
		return nil, nil
	}
	t := ctx.NewTreatment(models.EventCarbCorrection)
	t.Carbs = models.Float(v)
	return t, nil
}

func handleProfileSwitch(ev *RawEvent, ctx *Context) (*models.Treatment, error) {
	name := firstNonEmpty(ctx.Info.String("Profile"), ev.Value)
	if name == "" {
		return nil, errors.New(errors.ErrorTypeFormat, "profile switch without profile name")
	}
	t := ctx.NewTreatment(models.EventProfileSwitch)
	t.ProfileName = name
	if d, ok := ctx.Info.Float("Duration"); ok && d > 0 {
		t.DurationMinutes = models.Float(d)
	}
	return t, nil
}

func handleIndication(ev *RawEvent, ctx *Context) (*models.Treatment, error) {
	t := ctx.NewTreatment(models.EventNote)
	t.Notes = firstNonEmpty(ctx.Info.String("Message"), ctx.Info.String("Indication"), ev.Value)
	return t, nil
}

func handlePrime(ev *RawEvent, ctx *Context) (*models.Treatment, error) {
	t := ctx.NewTreatment(models.EventPrime)
	if v, err := ParseValue(ev.Value); err == nil && v > 0 {
		t.Insulin = models.Float(v)
	}
	if kind := ctx.Info.String("PrimeType"); kind != "" {
		t.Notes = kind
	}
	return t, nil
}
