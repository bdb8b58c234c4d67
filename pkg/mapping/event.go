// Package mapping turns raw pump and sensor events into canonical Entries
// and Treatments.
//
// Raw events pass through an ordered handler chain where the first handler
// that claims an event maps it. The order is a priority: specific handlers
// come before the generic label table, so an event both could map is always
// mapped by the specific one. Deleted events never reach a handler.
package mapping

import (
	"strconv"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/spf13/cast"

	"github.com/nocturne/connectors/pkg/errors"
)

// Event type codes as reported by the pump cloud
const (
	CodeCGM            = 1
	CodeBGCheck        = 2
	CodeTotalDailyDose = 3
	CodeTempBasal      = 4
	CodeBolusStandard  = 5
	CodeBolusExtended  = 6
	CodeBolusMultiwave = 7
	CodeAlert          = 8
	CodeCarbCorrection = 9
	CodeProfileSwitch  = 10
	CodeIndication     = 11
	CodePrime          = 12
	CodePodActivated   = 13
	CodePodDeactivated = 14
	CodeSuspend        = 15
	CodeResume         = 16
	CodeDateChanged    = 17
	CodeTimeChanged    = 18
	CodeSiteChange     = 19
	CodeRewind         = 20
	CodeMaxBolus       = 21
	CodeMaxBasal       = 22
)

// RawEvent is one record from a pump cloud archive. DateTime is in 100ns
// ticks since 0001-01-01 UTC. Information is a JSON object with event
// specific details.
type RawEvent struct {
	EventTypeID   int    `json:"EventTypeId"`
	DateTime      int64  `json:"DateTime"`
	Value         string `json:"Value"`
	Information   string `json:"Information"`
	PatientID     string `json:"PatientId"`
	DeviceID      string `json:"DeviceId"`
	IndexOnDevice int64  `json:"IndexOnDevice"`
	CRC           string `json:"Crc"`
	Deleted       bool   `json:"Deleted"`
}

// ParseValue parses a decimal that may use a comma separator
func ParseValue(raw string) (float64, error) {
	s := strings.TrimSpace(strings.ReplaceAll(raw, ",", "."))
	if s == "" {
		return 0, errors.New(errors.ErrorTypeFormat, "empty value")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFormat, "unparsable value").WithDetail("raw", raw)
	}
	return v, nil
}

// Info is the decoded Information blob of a RawEvent
type Info map[string]interface{}

// ParseInfo decodes ev.Information. An empty blob yields an empty Info.
func (ev *RawEvent) ParseInfo() (Info, error) {
	s := strings.TrimSpace(ev.Information)
	if s == "" {
		return Info{}, nil
	}
	var info Info
	if err := gojson.Unmarshal([]byte(s), &info); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMalformedPayload, "unparsable event information")
	}
	if info == nil {
		info = Info{}
	}
	return info, nil
}

// Float returns the numeric value of key. Strings with comma decimals are
// accepted. ok is false when the key is absent or not numeric.
func (i Info) Float(key string) (float64, bool) {
	raw, present := i[key]
	if !present || raw == nil {
		return 0, false
	}
	if s, isString := raw.(string); isString {
		v, err := ParseValue(s)
		return v, err == nil
	}
	v, err := cast.ToFloat64E(raw)
	return v, err == nil
}

// Bool returns the boolean value of key
func (i Info) Bool(key string) bool {
	v, err := cast.ToBoolE(i[key])
	return err == nil && v
}

// String returns the string value of key
func (i Info) String(key string) string {
	raw, ok := i[key]
	if !ok || raw == nil {
		return ""
	}
	return strings.TrimSpace(cast.ToString(raw))
}

// FirstFloat returns the first present numeric value among keys
func (i Info) FirstFloat(keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := i.Float(k); ok {
			return v, true
		}
	}
	return 0, false
}
