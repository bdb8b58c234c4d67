package mapping

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Identity returns the deterministic record id of ev: the lowercase hex
// SHA-256 of its immutable source fields joined by "|". The same source
// event always yields the same id, whichever fetch window it arrives in.
func Identity(ev *RawEvent) string {
	key := strings.Join([]string{
		strconv.Itoa(ev.EventTypeID),
		strconv.FormatInt(ev.DateTime, 10),
		ev.Value,
		ev.Information,
		ev.PatientID,
		ev.DeviceID,
		strconv.FormatInt(ev.IndexOnDevice, 10),
		ev.CRC,
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ReadingIdentity returns the deterministic id of a sensor reading reported
// by source at ts. Vendors without event ids use it for their Entries.
func ReadingIdentity(source string, ts time.Time, mgdl float64) string {
	key := strings.Join([]string{
		source,
		strconv.FormatInt(ts.UnixMilli(), 10),
		strconv.FormatFloat(mgdl, 'f', -1, 64),
	}, "|")
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
