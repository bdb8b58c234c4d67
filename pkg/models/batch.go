package models

import (
	"time"
)

// SyncCheckpoint records how far a connector has synchronized
type SyncCheckpoint struct {
	Connector        string    `json:"connector"`
	LastSyncedAt     time.Time `json:"last_synced_at"`
	LastSuccessfulAt time.Time `json:"last_successful_at"`
}

// IsZero reports whether the connector has never completed a cycle
func (c *SyncCheckpoint) IsZero() bool {
	return c == nil || c.LastSyncedAt.IsZero()
}

// RawPayload is an opaque vendor response, retained until normalization
type RawPayload struct {
	Source      string
	ContentType string
	Body        []byte
	FetchedAt   time.Time
	// Window the payload was requested for
	From time.Time
	To   time.Time
}

// Batch is the normalized output of one sync cycle
type Batch struct {
	Entries    []Entry
	Treatments []Treatment
}

// Len returns the total number of records in the batch
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Entries) + len(b.Treatments)
}

// IsEmpty reports whether the batch holds no records
func (b *Batch) IsEmpty() bool {
	return b.Len() == 0
}

// MaxTimestamp returns the latest record timestamp in the batch and false
// when the batch is empty
func (b *Batch) MaxTimestamp() (time.Time, bool) {
	var max time.Time
	found := false
	if b == nil {
		return max, false
	}
	for _, e := range b.Entries {
		if !found || e.Timestamp.After(max) {
			max = e.Timestamp
			found = true
		}
	}
	for _, t := range b.Treatments {
		if !found || t.Timestamp.After(max) {
			max = t.Timestamp
			found = true
		}
	}
	return max, found
}

// Append adds the records of other to b
func (b *Batch) Append(other *Batch) {
	if other == nil {
		return
	}
	b.Entries = append(b.Entries, other.Entries...)
	b.Treatments = append(b.Treatments, other.Treatments...)
}
