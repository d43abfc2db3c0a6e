package models

import (
	"encoding/json"
	"time"
)

// StepRecord is one entry of forward progress reported by the caller.
type StepRecord struct {
	StepNumber  int             `json:"step_number"`
	StepName    string          `json:"step_name"`
	CompletedAt time.Time       `json:"completed_at"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// StepLog is an append-only sequence of StepRecords. Entries are never
// reordered or removed; readers get copies.
type StepLog struct {
	entries []StepRecord
}

// NewStepLog rebuilds a log from persisted entries.
func NewStepLog(entries []StepRecord) StepLog {
	return StepLog{entries: cloneRecords(entries)}
}

// Append adds a record to the end of the log.
func (l *StepLog) Append(record StepRecord) {
	l.entries = append(l.entries, cloneRecord(record))
}

// Len returns the number of recorded steps.
func (l StepLog) Len() int {
	return len(l.entries)
}

// Entries returns a copy of the log in append order.
func (l StepLog) Entries() []StepRecord {
	return cloneRecords(l.entries)
}

// Last returns the most recently appended record.
func (l StepLog) Last() (StepRecord, bool) {
	if len(l.entries) == 0 {
		return StepRecord{}, false
	}
	return cloneRecord(l.entries[len(l.entries)-1]), true
}

func cloneRecord(r StepRecord) StepRecord {
	if r.Data != nil {
		r.Data = append(json.RawMessage(nil), r.Data...)
	}
	return r
}

func cloneRecords(in []StepRecord) []StepRecord {
	if len(in) == 0 {
		return nil
	}
	out := make([]StepRecord, len(in))
	for i, r := range in {
		out[i] = cloneRecord(r)
	}
	return out
}
