package events

import (
	"sync"

	"valyra/core/types"
)

// Record is a sequenced entry in a Log.
type Record struct {
	Sequence uint64       `json:"sequence"`
	Event    *types.Event `json:"event"`
}

// Log is an append-only, totally ordered notification recorder. Sequence
// numbers start at 1 and never repeat.
type Log struct {
	mu      sync.RWMutex
	records []Record
}

// NewLog returns an empty log.
func NewLog() *Log { return &Log{} }

// Emit implements the Emitter interface.
func (l *Log) Emit(evt Event) {
	rendered := Render(evt)
	if rendered == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, Record{Sequence: uint64(len(l.records)) + 1, Event: rendered})
}

// Len reports the number of recorded events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Since returns up to limit records with a sequence strictly greater than
// after. A non-positive limit returns everything available.
func (l *Log) Since(after uint64, limit int) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if after >= uint64(len(l.records)) {
		return nil
	}
	tail := l.records[after:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]Record, len(tail))
	for i, rec := range tail {
		out[i] = Record{Sequence: rec.Sequence, Event: rec.Event.Clone()}
	}
	return out
}

// Events returns a copy of every recorded event in order.
func (l *Log) Events() []*types.Event {
	records := l.Since(0, 0)
	out := make([]*types.Event, len(records))
	for i, rec := range records {
		out[i] = rec.Event
	}
	return out
}

// Filter returns the recorded events for which keep reports true.
func (l *Log) Filter(keep func(*types.Event) bool) []*types.Event {
	var out []*types.Event
	for _, evt := range l.Events() {
		if keep == nil || keep(evt) {
			out = append(out, evt)
		}
	}
	return out
}
