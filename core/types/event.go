package types

import "strconv"

// Event is the generic, indexer-facing representation of a notification.
// Attributes are always strings so the payload survives JSON and SQL
// round-trips without loss of integer precision.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Attr returns the attribute value for key, or the empty string.
func (e *Event) Attr(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// Uint parses a base-10 unsigned attribute.
func (e *Event) Uint(key string) (uint64, error) {
	return strconv.ParseUint(e.Attr(key), 10, 64)
}

// Int parses a base-10 signed attribute.
func (e *Event) Int(key string) (int64, error) {
	return strconv.ParseInt(e.Attr(key), 10, 64)
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return &Event{Type: e.Type, Attributes: attrs}
}
