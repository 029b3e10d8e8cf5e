package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Timestamp is a date as sent by the backend. It accepts RFC 3339 and the
// other ISO 8601 shapes SQL drivers emit (space separator, no zone, +0000
// offsets). Dates without a zone are UTC. An unparseable date decodes to the
// zero time rather than failing the surrounding object.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON accepts a JSON string, a JSON number (unix epoch) or null.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Time = ParseDate(unquote(data))
	return nil
}

// MarshalJSON encodes t as RFC 3339.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time)
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999",
}

// ParseDate parses s leniently and returns the zero time when it cannot.
func ParseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d
		}
	}
	d, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return d
}

func unquote(data []byte) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return string(data)
}
