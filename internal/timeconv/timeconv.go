// Package timeconv turns the timestamp shapes found in stored documents into
// time.Time values that can be compared and sorted.
package timeconv

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Provider timestamps are maps carrying these keys. Both the plain and the
// underscore-prefixed spellings occur in exported data.
var (
	secondsKeys = []string{"seconds", "_seconds"}
	nanosKeys   = []string{"nanoseconds", "_nanoseconds", "nanos"}
)

// timer is satisfied by driver date types such as bson's DateTime.
type timer interface {
	Time() time.Time
}

// Now is swapped in tests.
var Now = time.Now

// Normalize converts v into an instant. A nil value yields Now(). It never
// panics; input it cannot understand produces the zero time.
func Normalize(v any) time.Time {
	switch t := v.(type) {
	case nil:
		return Now()
	case time.Time:
		return t
	case *time.Time:
		if t == nil {
			return Now()
		}
		return *t
	case timer:
		return t.Time()
	case int:
		return fromSeconds(float64(t))
	case int32:
		return fromSeconds(float64(t))
	case int64:
		return fromSeconds(float64(t))
	case float32:
		return fromSeconds(float64(t))
	case float64:
		return fromSeconds(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}
		}
		return fromSeconds(f)
	case map[string]any:
		return fromProvider(t)
	case string:
		return parseString(t)
	}
	return time.Time{}
}

func fromSeconds(s float64) time.Time {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return time.Time{}
	}
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func fromProvider(m map[string]any) time.Time {
	sec, ok := number(m, secondsKeys)
	if !ok {
		return time.Time{}
	}
	nanos, _ := number(m, nanosKeys)
	return time.Unix(int64(sec), int64(nanos)).UTC()
}

func number(m map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		switch n := m[k].(type) {
		case float64:
			return n, true
		case int:
			return float64(n), true
		case int32:
			return float64(n), true
		case int64:
			return float64(n), true
		case json.Number:
			f, err := n.Float64()
			return f, err == nil
		}
	}
	return 0, false
}

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

func parseString(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	// Numeric strings are epoch seconds.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromSeconds(f)
	}
	return time.Time{}
}

// ProviderTimestamp renders t in the provider map shape.
func ProviderTimestamp(t time.Time) map[string]any {
	return map[string]any{
		"seconds":     t.Unix(),
		"nanoseconds": t.Nanosecond(),
	}
}
