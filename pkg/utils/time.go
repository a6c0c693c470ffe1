package utils

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseTimestamp converts a loosely typed upstream timestamp into an int64.
// Numbers and numeric strings are taken as-is; RFC 3339 strings become Unix
// microseconds. The second result is false when no usable value exists.
func ParseTimestamp(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil {
			return ParseTimestamp(f)
		}
		return 0, false
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return ParseTimestamp(f)
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UnixMicro(), true
		}
		return 0, false
	default:
		return 0, false
	}
}
