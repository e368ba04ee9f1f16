package frame

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/trialforge/cdiscbuild/api"
)

var dateLayouts = []string{"2006-01-02", "2006-01-02T15:04:05", "2006-01-02T15:04:05Z07:00", "2006-01-02 15:04:05"}

// Coerce converts v to the declared column type. The second return is false
// when no safe conversion exists; callers null the cell in that case.
// A nil input stays nil and always succeeds.
func Coerce(v any, t api.ValueType) (any, bool) {
	if v == nil {
		return nil, true
	}
	switch t {
	case api.TypeString, "":
		return fmt.Sprintf("%v", v), true
	case api.TypeInteger:
		switch x := v.(type) {
		case int:
			return int64(x), true
		case int64:
			return x, true
		case float64:
			if x == float64(int64(x)) {
				return int64(x), true
			}
			return nil, false
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, false
			}
			return n, true
		}
		return nil, false
	case api.TypeFloat:
		switch x := v.(type) {
		case int:
			return float64(x), true
		case int64:
			return float64(x), true
		case float64:
			return x, true
		case string:
			fv, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, false
			}
			return fv, true
		}
		return nil, false
	case api.TypeDate, api.TypeDateTime:
		switch x := v.(type) {
		case time.Time:
			return x, true
		case string:
			ts, err := ParseTime(x)
			if err != nil {
				return nil, false
			}
			return ts, true
		}
		return nil, false
	}
	return nil, false
}

// ParseTime parses a date or datetime string in the layouts the pipeline
// accepts (ISO 8601 date, with optional time and zone).
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date/datetime %q", s)
}

// AsFloat converts a cell to float64 for numeric comparison. Dates convert
// to Unix seconds so "closest" distances work uniformly.
func AsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case time.Time:
		return float64(x.Unix()), true
	case string:
		if fv, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return fv, true
		}
		if ts, err := ParseTime(x); err == nil {
			return float64(ts.Unix()), true
		}
		return 0, false
	}
	return 0, false
}
