package visit

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// The coercion helpers below are total: every input maps to a value or nil,
// none of them return an error. A bad field degrades to empty and never
// aborts the row.

var blankSentinels = map[string]bool{
	"":     true,
	"nan":  true,
	"nat":  true,
	"none": true,
	"null": true,
}

// IsBlank reports whether a raw value is missing or one of the textual
// null sentinels spreadsheets and pandas exports leave behind.
func IsBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return blankSentinels[strings.ToLower(strings.TrimSpace(x))]
	case float64:
		return math.IsNaN(x)
	case float32:
		return math.IsNaN(float64(x))
	}
	return false
}

// integralDecimal matches spreadsheet renderings of whole numbers such as
// "12.0". Leading zeros mark an identifier ("00123.0") and are kept.
var integralDecimal = regexp.MustCompile(`^(-?(?:0|[1-9]\d*))\.0+$`)

// String coerces v to a trimmed string. Integral floats are rendered
// without a fractional part, so 12.0 becomes "12".
func String(v any) *string {
	if IsBlank(v) {
		return nil
	}
	var s string
	switch x := v.(type) {
	case string:
		s = strings.TrimSpace(x)
		if m := integralDecimal.FindStringSubmatch(s); m != nil {
			s = m[1]
		}
	case float64:
		s = formatFloat(x)
	case float32:
		s = formatFloat(float64(x))
	case int:
		s = strconv.Itoa(x)
	case int64:
		s = strconv.FormatInt(x, 10)
	case int32:
		s = strconv.FormatInt(int64(x), 10)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			s = formatFloat(f)
		} else {
			s = x.String()
		}
	case bool:
		s = strconv.FormatBool(x)
	case time.Time:
		s = x.Format(time.RFC3339)
	default:
		return nil
	}
	if blankSentinels[strings.ToLower(s)] {
		return nil
	}
	return &s
}

// Int coerces v to an integer. Floats are accepted only when integral.
func Int(v any) *int64 {
	if IsBlank(v) {
		return nil
	}
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case float64:
		if !isIntegral(x) {
			return nil
		}
		n = int64(x)
	case float32:
		if !isIntegral(float64(x)) {
			return nil
		}
		n = int64(x)
	case json.Number:
		return Int(x.String())
	case string:
		s := strings.TrimSpace(x)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			n = i
			break
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || !isIntegral(f) {
			return nil
		}
		n = int64(f)
	default:
		return nil
	}
	return &n
}

// Bool coerces v to a boolean. Unrecognised values yield nil.
func Bool(v any) *bool {
	if IsBlank(v) {
		return nil
	}
	var b bool
	switch x := v.(type) {
	case bool:
		b = x
	case float64:
		if x != 0 && x != 1 {
			return nil
		}
		b = x == 1
	case int:
		if x != 0 && x != 1 {
			return nil
		}
		b = x == 1
	case int64:
		if x != 0 && x != 1 {
			return nil
		}
		b = x == 1
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes", "y", "1.0":
			b = true
		case "false", "0", "no", "n", "0.0":
			b = false
		default:
			return nil
		}
	default:
		return nil
	}
	return &b
}

// BoolOr is Bool with a fallback for missing or unrecognised values.
func BoolOr(v any, fallback bool) bool {
	if b := Bool(v); b != nil {
		return *b
	}
	return fallback
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	time.DateOnly,
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
}

// DateTime coerces v to a naive timestamp. A zone offset in the source is
// dropped while the wall clock is kept, and the result carries time.UTC.
func DateTime(v any) *time.Time {
	if IsBlank(v) {
		return nil
	}
	var t time.Time
	switch x := v.(type) {
	case time.Time:
		if x.IsZero() {
			return nil
		}
		t = x
	case string:
		parsed, ok := parseTimestamp(strings.TrimSpace(x))
		if !ok {
			return nil
		}
		t = parsed
	default:
		return nil
	}
	naive := stripZone(t)
	return &naive
}

// Date coerces v to a calendar day.
func Date(v any) *time.Time {
	t := DateTime(v)
	if t == nil {
		return nil
	}
	d := dateOnly(*t)
	return &d
}

var trailingNumber = regexp.MustCompile(`(\d+)\s*$`)

// NoteNumber extracts the ordinal at the end of a note title, for example
// "Daily Note - 12" yields 12. Titles without one yield NoteNumberUnknown.
func NoteNumber(title any) int {
	s := String(title)
	if s == nil {
		return NoteNumberUnknown
	}
	m := trailingNumber.FindStringSubmatch(*s)
	if m == nil {
		return NoteNumberUnknown
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return NoteNumberUnknown
	}
	return n
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func stripZone(t time.Time) time.Time {
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return time.Date(y, mo, d, h, mi, s, t.Nanosecond(), time.UTC)
}

func isIntegral(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f == math.Trunc(f) && math.Abs(f) < 1<<62
}

func formatFloat(f float64) string {
	if isIntegral(f) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
