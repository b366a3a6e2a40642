package types

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Kind identifies the scalar type held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindTime
)

// String returns the column type name for the kind.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindTime:
		return "time"
	default:
		return "null"
	}
}

// DateLayout is the layout used for dates without a time component.
const DateLayout = "2006-01-02"

// Value is a single scalar cell of a table.
// The zero Value is Null.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	t    time.Time
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a float value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Time returns a timestamp value. Times are normalized to UTC.
func Time(t time.Time) Value { return Value{kind: KindTime, t: t.UTC()} }

// Date returns a timestamp value truncated to the calendar day of t.
func Date(t time.Time) Value {
	y, m, d := t.Date()
	return Time(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

// Kind returns the kind of the value.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string payload; empty for other kinds.
func (v Value) Str() string { return v.s }

// Int64 returns the integer payload, converting floats by truncation.
func (v Value) Int64() int64 {
	if v.kind == KindFloat {
		return int64(v.f)
	}
	return v.i
}

// Float64 returns the numeric payload as a float.
func (v Value) Float64() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// TimeValue returns the timestamp payload; zero for other kinds.
func (v Value) TimeValue() time.Time { return v.t }

// String renders the value the way delimited archives store it.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindTime:
		return formatTime(v.t)
	default:
		return ""
	}
}

// Key returns the canonical encoding used to compare key tuples.
// Integral floats encode like ints so that 2 and 2.0 compare equal after a
// round trip through a delimited archive.
func (v Value) Key() string {
	switch v.kind {
	case KindString:
		return "s:" + v.s
	case KindInt:
		return "n:" + strconv.FormatInt(v.i, 10)
	case KindFloat:
		if v.f == math.Trunc(v.f) && math.Abs(v.f) < 1<<53 {
			return "n:" + strconv.FormatInt(int64(v.f), 10)
		}
		return "n:" + strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindTime:
		return "t:" + formatTime(v.t)
	default:
		return "0:"
	}
}

// Equal reports whether two values have the same canonical encoding.
func (v Value) Equal(o Value) bool {
	return v.Key() == o.Key()
}

// MarshalJSON renders the value as a JSON scalar; times use their text form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.s)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.f)
	case KindTime:
		return json.Marshal(formatTime(v.t))
	default:
		return []byte("null"), nil
	}
}

func formatTime(t time.Time) string {
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format(DateLayout)
	}
	return t.Format(time.RFC3339Nano)
}

// ParseTime parses the layouts archives write timestamps in.
func ParseTime(s string) (time.Time, bool) {
	for _, layout := range []string{DateLayout, time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseValue converts text into a value of the given column type.
// Empty text is Null for every type.
func ParseValue(s string, typ ColumnType) (Value, error) {
	if s == "" {
		return Null(), nil
	}
	switch typ {
	case TypeInt:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, err
		}
		return Int(i), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, err
		}
		return Float(f), nil
	case TypeTime:
		t, ok := ParseTime(s)
		if !ok {
			return Value{}, &time.ParseError{Value: s, Layout: DateLayout, Message: ": unrecognized timestamp"}
		}
		return Time(t), nil
	default:
		return String(s), nil
	}
}
