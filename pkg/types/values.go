package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDate parses a DA value (YYYYMMDD).
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) != 8 {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidValue, s)
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidValue, s)
	}
	return t, nil
}

// ParseDateTime parses a DT value. Components after the year are optional
// (YYYY[MM[DD[HH[MM[SS[.F{1-6}]]]]]]) and a trailing UTC offset (&ZZXX) is
// applied when present.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	orig := s

	loc := time.UTC
	if i := strings.IndexAny(s, "+-"); i >= 0 {
		off := s[i:]
		s = s[:i]
		if len(off) != 5 {
			return time.Time{}, fmt.Errorf("%w: date-time %q", ErrInvalidValue, orig)
		}
		hh, err1 := strconv.Atoi(off[1:3])
		mm, err2 := strconv.Atoi(off[3:5])
		if err1 != nil || err2 != nil || hh > 14 || mm > 59 {
			return time.Time{}, fmt.Errorf("%w: date-time %q", ErrInvalidValue, orig)
		}
		secs := hh*3600 + mm*60
		if off[0] == '-' {
			secs = -secs
		}
		loc = time.FixedZone(off, secs)
	}

	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		frac = s[i+1:]
		s = s[:i]
		if len(s) != 14 || frac == "" || len(frac) > 6 {
			return time.Time{}, fmt.Errorf("%w: date-time %q", ErrInvalidValue, orig)
		}
	}

	// Pad the missing trailing components with their minimum values.
	const full = "00000101000000"
	if len(s) < 4 || len(s) > 14 || len(s)%2 != 0 {
		return time.Time{}, fmt.Errorf("%w: date-time %q", ErrInvalidValue, orig)
	}
	padded := s + full[len(s):]

	layout := "20060102150405"
	if frac != "" {
		padded += "." + frac
		layout += "." + strings.Repeat("0", len(frac))
	}
	t, err := time.ParseInLocation(layout, padded, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date-time %q", ErrInvalidValue, orig)
	}
	return t.UTC(), nil
}

// ParseTime parses a TM value (HH[MM[SS[.F{1-6}]]]) into the offset from midnight.
func ParseTime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	orig := s

	var micros int64
	if i := strings.IndexByte(s, '.'); i >= 0 {
		frac := s[i+1:]
		s = s[:i]
		if len(s) != 6 || frac == "" || len(frac) > 6 {
			return 0, fmt.Errorf("%w: time %q", ErrInvalidValue, orig)
		}
		v, err := strconv.ParseInt(frac+strings.Repeat("0", 6-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: time %q", ErrInvalidValue, orig)
		}
		micros = v
	}

	if len(s) == 0 || len(s) > 6 || len(s)%2 != 0 {
		return 0, fmt.Errorf("%w: time %q", ErrInvalidValue, orig)
	}
	limits := []int{23, 59, 59}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i := 0; i*2 < len(s); i++ {
		n, err := strconv.Atoi(s[i*2 : i*2+2])
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("%w: time %q", ErrInvalidValue, orig)
		}
		d += time.Duration(n) * units[i]
	}
	return d + time.Duration(micros)*time.Microsecond, nil
}

// ParseInteger parses an integer-class value.
func ParseInteger(s string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: integer %q", ErrInvalidValue, s)
	}
	return v, nil
}

// ParseDecimal parses a decimal-class value.
func ParseDecimal(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: decimal %q", ErrInvalidValue, s)
	}
	return v, nil
}

// IndexValue converts a raw element value to the form it is stored and
// compared in: string for string and person-name classes, int64 for integers,
// float64 for decimals, UTC microseconds for dates and date-times, and
// microseconds since midnight for times.
func IndexValue(class VRClass, raw string) (any, error) {
	switch class {
	case VRClassString, VRClassPersonName:
		v := strings.TrimSpace(raw)
		if v == "" {
			return nil, fmt.Errorf("%w: empty value", ErrInvalidValue)
		}
		return v, nil
	case VRClassInteger:
		return ParseInteger(raw)
	case VRClassDecimal:
		return ParseDecimal(raw)
	case VRClassDate:
		t, err := ParseDate(raw)
		if err != nil {
			return nil, err
		}
		return t.UnixMicro(), nil
	case VRClassDateTime:
		t, err := ParseDateTime(raw)
		if err != nil {
			return nil, err
		}
		return t.UnixMicro(), nil
	case VRClassTime:
		d, err := ParseTime(raw)
		if err != nil {
			return nil, err
		}
		return d.Microseconds(), nil
	}
	return nil, fmt.Errorf("%w: value class %s is not indexable", ErrInvalidValue, class)
}
