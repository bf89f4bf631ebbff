package parser

import (
	"fmt"
	"strings"

	ierrors "github.com/arkilian/dicomindex/internal/errors"
	"github.com/arkilian/dicomindex/internal/query"
	"github.com/arkilian/dicomindex/pkg/types"
)

// rangeParser parses one bound of a range value into its stored form.
type rangeParser func(string) (int64, error)

// valueParsers is the closed table from VR class to filter value parser.
var valueParsers = map[types.VRClass]func(query.Attribute, string) (query.Condition, error){
	types.VRClassString:     parseString,
	types.VRClassPersonName: parseString,
	types.VRClassInteger:    parseInteger,
	types.VRClassDecimal:    parseDecimal,
	types.VRClassDate:       rangeOrEquals(ierrors.CodeInvalidDate, parseDateBound),
	types.VRClassDateTime:   rangeOrEquals(ierrors.CodeInvalidDateTime, parseDateTimeBound),
	types.VRClassTime:       rangeOrEquals(ierrors.CodeInvalidTime, parseTimeBound),
}

func parseCondition(attr query.Attribute, value string) (query.Condition, error) {
	parse, ok := valueParsers[attr.VR.Class()]
	if !ok {
		return nil, ierrors.Validation(ierrors.CodeUnknownParameter,
			fmt.Sprintf("attribute %s with VR %s cannot be queried", attr, attr.VR))
	}
	return parse(attr, value)
}

func parseString(attr query.Attribute, value string) (query.Condition, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, ierrors.Validation(ierrors.CodeInvalidString,
			fmt.Sprintf("value for %s must not be empty", attr))
	}
	return &query.EqualsCondition{Attr: attr, Value: v}, nil
}

func parseInteger(attr query.Attribute, value string) (query.Condition, error) {
	v, err := types.ParseInteger(value)
	if err != nil {
		return nil, invalidValue(ierrors.CodeInvalidInteger, attr, value)
	}
	return &query.EqualsCondition{Attr: attr, Value: v}, nil
}

func parseDecimal(attr query.Attribute, value string) (query.Condition, error) {
	v, err := types.ParseDecimal(value)
	if err != nil {
		return nil, invalidValue(ierrors.CodeInvalidDecimal, attr, value)
	}
	return &query.EqualsCondition{Attr: attr, Value: v}, nil
}

func parseDateBound(s string) (int64, error) {
	t, err := types.ParseDate(s)
	if err != nil {
		return 0, err
	}
	return t.UnixMicro(), nil
}

func parseDateTimeBound(s string) (int64, error) {
	t, err := types.ParseDateTime(s)
	if err != nil {
		return 0, err
	}
	return t.UnixMicro(), nil
}

func parseTimeBound(s string) (int64, error) {
	d, err := types.ParseTime(s)
	if err != nil {
		return 0, err
	}
	return d.Microseconds(), nil
}

// rangeOrEquals parses "A", "A-B", "A-" or "-B". A single value is an exact
// match. Date-time values may carry a "-HHMM" offset, so every hyphen is
// tried as the separator and the first split whose sides both parse wins.
func rangeOrEquals(code string, bound rangeParser) func(query.Attribute, string) (query.Condition, error) {
	return func(attr query.Attribute, value string) (query.Condition, error) {
		v := strings.TrimSpace(value)
		if v == "" || v == "-" {
			return nil, invalidValue(code, attr, value)
		}
		if w, err := bound(v); err == nil {
			return &query.EqualsCondition{Attr: attr, Value: w}, nil
		}

		for i := 0; i < len(v); i++ {
			if v[i] != '-' {
				continue
			}
			lo, okLo := optionalBound(bound, v[:i])
			hi, okHi := optionalBound(bound, v[i+1:])
			if !okLo || !okHi {
				continue
			}
			if lo != nil && hi != nil && *lo > *hi {
				return nil, ierrors.Validation(ierrors.CodeInvalidRange,
					fmt.Sprintf("range %q for %s has its start after its end", value, attr))
			}
			return &query.RangeCondition{Attr: attr, Min: lo, Max: hi}, nil
		}
		return nil, invalidValue(code, attr, value)
	}
}

func optionalBound(bound rangeParser, s string) (*int64, bool) {
	if s == "" {
		return nil, true
	}
	v, err := bound(s)
	if err != nil {
		return nil, false
	}
	return &v, true
}

func invalidValue(code string, attr query.Attribute, value string) error {
	return ierrors.Validation(code, fmt.Sprintf("invalid value %q for %s (VR %s)", value, attr, attr.VR))
}
