package relationalcache

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-relational-cache/errors"
)

var timeType = reflect.TypeOf(time.Time{})

// timeLayouts are tried in order when a time column arrives as text.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// convert turns raw into a value assignable to target. With strict set only
// assignable values and same-kind conversions (named types) are accepted.
func convert(raw any, target reflect.Type, strict bool) (reflect.Value, error) {
	if raw == nil {
		return reflect.Zero(target), nil
	}
	rv := reflect.ValueOf(raw)
	if rv.Type().AssignableTo(target) {
		return rv, nil
	}
	if strict {
		if rv.Kind() == target.Kind() && rv.Type().ConvertibleTo(target) {
			return rv.Convert(target), nil
		}
		return reflect.Value{}, mismatch(raw, target)
	}

	if target.Kind() == reflect.Pointer {
		elem, err := convert(raw, target.Elem(), false)
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(target.Elem())
		ptr.Elem().Set(elem)
		return ptr, nil
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return reflect.Zero(target), nil
		}
		return convert(rv.Elem().Interface(), target, false)
	}

	if target == timeType {
		return convertTime(raw)
	}

	switch target.Kind() {
	case reflect.String:
		switch t := raw.(type) {
		case []byte:
			return reflect.ValueOf(string(t)).Convert(target), nil
		case time.Time:
			return reflect.ValueOf(t.UTC().Format(time.RFC3339Nano)).Convert(target), nil
		}
		return reflect.ValueOf(fmt.Sprint(raw)).Convert(target), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt64(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(target).Elem()
		if out.OverflowInt(n) {
			return reflect.Value{}, errors.Newf(errors.Validation, "value %d overflows %s", n, target)
		}
		out.SetInt(n)
		return out, nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := toInt64(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(target).Elem()
		if n < 0 || out.OverflowUint(uint64(n)) {
			return reflect.Value{}, errors.Newf(errors.Validation, "value %d overflows %s", n, target)
		}
		out.SetUint(uint64(n))
		return out, nil

	case reflect.Float32, reflect.Float64:
		f, err := toFloat64(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(target).Elem()
		out.SetFloat(f)
		return out, nil

	case reflect.Bool:
		b, err := toBool(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b).Convert(target), nil
	}

	if rv.Type().ConvertibleTo(target) {
		return rv.Convert(target), nil
	}
	return reflect.Value{}, mismatch(raw, target)
}

func mismatch(raw any, target reflect.Type) error {
	return errors.Newf(errors.Validation, "cannot assign %T to %s", raw, target)
}

func toInt64(raw any) (int64, error) {
	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, errors.Newf(errors.Validation, "value %d overflows int64", u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f != math.Trunc(f) {
			return 0, errors.Newf(errors.Validation, "value %v is not integral", f)
		}
		return int64(f), nil
	case reflect.Bool:
		if rv.Bool() {
			return 1, nil
		}
		return 0, nil
	case reflect.String:
		return parseInt(rv.String())
	}
	if b, ok := raw.([]byte); ok {
		return parseInt(string(b))
	}
	return 0, errors.Newf(errors.Validation, "cannot convert %T to an integer", raw)
}

func parseInt(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.Mark(err, errors.Validation, "parsing integer")
	}
	return n, nil
}

func toFloat64(raw any) (float64, error) {
	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		return parseFloat(rv.String())
	}
	if b, ok := raw.([]byte); ok {
		return parseFloat(string(b))
	}
	return 0, errors.Newf(errors.Validation, "cannot convert %T to a float", raw)
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, errors.Mark(err, errors.Validation, "parsing float")
	}
	return f, nil
}

func toBool(raw any) (bool, error) {
	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0, nil
	case reflect.String:
		return parseBool(rv.String())
	}
	if b, ok := raw.([]byte); ok {
		return parseBool(string(b))
	}
	return false, errors.Newf(errors.Validation, "cannot convert %T to a bool", raw)
}

func parseBool(s string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, errors.Mark(err, errors.Validation, "parsing bool")
	}
	return b, nil
}

func convertTime(raw any) (reflect.Value, error) {
	var s string
	switch t := raw.(type) {
	case string:
		s = t
	case []byte:
		s = string(t)
	case int64:
		return reflect.ValueOf(time.Unix(t, 0).UTC()), nil
	default:
		return reflect.Value{}, mismatch(raw, timeType)
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return reflect.ValueOf(ts), nil
		}
	}
	return reflect.Value{}, errors.Newf(errors.Validation, "unrecognised time %q", s)
}

// isZero reports whether a key value is unset.
func isZero(v any) bool {
	if v == nil {
		return true
	}
	return reflect.ValueOf(v).IsZero()
}
