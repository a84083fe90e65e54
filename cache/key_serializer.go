package cache

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// KeySeparator defines the delimiter used between cache key segments.
const KeySeparator = "::"

// segmentEscaper keeps a serialized value from producing a separator: every
// colon inside a segment is escaped, and so is the escape character.
var segmentEscaper = strings.NewReplacer(`\`, `\\`, ":", `\:`)

// elementEscaper does the same for the delimiters of slice and map values.
var elementEscaper = strings.NewReplacer(`\`, `\\`, ",", `\,`, "=", `\=`, "{", `\{`, "}", `\}`)

// KeyPrefix is the prefix shared by every key in namespace.
func KeyPrefix(namespace string) string {
	return namespace + KeySeparator
}

// defaultKeySerializer normalizes key values so that the representation a
// driver returns and the one a caller passes map to the same key: every integer
// kind prints in base 10, []byte prints as text and times print in UTC.
type defaultKeySerializer struct{}

// NewDefaultKeySerializer creates a new instance of the default key serializer.
func NewDefaultKeySerializer() KeySerializer {
	return &defaultKeySerializer{}
}

// SerializeKey joins namespace and the serialized values with KeySeparator.
// Colons inside a value are escaped, so distinct value lists never share a key.
func (s *defaultKeySerializer) SerializeKey(namespace string, values ...any) string {
	if len(values) == 0 {
		return namespace
	}

	parts := make([]string, 0, len(values)+1)
	parts = append(parts, namespace)
	for _, v := range values {
		parts = append(parts, segmentEscaper.Replace(s.serializeValue(v)))
	}

	return strings.Join(parts, KeySeparator)
}

func (s *defaultKeySerializer) serializeValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "nil"
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Ptr && rv.IsNil() {
			return "nil"
		}
		return t.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f == float64(int64(f)) {
			return strconv.FormatInt(int64(f), 10)
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool())
	case reflect.String:
		return rv.String()
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return s.serializeValue(rv.Elem().Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return "slice:nil"
		}
		return s.serializeSeq("slice", rv)
	case reflect.Array:
		return s.serializeSeq("array", rv)
	case reflect.Map:
		if rv.IsNil() {
			return "map:nil"
		}
		return s.serializeMap(rv)
	}

	return s.jsonFallback(v)
}

func (s *defaultKeySerializer) serializeSeq(kind string, rv reflect.Value) string {
	length := rv.Len()
	parts := make([]string, length)
	for i := 0; i < length; i++ {
		parts[i] = elementEscaper.Replace(s.serializeValue(rv.Index(i).Interface()))
	}
	return fmt.Sprintf("%s[%d]:{%s}", kind, length, strings.Join(parts, ","))
}

// serializeMap sorts entries by their serialized key for determinism.
func (s *defaultKeySerializer) serializeMap(rv reflect.Value) string {
	pairs := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k := elementEscaper.Replace(s.serializeValue(iter.Key().Interface()))
		v := elementEscaper.Replace(s.serializeValue(iter.Value().Interface()))
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return fmt.Sprintf("map[%d]:{%s}", len(pairs), strings.Join(pairs, ","))
}

func (s *defaultKeySerializer) jsonFallback(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("fallback:%T", v)
	}
	return "json:" + string(data)
}
