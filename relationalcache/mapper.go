package relationalcache

import (
	"reflect"
	"strings"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-relational-cache/descriptor"
	"github.com/goliatone/go-relational-cache/errors"
	"github.com/goliatone/go-relational-cache/txn"
)

// Mapper converts between rows and entities of type T. T is expected to have
// reference semantics (a pointer or a map) so the identity cache can share one
// instance.
type Mapper[T any] interface {
	// FromRow builds a new entity from row, coercing values per mode.
	FromRow(row txn.Row, mode descriptor.TranslationMode) (T, error)
	// ToRow returns the column values of item.
	ToRow(item T) (txn.Row, error)
	// Set assigns one column of item, used for generated keys.
	Set(item T, column string, value any) error
	// Assign copies the state of src onto dst.
	Assign(dst, src T) error
}

// Coercer converts the raw value of column under TranslateCustom. The result
// is then assigned with the standard rules.
type Coercer func(column string, raw any) (any, error)

var baseModelType = reflect.TypeOf(bun.BaseModel{})

type structField struct {
	column string
	index  []int
	typ    reflect.Type
}

// StructMapper maps *E to rows using the bun tags on E's fields. A field's
// column is the tag name, or the snake_case field name when the tag has none.
// Fields tagged bun:"-", unexported fields and bun.BaseModel are skipped.
type StructMapper[E any] struct {
	coercer Coercer
	fields  []structField
	byCol   map[string]structField
}

// NewStructMapper inspects E, which must be a struct type.
func NewStructMapper[E any](coercer Coercer) (*StructMapper[E], error) {
	t := reflect.TypeOf((*E)(nil)).Elem()
	if t.Kind() != reflect.Struct {
		return nil, errors.Newf(errors.Descriptor, "struct mapper needs a struct type, got %s", t)
	}

	m := &StructMapper[E]{coercer: coercer, byCol: map[string]structField{}}
	for _, f := range reflect.VisibleFields(t) {
		if f.Anonymous || !f.IsExported() || f.Type == baseModelType {
			continue
		}
		if throughPointer(t, f.Index) {
			continue
		}
		column, skip := columnName(f)
		if skip {
			continue
		}
		sf := structField{column: column, index: f.Index, typ: f.Type}
		if _, dup := m.byCol[column]; dup {
			return nil, errors.Newf(errors.Descriptor, "%s: column %q mapped twice", t, column)
		}
		m.fields = append(m.fields, sf)
		m.byCol[column] = sf
	}
	return m, nil
}

// MustStructMapper is NewStructMapper that panics on error.
func MustStructMapper[E any](coercer Coercer) *StructMapper[E] {
	m, err := NewStructMapper[E](coercer)
	if err != nil {
		panic(err)
	}
	return m
}

// Columns lists the mapped columns in field order.
func (m *StructMapper[E]) Columns() []string {
	out := make([]string, len(m.fields))
	for i, f := range m.fields {
		out[i] = f.column
	}
	return out
}

func (m *StructMapper[E]) FromRow(row txn.Row, mode descriptor.TranslationMode) (*E, error) {
	item := new(E)
	v := reflect.ValueOf(item).Elem()
	for column, raw := range row {
		f, ok := m.byCol[column]
		if !ok {
			continue
		}
		if mode == descriptor.TranslateCustom && m.coercer != nil {
			coerced, err := m.coercer(column, raw)
			if err != nil {
				return nil, errors.Markf(err, errors.Validation, "coercing column %q", column)
			}
			raw = coerced
		}
		value, err := convert(raw, f.typ, mode == descriptor.TranslateNone)
		if err != nil {
			return nil, errors.Wrapf(err, "column %q", column)
		}
		v.FieldByIndex(f.index).Set(value)
	}
	return item, nil
}

func (m *StructMapper[E]) ToRow(item *E) (txn.Row, error) {
	if item == nil {
		return nil, errors.New(errors.Descriptor, "nil entity")
	}
	v := reflect.ValueOf(item).Elem()
	row := make(txn.Row, len(m.fields))
	for _, f := range m.fields {
		row[f.column] = v.FieldByIndex(f.index).Interface()
	}
	return row, nil
}

func (m *StructMapper[E]) Set(item *E, column string, value any) error {
	if item == nil {
		return errors.New(errors.Descriptor, "nil entity")
	}
	f, ok := m.byCol[column]
	if !ok {
		return errors.Newf(errors.Descriptor, "no field mapped to column %q", column)
	}
	converted, err := convert(value, f.typ, false)
	if err != nil {
		return errors.Wrapf(err, "column %q", column)
	}
	reflect.ValueOf(item).Elem().FieldByIndex(f.index).Set(converted)
	return nil
}

func (m *StructMapper[E]) Assign(dst, src *E) error {
	if dst == nil || src == nil {
		return errors.New(errors.Descriptor, "nil entity")
	}
	if dst != src {
		*dst = *src
	}
	return nil
}

func columnName(f reflect.StructField) (string, bool) {
	tag, ok := f.Tag.Lookup("bun")
	if !ok {
		return toSnake(f.Name), false
	}
	if tag == "-" {
		return "", true
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return toSnake(f.Name), false
	}
	return name, false
}

// throughPointer reports whether the promoted field at index is reached
// through an embedded pointer, which may be nil.
func throughPointer(t reflect.Type, index []int) bool {
	for _, i := range index[:len(index)-1] {
		f := t.Field(i)
		if f.Type.Kind() == reflect.Pointer {
			return true
		}
		t = f.Type
	}
	return false
}

// Record is a schemaless entity: column name to value.
type Record map[string]any

// RecordMapper maps rows to Records. Under TranslateStandard []byte values
// become strings; TranslateNone keeps them.
type RecordMapper struct {
	coercer Coercer
}

// NewRecordMapper returns a RecordMapper; coercer is used under
// TranslateCustom and may be nil.
func NewRecordMapper(coercer Coercer) *RecordMapper {
	return &RecordMapper{coercer: coercer}
}

func (m *RecordMapper) FromRow(row txn.Row, mode descriptor.TranslationMode) (Record, error) {
	rec := make(Record, len(row))
	for column, raw := range row {
		switch {
		case mode == descriptor.TranslateCustom && m.coercer != nil:
			v, err := m.coercer(column, raw)
			if err != nil {
				return nil, errors.Markf(err, errors.Validation, "coercing column %q", column)
			}
			raw = v
		case mode == descriptor.TranslateStandard:
			if b, ok := raw.([]byte); ok {
				raw = string(b)
			}
		}
		rec[column] = raw
	}
	return rec, nil
}

func (m *RecordMapper) ToRow(item Record) (txn.Row, error) {
	if item == nil {
		return nil, errors.New(errors.Descriptor, "nil record")
	}
	row := make(txn.Row, len(item))
	for k, v := range item {
		row[k] = v
	}
	return row, nil
}

func (m *RecordMapper) Set(item Record, column string, value any) error {
	if item == nil {
		return errors.New(errors.Descriptor, "nil record")
	}
	item[column] = value
	return nil
}

func (m *RecordMapper) Assign(dst, src Record) error {
	if dst == nil || src == nil {
		return errors.New(errors.Descriptor, "nil record")
	}
	if reflect.ValueOf(dst).Pointer() == reflect.ValueOf(src).Pointer() {
		return nil
	}
	clear(dst)
	for k, v := range src {
		dst[k] = v
	}
	return nil
}

var (
	_ Mapper[*struct{}] = (*StructMapper[struct{}])(nil)
	_ Mapper[Record]    = (*RecordMapper)(nil)
)
