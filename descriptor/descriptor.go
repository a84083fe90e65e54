// Package descriptor declares the immutable query descriptors a Transaction
// executes: Counter, Creator, Loader, Updater and Deleter.
//
// A descriptor names its target entity, the criteria it filters on and, for
// loaders, joins and ordering. Values never live on the descriptor; they travel
// in Params so a descriptor can be built before the values are known.
package descriptor

import (
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/goliatone/go-relational-cache/errors"
)

// Kind identifies a descriptor variant.
type Kind int

const (
	Counter Kind = iota
	Creator
	Loader
	Updater
	Deleter
)

func (k Kind) String() string {
	switch k {
	case Counter:
		return "counter"
	case Creator:
		return "creator"
	case Loader:
		return "loader"
	case Updater:
		return "updater"
	case Deleter:
		return "deleter"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// TranslationMode governs how raw row values are coerced into entity fields.
type TranslationMode int

const (
	// TranslateStandard applies the built-in coercion rules. It is the zero
	// value.
	TranslateStandard TranslationMode = iota
	// TranslateNone assigns raw values verbatim.
	TranslateNone
	// TranslateCustom applies a caller supplied coercion per field.
	TranslateCustom
)

func (m TranslationMode) String() string {
	switch m {
	case TranslateNone:
		return "none"
	case TranslateStandard:
		return "standard"
	case TranslateCustom:
		return "custom"
	}
	return fmt.Sprintf("TranslationMode(%d)", int(m))
}

// ParseTranslationMode maps a config string onto a mode.
func ParseTranslationMode(s string) (TranslationMode, error) {
	switch s {
	case "none":
		return TranslateNone, nil
	case "", "standard":
		return TranslateStandard, nil
	case "custom":
		return TranslateCustom, nil
	}
	return TranslateStandard, errors.Newf(errors.Descriptor, "unknown translation mode %q", s)
}

// Descriptor is one declarative read or write operation. Build it with one of
// the New* constructors; it is never mutated afterwards.
type Descriptor struct {
	kind        Kind
	target      string
	keyField    string
	criteria    []Criterion
	joins       []string
	order       []string
	descending  bool
	translation TranslationMode
}

// Option configures a descriptor under construction.
type Option func(*Descriptor)

// WithTerms filters on caller supplied terms.
func WithTerms(terms ...SearchTerm) Option {
	return func(d *Descriptor) {
		if len(terms) == 0 {
			return
		}
		d.criteria = make([]Criterion, 0, len(terms))
		for _, t := range terms {
			d.criteria = append(d.criteria, t.Criterion())
		}
	}
}

// WithCriteria sets already resolved criteria.
func WithCriteria(criteria ...Criterion) Option {
	return func(d *Descriptor) {
		d.criteria = append([]Criterion(nil), criteria...)
	}
}

// WithJoins adds joined entities to a loader.
func WithJoins(entities ...string) Option {
	return func(d *Descriptor) {
		d.joins = append([]string(nil), entities...)
	}
}

// WithOrder orders a loader. The direction of the first column applies to all.
func WithOrder(columns ...OrderedColumn) Option {
	return func(d *Descriptor) {
		if len(columns) == 0 {
			return
		}
		d.descending = columns[0].Descending
		d.order = make([]string, 0, len(columns))
		for _, c := range columns {
			d.order = append(d.order, c.Column)
		}
	}
}

// WithTranslation selects the translation mode.
func WithTranslation(mode TranslationMode) Option {
	return func(d *Descriptor) {
		d.translation = mode
	}
}

// WithKeyField records the entity's primary key field.
func WithKeyField(field string) Option {
	return func(d *Descriptor) {
		d.keyField = field
	}
}

func build(kind Kind, target string, opts []Option) *Descriptor {
	d := &Descriptor{kind: kind, target: target}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewCounter counts rows of target matching the given terms.
func NewCounter(target string, opts ...Option) *Descriptor {
	d := build(Counter, target, opts)
	d.joins, d.order = nil, nil
	return d
}

// NewCreator inserts one row built from params.
func NewCreator(target string, opts ...Option) *Descriptor {
	d := build(Creator, target, opts)
	d.criteria, d.joins, d.order = nil, nil, nil
	return d
}

// NewLoader selects rows of target.
func NewLoader(target string, opts ...Option) *Descriptor {
	return build(Loader, target, opts)
}

// NewUpdater updates the row identified by primaryKey.
func NewUpdater(target string, primaryKey []string, opts ...Option) *Descriptor {
	d := build(Updater, target, opts)
	d.criteria = KeyCriteria(primaryKey...)
	d.joins, d.order = nil, nil
	return d
}

// NewDeleter deletes rows matching terms, or the row identified by primaryKey
// when no terms are given.
func NewDeleter(target string, terms []SearchTerm, primaryKey []string, opts ...Option) *Descriptor {
	d := build(Deleter, target, opts)
	if len(terms) > 0 {
		WithTerms(terms...)(d)
	} else {
		d.criteria = KeyCriteria(primaryKey...)
	}
	d.joins, d.order = nil, nil
	return d
}

func (d *Descriptor) Kind() Kind                   { return d.kind }
func (d *Descriptor) Target() string               { return d.target }
func (d *Descriptor) KeyField() string             { return d.keyField }
func (d *Descriptor) Descending() bool             { return d.descending }
func (d *Descriptor) Translation() TranslationMode { return d.translation }

// Criteria returns a copy of the descriptor's criteria.
func (d *Descriptor) Criteria() []Criterion {
	return append([]Criterion(nil), d.criteria...)
}

// Joins returns a copy of the joined entities.
func (d *Descriptor) Joins() []string {
	return append([]string(nil), d.joins...)
}

// Order returns a copy of the ordering columns.
func (d *Descriptor) Order() []string {
	return append([]string(nil), d.order...)
}

// ReadOnly reports whether the descriptor can run on a read-only transaction.
func (d *Descriptor) ReadOnly() bool {
	return d.kind == Counter || d.kind == Loader
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s(%s %v)", d.kind, d.target, d.criteria)
}

// Validate checks the descriptor is executable. Failures carry the Descriptor code.
func (d *Descriptor) Validate() error {
	err := validation.ValidateStruct(d,
		validation.Field(&d.target, validation.Required),
		validation.Field(&d.kind, validation.Min(Counter), validation.Max(Deleter)),
		validation.Field(&d.criteria, validation.Each(validation.By(validCriterion))),
		validation.Field(&d.order, validation.Each(validation.Required)),
		validation.Field(&d.joins, validation.Each(validation.Required)),
	)
	if err != nil {
		return errors.Markf(err, errors.Descriptor, "invalid %s descriptor for %q", d.kind, d.target)
	}
	if (d.kind == Updater || d.kind == Deleter) && len(d.criteria) == 0 {
		return errors.Newf(errors.Descriptor, "%s for %q has no criteria", d.kind, d.target)
	}
	return nil
}

func validCriterion(value interface{}) error {
	c, ok := value.(Criterion)
	if !ok {
		return fmt.Errorf("unexpected criterion type %T", value)
	}
	if c.Column == "" {
		return fmt.Errorf("criterion column is required")
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("criterion %q has unknown operator %d", c.Column, int(c.Operator))
	}
	return nil
}
