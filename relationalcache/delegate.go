package relationalcache

import (
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/goliatone/go-relational-cache/errors"
	"github.com/goliatone/go-relational-cache/txn"
)

// Delegate checks a raw column value before a row is resolved to an entity.
type Delegate interface {
	Validate(raw any) bool
}

// DelegateFunc adapts a function to Delegate.
type DelegateFunc func(raw any) bool

func (f DelegateFunc) Validate(raw any) bool { return f(raw) }

// RuleDelegate accepts a value when every ozzo-validation rule passes.
type RuleDelegate struct {
	Rules []validation.Rule
}

// Rules returns a RuleDelegate for rules.
func Rules(rules ...validation.Rule) RuleDelegate {
	return RuleDelegate{Rules: rules}
}

func (d RuleDelegate) Validate(raw any) bool {
	return validation.Validate(raw, d.Rules...) == nil
}

// delegates holds the per-column delegates in a stable order so the first
// failing column reported for a row does not depend on map iteration.
type delegates struct {
	columns []string
	byName  map[string]Delegate
}

func newDelegates(m map[string]Delegate) delegates {
	d := delegates{byName: make(map[string]Delegate, len(m))}
	for col, del := range m {
		if del == nil {
			continue
		}
		d.columns = append(d.columns, col)
		d.byName[col] = del
	}
	sort.Strings(d.columns)
	return d
}

// check validates row; pos is the row's position in the result, used in the
// failure message.
func (d delegates) check(entity string, pos int, row txn.Row) error {
	for _, col := range d.columns {
		raw := row[col]
		if !d.byName[col].Validate(raw) {
			return errors.Newf(errors.Validation, "%s row %d: column %q rejected value %v", entity, pos, col, raw)
		}
	}
	return nil
}
