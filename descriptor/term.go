package descriptor

import (
	"fmt"
	"strconv"
)

// Operator is the comparison applied between a column and its value.
type Operator int

const (
	Equals Operator = iota
	NotEqual
	GreaterThan
	GreaterThanOrEqual
	LessThan
	LessThanOrEqual
	Like
	NotLike
	Null
	NotNull
)

var operatorSQL = map[Operator]string{
	Equals:             "=",
	NotEqual:           "<>",
	GreaterThan:        ">",
	GreaterThanOrEqual: ">=",
	LessThan:           "<",
	LessThanOrEqual:    "<=",
	Like:               "LIKE",
	NotLike:            "NOT LIKE",
	Null:               "IS NULL",
	NotNull:            "IS NOT NULL",
}

// SQL returns the operator's SQL token.
func (o Operator) SQL() string {
	return operatorSQL[o]
}

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	_, ok := operatorSQL[o]
	return ok
}

// Unary reports whether the operator takes no value.
func (o Operator) Unary() bool {
	return o == Null || o == NotNull
}

func (o Operator) String() string {
	if s, ok := operatorSQL[o]; ok {
		return s
	}
	return fmt.Sprintf("Operator(%d)", int(o))
}

// SearchTerm is one caller supplied filter. It is immutable once built.
type SearchTerm struct {
	column     string
	operator   Operator
	value      any
	joinEntity string
}

// Term builds a SearchTerm on the target entity.
func Term(column string, op Operator, value any) SearchTerm {
	return SearchTerm{column: column, operator: op, value: value}
}

// Eq is shorthand for Term(column, Equals, value).
func Eq(column string, value any) SearchTerm {
	return Term(column, Equals, value)
}

// JoinTerm builds a SearchTerm qualified by a joined entity.
func JoinTerm(joinEntity, column string, op Operator, value any) SearchTerm {
	return SearchTerm{column: column, operator: op, value: value, joinEntity: joinEntity}
}

func (t SearchTerm) Column() string     { return t.column }
func (t SearchTerm) Operator() Operator { return t.operator }
func (t SearchTerm) Value() any         { return t.value }
func (t SearchTerm) JoinEntity() string { return t.joinEntity }

// ParamName is the key under which the term's value travels in execution params.
func (t SearchTerm) ParamName() string {
	return paramName(t.joinEntity, t.column)
}

// Criterion returns the resolved criterion for t.
func (t SearchTerm) Criterion() Criterion {
	return Criterion{JoinEntity: t.joinEntity, Column: t.column, Operator: t.operator}
}

// Criterion is the (join entity, column, operator) triple a descriptor filters on.
type Criterion struct {
	JoinEntity string
	Column     string
	Operator   Operator
}

// ParamName is the params key holding the criterion's value.
func (c Criterion) ParamName() string {
	return paramName(c.JoinEntity, c.Column)
}

func (c Criterion) String() string {
	col := c.Column
	if c.JoinEntity != "" {
		col = c.JoinEntity + "." + c.Column
	}
	return col + " " + c.Operator.SQL()
}

// KeyCriteria builds equality criteria over primary key fields.
func KeyCriteria(fields ...string) []Criterion {
	out := make([]Criterion, 0, len(fields))
	for _, f := range fields {
		out = append(out, Criterion{Column: f, Operator: Equals})
	}
	return out
}

// OrderedColumn is an ordering request. Only the first entry's direction is
// honoured by a Loader; the rest share it.
type OrderedColumn struct {
	Column     string
	Descending bool
}

// Params maps a column (or join.column) to the value a criterion compares with.
// For Creator and Updater descriptors it carries the row state.
type Params map[string]any

// ParamsFor collects term values keyed by their param name. A column named
// by more than one term, as in a range, keeps every value: later terms are
// keyed with an occurrence suffix matching ParamNames.
func ParamsFor(terms ...SearchTerm) Params {
	params := make(Params, len(terms))
	seen := make(map[string]int, len(terms))
	for _, t := range terms {
		params[occurrence(t.ParamName(), seen)] = t.value
	}
	return params
}

// ParamNames returns the params key of each criterion, in order. The first
// criterion on a column uses its plain param name; repeats get "#1", "#2"...
func ParamNames(criteria []Criterion) []string {
	names := make([]string, len(criteria))
	seen := make(map[string]int, len(criteria))
	for i, c := range criteria {
		names[i] = occurrence(c.ParamName(), seen)
	}
	return names
}

func occurrence(name string, seen map[string]int) string {
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	return name + "#" + strconv.Itoa(n)
}

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func paramName(joinEntity, column string) string {
	if joinEntity == "" {
		return column
	}
	return joinEntity + "." + column
}
