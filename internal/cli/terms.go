package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goliatone/go-relational-cache/descriptor"
)

// operators in match order: two character tokens before their prefixes.
var operators = []struct {
	token string
	op    descriptor.Operator
}{
	{"!=", descriptor.NotEqual},
	{">=", descriptor.GreaterThanOrEqual},
	{"<=", descriptor.LessThanOrEqual},
	{"!~", descriptor.NotLike},
	{"=", descriptor.Equals},
	{">", descriptor.GreaterThan},
	{"<", descriptor.LessThan},
	{"~", descriptor.Like},
}

// parseTerms turns --where expressions into search terms. An expression is
// column<op>value, where op is one of = != > >= < <= ~ (LIKE) !~ (NOT LIKE),
// or column:null / column:notnull. A column written entity.column filters on
// a joined entity; the joined entities are returned in first-seen order.
func parseTerms(exprs []string) ([]descriptor.SearchTerm, []string, error) {
	var (
		terms []descriptor.SearchTerm
		joins []string
	)
	seen := map[string]bool{}

	for _, expr := range exprs {
		column, op, value, err := splitExpr(expr)
		if err != nil {
			return nil, nil, err
		}

		join := ""
		if i := strings.IndexByte(column, '.'); i >= 0 {
			join, column = column[:i], column[i+1:]
			if join == "" || column == "" {
				return nil, nil, fmt.Errorf("invalid column in %q", expr)
			}
			if !seen[join] {
				seen[join] = true
				joins = append(joins, join)
			}
		}

		if join != "" {
			terms = append(terms, descriptor.JoinTerm(join, column, op, value))
		} else {
			terms = append(terms, descriptor.Term(column, op, value))
		}
	}
	return terms, joins, nil
}

func splitExpr(expr string) (string, descriptor.Operator, any, error) {
	if column, suffix, ok := strings.Cut(expr, ":"); ok {
		switch strings.ToLower(suffix) {
		case "null":
			return column, descriptor.Null, nil, checkColumn(column, expr)
		case "notnull":
			return column, descriptor.NotNull, nil, checkColumn(column, expr)
		}
	}

	best, bestAt := -1, len(expr)
	for i, o := range operators {
		at := strings.Index(expr, o.token)
		// the leftmost token wins; at equal positions the longer one listed first
		if at >= 0 && at < bestAt {
			best, bestAt = i, at
		}
	}
	if best < 0 {
		return "", 0, nil, fmt.Errorf("no operator in %q", expr)
	}

	o := operators[best]
	column := strings.TrimSpace(expr[:bestAt])
	raw := strings.TrimSpace(expr[bestAt+len(o.token):])
	if err := checkColumn(column, expr); err != nil {
		return "", 0, nil, err
	}
	return column, o.op, parseValue(raw), nil
}

func checkColumn(column, expr string) error {
	if strings.TrimSpace(column) == "" {
		return fmt.Errorf("missing column in %q", expr)
	}
	return nil
}

// parseValue reads integers and floats as numbers so key values serialize
// the way the entities' own keys do; everything else stays a string.
func parseValue(raw string) any {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if !strings.ContainsAny(raw, "0123456789") {
		return raw
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func parseValues(raw []string) []any {
	out := make([]any, len(raw))
	for i, r := range raw {
		out[i] = parseValue(r)
	}
	return out
}
