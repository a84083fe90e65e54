package testsupport

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-relational-cache/descriptor"
	"github.com/goliatone/go-relational-cache/errors"
	"github.com/goliatone/go-relational-cache/txn"
)

// MemorySource is an in-memory txn.Source evaluating descriptors over maps.
// Writes are staged per connection and become visible on Commit; concurrent
// writers are not merged, the last commit wins. Joins follow the
// <join>_id = <join>.id convention of the SQL store.
type MemorySource struct {
	mu       sync.Mutex
	tables   map[string][]txn.Row
	failures []injected
	latency  time.Duration
	calls    map[descriptor.Kind]int
	acquired int
	released int
	commits  int
}

type injected struct {
	kind descriptor.Kind
	err  error
}

// NewMemorySource returns an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		tables: map[string][]txn.Row{},
		calls:  map[descriptor.Kind]int{},
	}
}

// Seed appends committed rows to table.
func (s *MemorySource) Seed(table string, rows ...txn.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		s.tables[table] = append(s.tables[table], cloneRow(r))
	}
}

// Rows returns a copy of the committed rows of table.
func (s *MemorySource) Rows(table string) []txn.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRows(s.tables[table])
}

// FailNext makes the next execution of a kind descriptor return err. Calls
// queue up: failing twice needs two calls.
func (s *MemorySource) FailNext(kind descriptor.Kind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, injected{kind: kind, err: err})
}

// SetLatency delays every execution by d.
func (s *MemorySource) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Calls is the number of executions of kind descriptors, failed ones
// included.
func (s *MemorySource) Calls(kind descriptor.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

// Acquired and Released count connection handouts and returns.
func (s *MemorySource) Acquired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired
}

func (s *MemorySource) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Commits counts committed connections that staged writes.
func (s *MemorySource) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *MemorySource) Acquire(ctx context.Context, dataSource string, readOnly bool) (txn.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Mark(err, errors.Transient, "acquiring connection")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired++
	return &memConn{src: s, readOnly: readOnly}, nil
}

func (s *MemorySource) Release(conn txn.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

func (s *MemorySource) begin(kind descriptor.Kind) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[kind]++
	for i, f := range s.failures {
		if f.kind == kind {
			s.failures = append(s.failures[:i], s.failures[i+1:]...)
			return s.latency, f.err
		}
	}
	return s.latency, nil
}

type memConn struct {
	src      *MemorySource
	readOnly bool
	staged   map[string][]txn.Row
}

// view returns the tables this connection reads: its staged copy when it has
// written, the committed ones otherwise.
func (c *memConn) view() map[string][]txn.Row {
	if c.staged != nil {
		return c.staged
	}
	c.src.mu.Lock()
	defer c.src.mu.Unlock()
	out := make(map[string][]txn.Row, len(c.src.tables))
	for name, rows := range c.src.tables {
		out[name] = cloneRows(rows)
	}
	return out
}

func (c *memConn) Execute(ctx context.Context, d *descriptor.Descriptor, params descriptor.Params) (*txn.Results, error) {
	latency, err := c.src.begin(d.Kind())
	if latency > 0 {
		select {
		case <-ctx.Done():
			return nil, errors.Mark(ctx.Err(), errors.Transient, "waiting for store")
		case <-time.After(latency):
		}
	}
	if err != nil {
		return nil, err
	}

	tables := c.view()
	rows := tables[d.Target()]

	matches := make([]int, 0, len(rows))
	for i, row := range rows {
		ok, err := matchRow(tables, row, d, params)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, i)
		}
	}

	res := &txn.Results{}
	switch d.Kind() {
	case descriptor.Counter:
		res.Count = int64(len(matches))

	case descriptor.Loader:
		for _, i := range matches {
			res.Rows = append(res.Rows, cloneRow(rows[i]))
		}
		sortRows(res.Rows, d.Order(), d.Descending())

	case descriptor.Creator:
		row := txn.Row(params.Clone())
		if key := d.KeyField(); key != "" {
			if row[key] == nil {
				row[key] = nextKey(rows, key)
			}
			for _, existing := range rows {
				if equal(existing[key], row[key]) {
					return nil, errors.Newf(errors.Store, "UNIQUE constraint failed: %s.%s", d.Target(), key)
				}
			}
			res.GeneratedKey = row[key]
		}
		tables[d.Target()] = append(rows, row)
		res.Affected = 1
		c.staged = tables

	case descriptor.Updater:
		skip := map[string]bool{}
		for _, name := range descriptor.ParamNames(d.Criteria()) {
			skip[name] = true
		}
		for _, i := range matches {
			for col, v := range params {
				if !skip[col] {
					rows[i][col] = v
				}
			}
		}
		res.Affected = int64(len(matches))
		c.staged = tables

	case descriptor.Deleter:
		drop := map[int]bool{}
		for _, i := range matches {
			drop[i] = true
		}
		kept := rows[:0:0]
		for i, row := range rows {
			if !drop[i] {
				kept = append(kept, row)
			}
		}
		tables[d.Target()] = kept
		res.Affected = int64(len(matches))
		c.staged = tables

	default:
		return nil, errors.Newf(errors.Descriptor, "unsupported descriptor %s", d.Kind())
	}
	return res, nil
}

func (c *memConn) Commit() error {
	if c.staged == nil {
		return nil
	}
	c.src.mu.Lock()
	defer c.src.mu.Unlock()
	c.src.tables = c.staged
	c.src.commits++
	c.staged = nil
	return nil
}

func (c *memConn) Rollback() error {
	c.staged = nil
	return nil
}

func matchRow(tables map[string][]txn.Row, row txn.Row, d *descriptor.Descriptor, params descriptor.Params) (bool, error) {
	joined := map[string]txn.Row{}
	for _, join := range d.Joins() {
		other, ok := joinedRow(tables, row, join)
		if !ok {
			return false, nil
		}
		joined[join] = other
	}

	names := descriptor.ParamNames(d.Criteria())
	for i, cr := range d.Criteria() {
		subject := row
		if cr.JoinEntity != "" {
			other, ok := joined[cr.JoinEntity]
			if !ok {
				if other, ok = joinedRow(tables, row, cr.JoinEntity); !ok {
					return false, nil
				}
			}
			subject = other
		}

		want, ok := params[names[i]]
		if !ok && !cr.Operator.Unary() {
			return false, errors.Newf(errors.Descriptor, "missing value for %s", names[i])
		}
		if !evaluate(cr.Operator, subject[cr.Column], want) {
			return false, nil
		}
	}
	return true, nil
}

func joinedRow(tables map[string][]txn.Row, row txn.Row, join string) (txn.Row, bool) {
	ref := row[join+"_id"]
	for _, other := range tables[join] {
		if equal(other["id"], ref) {
			return other, true
		}
	}
	return nil, false
}

func evaluate(op descriptor.Operator, have, want any) bool {
	switch op {
	case descriptor.Null:
		return have == nil
	case descriptor.NotNull:
		return have != nil
	case descriptor.Like, descriptor.NotLike:
		if have == nil {
			return false
		}
		m := like(fmt.Sprint(want)).MatchString(fmt.Sprint(text(have)))
		return m == (op == descriptor.Like)
	}
	if have == nil || want == nil {
		return false
	}
	c, ok := compare(have, want)
	if !ok {
		return false
	}
	switch op {
	case descriptor.Equals:
		return c == 0
	case descriptor.NotEqual:
		return c != 0
	case descriptor.GreaterThan:
		return c > 0
	case descriptor.GreaterThanOrEqual:
		return c >= 0
	case descriptor.LessThan:
		return c < 0
	case descriptor.LessThanOrEqual:
		return c <= 0
	}
	return false
}

func like(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := compare(a, b)
	return ok && c == 0
}

// compare orders two values loosely: any two numbers compare numerically,
// []byte compares as text.
func compare(a, b any) (int, bool) {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if ba == bb {
			return 0, true
		}
		if !ba {
			return -1, true
		}
		return 1, true
	}
	return strings.Compare(text(a), text(b)), true
}

func number(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func text(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

func nextKey(rows []txn.Row, key string) any {
	var max float64
	for _, r := range rows {
		if f, ok := number(r[key]); ok && f > max {
			max = f
		}
	}
	return int64(max) + 1
}

func sortRows(rows []txn.Row, order []string, descending bool) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, col := range order {
			c, ok := compare(rows[i][col], rows[j][col])
			if !ok || c == 0 {
				continue
			}
			if descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func cloneRow(r txn.Row) txn.Row {
	out := make(txn.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func cloneRows(rows []txn.Row) []txn.Row {
	out := make([]txn.Row, len(rows))
	for i, r := range rows {
		out[i] = cloneRow(r)
	}
	return out
}

var _ txn.Source = (*MemorySource)(nil)
