package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-relational-cache/descriptor"
	"github.com/goliatone/go-relational-cache/errors"
	"github.com/goliatone/go-relational-cache/txn"
)

// Statement is a descriptor translated into a bun query, ready to run.
type Statement struct {
	kind   descriptor.Kind
	key    string
	values map[string]interface{}
	sel    *bun.SelectQuery
	ins    *bun.InsertQuery
	upd    *bun.UpdateQuery
	del    *bun.DeleteQuery
}

// String renders the statement's SQL with values inlined.
func (s *Statement) String() string {
	switch s.kind {
	case descriptor.Counter, descriptor.Loader:
		return s.sel.String()
	case descriptor.Creator:
		return s.ins.String()
	case descriptor.Updater:
		return s.upd.String()
	case descriptor.Deleter:
		return s.del.String()
	}
	return ""
}

// Build translates d into a bun query against db.
//
// Joined entities are matched on the convention that the target table holds
// a <join>_id column referencing <join>.id.
func Build(db bun.IDB, d *descriptor.Descriptor, params descriptor.Params) (*Statement, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	target := d.Target()
	st := &Statement{kind: d.Kind(), key: d.KeyField()}

	switch d.Kind() {
	case descriptor.Counter:
		q := db.NewSelect().TableExpr("?", bun.Ident(target))
		if err := applyCriteria(q, target, d.Criteria(), params, true); err != nil {
			return nil, err
		}
		st.sel = q

	case descriptor.Loader:
		q := db.NewSelect().
			TableExpr("?", bun.Ident(target)).
			ColumnExpr("?.*", bun.Ident(target))
		for _, join := range d.Joins() {
			q = q.Join("JOIN ? ON ?.? = ?.?",
				bun.Ident(join),
				bun.Ident(target), bun.Ident(join+"_id"),
				bun.Ident(join), bun.Ident("id"))
		}
		if err := applyCriteria(q, target, d.Criteria(), params, true); err != nil {
			return nil, err
		}
		dir := "ASC"
		if d.Descending() {
			dir = "DESC"
		}
		for _, col := range d.Order() {
			table, column := qualify(target, col)
			q = q.OrderExpr("?.? "+dir, bun.Ident(table), bun.Ident(column))
		}
		st.sel = q

	case descriptor.Creator:
		if len(params) == 0 {
			return nil, errors.Newf(errors.Descriptor, "creator for %q has no values", target)
		}
		st.values = map[string]interface{}(params.Clone())
		st.ins = db.NewInsert().Model(&st.values).TableExpr("?", bun.Ident(target))

	case descriptor.Updater:
		values := map[string]interface{}(params.Clone())
		for _, name := range descriptor.ParamNames(d.Criteria()) {
			delete(values, name)
		}
		if len(values) == 0 {
			return nil, errors.Newf(errors.Descriptor, "updater for %q has nothing to set", target)
		}
		st.values = values
		q := db.NewUpdate().Model(&st.values).TableExpr("?", bun.Ident(target))
		if err := applyCriteria(q, target, d.Criteria(), params, false); err != nil {
			return nil, err
		}
		st.upd = q

	case descriptor.Deleter:
		q := db.NewDelete().TableExpr("?", bun.Ident(target))
		if err := applyCriteria(q, target, d.Criteria(), params, false); err != nil {
			return nil, err
		}
		st.del = q
	}
	return st, nil
}

// applyCriteria adds one WHERE clause per criterion. Qualified columns are only
// used by selects; writes address their single table directly.
func applyCriteria(q any, target string, criteria []descriptor.Criterion, params descriptor.Params, qualified bool) error {
	names := descriptor.ParamNames(criteria)
	for i, c := range criteria {
		var (
			expr string
			args []interface{}
		)
		table := target
		if c.JoinEntity != "" {
			table = c.JoinEntity
		}
		if qualified {
			expr = "?.? "
			args = append(args, bun.Ident(table), bun.Ident(c.Column))
		} else {
			expr = "? "
			args = append(args, bun.Ident(c.Column))
		}

		expr += c.Operator.SQL()
		if !c.Operator.Unary() {
			v, ok := params[names[i]]
			if !ok {
				return errors.Newf(errors.Descriptor, "no value for criterion %s", c)
			}
			expr += " ?"
			args = append(args, v)
		}

		switch t := q.(type) {
		case *bun.SelectQuery:
			t.Where(expr, args...)
		case *bun.UpdateQuery:
			t.Where(expr, args...)
		case *bun.DeleteQuery:
			t.Where(expr, args...)
		default:
			return errors.Newf(errors.Descriptor, "criteria on %T", q)
		}
	}
	return nil
}

func qualify(target, column string) (string, string) {
	if i := strings.IndexByte(column, '.'); i > 0 {
		return column[:i], column[i+1:]
	}
	return target, column
}

// execute runs d inside tx and shapes the driver output as txn.Results.
func execute(ctx context.Context, tx bun.IDB, d *descriptor.Descriptor, params descriptor.Params) (*txn.Results, error) {
	st, err := Build(tx, d, params)
	if err != nil {
		return nil, err
	}

	switch st.kind {
	case descriptor.Counter:
		n, err := st.sel.Count(ctx)
		if err != nil {
			return nil, classify(err, "counting %q", d.Target())
		}
		return &txn.Results{Count: int64(n)}, nil

	case descriptor.Loader:
		var rows []map[string]interface{}
		if err := st.sel.Scan(ctx, &rows); err != nil && !stderrors.Is(err, sql.ErrNoRows) {
			return nil, classify(err, "loading %q", d.Target())
		}
		out := make([]txn.Row, 0, len(rows))
		for _, r := range rows {
			out = append(out, txn.Row(r))
		}
		return &txn.Results{Rows: out, Count: int64(len(out))}, nil

	case descriptor.Creator:
		res, err := st.ins.Exec(ctx)
		if err != nil {
			return nil, classify(err, "creating %q", d.Target())
		}
		out := &txn.Results{Affected: affected(res)}
		if st.key != "" {
			if v, ok := params[st.key]; ok && v != nil {
				out.GeneratedKey = v
			} else if id, err := res.LastInsertId(); err == nil && id != 0 {
				out.GeneratedKey = id
			}
		}
		return out, nil

	case descriptor.Updater:
		res, err := st.upd.Exec(ctx)
		if err != nil {
			return nil, classify(err, "updating %q", d.Target())
		}
		return &txn.Results{Affected: affected(res)}, nil

	case descriptor.Deleter:
		res, err := st.del.Exec(ctx)
		if err != nil {
			return nil, classify(err, "deleting from %q", d.Target())
		}
		return &txn.Results{Affected: affected(res)}, nil
	}
	return nil, errors.Newf(errors.Descriptor, "unsupported descriptor %s", d.Kind())
}

func affected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return -1
	}
	return n
}

// classify marks connection-level failures Transient and everything else the
// driver reports as Store.
func classify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.CodeOf(err) != "" {
		return errors.Wrapf(err, format, args...)
	}
	code := errors.Store
	if transient(err) {
		code = errors.Transient
	}
	return errors.Mark(err, code, fmt.Sprintf(format, args...))
}

func transient(err error) bool {
	if stderrors.Is(err, driver.ErrBadConn) ||
		stderrors.Is(err, sql.ErrConnDone) ||
		stderrors.Is(err, mysql.ErrInvalidConn) ||
		stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		// class 08: connection exception, 57P01..03: admin shutdown / cannot connect now
		return pqErr.Code.Class() == "08" || strings.HasPrefix(string(pqErr.Code), "57P")
	}

	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	return false
}
