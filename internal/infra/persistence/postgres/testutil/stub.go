// Package testutil provides an in-memory stub database for postgres store
// tests. It understands the handful of statement shapes the store issues:
// CREATE TABLE, INSERT ... ON CONFLICT (cols), and SELECT with equality
// predicates, ORDER BY and LIMIT.
package testutil

import (
	"cmp"
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// StubConn records statements and keeps table rows as column maps.
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	Tables     map[string][]map[string]any
	FailPing   bool
	FailExec   bool
	FailQuery  bool
	FailCommit bool
}

var stubSeq atomic.Uint64

// NewStubDB registers a fresh driver and returns a sql.DB backed by it.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string][]map[string]any)}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// Rows returns a copy of the rows stored in table.
func (c *StubConn) Rows(table string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.Tables[table])
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) { return &stubTx{conn: c}, nil }

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "INSERT INTO") {
		return driver.RowsAffected(0), nil
	}
	table, cols, conflict, err := parseInsert(query)
	if err != nil {
		return nil, err
	}
	if len(cols) != len(args) {
		return nil, fmt.Errorf("column/arg mismatch for %s", table)
	}
	row := make(map[string]any, len(cols))
	for i, col := range cols {
		row[col] = args[i].Value
	}
	if len(conflict) > 0 {
		c.Tables[table] = slices.DeleteFunc(c.Tables[table], func(existing map[string]any) bool {
			for _, col := range conflict {
				if existing[col] != row[col] {
					return false
				}
			}
			return true
		})
	}
	c.Tables[table] = append(c.Tables[table], row)
	return driver.RowsAffected(1), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailQuery {
		return nil, fmt.Errorf("query fail")
	}
	sel, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	var matched []map[string]any
	for _, row := range c.Tables[sel.table] {
		ok := true
		for col, param := range sel.where {
			if param < 1 || param > len(args) || row[col] != args[param-1].Value {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, row)
		}
	}
	if sel.orderBy != "" {
		slices.SortStableFunc(matched, func(a, b map[string]any) int {
			r := compareValues(a[sel.orderBy], b[sel.orderBy])
			if sel.desc {
				return -r
			}
			return r
		})
	}
	if sel.limit >= 0 && len(matched) > sel.limit {
		matched = matched[:sel.limit]
	}
	values := make([][]driver.Value, 0, len(matched))
	for _, row := range matched {
		vals := make([]driver.Value, len(sel.cols))
		for i, col := range sel.cols {
			vals[i] = row[col]
		}
		values = append(values, vals)
	}
	return &stubRows{cols: sel.cols, rows: values}, nil
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case int64:
		bv, _ := b.(int64)
		return cmp.Compare(av, bv)
	case string:
		bv, _ := b.(string)
		return cmp.Compare(av, bv)
	}
	return 0
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	return nil
}

func (t *stubTx) Rollback() error { return nil }

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func parseInsert(query string) (string, []string, []string, error) {
	up := strings.ToUpper(query)
	intoIdx := strings.Index(up, "INTO ")
	if intoIdx == -1 {
		return "", nil, nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	rest := strings.TrimSpace(query[intoIdx+len("INTO "):])
	table, cols, ok := parenList(rest)
	if !ok {
		return "", nil, nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	var conflict []string
	if idx := strings.Index(up, "ON CONFLICT"); idx >= 0 {
		if _, c, ok := parenList(query[idx+len("ON CONFLICT"):]); ok {
			conflict = c
		}
	}
	return strings.ToLower(table), cols, conflict, nil
}

// parenList splits "name (a, b) ..." into name and the column list.
func parenList(s string) (string, []string, bool) {
	open := strings.Index(s, "(")
	closeIdx := strings.Index(s, ")")
	if open == -1 || closeIdx == -1 || closeIdx <= open {
		return "", nil, false
	}
	return strings.TrimSpace(s[:open]), splitColumns(s[open+1 : closeIdx]), true
}

type selectQuery struct {
	table   string
	cols    []string
	where   map[string]int
	orderBy string
	desc    bool
	limit   int
}

func parseSelect(query string) (selectQuery, error) {
	fields := strings.Fields(query)
	if len(fields) < 4 || !strings.EqualFold(fields[0], "select") {
		return selectQuery{}, fmt.Errorf("cannot parse select: %s", query)
	}
	lower := strings.ToLower(query)
	fromIdx := strings.Index(lower, " from ")
	if fromIdx == -1 {
		return selectQuery{}, fmt.Errorf("cannot parse select: %s", query)
	}
	sel := selectQuery{cols: splitColumns(query[len("select "):fromIdx]), where: map[string]int{}, limit: -1}
	tail := strings.Fields(query[fromIdx+len(" from "):])
	if len(tail) == 0 {
		return selectQuery{}, fmt.Errorf("cannot parse select: %s", query)
	}
	sel.table = strings.ToLower(tail[0])
	for i := 1; i < len(tail); i++ {
		switch strings.ToUpper(tail[i]) {
		case "WHERE", "AND":
			if i+3 >= len(tail) || tail[i+2] != "=" {
				return selectQuery{}, fmt.Errorf("cannot parse predicate: %s", query)
			}
			n, err := strconv.Atoi(strings.TrimPrefix(tail[i+3], "$"))
			if err != nil {
				return selectQuery{}, fmt.Errorf("cannot parse parameter: %s", query)
			}
			sel.where[strings.ToLower(tail[i+1])] = n
			i += 3
		case "ORDER":
			if i+2 >= len(tail) {
				return selectQuery{}, fmt.Errorf("cannot parse order: %s", query)
			}
			sel.orderBy = strings.ToLower(tail[i+2])
			i += 2
			if i+1 < len(tail) && strings.EqualFold(tail[i+1], "DESC") {
				sel.desc = true
				i++
			}
		case "LIMIT":
			if i+1 >= len(tail) {
				return selectQuery{}, fmt.Errorf("cannot parse limit: %s", query)
			}
			n, err := strconv.Atoi(tail[i+1])
			if err != nil {
				return selectQuery{}, fmt.Errorf("cannot parse limit: %s", query)
			}
			sel.limit = n
			i++
		}
	}
	return sel, nil
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(part)))
	}
	return out
}
