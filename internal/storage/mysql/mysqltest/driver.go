// Package mysqltest provides a scripted database/sql driver for store tests.
//
// Each test registers a fresh driver holding the exact sequence of operations
// it expects. Queries are compared after collapsing whitespace, and the
// arguments of every executed statement are recorded for later assertions.
package mysqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type opType int

const (
	opExec opType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (t opType) String() string {
	switch t {
	case opExec:
		return "exec"
	case opQuery:
		return "query"
	case opBegin:
		return "begin"
	case opCommit:
		return "commit"
	default:
		return "rollback"
	}
}

// Op 是期望发生的一次数据库操作。
type Op struct {
	typ    opType
	query  string
	result Result
	rows   Rows
	err    error
}

// WithError 让该操作返回指定错误。
func (o Op) WithError(err error) Op {
	o.err = err
	return o
}

// Result 是 Exec 的返回值。
type Result struct {
	InsertID int64
	Affected int64
}

func (r Result) LastInsertId() (int64, error) { return r.InsertID, nil }
func (r Result) RowsAffected() (int64, error) { return r.Affected, nil }

// Rows 是 Query 的返回数据。
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Exec 期望一次写操作。
func Exec(query string, result Result) Op { return Op{typ: opExec, query: query, result: result} }

// Query 期望一次查询。
func Query(query string, rows Rows) Op { return Op{typ: opQuery, query: query, rows: rows} }

// Begin 期望开启事务。
func Begin() Op { return Op{typ: opBegin} }

// Commit 期望提交事务。
func Commit() Op { return Op{typ: opCommit} }

// Rollback 期望回滚事务。
func Rollback() Op { return Op{typ: opRollback} }

// Driver 按顺序回放预设操作。
type Driver struct {
	ops  []Op
	idx  atomic.Int32
	mu   sync.Mutex
	args [][]driver.Value
}

var driverSeq atomic.Int32

// New 注册一个新驱动并返回连接到它的 *sql.DB，测试结束时自动关闭。
func New(t *testing.T, ops ...Op) (*sql.DB, *Driver) {
	t.Helper()

	drv := &Driver{ops: ops, args: make([][]driver.Value, len(ops))}
	name := fmt.Sprintf("mysqltest-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { db.Close() })
	return db, drv
}

// AssertConsumed 确认所有预设操作都已发生。
func (d *Driver) AssertConsumed(t *testing.T) {
	t.Helper()
	if got := int(d.idx.Load()); got != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", got, len(d.ops))
	}
}

// Args 返回第 i 个操作收到的参数。
func (d *Driver) Args(i int) []driver.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.args) {
		return nil
	}
	return append([]driver.Value(nil), d.args[i]...)
}

// Open 实现 driver.Driver。
func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(expected opType, query string, args []driver.NamedValue) (*Op, error) {
	idx := int(d.idx.Load())
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected %s operation: %s", expected, Normalize(query))
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected %s operation, got %s", op.typ, expected)
	}
	d.idx.Add(1)
	if op.query != "" {
		want, got := Normalize(op.query), Normalize(query)
		if want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	if len(args) > 0 {
		values := make([]driver.Value, len(args))
		for i, arg := range args {
			values[i] = arg.Value
		}
		d.mu.Lock()
		d.args[idx] = values
		d.mu.Unlock()
	}
	return op, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &rows{columns: op.rows.Columns, values: op.rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(opCommit, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(opRollback, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

// Normalize 折叠空白字符，便于比较多行 SQL。
func Normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
