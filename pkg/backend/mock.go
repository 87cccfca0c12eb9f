package backend

import (
	"cmp"
	"context"
	"crypto/md5"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/block/replicator/pkg/statement"
	"github.com/block/replicator/pkg/table"
	"github.com/block/replicator/pkg/utils"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/samber/lo"
)

// Op names a Mock operation that can be made to fail.
type Op string

const (
	OpOpen            Op = "open"
	OpTables          Op = "tables"
	OpShowCreateTable Op = "show_create_table"
	OpCountRows       Op = "count_rows"
	OpObjects         Op = "objects"
	OpCreateDatabase  Op = "create_database"
	OpCreateTable     Op = "create_table"
	OpReplaceObject   Op = "replace_object"
	OpReadPage        Op = "read_page"
	OpWritePage       Op = "write_page"
	OpFingerprint     Op = "fingerprint"
)

type mockTable struct {
	create  string
	columns []table.Column
	rows    [][]any // in the order of columns
	sizeMB  float64
}

type mockDatabase struct {
	tables  map[string]*mockTable
	objects []table.Object
}

type mockFailure struct {
	err       error
	remaining int // < 0 fails forever
}

// Mock is an in-memory Endpoint for tests. It keeps tables as
// slices of rows and counts the connections that are opened and closed.
type Mock struct {
	mu        sync.Mutex
	name      string
	databases map[string]*mockDatabase
	version   string
	readOnly  bool
	position  mysql.Position
	failures  map[string]*mockFailure
	onRead    func(tbl string, offset uint64)
	opens     int
	closes    int
}

var _ Endpoint = (*Mock)(nil)

// NewMock returns an empty mock server.
func NewMock(name string) *Mock {
	return &Mock{
		name:      name,
		databases: make(map[string]*mockDatabase),
		version:   "8.0.36",
		failures:  make(map[string]*mockFailure),
	}
}

func (m *Mock) String() string {
	return "mock:" + m.name
}

// AddDatabase creates an empty database.
func (m *Mock) AddDatabase(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.database(name)
}

func (m *Mock) database(name string) *mockDatabase {
	db, ok := m.databases[name]
	if !ok {
		db = &mockDatabase{tables: make(map[string]*mockTable)}
		m.databases[name] = db
	}
	return db
}

// AddTable creates a table with the given columns and rows.
// Each row has one value per column.
func (m *Mock) AddTable(database, name string, columns []table.Column, rows [][]any, sizeMB float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.database(database).tables[name] = &mockTable{
		create:  mockCreateTable(name, columns),
		columns: columns,
		rows:    rows,
		sizeMB:  sizeMB,
	}
}

func mockCreateTable(name string, columns []table.Column) string {
	defs := make([]string, 0, len(columns)+1)
	for _, col := range columns {
		def := utils.QuoteIdentifier(col.Name) + " " + col.Type
		if col.Generated {
			def += " GENERATED ALWAYS AS (1) VIRTUAL"
		}
		defs = append(defs, def)
	}
	keys := lo.FilterMap(columns, func(col table.Column, _ int) (string, bool) {
		return col.Name, col.PrimaryKey
	})
	if len(keys) > 0 {
		defs = append(defs, "PRIMARY KEY ("+utils.QuoteColumns(keys)+")")
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", utils.QuoteIdentifier(name), strings.Join(defs, ",\n  "))
}

// AddObject adds a view, routine or trigger to a database.
func (m *Mock) AddObject(database string, obj table.Object) {
	m.mu.Lock()
	defer m.mu.Unlock()
	db := m.database(database)
	db.objects = append(db.objects, obj)
}

func (m *Mock) SetVersion(version string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = version
}

func (m *Mock) SetReadOnly(readOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = readOnly
}

func (m *Mock) SetPosition(pos mysql.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.position = pos
}

// SetRows replaces the contents of a table.
func (m *Mock) SetRows(database, tbl string, rows [][]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.database(database).tables[tbl]; ok {
		t.rows = rows
	}
}

// FailOn makes op fail with err whenever it is run against target.
// Target is "db" for database level operations and "db.name" otherwise.
func (m *Mock) FailOn(op Op, target string, err error) {
	m.FailTimes(op, target, err, -1)
}

// FailTimes is like FailOn but only fails the first n times.
func (m *Mock) FailTimes(op Op, target string, err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[string(op)+":"+target] = &mockFailure{err: err, remaining: n}
}

// OnReadPage registers a function that is called before every page read.
func (m *Mock) OnReadPage(fn func(tbl string, offset uint64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRead = fn
}

func (m *Mock) failure(op Op, target string) error {
	f, ok := m.failures[string(op)+":"+target]
	if !ok || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	return f.err
}

// Opens returns how many connections have been opened.
func (m *Mock) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens
}

// OpenConns returns how many connections are currently open.
func (m *Mock) OpenConns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens - m.closes
}

func (m *Mock) HasDatabase(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.databases[name]
	return ok
}

func (m *Mock) HasTable(database, tbl string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.databases[database]
	if !ok {
		return false
	}
	_, ok = db.tables[tbl]
	return ok
}

// Rows returns a copy of the rows of a table.
func (m *Mock) Rows(database, tbl string) [][]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.databases[database]
	if !ok {
		return nil
	}
	t, ok := db.tables[tbl]
	if !ok {
		return nil
	}
	return slices.Clone(t.rows)
}

// Object returns an object by kind and name.
func (m *Mock) Object(database string, kind table.ObjectKind, name string) (table.Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.databases[database]
	if !ok {
		return table.Object{}, false
	}
	return lo.Find(db.objects, func(obj table.Object) bool {
		return obj.Kind == kind && obj.Name == name
	})
}

func (m *Mock) Open(_ context.Context, database string) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure(OpOpen, database); err != nil {
		return nil, err
	}
	if database != "" {
		if _, ok := m.databases[database]; !ok {
			return nil, fmt.Errorf("unknown database '%s'", database)
		}
	}
	m.opens++
	return &mockConn{mock: m, database: database}, nil
}

type mockConn struct {
	mock     *Mock
	database string
	closed   bool
}

var _ Conn = (*mockConn)(nil)

func (c *mockConn) Close() error {
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.mock.closes++
	return nil
}

func (c *mockConn) target(name string) string {
	return c.database + "." + name
}

// table must be called with the lock held.
func (c *mockConn) table(name string) (*mockTable, error) {
	db, ok := c.mock.databases[c.database]
	if !ok {
		return nil, fmt.Errorf("unknown database '%s'", c.database)
	}
	t, ok := db.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, c.target(name))
	}
	return t, nil
}

func (c *mockConn) Databases(_ context.Context) ([]string, error) {
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	names := lo.Keys(c.mock.databases)
	slices.Sort(names)
	return names, nil
}

func (c *mockConn) Tables(_ context.Context) ([]string, error) {
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	if err := c.mock.failure(OpTables, c.database); err != nil {
		return nil, err
	}
	db, ok := c.mock.databases[c.database]
	if !ok {
		return nil, fmt.Errorf("unknown database '%s'", c.database)
	}
	names := lo.Keys(db.tables)
	slices.Sort(names)
	return names, nil
}

func (c *mockConn) ShowCreateTable(_ context.Context, tbl string) (string, error) {
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	if err := c.mock.failure(OpShowCreateTable, c.target(tbl)); err != nil {
		return "", err
	}
	t, err := c.table(tbl)
	if err != nil {
		return "", err
	}
	return t.create, nil
}

func (c *mockConn) CountRows(_ context.Context, tbl string) (uint64, error) {
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	if err := c.mock.failure(OpCountRows, c.target(tbl)); err != nil {
		return 0, err
	}
	t, err := c.table(tbl)
	if err != nil {
		return 0, err
	}
	return uint64(len(t.rows)), nil
}

func (c *mockConn) TableSizeMB(_ context.Context, tbl string) (float64, error) {
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	t, err := c.table(tbl)
	if err != nil {
		return 0, err
	}
	return t.sizeMB, nil
}

func (c *mockConn) Columns(_ context.Context, tbl string) ([]table.Column, error) {
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	t, err := c.table(tbl)
	if err != nil {
		return nil, err
	}
	return slices.Clone(t.columns), nil
}

func (c *mockConn) objects(kind table.ObjectKind) ([]table.Object, error) {
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	if err := c.mock.failure(OpObjects, c.database); err != nil {
		return nil, err
	}
	db, ok := c.mock.databases[c.database]
	if !ok {
		return nil, fmt.Errorf("unknown database '%s'", c.database)
	}
	return lo.Filter(db.objects, func(obj table.Object, _ int) bool {
		return obj.Kind == kind
	}), nil
}

func (c *mockConn) Routines(_ context.Context, kind table.ObjectKind) ([]table.Object, error) {
	return c.objects(kind)
}

func (c *mockConn) Views(_ context.Context) ([]table.Object, error) {
	return c.objects(table.View)
}

func (c *mockConn) Triggers(_ context.Context) ([]table.Object, error) {
	return c.objects(table.Trigger)
}

func (c *mockConn) BinlogPosition(_ context.Context) (mysql.Position, error) {
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	return c.mock.position, nil
}

func (c *mockConn) ServerVersion(_ context.Context) (string, error) {
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	return c.mock.version, nil
}

func (c *mockConn) ReadOnly(_ context.Context) (bool, error) {
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	return c.mock.readOnly, nil
}

func (c *mockConn) CreateDatabase(_ context.Context, name string) error {
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	if err := c.mock.failure(OpCreateDatabase, name); err != nil {
		return err
	}
	c.mock.database(name)
	return nil
}

func (c *mockConn) DropAndCreateTable(_ context.Context, tbl, createStmt string) error {
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	if err := c.mock.failure(OpCreateTable, c.target(tbl)); err != nil {
		return err
	}
	db, ok := c.mock.databases[c.database]
	if !ok {
		return fmt.Errorf("unknown database '%s'", c.database)
	}
	delete(db.tables, tbl)
	cols, err := statement.ParseCreateTable(createStmt)
	if err != nil {
		return err
	}
	db.tables[tbl] = &mockTable{create: createStmt, columns: cols}
	return nil
}

func (c *mockConn) ReplaceObject(_ context.Context, obj table.Object) error {
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	db, ok := c.mock.databases[c.database]
	if !ok {
		return fmt.Errorf("unknown database '%s'", c.database)
	}
	db.objects = lo.Reject(db.objects, func(existing table.Object, _ int) bool {
		return existing.Kind == obj.Kind && existing.Name == obj.Name
	})
	if err := c.mock.failure(OpReplaceObject, c.target(obj.Name)); err != nil {
		return err
	}
	db.objects = append(db.objects, obj)
	return nil
}

// columnIndexes must be called with the lock held.
func columnIndexes(t *mockTable, columns []string) ([]int, error) {
	indexes := make([]int, len(columns))
	for i, name := range columns {
		idx := slices.IndexFunc(t.columns, func(col table.Column) bool { return col.Name == name })
		if idx < 0 {
			return nil, fmt.Errorf("unknown column '%s'", name)
		}
		indexes[i] = idx
	}
	return indexes, nil
}

func (c *mockConn) ReadPage(ctx context.Context, tbl string, columns []string, limit, offset uint64) ([][]any, error) {
	c.mock.mu.Lock()
	hook := c.mock.onRead
	c.mock.mu.Unlock()
	if hook != nil {
		hook(tbl, offset)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	if err := c.mock.failure(OpReadPage, c.target(tbl)); err != nil {
		return nil, err
	}
	t, err := c.table(tbl)
	if err != nil {
		return nil, err
	}
	indexes, err := columnIndexes(t, columns)
	if err != nil {
		return nil, err
	}
	if offset >= uint64(len(t.rows)) {
		return nil, nil
	}
	end := min(offset+limit, uint64(len(t.rows)))
	page := make([][]any, 0, end-offset)
	for _, row := range t.rows[offset:end] {
		page = append(page, lo.Map(indexes, func(idx int, _ int) any { return row[idx] }))
	}
	return page, nil
}

func (c *mockConn) WritePage(ctx context.Context, tbl string, columns []string, rows [][]any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	if err := c.mock.failure(OpWritePage, c.target(tbl)); err != nil {
		return 0, err
	}
	t, err := c.table(tbl)
	if err != nil {
		return 0, err
	}
	indexes, err := columnIndexes(t, columns)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if len(row) != len(columns) {
			return 0, fmt.Errorf("column count doesn't match value count: %d != %d", len(columns), len(row))
		}
		full := make([]any, len(t.columns))
		for i, idx := range indexes {
			full[idx] = row[i]
		}
		t.rows = append(t.rows, full)
	}
	return int64(len(rows)), nil
}

// Fingerprint renders rows the way the MySQL fingerprint does, so equal
// contents fingerprint the same on both ends of a mock copy.
func (c *mockConn) Fingerprint(_ context.Context, tbl string, columns, orderBy []string) (string, error) {
	c.mock.mu.Lock()
	defer c.mock.mu.Unlock()
	if err := c.mock.failure(OpFingerprint, c.target(tbl)); err != nil {
		return "", err
	}
	t, err := c.table(tbl)
	if err != nil {
		return "", err
	}
	indexes, err := columnIndexes(t, columns)
	if err != nil {
		return "", err
	}
	if len(orderBy) == 0 {
		orderBy = columns
	}
	sortIndexes, err := columnIndexes(t, orderBy)
	if err != nil {
		return "", err
	}
	if len(columns) == 0 || len(t.rows) == 0 {
		return "", nil
	}
	rows := slices.Clone(t.rows)
	slices.SortStableFunc(rows, func(a, b []any) int {
		for _, idx := range sortIndexes {
			if n := compareValues(a[idx], b[idx]); n != 0 {
				return n
			}
		}
		return 0
	})
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		fields := make([]string, 0, len(indexes)*2)
		for _, idx := range indexes {
			if row[idx] == nil {
				fields = append(fields, "", "1")
				continue
			}
			fields = append(fields, valueString(row[idx]), "0")
		}
		lines = append(lines, strings.Join(fields, "|"))
	}
	return fmt.Sprintf("%x", md5.Sum([]byte(strings.Join(lines, "\n")))), nil
}

func valueString(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

// compareValues orders NULL first, numbers numerically and everything
// else by its string form.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	x, xok := numeric(a)
	y, yok := numeric(b)
	if xok && yok {
		return cmp.Compare(x, y)
	}
	return strings.Compare(valueString(a), valueString(b))
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
