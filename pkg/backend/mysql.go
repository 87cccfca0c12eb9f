package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/block/replicator/pkg/dbconn"
	"github.com/block/replicator/pkg/statement"
	"github.com/block/replicator/pkg/table"
	"github.com/block/replicator/pkg/utils"
	"github.com/go-mysql-org/go-mysql/mysql"
)

const (
	// maxPlaceholders is the limit of placeholders in one prepared statement.
	maxPlaceholders = 65535
	// maxStatementBytes keeps a multi-row INSERT well below the default
	// max_allowed_packet of 64MiB.
	maxStatementBytes = 16 * 1024 * 1024
)

// MySQL is an Endpoint backed by a MySQL server.
type MySQL struct {
	conn   dbconn.ConnectionConfig
	config *dbconn.DBConfig
	logger *slog.Logger
}

var _ Endpoint = (*MySQL)(nil)

// NewMySQL returns an Endpoint for the server described by conn.
// Each connection opened from it is a dedicated pool of one connection,
// so the session options in config apply to every statement it runs.
func NewMySQL(conn dbconn.ConnectionConfig, config *dbconn.DBConfig, logger *slog.Logger) *MySQL {
	if logger == nil {
		logger = slog.Default()
	}
	return &MySQL{conn: conn, config: config, logger: logger}
}

func (m *MySQL) String() string {
	return m.conn.String()
}

func (m *MySQL) Open(_ context.Context, database string) (Conn, error) {
	c := m.conn
	c.Database = database
	config := *m.config
	config.MaxOpenConnections = 1
	db, err := dbconn.New(c, "", &config)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", c.String(), err)
	}
	return &mysqlConn{db: db, database: database, config: &config, logger: m.logger}, nil
}

type mysqlConn struct {
	db       *sql.DB
	database string
	config   *dbconn.DBConfig
	logger   *slog.Logger
}

var _ Conn = (*mysqlConn)(nil)

func (c *mysqlConn) Close() error {
	return c.db.Close()
}

func (c *mysqlConn) quoted(tbl string) string {
	return utils.QuoteName(c.database, tbl)
}

// queryStrings runs a query and returns the first column of every row.
func (c *mysqlConn) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer utils.CloseAndLog(rows)
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		dest := make([]any, len(cols))
		var name string
		dest[0] = &name
		for i := 1; i < len(cols); i++ {
			dest[i] = new(sql.RawBytes)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// showColumn runs a SHOW statement that returns a single row and returns
// column col of it. The SHOW CREATE statements differ in their number of
// columns, so the row is scanned generically.
func (c *mysqlConn) showColumn(ctx context.Context, query string, col int) (sql.NullString, error) {
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return sql.NullString{}, err
	}
	defer utils.CloseAndLog(rows)
	cols, err := rows.Columns()
	if err != nil {
		return sql.NullString{}, err
	}
	if col >= len(cols) {
		return sql.NullString{}, fmt.Errorf("%q returned %d columns, expected at least %d", query, len(cols), col+1)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return sql.NullString{}, err
		}
		return sql.NullString{}, sql.ErrNoRows
	}
	values := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return sql.NullString{}, err
	}
	return values[col], rows.Err()
}

func (c *mysqlConn) showCreate(ctx context.Context, kind table.ObjectKind, name string, col int) (table.Object, error) {
	query := fmt.Sprintf("SHOW CREATE %s %s", kind, c.quoted(name))
	stmt, err := c.showColumn(ctx, query, col)
	if err != nil {
		return table.Object{}, fmt.Errorf("could not read definition of %s %s: %w", kind, name, err)
	}
	if !stmt.Valid {
		return table.Object{}, fmt.Errorf("definition of %s %s is not visible, check the privileges of the source user", kind, name)
	}
	return table.Object{Kind: kind, Name: name, CreateStatement: stmt.String}, nil
}

func (c *mysqlConn) Databases(ctx context.Context) ([]string, error) {
	return c.queryStrings(ctx, "SHOW DATABASES")
}

func (c *mysqlConn) Tables(ctx context.Context) ([]string, error) {
	return c.queryStrings(ctx, "SHOW FULL TABLES FROM "+utils.QuoteIdentifier(c.database)+" WHERE Table_type = 'BASE TABLE'")
}

func (c *mysqlConn) ShowCreateTable(ctx context.Context, tbl string) (string, error) {
	stmt, err := c.showColumn(ctx, "SHOW CREATE TABLE "+c.quoted(tbl), 1)
	if err != nil {
		return "", err
	}
	return stmt.String, nil
}

func (c *mysqlConn) CountRows(ctx context.Context, tbl string) (uint64, error) {
	var count uint64
	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.quoted(tbl)).Scan(&count)
	return count, err
}

func (c *mysqlConn) TableSizeMB(ctx context.Context, tbl string) (float64, error) {
	var size float64
	err := c.db.QueryRowContext(ctx,
		`SELECT COALESCE((data_length + index_length) / 1024 / 1024, 0)
		FROM information_schema.TABLES WHERE table_schema = ? AND table_name = ?`,
		c.database, tbl).Scan(&size)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s.%s", ErrTableNotFound, c.database, tbl)
	}
	return size, err
}

// Columns parses the columns from SHOW CREATE TABLE. If the parser
// does not understand the statement, information_schema is used instead.
func (c *mysqlConn) Columns(ctx context.Context, tbl string) ([]table.Column, error) {
	createStmt, err := c.ShowCreateTable(ctx, tbl)
	if err != nil {
		return nil, err
	}
	cols, err := statement.ParseCreateTable(createStmt)
	if err == nil {
		return cols, nil
	}
	c.logger.Warn("could not parse table definition, reading columns from information_schema",
		"table", tbl, "error", err)
	return c.informationSchemaColumns(ctx, tbl)
}

func (c *mysqlConn) informationSchemaColumns(ctx context.Context, tbl string) ([]table.Column, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT column_name, column_type, extra, column_key
		FROM information_schema.COLUMNS
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`, c.database, tbl)
	if err != nil {
		return nil, err
	}
	defer utils.CloseAndLog(rows)
	var cols []table.Column
	for rows.Next() {
		var name, colType, extra, key string
		if err := rows.Scan(&name, &colType, &extra, &key); err != nil {
			return nil, err
		}
		cols = append(cols, table.Column{
			Name:       name,
			Type:       colType,
			Generated:  strings.Contains(strings.ToUpper(extra), "GENERATED"),
			PrimaryKey: key == "PRI",
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrTableNotFound, c.database, tbl)
	}
	return cols, nil
}

func (c *mysqlConn) Routines(ctx context.Context, kind table.ObjectKind) ([]table.Object, error) {
	if kind != table.Procedure && kind != table.Function {
		return nil, fmt.Errorf("%s is not a routine", kind)
	}
	names, err := c.queryStrings(ctx,
		`SELECT routine_name FROM information_schema.ROUTINES
		WHERE routine_schema = ? AND routine_type = ? ORDER BY routine_name`,
		c.database, string(kind))
	if err != nil {
		return nil, err
	}
	return c.showCreateAll(ctx, kind, names, 2)
}

func (c *mysqlConn) Views(ctx context.Context) ([]table.Object, error) {
	names, err := c.queryStrings(ctx, "SHOW FULL TABLES FROM "+utils.QuoteIdentifier(c.database)+" WHERE Table_type = 'VIEW'")
	if err != nil {
		return nil, err
	}
	return c.showCreateAll(ctx, table.View, names, 1)
}

func (c *mysqlConn) Triggers(ctx context.Context) ([]table.Object, error) {
	names, err := c.queryStrings(ctx,
		`SELECT trigger_name FROM information_schema.TRIGGERS
		WHERE trigger_schema = ? ORDER BY event_object_table, action_order`,
		c.database)
	if err != nil {
		return nil, err
	}
	return c.showCreateAll(ctx, table.Trigger, names, 2)
}

func (c *mysqlConn) showCreateAll(ctx context.Context, kind table.ObjectKind, names []string, col int) ([]table.Object, error) {
	objects := make([]table.Object, 0, len(names))
	for _, name := range names {
		obj, err := c.showCreate(ctx, kind, name, col)
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// BinlogPosition returns the current binary log coordinates of the server.
// A server with binary logging disabled returns an empty position.
func (c *mysqlConn) BinlogPosition(ctx context.Context) (mysql.Position, error) {
	version, err := dbconn.ServerVersion(ctx, c.db)
	if err != nil {
		return mysql.Position{}, err
	}
	rows, err := c.db.QueryContext(ctx, dbconn.BinlogStatusQuery(version))
	if err != nil {
		return mysql.Position{}, err
	}
	defer utils.CloseAndLog(rows)
	cols, err := rows.Columns()
	if err != nil {
		return mysql.Position{}, err
	}
	if !rows.Next() {
		return mysql.Position{}, rows.Err()
	}
	var pos mysql.Position
	dest := make([]any, len(cols))
	dest[0], dest[1] = &pos.Name, &pos.Pos
	for i := 2; i < len(cols); i++ {
		dest[i] = new(sql.RawBytes)
	}
	if err := rows.Scan(dest...); err != nil {
		return mysql.Position{}, err
	}
	return pos, rows.Err()
}

func (c *mysqlConn) ServerVersion(ctx context.Context) (string, error) {
	return dbconn.ServerVersion(ctx, c.db)
}

func (c *mysqlConn) ReadOnly(ctx context.Context) (bool, error) {
	var readOnly bool
	err := c.db.QueryRowContext(ctx, "SELECT @@global.read_only").Scan(&readOnly)
	return readOnly, err
}

func (c *mysqlConn) CreateDatabase(ctx context.Context, name string) error {
	return dbconn.Exec(ctx, c.db, fmt.Sprintf(
		"CREATE DATABASE IF NOT EXISTS %s CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci",
		utils.QuoteIdentifier(name)))
}

func (c *mysqlConn) DropAndCreateTable(ctx context.Context, tbl, createStmt string) error {
	if err := dbconn.Exec(ctx, c.db, "DROP TABLE IF EXISTS "+c.quoted(tbl)); err != nil {
		return err
	}
	return dbconn.Exec(ctx, c.db, createStmt)
}

func (c *mysqlConn) ReplaceObject(ctx context.Context, obj table.Object) error {
	if err := dbconn.Exec(ctx, c.db, fmt.Sprintf("DROP %s IF EXISTS %s", obj.Kind, c.quoted(obj.Name))); err != nil {
		return err
	}
	return dbconn.Exec(ctx, c.db, obj.CreateStatement)
}

// ReadPage reads one page in the server's natural order.
// Values are returned as []byte (or nil for NULL) so that they are
// written back byte for byte.
func (c *mysqlConn) ReadPage(ctx context.Context, tbl string, columns []string, limit, offset uint64) ([][]any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s LIMIT %d OFFSET %d",
		utils.QuoteColumns(columns), c.quoted(tbl), limit, offset)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer utils.CloseAndLog(rows)
	var page [][]any
	raw := make([]sql.RawBytes, len(columns))
	dest := make([]any, len(columns))
	for i := range raw {
		dest[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make([]any, len(columns))
		for i, value := range raw {
			if value == nil {
				continue // NULL
			}
			row[i] = append([]byte(nil), value...)
		}
		page = append(page, row)
	}
	return page, rows.Err()
}

func (c *mysqlConn) WritePage(ctx context.Context, tbl string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	return dbconn.RetryableTransaction(ctx, c.db, c.config, buildInserts(c.quoted(tbl), columns, rows)...)
}

// buildInserts splits rows into multi-row INSERT statements that stay
// below the placeholder limit and the statement size budget.
func buildInserts(quotedTable string, columns []string, rows [][]any) []dbconn.Stmt {
	if len(columns) == 0 {
		return nil
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", quotedTable, utils.QuoteColumns(columns))
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	maxRows := maxPlaceholders / len(columns)

	var stmts []dbconn.Stmt
	var tuples []string
	var args []any
	var size int
	flush := func() {
		if len(tuples) == 0 {
			return
		}
		stmts = append(stmts, dbconn.Stmt{SQL: prefix + strings.Join(tuples, ", "), Args: args})
		tuples, args, size = nil, nil, 0
	}
	for _, row := range rows {
		rowSize := valuesSize(row)
		if len(tuples) >= maxRows || (len(tuples) > 0 && size+rowSize > maxStatementBytes) {
			flush()
		}
		tuples = append(tuples, tuple)
		args = append(args, row...)
		size += rowSize
	}
	flush()
	return stmts
}

func valuesSize(row []any) int {
	size := 0
	for _, value := range row {
		switch v := value.(type) {
		case []byte:
			size += len(v)
		case string:
			size += len(v)
		default:
			size += 8
		}
	}
	return size
}

// Fingerprint returns the MD5 of every row of tbl in orderBy order, each
// row rendered as its column values and NULL flags joined by '|'. With no
// orderBy the rows are sorted by all of columns. The concatenation relies
// on the group_concat_max_len set for the session, see dbconn.
// An empty table fingerprints to "".
func (c *mysqlConn) Fingerprint(ctx context.Context, tbl string, columns, orderBy []string) (string, error) {
	if len(columns) == 0 {
		return "", nil
	}
	if len(orderBy) == 0 {
		orderBy = columns
	}
	exprs := make([]string, 0, len(columns)*2)
	for _, col := range columns {
		quoted := utils.QuoteIdentifier(col)
		exprs = append(exprs, fmt.Sprintf("IFNULL(%s, '')", quoted), fmt.Sprintf("ISNULL(%s)", quoted))
	}
	var checksum sql.NullString
	err := c.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT MD5(GROUP_CONCAT(CONCAT_WS('|', %s) ORDER BY %s SEPARATOR '\\n')) FROM %s",
		strings.Join(exprs, ", "), utils.QuoteColumns(orderBy), c.quoted(tbl))).Scan(&checksum)
	return checksum.String, err
}
