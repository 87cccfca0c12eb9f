package backend

import (
	"log/slog"
	"testing"

	"github.com/block/replicator/pkg/dbconn"
	"github.com/block/replicator/pkg/table"
	"github.com/block/replicator/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMySQL(t *testing.T) *MySQL {
	t.Helper()
	testutils.RequireMySQL(t)
	c, err := dbconn.ConnectionConfigFromDSN(testutils.DSN())
	require.NoError(t, err)
	return NewMySQL(c, dbconn.NewDBConfig(), slog.Default())
}

func TestMySQLCatalogAndData(t *testing.T) {
	endpoint := newTestMySQL(t)
	dbName := testutils.CreateUniqueTestDatabase(t)
	testutils.RunSQLInDatabase(t, dbName, `CREATE TABLE t1 (
		id INT NOT NULL PRIMARY KEY,
		name VARCHAR(255),
		doubled INT AS (id * 2) VIRTUAL,
		doc JSON
	)`)
	testutils.RunSQLInDatabase(t, dbName, `INSERT INTO t1 (id, name, doc) VALUES (1, 'a', '{"k": 1}'), (2, NULL, NULL), (3, 'c', '[]')`)
	testutils.RunSQLInDatabase(t, dbName, `CREATE VIEW v1 AS SELECT id FROM t1`)
	testutils.RunSQLInDatabase(t, dbName, `CREATE PROCEDURE p1() SELECT 1`)

	conn, err := endpoint.Open(t.Context(), dbName)
	require.NoError(t, err)
	defer conn.Close()

	tables, err := conn.Tables(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, tables) // the view is not a base table

	cols, err := conn.Columns(t.Context(), "t1")
	require.NoError(t, err)
	require.Len(t, cols, 4)
	assert.True(t, cols[0].PrimaryKey)
	assert.True(t, cols[2].Generated)

	count, err := conn.CountRows(t.Context(), "t1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	views, err := conn.Views(t.Context())
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Contains(t, views[0].CreateStatement, "VIEW")

	procs, err := conn.Routines(t.Context(), table.Procedure)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "p1", procs[0].Name)

	// copy into a second table and compare fingerprints.
	create, err := conn.ShowCreateTable(t.Context(), "t1")
	require.NoError(t, err)
	require.NoError(t, conn.DropAndCreateTable(t.Context(), "t1", create)) // drop + recreate is repeatable
	testutils.RunSQLInDatabase(t, dbName, `INSERT INTO t1 (id, name, doc) VALUES (1, 'a', '{"k": 1}'), (2, NULL, NULL), (3, 'c', '[]')`)
	testutils.RunSQLInDatabase(t, dbName, `CREATE TABLE t2 LIKE t1`)

	insertable := []string{"id", "name", "doc"}
	page, err := conn.ReadPage(t.Context(), "t1", insertable, 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 3)
	n, err := conn.WritePage(t.Context(), "t2", insertable, page)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	fp1, err := conn.Fingerprint(t.Context(), "t1", insertable, []string{"id"})
	require.NoError(t, err)
	fp2, err := conn.Fingerprint(t.Context(), "t2", insertable, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 32)

	// without a key the rows are sorted by every column, and duplicates count.
	testutils.RunSQLInDatabase(t, dbName, `CREATE TABLE k1 (a INT, b VARCHAR(10))`)
	testutils.RunSQLInDatabase(t, dbName, `CREATE TABLE k2 (a INT, b VARCHAR(10))`)
	testutils.RunSQLInDatabase(t, dbName, `INSERT INTO k1 VALUES (1, 'a'), (1, 'a')`)
	testutils.RunSQLInDatabase(t, dbName, `INSERT INTO k2 VALUES (7, 'zzz'), (7, 'zzz')`)
	keyless := []string{"a", "b"}
	k1, err := conn.Fingerprint(t.Context(), "k1", keyless, nil)
	require.NoError(t, err)
	k2, err := conn.Fingerprint(t.Context(), "k2", keyless, nil)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	testutils.RunSQLInDatabase(t, dbName, `TRUNCATE TABLE k1`)
	testutils.RunSQLInDatabase(t, dbName, `TRUNCATE TABLE k2`)
	testutils.RunSQLInDatabase(t, dbName, `INSERT INTO k1 VALUES (1, '00')`)
	testutils.RunSQLInDatabase(t, dbName, `INSERT INTO k2 VALUES (10, '0')`)
	k1, err = conn.Fingerprint(t.Context(), "k1", keyless, nil)
	require.NoError(t, err)
	k2, err = conn.Fingerprint(t.Context(), "k2", keyless, nil)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	testutils.RunSQLInDatabase(t, dbName, `TRUNCATE TABLE k1`)
	empty, err := conn.Fingerprint(t.Context(), "k1", keyless, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
