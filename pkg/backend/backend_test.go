package backend

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/block/replicator/pkg/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

var testColumns = []table.Column{
	{Name: "id", Type: "int", PrimaryKey: true},
	{Name: "name", Type: "varchar(255)"},
	{Name: "upper_name", Type: "varchar(255)", Generated: true},
}

func TestBuildInserts(t *testing.T) {
	rows := [][]any{{1, "a"}, {2, nil}, {3, []byte("c")}}
	stmts := buildInserts("`db`.`t1`", []string{"id", "name"}, rows)
	require.Len(t, stmts, 1)
	assert.Equal(t, "INSERT INTO `db`.`t1` (`id`, `name`) VALUES (?, ?), (?, ?), (?, ?)", stmts[0].SQL)
	assert.Equal(t, []any{1, "a", 2, nil, 3, []byte("c")}, stmts[0].Args)

	assert.Empty(t, buildInserts("`t`", nil, rows))
}

func TestBuildInsertsPlaceholderLimit(t *testing.T) {
	columns := []string{"a", "b", "c"}
	rows := make([][]any, 30000) // 90000 placeholders
	for i := range rows {
		rows[i] = []any{i, i, i}
	}
	stmts := buildInserts("`t`", columns, rows)
	require.Len(t, stmts, 2)
	total := 0
	for _, stmt := range stmts {
		assert.LessOrEqual(t, len(stmt.Args), maxPlaceholders)
		assert.Equal(t, len(stmt.Args), strings.Count(stmt.SQL, "?"))
		total += len(stmt.Args)
	}
	assert.Equal(t, 90000, total)
}

func TestBuildInsertsSizeLimit(t *testing.T) {
	big := make([]byte, 6*1024*1024)
	rows := [][]any{{big}, {big}, {big}, {big}}
	stmts := buildInserts("`t`", []string{"blob"}, rows)
	assert.Len(t, stmts, 2) // at most two 6MiB rows fit in 16MiB
}

func TestMockTables(t *testing.T) {
	m := NewMock("source")
	m.AddTable("app", "t2", testColumns, nil, 1)
	m.AddTable("app", "t1", testColumns, [][]any{{1, "a", "A"}}, 2.5)
	m.AddObject("app", table.Object{Kind: table.View, Name: "v1", CreateStatement: "CREATE VIEW v1 AS SELECT 1"})

	conn, err := m.Open(t.Context(), "app")
	require.NoError(t, err)
	defer conn.Close()

	tables, err := conn.Tables(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, tables)

	count, err := conn.CountRows(t.Context(), "t1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	size, err := conn.TableSizeMB(t.Context(), "t1")
	require.NoError(t, err)
	assert.InDelta(t, 2.5, size, 0.001)

	create, err := conn.ShowCreateTable(t.Context(), "t1")
	require.NoError(t, err)
	assert.Contains(t, create, "PRIMARY KEY (`id`)")
	assert.Contains(t, create, "GENERATED ALWAYS")

	views, err := conn.Views(t.Context())
	require.NoError(t, err)
	assert.Len(t, views, 1)
	triggers, err := conn.Triggers(t.Context())
	require.NoError(t, err)
	assert.Empty(t, triggers)

	_, err = conn.CountRows(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrTableNotFound)

	_, err = m.Open(t.Context(), "nope")
	assert.Error(t, err)
}

func TestMockCopyRoundTrip(t *testing.T) {
	src := NewMock("source")
	src.AddTable("app", "t1", testColumns, [][]any{{1, "a", "A"}, {2, nil, nil}, {3, "c", "C"}}, 1)
	dst := NewMock("target")

	srcConn, err := src.Open(t.Context(), "app")
	require.NoError(t, err)
	defer srcConn.Close()
	root, err := dst.Open(t.Context(), "")
	require.NoError(t, err)
	require.NoError(t, root.CreateDatabase(t.Context(), "app"))
	require.NoError(t, root.Close())

	dstConn, err := dst.Open(t.Context(), "app")
	require.NoError(t, err)
	defer dstConn.Close()
	create, err := srcConn.ShowCreateTable(t.Context(), "t1")
	require.NoError(t, err)
	require.NoError(t, dstConn.DropAndCreateTable(t.Context(), "t1", create))

	cols := []string{"id", "name"}
	page, err := srcConn.ReadPage(t.Context(), "t1", cols, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{1, "a"}, {2, nil}}, page)
	n, err := dstConn.WritePage(t.Context(), "t1", cols, page)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	srcFP, err := srcConn.Fingerprint(t.Context(), "t1", cols, []string{"id"})
	require.NoError(t, err)
	dstFP, err := dstConn.Fingerprint(t.Context(), "t1", cols, []string{"id"})
	require.NoError(t, err)
	assert.NotEqual(t, srcFP, dstFP)

	page, err = srcConn.ReadPage(t.Context(), "t1", cols, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	_, err = dstConn.WritePage(t.Context(), "t1", cols, page)
	require.NoError(t, err)

	page, err = srcConn.ReadPage(t.Context(), "t1", cols, 2, 4)
	require.NoError(t, err)
	assert.Empty(t, page)

	dstFP, err = dstConn.Fingerprint(t.Context(), "t1", cols, []string{"id"})
	require.NoError(t, err)
	assert.Equal(t, srcFP, dstFP)
	assert.Len(t, dst.Rows("app", "t1"), 3)
}

func TestMockFingerprintSortsRows(t *testing.T) {
	m := NewMock("m")
	m.AddTable("db", "a", testColumns, [][]any{{1, "x", nil}, {2, "y", nil}, {10, "z", nil}}, 0)
	m.AddTable("db", "b", testColumns, [][]any{{10, "z", nil}, {2, "y", nil}, {1, "x", nil}}, 0)
	m.AddTable("db", "c", testColumns, [][]any{{1, "x", nil}, {2, nil, nil}, {10, "z", nil}}, 0)
	m.AddTable("db", "dup", testColumns, [][]any{{1, "x", nil}, {1, "x", nil}}, 0)
	m.AddTable("db", "other", testColumns, [][]any{{7, "q", nil}, {7, "q", nil}}, 0)
	m.AddTable("db", "empty", testColumns, nil, 0)
	conn, err := m.Open(t.Context(), "db")
	require.NoError(t, err)
	defer conn.Close()
	cols := []string{"id", "name"}
	fingerprint := func(tbl string, orderBy []string) string {
		fp, err := conn.Fingerprint(t.Context(), tbl, cols, orderBy)
		require.NoError(t, err)
		return fp
	}
	a := fingerprint("a", []string{"id"})
	assert.Len(t, a, 32)
	assert.Equal(t, a, fingerprint("b", []string{"id"}))
	assert.Equal(t, a, fingerprint("b", nil))
	assert.NotEqual(t, a, fingerprint("c", []string{"id"}))

	// duplicate rows do not cancel out.
	assert.NotEmpty(t, fingerprint("dup", nil))
	assert.NotEqual(t, fingerprint("dup", nil), fingerprint("other", nil))
	assert.Empty(t, fingerprint("empty", nil))

	_, err = conn.Fingerprint(t.Context(), "a", cols, []string{"missing"})
	assert.Error(t, err)
}

func TestMockFailures(t *testing.T) {
	m := NewMock("m")
	m.AddTable("db", "t1", testColumns, nil, 0)
	boom := errors.New("boom")
	m.FailTimes(OpReplaceObject, "db.v1", boom, 1)
	m.FailOn(OpWritePage, "db.t1", boom)

	conn, err := m.Open(t.Context(), "db")
	require.NoError(t, err)
	view := table.Object{Kind: table.View, Name: "v1", CreateStatement: "CREATE VIEW v1 AS SELECT 1"}
	assert.ErrorIs(t, conn.ReplaceObject(t.Context(), view), boom)
	assert.NoError(t, conn.ReplaceObject(t.Context(), view))
	_, ok := m.Object("db", table.View, "v1")
	assert.True(t, ok)

	_, err = conn.WritePage(t.Context(), "t1", []string{"id"}, [][]any{{1}})
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 1, m.OpenConns())
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close()) // closing twice is harmless
	assert.Equal(t, 0, m.OpenConns())
	assert.Equal(t, 1, m.Opens())
}
