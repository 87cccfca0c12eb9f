package statement

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func TestParseCreateTable(t *testing.T) {
	cols, err := ParseCreateTable("CREATE TABLE `t1` (" +
		"`id` int NOT NULL AUTO_INCREMENT," +
		"`name` varchar(255) DEFAULT NULL," +
		"`name_upper` varchar(255) GENERATED ALWAYS AS (upper(`name`)) VIRTUAL," +
		"PRIMARY KEY (`id`)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4")
	require.NoError(t, err)
	require.Len(t, cols, 3)
	assert.Equal(t, "id", cols[0].Name)
	assert.True(t, cols[0].PrimaryKey)
	assert.False(t, cols[0].Generated)
	assert.Equal(t, "name", cols[1].Name)
	assert.False(t, cols[1].PrimaryKey)
	assert.True(t, cols[2].Generated)

	cols, err = ParseCreateTable("CREATE TABLE t2 (a int PRIMARY KEY, b int)")
	require.NoError(t, err)
	assert.True(t, cols[0].PrimaryKey)
	assert.False(t, cols[1].PrimaryKey)

	cols, err = ParseCreateTable("CREATE TABLE t3 (a int, b int, PRIMARY KEY (b, a))")
	require.NoError(t, err)
	assert.True(t, cols[0].PrimaryKey)
	assert.True(t, cols[1].PrimaryKey)

	_, err = ParseCreateTable("CREATE VIEW v1 AS SELECT 1")
	assert.ErrorIs(t, err, ErrNotCreateTable)

	_, err = ParseCreateTable("CREATE TABLEZ t1")
	assert.Error(t, err)
}

func TestStripDefiner(t *testing.T) {
	stmt := "CREATE ALGORITHM=UNDEFINED DEFINER=`root`@`%` SQL SECURITY DEFINER VIEW `v1` AS select 1 AS `1`"
	assert.Equal(t, "CREATE ALGORITHM=UNDEFINED SQL SECURITY DEFINER VIEW `v1` AS select 1 AS `1`", StripDefiner(stmt))

	stmt = "CREATE DEFINER=`app`@`localhost` PROCEDURE `p1`() BEGIN SELECT 1; END"
	assert.Equal(t, "CREATE PROCEDURE `p1`() BEGIN SELECT 1; END", StripDefiner(stmt))

	stmt = "CREATE TRIGGER trg BEFORE INSERT ON t1 FOR EACH ROW SET NEW.a = 1"
	assert.Equal(t, stmt, StripDefiner(stmt))
}

func TestRewriteViewSchema(t *testing.T) {
	stmt := "CREATE ALGORITHM=UNDEFINED DEFINER=`root`@`%` SQL SECURITY DEFINER VIEW `v1` AS select `src`.`t1`.`id` AS `id` from `src`.`t1`"
	rewritten, err := RewriteViewSchema(stmt, "src", "dest")
	require.NoError(t, err)
	assert.Contains(t, rewritten, "`dest`.`t1`")
	assert.NotContains(t, rewritten, "`src`.")

	// Same schema is a no-op.
	same, err := RewriteViewSchema(stmt, "src", "SRC")
	require.NoError(t, err)
	assert.Equal(t, stmt, same)

	_, err = RewriteViewSchema("CREATE TABLE t1 (a int)", "src", "dest")
	assert.ErrorIs(t, err, ErrNotCreateView)
}
