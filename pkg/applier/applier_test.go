package applier

import (
	"errors"
	"os"
	"testing"

	"github.com/block/replicator/pkg/backend"
	"github.com/block/replicator/pkg/status"
	"github.com/block/replicator/pkg/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func testTable(name string) *table.TableInfo {
	tbl := table.NewTableInfo("shop", name)
	tbl.CreateStatement = "CREATE TABLE `" + name + "` (`id` int NOT NULL, PRIMARY KEY (`id`))"
	return tbl
}

func TestCreateDatabase(t *testing.T) {
	target := backend.NewMock("target")
	a := New(target, status.NewStats(), nil)
	require.NoError(t, a.CreateDatabase(t.Context(), "shop"))
	require.NoError(t, a.CreateDatabase(t.Context(), "shop")) // if not exists
	assert.True(t, target.HasDatabase("shop"))

	target.FailOn(backend.OpCreateDatabase, "other", errors.New("access denied"))
	assert.ErrorContains(t, a.CreateDatabase(t.Context(), "other"), "access denied")
	assert.Equal(t, 0, target.OpenConns())
}

func TestCreateTables(t *testing.T) {
	target := backend.NewMock("target")
	target.AddDatabase("shop")
	target.AddTable("shop", "t1", []table.Column{{Name: "old", Type: "int"}}, [][]any{{1}}, 0)
	target.FailOn(backend.OpCreateTable, "shop.t2", errors.New("syntax error"))
	stats := status.NewStats()

	results := New(target, stats, nil).CreateTables(t.Context(), "shop",
		[]*table.TableInfo{testTable("t1"), testTable("t2"), testTable("t3")})
	require.Len(t, results, 3)
	assert.NoError(t, results["t1"])
	assert.ErrorContains(t, results["t2"], "syntax error")
	assert.NoError(t, results["t3"])

	// t1 was dropped and recreated empty.
	assert.Empty(t, target.Rows("shop", "t1"))
	assert.True(t, target.HasTable("shop", "t3"))
	assert.False(t, target.HasTable("shop", "t2"))
	assert.Len(t, stats.Snapshot().Errors, 1)
}

func TestCreateTablesNoConnection(t *testing.T) {
	target := backend.NewMock("target") // database does not exist
	stats := status.NewStats()
	results := New(target, stats, nil).CreateTables(t.Context(), "shop", []*table.TableInfo{testTable("t1"), testTable("t2")})
	assert.Error(t, results["t1"])
	assert.Error(t, results["t2"])
	assert.Len(t, stats.Snapshot().Errors, 2)
}

func TestApplyObjectsFailureIsSkipped(t *testing.T) {
	target := backend.NewMock("target")
	target.AddDatabase("shop")
	target.FailOn(backend.OpReplaceObject, "shop.f_bad", errors.New("unknown column"))
	stats := status.NewStats()
	a := New(target, stats, nil)
	a.StripDefiner = true

	objects := []table.Object{
		{Kind: table.Procedure, Name: "p1", CreateStatement: "CREATE DEFINER=`root`@`%` PROCEDURE `p1`() SELECT 1"},
		{Kind: table.Function, Name: "f_bad", CreateStatement: "CREATE FUNCTION f_bad() RETURNS INT RETURN 1"},
		{Kind: table.Trigger, Name: "trg", CreateStatement: "CREATE TRIGGER trg BEFORE INSERT ON t1 FOR EACH ROW SET NEW.id = NEW.id"},
	}
	errs := a.ApplyObjects(t.Context(), "shop", "shop", objects)
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "function f_bad")
	assert.Equal(t, []string{errs[0].Error()}, stats.Snapshot().Errors)

	p1, ok := target.Object("shop", table.Procedure, "p1")
	require.True(t, ok)
	assert.NotContains(t, p1.CreateStatement, "DEFINER")
	_, ok = target.Object("shop", table.Trigger, "trg")
	assert.True(t, ok) // objects after the failure are still created
	assert.Equal(t, 0, target.OpenConns())
}

func TestApplyObjectsViewPasses(t *testing.T) {
	target := backend.NewMock("target")
	target.AddDatabase("shop")
	// v_outer depends on v_inner and fails until v_inner exists.
	target.FailTimes(backend.OpReplaceObject, "shop.v_outer", errors.New("table v_inner doesn't exist"), 1)
	target.FailOn(backend.OpReplaceObject, "shop.v_broken", errors.New("table missing doesn't exist"))
	stats := status.NewStats()

	objects := []table.Object{
		{Kind: table.View, Name: "v_outer", CreateStatement: "CREATE VIEW `v_outer` AS SELECT * FROM `v_inner`"},
		{Kind: table.View, Name: "v_inner", CreateStatement: "CREATE VIEW `v_inner` AS SELECT 1 AS `a`"},
		{Kind: table.View, Name: "v_broken", CreateStatement: "CREATE VIEW `v_broken` AS SELECT * FROM `missing`"},
	}
	errs := New(target, stats, nil).ApplyObjects(t.Context(), "shop", "shop", objects)
	require.Len(t, errs, 1) // only the final failure is recorded
	assert.ErrorContains(t, errs[0], "view v_broken")
	assert.Len(t, stats.Snapshot().Errors, 1)
	_, ok := target.Object("shop", table.View, "v_outer")
	assert.True(t, ok)
	_, ok = target.Object("shop", table.View, "v_inner")
	assert.True(t, ok)
}

func TestApplyObjectsRewritesViewSchema(t *testing.T) {
	target := backend.NewMock("target")
	target.AddDatabase("shop_copy")
	objects := []table.Object{{
		Kind:            table.View,
		Name:            "v1",
		CreateStatement: "CREATE ALGORITHM=UNDEFINED DEFINER=`root`@`localhost` SQL SECURITY DEFINER VIEW `shop`.`v1` AS select `shop`.`t1`.`id` AS `id` from `shop`.`t1`",
	}}
	errs := New(target, status.NewStats(), nil).ApplyObjects(t.Context(), "shop", "shop_copy", objects)
	assert.Empty(t, errs)
	v1, ok := target.Object("shop_copy", table.View, "v1")
	require.True(t, ok)
	assert.Contains(t, v1.CreateStatement, "`shop_copy`.`t1`")
	assert.NotContains(t, v1.CreateStatement, "`shop`.")
}

func TestApplyObjectsEmpty(t *testing.T) {
	target := backend.NewMock("target")
	assert.Empty(t, New(target, status.NewStats(), nil).ApplyObjects(t.Context(), "a", "a", nil))
	assert.Equal(t, 0, target.Opens())
}
