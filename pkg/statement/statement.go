// Package statement is a wrapper around the TiDB parser for the DDL
// statements that are captured from the source and replayed on the target.
package statement

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/block/replicator/pkg/table"
	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/format"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
)

var (
	ErrNotCreateTable = errors.New("not a CREATE TABLE statement")
	ErrNotCreateView  = errors.New("not a CREATE VIEW statement")

	definerRegexp = regexp.MustCompile(`\sDEFINER\s*=\s*[^ ]+`)
)

// ParseCreateTable parses a CREATE TABLE statement and returns its columns
// in ordinal order, with generated and primary key columns flagged.
func ParseCreateTable(createStmt string) ([]table.Column, error) {
	p := parser.New()
	node, err := p.ParseOneStmt(createStmt, "", "")
	if err != nil {
		return nil, fmt.Errorf("could not parse create table statement: %w", err)
	}
	ct, ok := node.(*ast.CreateTableStmt)
	if !ok {
		return nil, ErrNotCreateTable
	}
	primaryKey := make(map[string]bool)
	for _, constraint := range ct.Constraints {
		if constraint.Tp != ast.ConstraintPrimaryKey {
			continue
		}
		for _, key := range constraint.Keys {
			if key.Column != nil {
				primaryKey[key.Column.Name.L] = true
			}
		}
	}
	cols := make([]table.Column, 0, len(ct.Cols))
	for _, def := range ct.Cols {
		col := table.Column{
			Name:       def.Name.Name.O,
			Type:       def.Tp.String(),
			PrimaryKey: primaryKey[def.Name.Name.L],
		}
		for _, opt := range def.Options {
			switch opt.Tp {
			case ast.ColumnOptionGenerated:
				col.Generated = true
			case ast.ColumnOptionPrimaryKey:
				col.PrimaryKey = true
			}
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// StripDefiner removes the DEFINER=user@host clause from a CREATE
// statement so that it is created with the current user of the target.
func StripDefiner(createStmt string) string {
	return definerRegexp.ReplaceAllString(createStmt, "")
}

// RewriteViewSchema rewrites table references qualified with schema from
// to be qualified with schema to. SHOW CREATE VIEW always qualifies
// references, so a view copied into a differently named database would
// otherwise keep reading from the source database.
func RewriteViewSchema(createStmt, from, to string) (string, error) {
	if strings.EqualFold(from, to) {
		return createStmt, nil
	}
	p := parser.New()
	node, err := p.ParseOneStmt(createStmt, "", "")
	if err != nil {
		return "", fmt.Errorf("could not parse create view statement: %w", err)
	}
	view, ok := node.(*ast.CreateViewStmt)
	if !ok {
		return "", ErrNotCreateView
	}
	view.Accept(&schemaRewriter{from: strings.ToLower(from), to: to})
	var sb strings.Builder
	rCtx := format.NewRestoreCtx(format.DefaultRestoreFlags, &sb)
	if err := view.Restore(rCtx); err != nil {
		return "", fmt.Errorf("could not restore create view statement: %w", err)
	}
	return sb.String(), nil
}

type schemaRewriter struct {
	from string // lower case
	to   string
}

func (v *schemaRewriter) Enter(n ast.Node) (ast.Node, bool) {
	switch node := n.(type) {
	case *ast.TableName:
		if node.Schema.L == v.from {
			node.Schema.O = v.to
			node.Schema.L = strings.ToLower(v.to)
		}
	case *ast.ColumnName:
		if node.Schema.L == v.from {
			node.Schema.O = v.to
			node.Schema.L = strings.ToLower(v.to)
		}
	}
	return n, false
}

func (v *schemaRewriter) Leave(n ast.Node) (ast.Node, bool) {
	return n, true
}
