// Package testutils contains some common utilities used exclusively
// by the test suite.
package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func DSN() string {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		return "replicator:replicator@tcp(127.0.0.1:3306)/test"
	}
	return dsn
}

// DSNForDatabase returns a DSN for a specific database name
func DSNForDatabase(dbName string) string {
	cfg, err := mysql.ParseDSN(DSN())
	if err != nil {
		return DSN()
	}
	cfg.DBName = dbName
	return cfg.FormatDSN()
}

var (
	mysqlAvailable     bool
	mysqlAvailableOnce sync.Once
)

// RequireMySQL skips the test if the server behind DSN() is not reachable.
// The unit tests run against in-memory backends, so a missing server
// only skips the integration tests.
func RequireMySQL(t *testing.T) {
	t.Helper()
	mysqlAvailableOnce.Do(func() {
		db, err := sql.Open("mysql", DSN())
		if err != nil {
			return
		}
		defer func() {
			_ = db.Close()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mysqlAvailable = db.PingContext(ctx) == nil
	})
	if !mysqlAvailable {
		t.Skip("MySQL is not available at MYSQL_DSN")
	}
}

// CreateUniqueTestDatabase creates a unique database for a test
// and drops it when the test finishes.
func CreateUniqueTestDatabase(t *testing.T) string {
	t.Helper()
	name := strings.NewReplacer("/", "_", "-", "_").Replace(strings.ToLower(t.Name()))
	if len(name) > 48 {
		name = name[:48]
	}
	dbName := fmt.Sprintf("t_%s_%d", name, os.Getpid())

	db, err := sql.Open("mysql", DSNForDatabase(""))
	assert.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()
	_, err = db.ExecContext(t.Context(), "CREATE DATABASE IF NOT EXISTS "+dbName)
	assert.NoError(t, err)

	t.Cleanup(func() {
		db, err := sql.Open("mysql", DSNForDatabase(""))
		assert.NoError(t, err)
		defer func() {
			_ = db.Close()
		}()
		_, err = db.ExecContext(context.Background(), "DROP DATABASE IF EXISTS "+dbName)
		assert.NoError(t, err)
	})
	return dbName
}

// RunSQLInDatabase runs SQL in a specific database
func RunSQLInDatabase(t *testing.T, dbName, stmt string) {
	t.Helper()
	db, err := sql.Open("mysql", DSNForDatabase(dbName))
	assert.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()
	_, err = db.ExecContext(t.Context(), stmt)
	assert.NoError(t, err)
}

func RunSQL(t *testing.T, stmt string) {
	t.Helper()
	db, err := sql.Open("mysql", DSN())
	assert.NoError(t, err)
	defer func() {
		_ = db.Close()
	}()
	_, err = db.ExecContext(t.Context(), stmt)
	assert.NoError(t, err)
}
