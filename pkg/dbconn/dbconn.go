// Package dbconn contains a series of database-related utility functions.
package dbconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errCannotConnect   = 2003
	errConnLost        = 2013
	errReadOnly        = 1290
	errQueryKilled     = 1836
)

type DBConfig struct {
	LockWaitTimeout       int
	InnodbLockWaitTimeout int
	MaxRetries            int
	MaxOpenConnections    int
	InterpolateParams     bool
	// DisableForeignKeyChecks sets foreign_key_checks=0 for the session.
	// Tables are created and loaded in parallel on the target, so
	// the checks would fail on any table with a foreign key.
	DisableForeignKeyChecks bool
}

func NewDBConfig() *DBConfig {
	return &DBConfig{
		LockWaitTimeout:       30,
		InnodbLockWaitTimeout: 3,
		MaxRetries:            3,
		MaxOpenConnections:    4, // each connection handle is owned by one worker; a few spare for metadata.
		InterpolateParams:     false,
	}
}

// Stmt is a statement with its placeholder arguments.
type Stmt struct {
	SQL  string
	Args []any
}

// canRetryError looks at the MySQL error and decides if it is considered
// a permanent failure or not. For simplicity a "retryable" error means
// rollback the transaction and start the transaction again.
func canRetryError(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	switch myErr.Number {
	case errLockWaitTimeout, errDeadlock, errCannotConnect,
		errConnLost, errReadOnly, errQueryKilled:
		return true
	default:
		return false
	}
}

// RetryableTransaction runs all statements in one transaction and commits it,
// retrying the whole transaction if a statement hits a retryable error such as
// a deadlock. It will retry up to config.MaxRetries times. Statements are not
// allowed to produce warnings: a warning while copying data means the row
// on the target differs from the source.
func RetryableTransaction(ctx context.Context, db *sql.DB, config *DBConfig, stmts ...Stmt) (int64, error) {
	var (
		err          error
		trx          *sql.Tx
		rowsAffected int64
		isFatal      bool
	)
	for i := range config.MaxRetries {
		rowsAffected = 0
		func() {
			if trx, err = db.BeginTx(ctx, nil); err != nil {
				return
			}
			// If anything was non successful as we exit
			// then rollback before either retrying or finishing up.
			defer func() {
				if err != nil {
					_ = trx.Rollback()
					if i < config.MaxRetries-1 && !isFatal {
						backoff(i)
					}
				}
			}()
			for _, stmt := range stmts {
				if stmt.SQL == "" {
					continue
				}
				var res sql.Result
				if res, err = trx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
					if !canRetryError(err) {
						isFatal = true
					}
					return
				}
				if err = checkWarnings(ctx, trx); err != nil {
					isFatal = true
					return
				}
				count, errC := res.RowsAffected()
				if errC == nil {
					rowsAffected += count
				}
			}
			err = trx.Commit()
		}()
		if isFatal || err == nil {
			return rowsAffected, err
		}
	}
	return rowsAffected, err
}

func checkWarnings(ctx context.Context, trx *sql.Tx) error {
	rows, err := trx.QueryContext(ctx, "SHOW WARNINGS") //nolint: execinquery
	if err != nil {
		return err
	}
	defer rows.Close()
	var level, message string
	var code int
	for rows.Next() {
		if err := rows.Scan(&level, &code, &message); err != nil {
			return err
		}
		return fmt.Errorf("unsafe warning %d: %s", code, message)
	}
	return rows.Err()
}

// backoff sleeps a few milliseconds before retrying.
func backoff(i int) {
	randFactor := i * rand.Intn(10) * int(time.Millisecond)
	time.Sleep(time.Duration(randFactor))
}

// Exec is like db.Exec but only returns an error.
// This makes it a little bit easier to use in error handling.
func Exec(ctx context.Context, db *sql.DB, stmt string, args ...any) error {
	_, err := db.ExecContext(ctx, stmt, args...)
	return err
}

// ServerVersion returns the version string of the server, i.e. 8.0.36.
func ServerVersion(ctx context.Context, db *sql.DB) (string, error) {
	var version string
	if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return "", err
	}
	return version, nil
}

// MajorVersion returns the major.minor prefix of a version string,
// i.e. 8.0 for 8.0.36-log.
func MajorVersion(version string) string {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return version
	}
	return parts[0] + "." + parts[1]
}

// ParseVersion returns the numeric major and minor version of a
// version string such as 8.0.36-log or 10.11.6-MariaDB.
func ParseVersion(version string) (major, minor int, ok bool) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(strings.TrimFunc(parts[1], func(r rune) bool { return r < '0' || r > '9' }))
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// BinlogStatusQuery returns the statement that reports the current binary
// log coordinates on a server of the given version. MySQL 8.2 added
// SHOW BINARY LOG STATUS and 8.4 removed SHOW MASTER STATUS. MariaDB
// from 10.6 on is sent SHOW BINLOG STATUS. Versions that can not be
// parsed use SHOW MASTER STATUS.
func BinlogStatusQuery(version string) string {
	major, minor, ok := ParseVersion(version)
	if !ok {
		return "SHOW MASTER STATUS"
	}
	if strings.Contains(strings.ToLower(version), "mariadb") {
		if major > 10 || (major == 10 && minor >= 6) {
			return "SHOW BINLOG STATUS"
		}
		return "SHOW MASTER STATUS"
	}
	if major > 8 || (major == 8 && minor >= 2) {
		return "SHOW BINARY LOG STATUS"
	}
	return "SHOW MASTER STATUS"
}
