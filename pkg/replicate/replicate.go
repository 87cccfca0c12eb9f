// Package replicate copies whole MySQL databases from a source server to a
// target server: schema, rows and the ancillary objects (views, routines
// and triggers), followed by a consistency check of every table.
package replicate

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/block/replicator/pkg/backend"
	"github.com/block/replicator/pkg/dbconn"
	"github.com/block/replicator/pkg/metrics"
	"github.com/block/replicator/pkg/throttler"
	"github.com/block/replicator/pkg/utils"
)

var (
	// ErrSoftFailures is returned by Run in strict mode when the run
	// finished but recorded errors or verification failures.
	ErrSoftFailures = errors.New("replication finished with errors")
	ErrCancelled    = errors.New("replication cancelled")
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 3306
	defaultUser = "root"
)

type Replicate struct {
	SourceHost     string `name:"source-host" help:"Source MySQL host (default 127.0.0.1)" optional:"" env:"SOURCE_HOST"`
	SourcePort     int    `name:"source-port" help:"Source MySQL port (default 3306)" optional:"" env:"SOURCE_PORT"`
	SourceUser     string `name:"source-user" help:"Source MySQL user (default root)" optional:"" env:"SOURCE_USER"`
	SourcePassword string `name:"source-password" help:"Source MySQL password" optional:"" env:"SOURCE_PASSWORD"`
	SourceDatabase string `name:"source-database" help:"Database to replicate" optional:"" env:"SOURCE_DATABASE"`
	SourceConf     string `name:"source-conf" help:"MySQL option file with a [client] section for the source" optional:"" type:"existingfile"`
	SourceTLSMode  string `name:"source-tls-mode" help:"TLS connection mode for the source: DISABLED, PREFERRED (default), REQUIRED, VERIFY_CA, VERIFY_IDENTITY" optional:"" env:"SOURCE_TLS_MODE"`
	SourceTLSCA    string `name:"source-tls-ca" help:"Path to a custom TLS CA certificate for the source" optional:""`

	TargetHost     string `name:"target-host" help:"Target MySQL host (default 127.0.0.1)" optional:"" env:"TARGET_HOST"`
	TargetPort     int    `name:"target-port" help:"Target MySQL port (default 3306)" optional:"" env:"TARGET_PORT"`
	TargetUser     string `name:"target-user" help:"Target MySQL user (default root)" optional:"" env:"TARGET_USER"`
	TargetPassword string `name:"target-password" help:"Target MySQL password" optional:"" env:"TARGET_PASSWORD"`
	TargetDatabase string `name:"target-database" help:"Database to replicate into (defaults to the source database name)" optional:"" env:"TARGET_DATABASE"`
	TargetConf     string `name:"target-conf" help:"MySQL option file with a [client] section for the target" optional:"" type:"existingfile"`
	TargetTLSMode  string `name:"target-tls-mode" help:"TLS connection mode for the target: DISABLED, PREFERRED (default), REQUIRED, VERIFY_CA, VERIFY_IDENTITY" optional:"" env:"TARGET_TLS_MODE"`
	TargetTLSCA    string `name:"target-tls-ca" help:"Path to a custom TLS CA certificate for the target" optional:""`

	Charset          string        `name:"charset" help:"Connection character set" optional:"" default:"utf8mb4"`
	IncludeTables    string        `name:"include-tables" help:"Comma separated list of tables to replicate (default all)" optional:""`
	ExcludeTables    string        `name:"exclude-tables" help:"Comma separated list of tables to skip" optional:""`
	AllDatabases     bool          `name:"all-databases" help:"Replicate every non-system database on the source" optional:"" default:"false"`
	SkipObjects      bool          `name:"skip-objects" help:"Do not replicate views, routines and triggers" optional:"" default:"false"`
	SkipVerify       bool          `name:"skip-verify" help:"Do not verify the copied tables" optional:"" default:"false"`
	BatchSize        uint64        `name:"batch-size" help:"Number of rows read and written per page" optional:"" default:"10000"`
	Threads          int           `name:"threads" help:"Number of tables copied in parallel" optional:"" default:"4"`
	ProgressInterval time.Duration `name:"progress-interval" help:"How often progress is reported" optional:"" default:"5s"`
	StripDefiner     bool          `name:"strip-definer" help:"Remove DEFINER clauses from views, routines and triggers" optional:"" default:"false"`
	ReplicaDSN       string        `name:"replica-dsn" help:"A DSN for a replica of the target which (if specified) will be used for lag checking" optional:""`
	ReplicaMaxLag    time.Duration `name:"replica-max-lag" help:"The maximum lag allowed on the replica before the copy throttles" optional:"" default:"120s"`
	SummaryFile      string        `name:"summary-file" help:"Write the replication summary as JSON to this file" optional:""`
	Strict           bool          `name:"strict" help:"Exit with an error when any table, object or verification failed" optional:"" default:"false"`

	// Programmatic options. When Source or Target is nil
	// a MySQL endpoint is built from the flags.
	Source         backend.Endpoint    `kong:"-"`
	Target         backend.Endpoint    `kong:"-"`
	Throttler      throttler.Throttler `kong:"-"`
	MetricsSink    metrics.Sink        `kong:"-"`
	ProgressWriter io.Writer           `kong:"-"`
	RunID          string              `kong:"-"`
}

func (r *Replicate) Run() error {
	runner, err := NewRunner(r)
	if err != nil {
		return err
	}
	defer utils.CloseAndLog(runner)
	_, err = runner.Run(context.TODO())
	return err
}

// validate checks the options that do not depend on a connection.
func (r *Replicate) validate() error {
	if r.Threads < 1 {
		return errors.New("--threads must be at least 1")
	}
	if r.BatchSize < 1 {
		return errors.New("--batch-size must be at least 1")
	}
	if r.AllDatabases && r.TargetDatabase != "" {
		return errors.New("--target-database can not be combined with --all-databases")
	}
	return nil
}

// sourceConfig returns the connection settings for the source. Flags
// take precedence over the option file, which takes precedence over
// the defaults.
func (r *Replicate) sourceConfig() (dbconn.ConnectionConfig, error) {
	return connectionConfig(dbconn.ConnectionConfig{
		Host:               r.SourceHost,
		Port:               r.SourcePort,
		User:               r.SourceUser,
		Password:           r.SourcePassword,
		Database:           r.SourceDatabase,
		Charset:            r.Charset,
		TLSMode:            r.SourceTLSMode,
		TLSCertificatePath: r.SourceTLSCA,
	}, r.SourceConf)
}

func (r *Replicate) targetConfig() (dbconn.ConnectionConfig, error) {
	return connectionConfig(dbconn.ConnectionConfig{
		Host:               r.TargetHost,
		Port:               r.TargetPort,
		User:               r.TargetUser,
		Password:           r.TargetPassword,
		Database:           r.TargetDatabase,
		Charset:            r.Charset,
		TLSMode:            r.TargetTLSMode,
		TLSCertificatePath: r.TargetTLSCA,
	}, r.TargetConf)
}

func connectionConfig(c dbconn.ConnectionConfig, confFile string) (dbconn.ConnectionConfig, error) {
	params, err := dbconn.LoadConfParams(confFile)
	if err != nil {
		return c, err
	}
	c = params.Apply(c)
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.User == "" {
		c.User = defaultUser
	}
	return c, nil
}
