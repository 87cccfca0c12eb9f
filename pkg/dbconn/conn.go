package dbconn

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/block/replicator/pkg/utils"
	"github.com/go-sql-driver/mysql"
)

const (
	customTLSConfigName = "replicator_verify"
	maxConnLifetime     = time.Minute * 3
	defaultCharset      = "utf8mb4"
)

// groupConcatMaxLen is large enough that a table fingerprint is never truncated.
const groupConcatMaxLen = "18446744073709551615"

// ConnectionConfig describes one endpoint (the source or the target).
// It is immutable once the run starts.
type ConnectionConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Charset  string
	// TLS connection mode: DISABLED, PREFERRED, REQUIRED, VERIFY_CA, VERIFY_IDENTITY
	TLSMode            string
	TLSCertificatePath string
}

// Addr returns host:port.
func (c ConnectionConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 3306
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// String returns a representation safe for logging (no password).
func (c ConnectionConfig) String() string {
	return fmt.Sprintf("%s@%s/%s", c.User, c.Addr(), c.Database)
}

// DSN returns the base DSN for the endpoint. An empty database uses the
// configured default database.
func (c ConnectionConfig) DSN(database string) string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = c.Addr()
	cfg.DBName = c.Database
	if database != "" {
		cfg.DBName = database
	}
	return cfg.FormatDSN()
}

// newTLSConfig creates a TLS config that verifies the server certificate
// against the CA in certData. When verifyHostname is false, the chain is
// verified but the hostname is not.
func newTLSConfig(certData []byte, verifyHostname bool) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(certData) {
		return nil, errors.New("could not parse any certificate from the TLS CA file")
	}
	if verifyHostname {
		return &tls.Config{RootCAs: caCertPool}, nil
	}
	return &tls.Config{
		RootCAs:            caCertPool,
		InsecureSkipVerify: true, // the chain is verified below instead.
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("no certificates provided")
			}
			certs := make([]*x509.Certificate, 0, len(rawCerts))
			for _, rawCert := range rawCerts {
				cert, err := x509.ParseCertificate(rawCert)
				if err != nil {
					return fmt.Errorf("failed to parse certificate: %w", err)
				}
				certs = append(certs, cert)
			}
			intermediates := x509.NewCertPool()
			for _, cert := range certs[1:] {
				intermediates.AddCert(cert)
			}
			_, err := certs[0].Verify(x509.VerifyOptions{
				Roots:         caCertPool,
				Intermediates: intermediates,
			})
			return err
		},
	}, nil
}

var registeredTLSConfigs sync.Map

// tlsParam returns the value for the driver's tls= option. A custom CA is
// registered with the driver once, under a name derived from the mode and
// the certificate contents, so endpoints with different CAs never share a
// TLS config.
func tlsParam(c ConnectionConfig) (string, error) {
	switch strings.ToUpper(c.TLSMode) {
	case "DISABLED":
		return "false", nil
	case "", "PREFERRED":
		return "preferred", nil
	case "REQUIRED":
		return "skip-verify", nil
	case "VERIFY_CA", "VERIFY_IDENTITY":
		if c.TLSCertificatePath == "" {
			return "true", nil // verify against the system roots.
		}
		certData, err := os.ReadFile(c.TLSCertificatePath)
		if err != nil {
			return "", err
		}
		sum := sha256.Sum256(certData)
		name := fmt.Sprintf("%s_%s_%x", customTLSConfigName, strings.ToLower(c.TLSMode), sum[:8])
		if _, ok := registeredTLSConfigs.Load(name); ok {
			return name, nil
		}
		tlsConfig, err := newTLSConfig(certData, strings.EqualFold(c.TLSMode, "VERIFY_IDENTITY"))
		if err != nil {
			return "", err
		}
		if err := mysql.RegisterTLSConfig(name, tlsConfig); err != nil {
			return "", err
		}
		registeredTLSConfigs.Store(name, tlsConfig)
		return name, nil
	default:
		return "", fmt.Errorf("unknown tls mode %q", c.TLSMode)
	}
}

// newDSN returns a new DSN to be used to connect to MySQL.
// It takes the endpoint DSN and appends the session options
// that are needed to copy data faithfully.
func newDSN(c ConnectionConfig, database string, config *DBConfig) (string, error) {
	var ops []string
	tlsValue, err := tlsParam(c)
	if err != nil {
		return "", err
	}
	ops = append(ops, fmt.Sprintf("%s=%s", "tls", url.QueryEscape(tlsValue)))

	// Setting sql_mode looks ill-advised, but unfortunately it's required.
	// A user might have set their SQL mode to empty even if the
	// server has it enabled. After they've inserted data,
	// we need to be able to produce the same when copying.
	ops = append(ops, fmt.Sprintf("%s=%s", "sql_mode", url.QueryEscape(`""`)))
	ops = append(ops, fmt.Sprintf("%s=%s", "time_zone", url.QueryEscape(`"+00:00"`)))
	ops = append(ops, fmt.Sprintf("%s=%s", "innodb_lock_wait_timeout", url.QueryEscape(strconv.Itoa(config.InnodbLockWaitTimeout))))
	ops = append(ops, fmt.Sprintf("%s=%s", "lock_wait_timeout", url.QueryEscape(strconv.Itoa(config.LockWaitTimeout))))
	ops = append(ops, fmt.Sprintf("%s=%s", "transaction_isolation", url.QueryEscape(`"read-committed"`)))
	ops = append(ops, fmt.Sprintf("%s=%s", "group_concat_max_len", groupConcatMaxLen))
	if config.DisableForeignKeyChecks {
		ops = append(ops, fmt.Sprintf("%s=%s", "foreign_key_checks", "0"))
	}
	charset := c.Charset
	if charset == "" {
		charset = defaultCharset
	}
	ops = append(ops, fmt.Sprintf("%s=%s", "charset", url.QueryEscape(charset)))
	// So that we recycle the connection if we inadvertently connect to an old primary which is now a read only replica.
	ops = append(ops, fmt.Sprintf("%s=%s", "rejectReadOnly", "true"))
	ops = append(ops, fmt.Sprintf("%s=%t", "interpolateParams", config.InterpolateParams))
	ops = append(ops, fmt.Sprintf("%s=%s", "allowNativePasswords", "true"))

	dsn := c.DSN(database)
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s%s", dsn, separator, strings.Join(ops, "&")), nil
}

// New is similar to sql.Open except we take the endpoint configuration and
// append additional options to it to standardize the connection.
// It will also ping the connection to ensure it is valid.
// An empty database connects to the endpoint's default database.
func New(c ConnectionConfig, database string, config *DBConfig) (*sql.DB, error) {
	dsn, err := newDSN(c, database, config)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		utils.CloseAndLog(db)
		return nil, err
	}
	db.SetMaxOpenConns(config.MaxOpenConnections)
	db.SetConnMaxLifetime(maxConnLifetime)
	return db, nil
}

// ConnectionConfigFromDSN converts a go-sql-driver DSN into a ConnectionConfig.
// The tls= option of the DSN is carried over as the TLS mode.
func ConnectionConfigFromDSN(dsn string) (ConnectionConfig, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return ConnectionConfig{}, err
	}
	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		host, portStr = cfg.Addr, "3306"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ConnectionConfig{}, fmt.Errorf("invalid port in %q: %w", cfg.Addr, err)
	}
	c := ConnectionConfig{
		Host:     host,
		Port:     port,
		User:     cfg.User,
		Password: cfg.Passwd,
		Database: cfg.DBName,
	}
	switch strings.ToLower(cfg.TLSConfig) {
	case "false":
		c.TLSMode = "DISABLED"
	case "skip-verify":
		c.TLSMode = "REQUIRED"
	case "true":
		c.TLSMode = "VERIFY_IDENTITY"
	}
	return c, nil
}
