package dbconn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDSN(t *testing.T) {
	c := ConnectionConfig{Host: "db1", Port: 3307, User: "app", Password: "secret", Database: "shop", TLSMode: "DISABLED"}
	dsn, err := newDSN(c, "", NewDBConfig())
	require.NoError(t, err)
	assert.Contains(t, dsn, "app:secret@tcp(db1:3307)/shop?")
	assert.Contains(t, dsn, "tls=false")
	assert.Contains(t, dsn, "sql_mode=%22%22")
	assert.Contains(t, dsn, "charset=utf8mb4")
	assert.Contains(t, dsn, "group_concat_max_len=18446744073709551615")
	assert.NotContains(t, dsn, "foreign_key_checks")

	config := NewDBConfig()
	config.DisableForeignKeyChecks = true
	c.Charset = "latin1"
	dsn, err = newDSN(c, "shop_copy", config)
	require.NoError(t, err)
	assert.Contains(t, dsn, "/shop_copy?")
	assert.Contains(t, dsn, "foreign_key_checks=0")
	assert.Contains(t, dsn, "charset=latin1")

	c.TLSMode = "bogus"
	_, err = newDSN(c, "", config)
	assert.ErrorContains(t, err, "unknown tls mode")
}

func TestConnectionConfig(t *testing.T) {
	c := ConnectionConfig{Host: "localhost", User: "root", Password: "pw", Database: "app"}
	assert.Equal(t, "localhost:3306", c.Addr())
	assert.Equal(t, "root@localhost:3306/app", c.String())
	assert.NotContains(t, c.String(), "pw")
	assert.Equal(t, "root:pw@tcp(localhost:3306)/other", c.DSN("other"))
	assert.Equal(t, "root:pw@tcp(localhost:3306)/app", c.DSN(""))
}

func TestConnectionConfigFromDSN(t *testing.T) {
	c, err := ConnectionConfigFromDSN("u:p@tcp(10.0.0.1:3310)/db?tls=skip-verify")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", c.Host)
	assert.Equal(t, 3310, c.Port)
	assert.Equal(t, "u", c.User)
	assert.Equal(t, "p", c.Password)
	assert.Equal(t, "db", c.Database)
	assert.Equal(t, "REQUIRED", c.TLSMode)

	_, err = ConnectionConfigFromDSN("not a dsn")
	assert.Error(t, err)
}

func TestNewTLSConfigInvalidCA(t *testing.T) {
	_, err := newTLSConfig([]byte("not a certificate"), true)
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	_, err = tlsParam(ConnectionConfig{TLSMode: "VERIFY_CA", TLSCertificatePath: path})
	assert.Error(t, err)

	mode, err := tlsParam(ConnectionConfig{TLSMode: "verify_identity"})
	assert.NoError(t, err)
	assert.Equal(t, "true", mode)
}

// writeCA writes a self-signed CA certificate to a file and returns its path.
func writeCA(t *testing.T, name string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), name+".pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	return path
}

func TestTLSConfigPerCA(t *testing.T) {
	caA := writeCA(t, "source-ca")
	caB := writeCA(t, "target-ca")

	src, err := tlsParam(ConnectionConfig{Host: "src", TLSMode: "VERIFY_CA", TLSCertificatePath: caA})
	require.NoError(t, err)
	dst, err := tlsParam(ConnectionConfig{Host: "dst", TLSMode: "VERIFY_CA", TLSCertificatePath: caB})
	require.NoError(t, err)
	assert.NotEqual(t, src, dst)

	// the same CA and mode reuse the registered config.
	again, err := tlsParam(ConnectionConfig{Host: "src", TLSMode: "verify_ca", TLSCertificatePath: caA})
	require.NoError(t, err)
	assert.Equal(t, src, again)

	identity, err := tlsParam(ConnectionConfig{TLSMode: "VERIFY_IDENTITY", TLSCertificatePath: caA})
	require.NoError(t, err)
	assert.NotEqual(t, src, identity)

	srcCfg, ok := registeredTLSConfigs.Load(src)
	require.True(t, ok)
	dstCfg, ok := registeredTLSConfigs.Load(dst)
	require.True(t, ok)
	assert.NotSame(t, srcCfg, dstCfg)

	dsn, err := newDSN(ConnectionConfig{Host: "src", TLSMode: "VERIFY_CA", TLSCertificatePath: caA}, "", NewDBConfig())
	require.NoError(t, err)
	assert.Contains(t, dsn, "tls="+src)
}

func TestLoadConfParams(t *testing.T) {
	path := filepath.Join(t.TempDir(), "my.cnf")
	require.NoError(t, os.WriteFile(path, []byte(`[client]
host = replica.internal
port = 3307
user = copier
password = hunter2
database = orders
tls-mode = REQUIRED
`), 0o600))

	params, err := LoadConfParams(path)
	require.NoError(t, err)
	assert.Equal(t, "replica.internal", params.Host)
	assert.Equal(t, 3307, params.Port)
	require.NotNil(t, params.Password)
	assert.Equal(t, "hunter2", *params.Password)

	// explicit values win over the option file.
	c := params.Apply(ConnectionConfig{User: "admin"})
	assert.Equal(t, "admin", c.User)
	assert.Equal(t, "replica.internal", c.Host)
	assert.Equal(t, 3307, c.Port)
	assert.Equal(t, "hunter2", c.Password)
	assert.Equal(t, "orders", c.Database)
	assert.Equal(t, "REQUIRED", c.TLSMode)

	empty, err := LoadConfParams("")
	require.NoError(t, err)
	assert.Equal(t, ConnectionConfig{Host: "h"}, empty.Apply(ConnectionConfig{Host: "h"}))

	_, err = LoadConfParams(filepath.Join(t.TempDir(), "missing.cnf"))
	assert.Error(t, err)
}
