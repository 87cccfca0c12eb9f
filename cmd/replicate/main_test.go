package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local)
	f, err := openLogFile(dir, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "replicate_20240309_140507.log"), f.Name())
	_, err = f.WriteString("first\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// A second run in the same second appends.
	f, err = openLogFile(dir, now)
	require.NoError(t, err)
	_, err = f.WriteString("second\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	data, err := os.ReadFile(filepath.Join(dir, "replicate_20240309_140507.log"))
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replicate.env")
	require.NoError(t, os.WriteFile(path, []byte("REPLICATOR_TEST_PASSWORD=secret\n"), 0o600))
	t.Setenv("REPLICATOR_TEST_PASSWORD", "")
	require.NoError(t, os.Unsetenv("REPLICATOR_TEST_PASSWORD"))

	require.NoError(t, loadEnvFile([]string{"--source-host", "db1", "--env-file=" + path}))
	assert.Equal(t, "secret", os.Getenv("REPLICATOR_TEST_PASSWORD"))

	require.NoError(t, os.Unsetenv("REPLICATOR_TEST_PASSWORD"))
	require.NoError(t, loadEnvFile([]string{"--env-file", path}))
	assert.Equal(t, "secret", os.Getenv("REPLICATOR_TEST_PASSWORD"))

	assert.Error(t, loadEnvFile([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}))
}

func TestLoadEnvFileDefaultIsOptional(t *testing.T) {
	t.Chdir(t.TempDir())
	assert.NoError(t, loadEnvFile(nil))
}
