package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_JSON_PATH", filepath.Join(t.TempDir(), "does-not-exist.json"))
	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, "oms-position", s.AppName)
	require.Equal(t, 3306, s.MySQLPort)
	require.True(t, s.RequireEncryptedCredentials)
}

func TestLoadSectionedOverridesFlat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	err := os.WriteFile(path, []byte(`{
		"mysql_host": "flat-host",
		"database": {"mysql_host": "db.internal", "mysql_port": 3307},
		"worker": {"pool_id": 2, "max_attempts": 9},
		"security": {"require_encrypted_credentials": false}
	}`), 0o644)
	require.NoError(t, err)
	t.Setenv("CONFIG_JSON_PATH", path)

	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, "db.internal", s.MySQLHost)
	require.Equal(t, 3307, s.MySQLPort)
	require.Equal(t, 2, s.WorkerPoolID)
	require.Equal(t, 9, s.WorkerMaxAttempts)
	require.False(t, s.RequireEncryptedCredentials)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CONFIG_JSON_PATH", filepath.Join(t.TempDir(), "does-not-exist.json"))
	t.Setenv("OMS_MYSQL_HOST", "env-host")
	s, err := Load()
	require.NoError(t, err)
	require.Equal(t, "env-host", s.MySQLHost)
}
