package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestResolve_Precedence(t *testing.T) {
	path := writeConfig(t, `dir: /from/config
driver: bolt
wait_timeout: 3s
log_level: debug
`)
	t.Setenv(EnvDir, "/from/env")
	t.Setenv(EnvDriver, "")

	cfg, err := Resolve(Overrides{ConfigPath: path, Driver: "sqlite"})
	require.NoError(t, err)

	assert.Equal(t, "/from/env", cfg.Dir)
	assert.Equal(t, DriverSQLite, cfg.Driver)
	assert.Equal(t, 3*time.Second, cfg.WaitTimeout.Std())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, path, cfg.Path)

	cfg, err = Resolve(Overrides{ConfigPath: path, Dir: "/from/cli"})
	require.NoError(t, err)
	assert.Equal(t, "/from/cli", cfg.Dir)
	assert.Equal(t, DriverBolt, cfg.Driver)
}

func TestResolve_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvDir, "")
	t.Setenv(EnvDriver, "")

	cfg, err := Resolve(Overrides{})
	require.NoError(t, err)
	assert.Empty(t, cfg.Path)
	assert.Equal(t, Default().WaitTimeout, cfg.WaitTimeout)
	assert.Equal(t, DriverSQLite, cfg.Driver)
}

func TestResolve_MissingExplicitFile(t *testing.T) {
	_, err := Resolve(Overrides{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolve_Invalid(t *testing.T) {
	tests := map[string]string{
		"driver":   "driver: leveldb\n",
		"duration": "wait_timeout: soon\n",
		"level":    "log_level: loud\n",
		"yaml":     "dir: [unterminated\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(EnvDriver, "")
			_, err := Resolve(Overrides{ConfigPath: writeConfig(t, body)})
			assert.Error(t, err)
		})
	}
}

func TestResolve_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvDir, "")

	cfg, err := Resolve(Overrides{ConfigPath: writeConfig(t, "dir: ~/data\n")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data"), cfg.Dir)
	assert.Equal(t, filepath.Join(home, "data", "broadcast"), cfg.BroadcastDir())
}

func TestEncode_RoundTrips(t *testing.T) {
	cfg := Default()
	data, err := cfg.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), "wait_timeout: 8s")

	path := writeConfig(t, string(data))
	t.Setenv(EnvDir, "")
	t.Setenv(EnvDriver, "")
	got, err := Resolve(Overrides{ConfigPath: path})
	require.NoError(t, err)
	got.Path = ""
	assert.Equal(t, cfg, got)
}
