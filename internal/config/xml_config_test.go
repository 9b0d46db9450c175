package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_CreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.xml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<MotecViewer>")
	assert.Contains(t, string(data), "<LDPattern>*.ld</LDPattern>")

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.GetDataDir())
	assert.Equal(t, filepath.Join(dir, "data", "uploads"), cfg.GetUploadDir())
	assert.Equal(t, "0.0.0.0:8090", cfg.GetServerAddr())
	assert.Equal(t, 30*time.Minute, cfg.SessionTimeout())
	assert.Equal(t, time.Duration(0), cfg.ScanInterval(), "discovery is off by default")
}

func TestLoadConfig_ReadsFileAndKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.xml")
	xmlData := `<?xml version="1.0" encoding="UTF-8"?>
<MotecViewer>
  <Server><Port>9000</Port><BindAddress>127.0.0.1</BindAddress></Server>
  <Storage><DataDirectory>/srv/motec</DataDirectory></Storage>
  <Discovery><Enabled>true</Enabled><Directory>logs</Directory><ScanIntervalSeconds>10</ScanIntervalSeconds></Discovery>
</MotecViewer>`
	require.NoError(t, os.WriteFile(path, []byte(xmlData), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.GetServerAddr())
	assert.Equal(t, "/srv/motec", cfg.GetDataDir())
	assert.Equal(t, filepath.Join(dir, "logs"), cfg.Discovery.Directory)
	assert.Equal(t, 10*time.Second, cfg.ScanInterval())
	assert.Equal(t, "*.ldx", cfg.Discovery.LDXPattern, "unset elements keep their defaults")
	assert.Equal(t, 10, cfg.Processing.MaxSessions)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "7777")
	t.Setenv("DATA_DIR", "/var/lib/motec")
	t.Setenv("DUCKDB_TEMP_DIR", "/tmp/duck")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PARSED_DB_DIR", "/var/lib/motec/parsed")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.xml"))
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "/var/lib/motec", cfg.GetDataDir())
	assert.Equal(t, "/var/lib/motec/uploads", cfg.GetUploadDir())
	assert.Equal(t, "/tmp/duck", cfg.Storage.TempDirectory)
	assert.Equal(t, "debug", cfg.Advanced.LogLevel)
	assert.Equal(t, "/var/lib/motec/parsed", cfg.Storage.ParsedDirectory)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.xml")
	require.NoError(t, os.WriteFile(path, []byte("<MotecViewer><Server>"), 0644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestAllowedExtensions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security.AllowedFileTypes = " .LD, ldx ,,"
	assert.Equal(t, []string{".ld", ".ldx"}, cfg.AllowedExtensions())
}

func TestMaxUploadBytes(t *testing.T) {
	cfg := DefaultConfig()
	n, err := cfg.MaxUploadBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(512_000_000), n)

	for raw, want := range map[string]int64{"1MiB": 1 << 20, "64K": 64_000, "": 0, " 2GB ": 2_000_000_000} {
		cfg.Storage.MaxUploadSize = raw
		n, err := cfg.MaxUploadBytes()
		require.NoError(t, err, raw)
		assert.Equal(t, want, n, raw)
	}

	for _, raw := range []string{"lots", "-5M"} {
		cfg.Storage.MaxUploadSize = raw
		_, err := cfg.MaxUploadBytes()
		assert.ErrorContains(t, err, "invalid MaxUploadSize", raw)
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.DataDirectory = filepath.Join(dir, "d")
	cfg.Storage.UploadsDirectory = filepath.Join(dir, "d", "u")
	cfg.Storage.TempDirectory = filepath.Join(dir, "tmp")
	cfg.Storage.ParsedDirectory = filepath.Join(dir, "parsed")

	require.NoError(t, cfg.EnsureDirectories())
	for _, p := range []string{"d", "d/u", "tmp", "parsed"} {
		info, err := os.Stat(filepath.Join(dir, p))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
