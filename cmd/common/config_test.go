package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// We should load config correctly.
func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, `
dataDir: ~/somewhere/else
listen: 0.0.0.0:9000
log: warn
`)
	conf := LoadConfig(path)

	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, "somewhere/else"), conf.DataDir)
	assert.Equal(t, "0.0.0.0:9000", conf.Listen)
	assert.Equal(t, "warn", conf.LogLevel)
}

// Fields absent from the file come from the defaults.
func TestConfigMerge(t *testing.T) {
	t.Parallel()

	path := writeTestConfig(t, `
dataDir: /some/directory
`)
	conf := LoadConfig(path)

	assert.Equal(t, "/some/directory", conf.DataDir)
	assert.Equal(t, "debug", conf.LogLevel)
	assert.Equal(t, "127.0.0.1:7770", conf.Listen)
	assert.Equal(t, int64(1<<20), conf.HotThresholdBytes)
}

// We should come up with the defaults if there is no config file.
func TestLoadNonexistentConfig(t *testing.T) {
	t.Parallel()

	conf := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yml"))

	cache, _ := os.UserCacheDir()
	assert.Equal(t, filepath.Join(cache, "tierfs"), conf.DataDir)
	assert.Equal(t, "debug", conf.LogLevel)
}

func TestWriteConfigRoundtrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sub", "config.yml")
	original := Config{
		DataDir:  "/var/lib/tierfs",
		Listen:   "127.0.0.1:7771",
		LogLevel: "info",
	}
	require.NoError(t, original.WriteConfig(path))

	loaded := LoadConfig(path)
	assert.Equal(t, original.DataDir, loaded.DataDir)
	assert.Equal(t, original.Listen, loaded.Listen)
	assert.Equal(t, original.LogLevel, loaded.LogLevel)
}
