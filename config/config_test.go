package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	assert.Equal(t, DefaultManagerPort, cfg.Manager.Port)
	assert.Equal(t, DefaultInfoRequestSeconds, cfg.Manager.Timeout.InfoRequestSeconds)
	assert.Equal(t, DefaultOKSeconds, cfg.Comms.Timeout.OKSeconds)
	assert.Equal(t, DefaultZipTimeSeconds, cfg.Comms.Timeout.ZipTimeSeconds)
	assert.Equal(t, DefaultProtocolVersion, cfg.Worker.ProtocolVersion)
}

func TestWriteDefault_WritesValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chimerapy.toml")

	written := &Config{}
	written.Manager.Port = 9777
	require.NoError(t, WriteDefault(path, written))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "9777")
}

func TestLoadFromFile_Override(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chimerapy.toml")

	contents := `
[manager]
port = 9500

[comms.timeout]
"zip-time" = 90
`
	require.NoError(t, os.WriteFile(path, []byte(contents), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9500, cfg.Manager.Port)
	assert.Equal(t, 90, cfg.Comms.Timeout.ZipTimeSeconds)
	// Unset keys keep their defaults
	assert.Equal(t, DefaultOKSeconds, cfg.Comms.Timeout.OKSeconds)
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

