package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ensureFiles(t *testing.T, rootDir string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := rootify(f, rootDir)
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
}

func TestEnsureRoot(t *testing.T) {
	tmpDir := t.TempDir()

	EnsureRoot(tmpDir)
	ensureFiles(t, tmpDir, "config", "data")

	// idempotent
	EnsureRoot(tmpDir)
}

func TestEnsureTestRoot(t *testing.T) {
	cfg, err := ResetTestRoot(t.TempDir(), "ensureTestRoot")
	require.NoError(t, err)

	ensureFiles(t, cfg.RootDir, "data", "config/config.toml")
	assert.Equal(t, "ensureTestRoot", cfg.Instrumentation.Namespace)
	assert.Equal(t, "memdb", cfg.DBBackend)
}

func TestConfigTemplateIsValidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := DefaultConfig()
	cfg.P2P.PersistentPeers = "0000000000000000000000000000000000000001@127.0.0.1:26656"
	require.NoError(t, cfg.WriteToTemplate(path))

	var parsed map[string]interface{}
	meta, err := toml.DecodeFile(path, &parsed)
	require.NoError(t, err)
	assert.Empty(t, meta.Undecoded())

	for _, section := range []string{"p2p", "relay", "finality", "storage", "bridge", "instrumentation"} {
		assert.Contains(t, parsed, section)
	}
	p2p := parsed["p2p"].(map[string]interface{})
	assert.Equal(t, cfg.P2P.PersistentPeers, p2p["persistent_peers"])
	assert.Equal(t, "10s", p2p["ping_interval"])
	assert.Equal(t, cfg.Mode, parsed["mode"])
}

func TestConfigTemplateRoundTripsThroughViper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := DefaultConfig()
	cfg.Mode = ModeDirector
	cfg.Relay.Workers = 3
	cfg.Storage.Retention = 42
	require.NoError(t, cfg.WriteToTemplate(path))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	loaded := DefaultConfig()
	require.NoError(t, v.Unmarshal(loaded))

	assert.Equal(t, ModeDirector, loaded.Mode)
	assert.Equal(t, 3, loaded.Relay.Workers)
	assert.EqualValues(t, 42, loaded.Storage.Retention)
	assert.Equal(t, cfg.P2P.PeerTimeout, loaded.P2P.PeerTimeout)
	assert.Equal(t, cfg.Bridge.RetryInitialDelay, loaded.Bridge.RetryInitialDelay)
	require.NoError(t, loaded.ValidateBasic())
}
