package os_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	tmos "github.com/tendermint/checkpointbft/libs/os"
)

func TestEnsureDir(t *testing.T) {
	tmp := t.TempDir()

	// Should be possible to create a new directory.
	require.NoError(t, tmos.EnsureDir(filepath.Join(tmp, "dir"), 0755))
	require.DirExists(t, filepath.Join(tmp, "dir"))

	// Should succeed on existing directory.
	require.NoError(t, tmos.EnsureDir(filepath.Join(tmp, "dir"), 0755))

	// Should fail on file.
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "file"), []byte{}, 0644))
	require.Error(t, tmos.EnsureDir(filepath.Join(tmp, "file"), 0755))

	require.True(t, tmos.FileExists(filepath.Join(tmp, "file")))
	require.False(t, tmos.FileExists(filepath.Join(tmp, "missing")))
}
