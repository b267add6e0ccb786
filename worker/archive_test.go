package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiver_ArchiveZipsDirectory(t *testing.T) {
	root := t.TempDir()
	staging := t.TempDir()

	nodeDir := filepath.Join(root, "node-1")
	require.NoError(t, os.MkdirAll(nodeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nodeDir, "out.csv"), []byte("a,b,c\n"), 0o644))

	a := NewArchiver(root, staging, nil)
	bundle, err := a.Archive(context.Background(), "node-1")
	require.NoError(t, err)

	assert.Equal(t, "node-1", bundle.NodeID)
	assert.FileExists(t, bundle.ArchivePath)
	assert.Greater(t, bundle.SizeBytes, int64(0))
}

func TestArchiver_ArchiveEmptyDirStillProducesValidZip(t *testing.T) {
	root := t.TempDir()
	staging := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node-empty"), 0o755))

	a := NewArchiver(root, staging, nil)
	bundle, err := a.Archive(context.Background(), "node-empty")
	require.NoError(t, err)
	assert.FileExists(t, bundle.ArchivePath)
}
