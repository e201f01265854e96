package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestLoadWithNoFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().Chunk, cfg.Chunk)
}

func TestLoadParsesByteSizeAndOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("chunk:\n  chunk_size: 128MiB\n  block_size: 8MiB\nobject_store:\n  kind: s3\n  bucket: test\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 128*1024*1024, cfg.Chunk.ChunkSize.Bytes())
	require.Equal(t, "s3", cfg.ObjectStore.Kind)
	require.Equal(t, "test", cfg.ObjectStore.Bucket)
}

func TestValidateRejectsBadObjectStoreKind(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ObjectStore.Kind = "nonsense"
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsZeroChunkSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Chunk.ChunkSize = 0
	require.Error(t, Validate(cfg))
}

func TestDumpRoundTripsThroughYAML(t *testing.T) {
	out, err := Dump(DefaultConfig())
	require.NoError(t, err)
	require.Contains(t, out, "chunk_size")
	require.Contains(t, out, "object_store")
}
