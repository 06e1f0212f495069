package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sdfs.yaml")
	body := `
max_core: 8
io_sync: true
redis_sharding: 3
redis_replica: 2
workdir: /data/sdfs
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.MaxCore)
	assert.True(t, cfg.IOSync)
	assert.Equal(t, 3, cfg.RedisSharding)
	assert.Equal(t, 2, cfg.RedisReplica)
	assert.Equal(t, "/data/sdfs", cfg.WorkDir)
	// untouched fields keep their defaults
	assert.Equal(t, Default().QueueDepth, cfg.QueueDepth)
}

func TestLoadRejectsInvalidMaxCore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sdfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_core: 0\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/sdfs.yaml")
	assert.Error(t, err)
}
