package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCfg(t *testing.T) {
	cfg := NewDefaultCfg()
	assert.Equal(t, 1024, cfg.PageSize)
	assert.Equal(t, 1024, cfg.BufferFrames)
	assert.Equal(t, 1024, cfg.LockBuckets)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromIni(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "my.ini")
	content := `[engine]
data_dir      = /tmp/xengine-test
page_size     = 4096
buffer_frames = 128
lock_buckets  = 32

[logs]
log_level = debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := NewDefaultCfg()
	require.NoError(t, cfg.Load(path))
	assert.Equal(t, "/tmp/xengine-test", cfg.DataDir)
	assert.Equal(t, 4096, cfg.PageSize)
	assert.Equal(t, 128, cfg.BufferFrames)
	assert.Equal(t, 32, cfg.LockBuckets)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadPartialIniKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "my.ini")
	require.NoError(t, os.WriteFile(path, []byte("[engine]\npage_size = 2048\n"), 0644))

	cfg := NewDefaultCfg()
	require.NoError(t, cfg.Load(path))
	assert.Equal(t, 2048, cfg.PageSize)
	assert.Equal(t, 1024, cfg.BufferFrames)
	assert.Equal(t, "data", cfg.DataDir)
}

func TestSegmentFilePath(t *testing.T) {
	cfg := NewDefaultCfg()
	cfg.DataDir = "/var/lib/xengine"
	assert.Equal(t, filepath.Join("/var/lib/xengine", "7"), cfg.SegmentFilePath("7"))
}
