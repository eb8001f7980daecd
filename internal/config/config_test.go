package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "aggressive", cfg.Profile)
	assert.Equal(t, 15*time.Second, cfg.StallTimeout)
	assert.Zero(t, cfg.Segments)
	assert.False(t, cfg.NoStealing)
}

func TestZeroOr(t *testing.T) {
	assert.Equal(t, "a", zeroOr("", "a"))
	assert.Equal(t, "b", zeroOr("b", "a"))
	assert.Equal(t, 5, zeroOr(0, 5))
	assert.Equal(t, 3, zeroOr(3, 5))
}

func TestReadList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.yaml")
	content := `
- link: https://example.com/a.zip
  op: /tmp/a.zip
- link: https://example.com/b.zip
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	entries, err := ReadList(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "https://example.com/a.zip", entries[0].URL)
	assert.Equal(t, "/tmp/a.zip", entries[0].OutputPath)
	assert.Equal(t, "https://example.com/b.zip", entries[1].URL)
	assert.Empty(t, entries[1].OutputPath)
}

func TestReadListMissing(t *testing.T) {
	_, err := ReadList(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
