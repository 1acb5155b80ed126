package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deeper", "out.txt")

	require.NoError(t, WriteFileAtomic(path, []byte("hello"), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, WriteFileAtomic(path, []byte("bye"), 0644))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(data), "existing file is replaced")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]int{"a": 1}, 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, string(data))

	assert.Error(t, WriteJSONAtomic(path, make(chan int), 0644))
}
