package atomicfile

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/assert"
)

func TestWriteFileReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "record.json")

	assert.NilError(t, WriteFile(path, []byte("one"), 0600))
	assert.NilError(t, WriteFile(path, []byte("two"), 0600))

	data, err := ioutil.ReadFile(path)
	assert.NilError(t, err)
	assert.Equal(t, string(data), "two")

	info, err := os.Stat(path)
	assert.NilError(t, err)
	assert.Equal(t, info.Mode().Perm(), os.FileMode(0600))

	entries, err := ioutil.ReadDir(dir)
	assert.NilError(t, err)
	assert.Equal(t, len(entries), 1, "temporary files left behind")
}

func TestWriteFileMissingDir(t *testing.T) {
	err := WriteFile(filepath.Join(t.TempDir(), "nope", "record.json"), []byte("x"), 0600)
	assert.ErrorContains(t, err, "unable to create temporary file")
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone")
	assert.NilError(t, WriteFile(path, []byte("x"), 0600))
	assert.NilError(t, Remove(path))
	assert.NilError(t, Remove(path))
	_, err := os.Stat(path)
	assert.Assert(t, os.IsNotExist(err))
}
