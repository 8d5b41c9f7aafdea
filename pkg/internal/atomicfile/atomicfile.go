// Package atomicfile replaces files so that readers see either the old or the
// new content, never a partial write.
package atomicfile

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WriteFile writes data to a temporary file beside path, syncs it, renames it
// over path and syncs the directory.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := ioutil.TempFile(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return errors.Wrap(err, "unable to create temporary file")
	}
	tmp := f.Name()
	cleanup := func() {
		f.Close()
		os.Remove(tmp)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return errors.Wrapf(err, "unable to write %s", tmp)
	}
	if err := f.Chmod(perm); err != nil {
		cleanup()
		return errors.Wrapf(err, "unable to set mode on %s", tmp)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return errors.Wrapf(err, "unable to sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "unable to close %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "unable to rename into %s", path)
	}
	return SyncDir(dir)
}

// Remove deletes path and syncs its directory. A missing file is not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "unable to remove %s", path)
	}
	return SyncDir(filepath.Dir(path))
}

// SyncDir flushes directory entries so a completed rename survives a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "unable to open directory %s", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrapf(err, "unable to sync directory %s", dir)
	}
	return nil
}
