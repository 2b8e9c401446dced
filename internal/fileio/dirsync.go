package fileio

import (
	"os"

	"github.com/cockroachdb/errors"
)

// DirSync calls fsync(2) on a directory so that renames and new dentries
// within it survive a crash. Must be called after os.Create/os.Rename on
// the file's parent directory. Adapted from the teacher's
// internal/mirror/dirsync.go.
func DirSync(dir string) error {
	f, err := os.OpenFile(dir, os.O_RDONLY, 0) // #nosec G304 - dir is caller-controlled destination directory
	if err != nil {
		return errors.Wrap(err, "fileio.DirSync")
	}
	defer f.Close()

	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "fileio.DirSync")
	}
	return nil
}

// AtomicRename renames tmp to final and fsyncs the containing directory,
// implementing the ".pdpart -> filename" completion step from spec §4.3.
func AtomicRename(tmp, final, dir string) error {
	if err := os.Rename(tmp, final); err != nil {
		return errors.Wrap(err, "fileio.AtomicRename")
	}
	return DirSync(dir)
}
