//go:build linux

package mmapfile

import "golang.org/x/sys/unix"

// renameNoReplace uses renameat2(RENAME_NOREPLACE) so the kernel atomically
// refuses the rename if finalPath already exists, instead of us racing a
// stat-then-rename check.
func renameNoReplace(oldPath, newPath string) error {
	return unix.Renameat2(unix.AT_FDCWD, oldPath, unix.AT_FDCWD, newPath, unix.RENAME_NOREPLACE)
}
