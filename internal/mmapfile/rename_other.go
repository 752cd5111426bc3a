//go:build !linux

package mmapfile

import (
	"fmt"
	"os"
)

// renameNoReplace is a best-effort non-replacing rename on platforms
// without renameat2: it is inherently racy (TOCTOU between Stat and
// Rename), but the only caller is segment publication where two processes
// racing to publish the same next segment id is already excluded by the
// single-writer invariant (spec §1 Non-goals: no multi-writer protocol).
func renameNoReplace(oldPath, newPath string) error {
	if _, err := os.Stat(newPath); err == nil {
		return fmt.Errorf("mmapfile: %s already exists", newPath)
	}
	return os.Rename(oldPath, newPath)
}
