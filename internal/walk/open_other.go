//go:build !unix

package walk

import (
	"fmt"
	"io/fs"
	"os"
)

// openFileNoFollow opens a file, refusing a symlink in the final component.
func openFileNoFollow(root *os.Root, name string) (*os.File, error) {
	info, err := root.Lstat(name)
	if err != nil {
		return nil, err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return nil, fmt.Errorf("open %s: %w", name, ErrSymlinkEscape)
	}
	return root.Open(name)
}
