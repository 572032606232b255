//go:build unix

package walk

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// openFileNoFollow opens a file without following a symlink in the final
// component.
func openFileNoFollow(root *os.Root, name string) (*os.File, error) {
	f, err := root.OpenFile(name, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if errors.Is(err, syscall.ELOOP) {
			return nil, fmt.Errorf("open %s: %w", name, ErrSymlinkEscape)
		}
		return nil, err
	}
	return f, nil
}
