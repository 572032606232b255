// Package testutil holds fixtures shared by the package tests.
package testutil

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// CreateFiles writes files under dir. Keys are slash-separated paths
// relative to dir; parent directories are created as needed.
func CreateFiles(tb testing.TB, dir string, files map[string]string) {
	tb.Helper()
	for path, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			tb.Fatalf("mkdir %s: %v", path, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			tb.Fatalf("write %s: %v", path, err)
		}
	}
}

// SkipWithoutSymlinks skips tests that create symlinks where that needs
// privileges.
func SkipWithoutSymlinks(tb testing.TB) {
	tb.Helper()
	if runtime.GOOS == "windows" {
		tb.Skip("symlinks need elevated privileges on windows")
	}
}

// Symlink creates link pointing at target, failing the test on error.
func Symlink(tb testing.TB, target, link string) {
	tb.Helper()
	if err := os.Symlink(target, link); err != nil {
		tb.Fatalf("symlink %s -> %s: %v", link, target, err)
	}
}

// ErrDiskFull is returned by FailingWriter once its limit is reached.
var ErrDiskFull = errors.New("disk full")

// FailingWriter accepts Limit bytes and then fails every write.
type FailingWriter struct {
	Limit int
	n     int
}

func (f *FailingWriter) Write(p []byte) (int, error) {
	if f.n+len(p) > f.Limit {
		return 0, ErrDiskFull
	}
	f.n += len(p)
	return len(p), nil
}

// Written returns the bytes accepted so far.
func (f *FailingWriter) Written() int { return f.n }

// BrokenReader yields After bytes of filler and then returns Err.
type BrokenReader struct {
	After int
	Err   error
}

func (b *BrokenReader) Read(p []byte) (int, error) {
	if b.After <= 0 {
		return 0, b.Err
	}
	n := min(len(p), b.After)
	for i := range n {
		p[i] = 'x'
	}
	b.After -= n
	return n, nil
}
