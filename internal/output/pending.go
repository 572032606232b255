// Package output places finished archives next to their sources.
//
// An archive is written to a hidden temporary file in the destination
// directory and only gets its final name once it is complete, so a
// partially written archive is never visible under a real name.
package output

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/meigma/rip/internal/sanitize"
)

// Ext is the extension of every archive.
const Ext = ".zip"

// MaxCandidates bounds the numbered names tried when the plain name is
// taken.
const MaxCandidates = 10_000

// MaxBaseBytes is the longest base name that still leaves room for the
// largest numbered candidate within one path segment.
const MaxBaseBytes = sanitize.MaxSegmentBytes - len(" (10000)"+Ext)

// maxTempPrefixBytes leaves room for the dot, the extension and the random
// suffix of temporary names.
const maxTempPrefixBytes = 200

// ErrNoFreeName is returned when every candidate name is taken.
var ErrNoFreeName = errors.New("rip: no free archive name")

// Candidate returns the n-th name tried for base: "base.zip" for zero and
// "base (n).zip" after that.
func Candidate(base string, n int) string {
	if n == 0 {
		return base + Ext
	}
	return base + " (" + strconv.Itoa(n) + ")" + Ext
}

// Pending is an archive being written to a temporary file.
type Pending struct {
	dir  string
	base string
	tmp  *os.File
	done bool
}

// Create opens a temporary file in dir for an archive named after base.
// base must be a single sanitized segment; it is trimmed to MaxBaseBytes.
// dir is created if needed.
func Create(dir, base string) (*Pending, error) {
	base = sanitize.TrimToBoundary(base, MaxBaseBytes)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+sanitize.TrimToBoundary(base, maxTempPrefixBytes)+Ext+"-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &Pending{dir: dir, base: base, tmp: tmp}, nil
}

// Name returns the path of the temporary file.
func (p *Pending) Name() string {
	return p.tmp.Name()
}

// Write implements io.Writer.
func (p *Pending) Write(b []byte) (int, error) {
	return p.tmp.Write(b)
}

// Commit closes the temporary file and moves it to the first free
// candidate name. An existing file is never replaced. It returns the final
// path.
func (p *Pending) Commit() (string, error) {
	if p.done {
		return "", os.ErrClosed
	}
	p.done = true
	tmpPath := p.tmp.Name()

	if err := p.tmp.Close(); err != nil {
		_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return "", fmt.Errorf("close temp file: %w", err)
	}
	target, err := place(tmpPath, p.dir, p.base)
	if err != nil {
		_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return "", err
	}
	return target, nil
}

// Discard closes and removes the temporary file. It is a no-op after
// Commit or a previous Discard.
func (p *Pending) Discard() error {
	if p.done {
		return nil
	}
	p.done = true
	tmpPath := p.tmp.Name()
	_ = p.tmp.Close() //nolint:errcheck // we're cleaning up
	return os.Remove(tmpPath)
}

// place links tmpPath under the first free candidate name and removes it.
// Hard links fail instead of replacing an existing file, so concurrent
// runs aiming at the same name each get their own. Filesystems without
// hard links fall back to a checked rename.
func place(tmpPath, dir, base string) (string, error) {
	for n := range MaxCandidates {
		target := filepath.Join(dir, Candidate(base, n))
		err := os.Link(tmpPath, target)
		switch {
		case err == nil:
			_ = os.Remove(tmpPath) //nolint:errcheck // the archive is in place
			return target, nil
		case errors.Is(err, fs.ErrExist):
			continue
		}

		if _, statErr := os.Lstat(target); statErr == nil {
			continue
		} else if !errors.Is(statErr, fs.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", target, statErr)
		}
		if err := os.Rename(tmpPath, target); err != nil {
			return "", fmt.Errorf("rename to %s: %w", target, err)
		}
		return target, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoFreeName, Candidate(base, 0))
}
