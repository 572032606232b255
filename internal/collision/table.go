// Package collision assigns unique archive paths within a single archive.
package collision

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/meigma/rip/internal/sanitize"
)

// MaxAttempts bounds the numeric disambiguators tried for one entry.
const MaxAttempts = 10_000

// Sentinel errors for name placement.
var (
	// ErrUnresolved is returned when no free name was found within MaxAttempts.
	ErrUnresolved = errors.New("rip: naming collision unresolved")

	// ErrParentMissing is returned for an entry whose parent directory was
	// never placed, usually because the parent itself was skipped.
	ErrParentMissing = errors.New("rip: parent directory not in archive")
)

// Option configures a Table.
type Option func(*Table)

// WithCaseSensitive compares names byte for byte. By default names that
// differ only in letter case collide, as they would on Windows and macOS.
func WithCaseSensitive() Option {
	return func(t *Table) {
		t.fold = false
	}
}

// Table holds the names already assigned in one archive.
//
// Files and directories are tracked separately, so a file never
// disambiguates against a directory of the same name. A Table is not safe
// for concurrent use.
type Table struct {
	files  map[string]struct{}
	dirs   map[string]struct{}
	placed map[string]string // raw directory key -> assigned path, no trailing slash
	fold   bool
	caser  cases.Caser
}

// New creates an empty table.
func New(opts ...Option) *Table {
	t := &Table{
		files:  make(map[string]struct{}),
		dirs:   make(map[string]struct{}),
		placed: make(map[string]string),
		fold:   true,
		caser:  cases.Fold(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Len returns the number of names assigned so far.
func (t *Table) Len() int {
	return len(t.files) + len(t.dirs)
}

// Place assigns the final archive path for an entry.
//
// raw holds the entry's unsanitized components relative to the source root
// and segment is the sanitized form of its last component. The entry goes
// under whatever name its parent directory was given, so parents must be
// placed before their children. Directory paths are returned with a
// trailing "/".
func (t *Table) Place(raw []string, segment string, isDir bool) (string, error) {
	if len(raw) == 0 {
		return "", sanitize.ErrEmptyPath
	}
	var parent string
	if len(raw) > 1 {
		p, ok := t.placed[rawKey(raw[:len(raw)-1])]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrParentMissing, strings.Join(raw[:len(raw)-1], "/"))
		}
		parent = p
	}

	set := t.files
	if isDir {
		set = t.dirs
	}
	name, err := t.claim(set, parent, segment, isDir)
	if err != nil {
		return "", err
	}
	if isDir {
		t.placed[rawKey(raw)] = name
		return name + "/", nil
	}
	return name, nil
}

// Forget drops the placement of a directory that did not make it into the
// archive, so its children are refused with ErrParentMissing. The name
// stays claimed.
func (t *Table) Forget(raw []string) {
	delete(t.placed, rawKey(raw))
}

// Release frees a file name returned by Place for an entry that was not
// written, so a later entry can take it.
func (t *Table) Release(name string) {
	delete(t.files, t.key(name))
}

func (t *Table) claim(set map[string]struct{}, parent, segment string, isDir bool) (string, error) {
	if name := joinPath(parent, segment); t.insert(set, name) {
		return name, nil
	}

	stem, ext := splitExt(segment, isDir)
	for n := 1; n <= MaxAttempts; n++ {
		candidate := disambiguate(stem, ext, n)
		if name := joinPath(parent, candidate); t.insert(set, name) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnresolved, joinPath(parent, segment))
}

// disambiguate numbers stem, keeping the result within MaxSegmentBytes.
// A stem already ending in the "_" placeholder takes the digits directly,
// so "a_" becomes "a_1" rather than "a__1".
func disambiguate(stem, ext string, n int) string {
	digits := strconv.Itoa(n) + ext
	if s := sanitize.TrimToBoundary(stem, sanitize.MaxSegmentBytes-len(digits)); strings.HasSuffix(s, "_") {
		return s + digits
	}
	return sanitize.TrimToBoundary(stem, sanitize.MaxSegmentBytes-len(digits)-1) + "_" + digits
}

func (t *Table) key(name string) string {
	if t.fold {
		return t.caser.String(name)
	}
	return name
}

// insert adds name to set unless an equivalent name is already present.
func (t *Table) insert(set map[string]struct{}, name string) bool {
	key := t.key(name)
	if _, taken := set[key]; taken {
		return false
	}
	set[key] = struct{}{}
	return true
}

// splitExt separates the extension a disambiguator goes in front of.
// Directories and dot-files without a stem have no extension.
func splitExt(segment string, isDir bool) (stem, ext string) {
	if isDir {
		return segment, ""
	}
	ext = path.Ext(segment)
	if ext == segment {
		return segment, ""
	}
	return strings.TrimSuffix(segment, ext), ext
}

func joinPath(parent, segment string) string {
	if parent == "" {
		return segment
	}
	return parent + "/" + segment
}

// rawKey joins raw components with NUL, which no filesystem allows inside a
// name, so distinct component lists never share a key.
func rawKey(raw []string) string {
	return strings.Join(raw, "\x00")
}
