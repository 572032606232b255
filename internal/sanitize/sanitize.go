// Package sanitize turns raw filesystem names into archive entry names that
// are legal, and display identically, on Windows, macOS and Linux.
//
// The rules are the union of every supported platform's restrictions and do
// not depend on the host the archive is built on.
package sanitize

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"
)

const (
	// MaxSegmentBytes bounds one path segment. Most filesystems cap a name
	// at 255 bytes or 255 UTF-16 units; a UTF-8 name within 255 bytes
	// satisfies both.
	MaxSegmentBytes = 255

	// MaxPathBytes bounds a complete archive path.
	MaxPathBytes = 4096

	// Placeholder replaces every byte or character that cannot be kept.
	Placeholder = '_'

	// maxExtBytes is the longest extension kept when a segment is truncated.
	maxExtBytes = 16
)

// Sentinel errors for path sanitization.
var (
	// ErrEmptyPath is returned for a path with no segments.
	ErrEmptyPath = errors.New("rip: empty path")

	// ErrPathTooLong is returned when a joined path exceeds MaxPathBytes.
	ErrPathTooLong = errors.New("rip: path too long")

	// ErrUnsafePath is returned by Validate for names that could escape the
	// extraction directory.
	ErrUnsafePath = errors.New("rip: unsafe archive path")
)

// Name is the archive form of a filesystem path.
type Name struct {
	// Path is the slash-separated UTF-8 archive path.
	Path string

	// Modified is true when any segment had to be rewritten.
	Modified bool
}

// Path sanitizes each raw segment and joins the results with "/".
func Path(components []string) (Name, error) {
	if len(components) == 0 {
		return Name{}, ErrEmptyPath
	}
	segs := make([]string, len(components))
	var modified bool
	for i, c := range components {
		seg, changed := Segment(c)
		segs[i] = seg
		modified = modified || changed
	}
	joined := strings.Join(segs, "/")
	if len(joined) > MaxPathBytes {
		return Name{}, fmt.Errorf("%w: %d bytes", ErrPathTooLong, len(joined))
	}
	return Name{Path: joined, Modified: modified}, nil
}

// Segment sanitizes a single raw path segment. It reports whether the
// result differs from the input.
//
// Segment is deterministic and idempotent: Segment of its own output
// returns the output unchanged.
func Segment(raw string) (string, bool) {
	s := replaceInvalidUTF8(raw)
	s = norm.NFC.String(s)
	s = replaceIllegal(s)
	s = escapeReserved(s)
	s = truncate(s)
	return s, s != raw
}

// Validate checks that name is a relative, slash-separated path with no
// parent references, drive letter or backslash. A trailing "/" (directory
// entry) is allowed.
func Validate(name string) error {
	trimmed := strings.TrimSuffix(name, "/")
	switch {
	case trimmed == "":
		return fmt.Errorf("%w: empty", ErrUnsafePath)
	case len(trimmed) > MaxPathBytes:
		return fmt.Errorf("%w: %q", ErrPathTooLong, name)
	case strings.HasPrefix(trimmed, "/"):
		return fmt.Errorf("%w: leading slash: %q", ErrUnsafePath, name)
	case strings.ContainsRune(trimmed, '\\'):
		return fmt.Errorf("%w: backslash: %q", ErrUnsafePath, name)
	case hasDriveLetter(trimmed):
		return fmt.Errorf("%w: drive letter: %q", ErrUnsafePath, name)
	}
	for seg := range strings.SplitSeq(trimmed, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: segment %q in %q", ErrUnsafePath, seg, name)
		}
	}
	return nil
}

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0] | 0x20
	return c >= 'a' && c <= 'z'
}

// replaceInvalidUTF8 turns each byte that does not begin a valid UTF-8
// sequence into the placeholder.
func replaceInvalidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size <= 1 {
			b.WriteByte(Placeholder)
			i++
			continue
		}
		b.WriteString(s[i : i+size])
		i += size
	}
	return b.String()
}

// replaceIllegal applies the Windows character rules, which are the
// strictest of the supported targets.
func replaceIllegal(s string) string {
	if s == "" {
		return string(Placeholder)
	}
	mapped := strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(`<>:"/\|?*`, r) {
			return Placeholder
		}
		return r
	}, s)

	// Trailing dots and spaces are silently dropped by Windows.
	end := len(mapped)
	for end > 0 && (mapped[end-1] == '.' || mapped[end-1] == ' ') {
		end--
	}
	if end == len(mapped) {
		return mapped
	}
	return mapped[:end] + strings.Repeat(string(Placeholder), len(mapped)-end)
}

// truncate shortens s to MaxSegmentBytes. The kept prefix is followed by a
// hash of the full segment so distinct long names stay distinct.
func truncate(s string) string {
	if len(s) <= MaxSegmentBytes {
		return s
	}
	tag := fmt.Sprintf("~%08x", uint32(xxhash.Sum64String(s))) //nolint:gosec // truncation to 32 bits is intended

	ext := path.Ext(s)
	if len(ext) > maxExtBytes || len(ext) == len(s) {
		ext = ""
	}

	return TrimToBoundary(s, MaxSegmentBytes-len(tag)-len(ext)) + tag + ext
}

// TrimToBoundary returns the longest prefix of s that is at most n bytes
// and ends on a normalization boundary, so a base character keeps its
// combining marks and an NFC input yields an NFC prefix.
func TrimToBoundary(s string, n int) string {
	if n >= len(s) {
		return s
	}
	if n <= 0 {
		return ""
	}
	keep := n
	for keep > 0 && (!utf8.RuneStart(s[keep]) || !norm.NFC.PropertiesString(s[keep:]).BoundaryBefore()) {
		keep--
	}
	return s[:keep]
}
