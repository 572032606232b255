// Package walk traverses a source directory for archiving.
//
// The walk is depth-first and pre-order, visits children in name order, and
// refuses anything that could lead outside the source directory: parent
// references, symlinks resolving elsewhere, and symlink cycles.
package walk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultMaxDepth is the deepest path, in components, that is archived.
const DefaultMaxDepth = 100

// Sentinel errors for traversal. Everything except ErrRootUnreadable
// describes a single skipped entry.
var (
	// ErrRootUnreadable is returned when the source directory itself cannot
	// be resolved or listed.
	ErrRootUnreadable = errors.New("rip: source directory unreadable")

	// ErrDepthExceeded is reported for entries deeper than the depth limit.
	ErrDepthExceeded = errors.New("rip: maximum depth exceeded")

	// ErrParentReference is reported for a name that is "." or "..", or
	// that holds a path separator.
	ErrParentReference = errors.New("rip: parent directory reference in path")

	// ErrSymlinkEscape is reported for symlinks resolving outside the root.
	ErrSymlinkEscape = errors.New("rip: symlink points outside the source directory")

	// ErrSymlinkCycle is reported for symlinks back to a directory that is
	// already being walked.
	ErrSymlinkCycle = errors.New("rip: symlink forms a cycle")

	// ErrSymlinkBroken is reported for symlinks that cannot be resolved.
	ErrSymlinkBroken = errors.New("rip: symlink cannot be resolved")

	// ErrSymlinkDisabled is reported for every symlink when following is off.
	ErrSymlinkDisabled = errors.New("rip: symlinks not followed")

	// ErrNotRegular is reported for devices, sockets, FIFOs and the like.
	ErrNotRegular = errors.New("rip: not a regular file or directory")
)

// Entry describes one filesystem object accepted for the archive.
type Entry struct {
	// OSPath is the absolute host path read for this entry. For a followed
	// symlink it is the resolved target.
	OSPath string

	// Components are the raw names from the source root down to the entry.
	Components []string

	// IsDir is true for directories.
	IsDir bool

	// Size is the file size in bytes; zero for directories.
	Size uint64

	// ModTime is the modification time.
	ModTime time.Time

	// Mode holds the permission bits.
	Mode fs.FileMode
}

// Path returns the slash-joined raw relative path, for diagnostics.
func (e Entry) Path() string {
	return strings.Join(e.Components, "/")
}

// Skip describes an entry left out of the walk.
type Skip struct {
	Components []string
	OSPath     string
	Err        error
}

// Path returns the slash-joined raw relative path, for diagnostics.
func (s Skip) Path() string {
	return strings.Join(s.Components, "/")
}

// Option configures a Walker.
type Option func(*Walker)

// WithMaxDepth sets the depth limit. Values below 1 keep the default.
func WithMaxDepth(n int) Option {
	return func(w *Walker) {
		if n > 0 {
			w.maxDepth = n
		}
	}
}

// WithFollowSymlinks controls whether symlinks resolving inside the root
// are followed. It defaults to true.
func WithFollowSymlinks(follow bool) Option {
	return func(w *Walker) {
		w.follow = follow
	}
}

// WithExclude leaves out entries whose slash-separated path relative to
// the root matches any of the doublestar patterns. An excluded directory
// is not descended. Exclusion is silent; it is not a skip.
func WithExclude(patterns ...string) Option {
	return func(w *Walker) {
		w.exclude = append(w.exclude, patterns...)
	}
}

// WithSkipHandler registers fn to receive every skipped entry.
func WithSkipHandler(fn func(Skip)) Option {
	return func(w *Walker) {
		w.onSkip = fn
	}
}

// WithLogger sets the logger for traversal diagnostics.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Walker) {
		w.logger = logger
	}
}

// Walker walks one source directory.
//
// Symlink and cycle state lives in each Walk call, so separate Walkers run
// safely in parallel. A single Walker must not run two walks at once.
type Walker struct {
	dir      string
	canon    string
	root     *os.Root
	maxDepth int
	follow   bool
	exclude  []string
	onSkip   func(Skip)
	logger   *slog.Logger
}

// New returns a Walker for dir. The directory is resolved when a walk
// starts. The Walker must be closed when done.
func New(dir string, opts ...Option) *Walker {
	w := &Walker{
		dir:      dir,
		maxDepth: DefaultMaxDepth,
		follow:   true,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// resolve makes the root absolute, canonicalizes it and opens a root
// handle on it. It runs once per Walker.
func (w *Walker) resolve() error {
	if w.root != nil {
		return nil
	}
	abs, err := filepath.Abs(w.dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRootUnreadable, err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRootUnreadable, err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRootUnreadable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrRootUnreadable, w.dir)
	}
	root, err := os.OpenRoot(canon)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRootUnreadable, err)
	}
	w.canon = canon
	w.root = root
	return nil
}

// Root returns the canonical absolute path being walked, or "" before the
// first walk resolved it.
func (w *Walker) Root() string {
	return w.canon
}

// Close releases the root handle.
func (w *Walker) Close() error {
	if w.root == nil {
		return nil
	}
	err := w.root.Close()
	w.root = nil
	return err
}

// log returns the logger, falling back to a discard logger if nil.
func (w *Walker) log() *slog.Logger {
	if w.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.logger
}

// Walk returns a single-pass sequence of entries below the root, excluding
// the root itself. Children of a directory at the depth limit are each
// skipped with ErrDepthExceeded. Skipped entries go to the skip handler
// and do not end the sequence. A non-nil error is always the last value yielded: it is
// either ErrRootUnreadable or the context's error.
//
// Calling Walk again starts a fresh traversal.
func (w *Walker) Walk(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		if err := w.resolve(); err != nil {
			yield(Entry{}, err)
			return
		}
		t := &traversal{
			ctx:    ctx,
			w:      w,
			yield:  yield,
			active: map[string]struct{}{w.canon: {}},
		}
		t.dir(w.canon, nil)
	}
}

// Open opens a file entry for reading through the root handle, so a path
// that was swapped for a symlink after the walk cannot lead outside the
// source directory.
func (w *Walker) Open(e Entry) (*os.File, error) {
	if w.root == nil {
		return nil, fmt.Errorf("open %s: %w", e.Path(), os.ErrClosed)
	}
	if e.IsDir {
		return nil, fmt.Errorf("open %s: is a directory", e.Path())
	}
	rel, err := filepath.Rel(w.canon, e.OSPath)
	if err != nil || !local(rel) {
		return nil, fmt.Errorf("open %s: %w", e.Path(), ErrSymlinkEscape)
	}
	f, err := openFileNoFollow(w.root, rel)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", e.Path(), ErrNotRegular)
	}
	return f, nil
}

// traversal holds the state of one Walk call.
type traversal struct {
	ctx   context.Context
	w     *Walker
	yield func(Entry, error) bool
	// active holds the canonical paths of the directories on the current
	// descent chain.
	active map[string]struct{}
}

// dir visits the children of the directory at osDir, a canonical path.
// It returns false once the walk must stop.
func (t *traversal) dir(osDir string, comps []string) bool {
	entries, err := os.ReadDir(osDir)
	if err != nil {
		if len(comps) == 0 {
			t.yield(Entry{}, fmt.Errorf("%w: %w", ErrRootUnreadable, err))
			return false
		}
		t.skip(comps, osDir, err)
		return true
	}
	for _, de := range entries {
		if err := t.ctx.Err(); err != nil {
			t.yield(Entry{}, err)
			return false
		}
		if !t.visit(osDir, comps, de.Name()) {
			return false
		}
	}
	return true
}

// visit examines one directory child.
func (t *traversal) visit(parent string, parentComps []string, name string) bool {
	comps := append(slices.Clip(parentComps), name)
	osPath := filepath.Join(parent, name)

	if !validComponent(name) {
		t.skip(comps, osPath, ErrParentReference)
		return true
	}
	if t.w.excluded(comps) {
		t.w.log().Debug("excluded entry", "path", strings.Join(comps, "/"))
		return true
	}
	if len(comps) > t.w.maxDepth {
		t.skip(comps, osPath, fmt.Errorf("%w: %d > %d", ErrDepthExceeded, len(comps), t.w.maxDepth))
		return true
	}

	info, err := os.Lstat(osPath)
	if err != nil {
		t.skip(comps, osPath, err)
		return true
	}
	target := osPath
	if info.Mode()&fs.ModeSymlink != 0 {
		if !t.w.follow {
			t.skip(comps, osPath, ErrSymlinkDisabled)
			return true
		}
		resolved, err := t.w.resolveLink(osPath)
		if err != nil {
			t.skip(comps, osPath, err)
			return true
		}
		if info, err = os.Stat(resolved); err != nil {
			t.skip(comps, osPath, err)
			return true
		}
		target = resolved
	}

	switch {
	case info.IsDir():
		if _, cycle := t.active[target]; cycle {
			t.skip(comps, osPath, ErrSymlinkCycle)
			return true
		}
		entry := Entry{
			OSPath:     target,
			Components: comps,
			IsDir:      true,
			ModTime:    info.ModTime(),
			Mode:       info.Mode().Perm(),
		}
		if !t.yield(entry, nil) {
			return false
		}
		t.active[target] = struct{}{}
		ok := t.dir(target, comps)
		delete(t.active, target)
		return ok
	case info.Mode().IsRegular():
		return t.yield(Entry{
			OSPath:     target,
			Components: comps,
			Size:       uint64(info.Size()), //nolint:gosec // regular file sizes are non-negative
			ModTime:    info.ModTime(),
			Mode:       info.Mode().Perm(),
		}, nil)
	default:
		t.skip(comps, osPath, ErrNotRegular)
		return true
	}
}

func (t *traversal) skip(comps []string, osPath string, err error) {
	s := Skip{Components: comps, OSPath: osPath, Err: err}
	t.w.log().Debug("skipped entry", "path", s.Path(), "reason", err)
	if t.w.onSkip != nil {
		t.w.onSkip(s)
	}
}

// resolveLink resolves every symlink along p and checks that the result
// stays inside the root.
func (w *Walker) resolveLink(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSymlinkBroken, err)
	}
	rel, err := filepath.Rel(w.canon, resolved)
	if err != nil || !local(rel) {
		return "", fmt.Errorf("%w: %s", ErrSymlinkEscape, resolved)
	}
	return resolved, nil
}

// excluded reports whether comps matches an exclude pattern. Patterns are
// validated up front, so a match error counts as no match.
func (w *Walker) excluded(comps []string) bool {
	if len(w.exclude) == 0 {
		return false
	}
	rel := strings.Join(comps, "/")
	for _, pattern := range w.exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// local reports whether a path relative to the root stays inside it.
func local(rel string) bool {
	return rel == "." || filepath.IsLocal(rel)
}

func validComponent(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsRune(name, '/') && !strings.ContainsRune(name, filepath.Separator)
}
