package rip

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/meigma/rip/internal/guard"
	"github.com/meigma/rip/internal/walk"
	"github.com/meigma/rip/internal/zipw"
)

const (
	// DefaultPerFileCap is the largest file admitted by default (1 GiB).
	DefaultPerFileCap = guard.DefaultPerFileCap

	// DefaultArchiveCap is the default bound on the uncompressed bytes of
	// one archive (4 GiB).
	DefaultArchiveCap = guard.DefaultArchiveCap

	// DefaultMaxDepth is the deepest path, in components, archived by default.
	DefaultMaxDepth = walk.DefaultMaxDepth

	// DefaultLevel is the default DEFLATE level.
	DefaultLevel = zipw.DefaultLevel

	// DefaultMinCompressSize is the size below which files are stored
	// uncompressed by default.
	DefaultMinCompressSize = 256
)

// config holds configuration for archive creation.
type config struct {
	jobs            int
	level           int
	store           bool
	minCompressSize uint64
	perFileCap      uint64
	archiveCap      uint64
	maxDepth        int
	noFollow        bool
	caseSensitive   bool
	outputDir       string
	exclude         []string
	onEvent         EventFunc
	logger          *slog.Logger
}

func newConfig(opts []Option) *config {
	cfg := &config{
		jobs:            runtime.GOMAXPROCS(0),
		level:           DefaultLevel,
		minCompressSize: DefaultMinCompressSize,
		perFileCap:      DefaultPerFileCap,
		archiveCap:      DefaultArchiveCap,
		maxDepth:        DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// checkExclude rejects malformed exclude patterns.
func (c *config) checkExclude() error {
	for _, p := range c.exclude {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%w: %q", ErrBadPattern, p)
		}
	}
	return nil
}

// log returns the logger, falling back to a discard logger if nil.
func (c *config) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Option configures archive creation.
type Option func(*config)

// WithJobs sets how many archives Run builds at once.
// Values below 1 keep the default of runtime.GOMAXPROCS(0).
func WithJobs(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.jobs = n
		}
	}
}

// WithLevel sets the DEFLATE level, from flate.HuffmanOnly (-2) to
// flate.BestCompression (9). Out of range values select DefaultLevel.
func WithLevel(level int) Option {
	return func(c *config) {
		c.level = level
	}
}

// WithStore stores every file uncompressed.
func WithStore() Option {
	return func(c *config) {
		c.store = true
	}
}

// WithMinCompressSize sets the size below which files are stored
// uncompressed. Zero compresses files of any size, except those with an
// already-compressed extension.
func WithMinCompressSize(n uint64) Option {
	return func(c *config) {
		c.minCompressSize = n
	}
}

// WithMaxFileSize sets the per-file cap. Zero keeps DefaultPerFileCap.
func WithMaxFileSize(n uint64) Option {
	return func(c *config) {
		if n > 0 {
			c.perFileCap = n
		}
	}
}

// WithMaxArchiveSize sets the cap on the uncompressed bytes of one
// archive. Zero keeps DefaultArchiveCap.
func WithMaxArchiveSize(n uint64) Option {
	return func(c *config) {
		if n > 0 {
			c.archiveCap = n
		}
	}
}

// WithMaxDepth sets the depth limit. Values below 1 keep DefaultMaxDepth.
func WithMaxDepth(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}

// WithFollowSymlinks controls whether symlinks that resolve inside the
// source directory are followed (the default). When disabled every symlink
// is skipped.
func WithFollowSymlinks(follow bool) Option {
	return func(c *config) {
		c.noFollow = !follow
	}
}

// WithCaseSensitive compares archive names case-sensitively when resolving
// collisions. By default names differing only in case collide, as they do
// on Windows and macOS.
func WithCaseSensitive() Option {
	return func(c *config) {
		c.caseSensitive = true
	}
}

// WithOutputDir places archives in dir instead of next to their sources.
func WithOutputDir(dir string) Option {
	return func(c *config) {
		c.outputDir = dir
	}
}

// WithExclude leaves out every entry whose slash-separated path relative
// to the source directory matches one of the doublestar patterns, such as
// "**/.git" or "build/**". Excluded entries are not reported as skipped.
func WithExclude(patterns ...string) Option {
	return func(c *config) {
		c.exclude = append(c.exclude, patterns...)
	}
}

// WithEventHandler registers fn to receive diagnostics. Run builds archives
// in parallel, so fn must be safe for concurrent calls.
func WithEventHandler(fn EventFunc) Option {
	return func(c *config) {
		c.onEvent = fn
	}
}

// WithLogger sets the logger every event is mirrored to.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}
