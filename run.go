package rip

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/rip/internal/output"
	"github.com/meigma/rip/internal/sanitize"
)

// Run archives each directory in dirs into its own ZIP file and returns
// the results in input order.
//
// Archives are built in parallel, up to the WithJobs limit, and never
// share state: a failing archive does not affect the others. Each archive
// is named after its directory: "<dir>.zip" in the parent directory, or
// in the WithOutputDir directory. Existing files are never replaced; the
// first free name of "<dir> (1).zip", "<dir> (2).zip", ... is used
// instead.
//
// Canceling ctx stops every archive in progress; their temporary files are
// removed.
func Run(ctx context.Context, dirs []string, opts ...Option) Summary {
	cfg := newConfig(opts)
	results := make([]Result, len(dirs))

	var g errgroup.Group
	g.SetLimit(cfg.jobs)
	for i, dir := range dirs {
		g.Go(func() error {
			results[i] = cfg.archiveFile(ctx, dir)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers report through results

	return Summary{Results: results}
}

// Archive archives one directory into a ZIP file, named and placed as
// described for Run.
func Archive(ctx context.Context, dir string, opts ...Option) (Result, error) {
	cfg := newConfig(opts)
	res := cfg.archiveFile(ctx, dir)
	return res, res.Err
}

// archiveFile writes the archive of dir to a temporary file and moves it
// into place once the archive is complete.
func (c *config) archiveFile(ctx context.Context, dir string) Result {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return c.failed(dir, fmt.Errorf("%w: %w", ErrTraversal, err))
	}
	destDir := c.outputDir
	if destDir == "" {
		destDir = filepath.Dir(abs)
	}

	p, err := output.Create(destDir, archiveBase(abs))
	if err != nil {
		return c.failed(dir, fmt.Errorf("%w: %w", ErrWrite, err))
	}

	res := c.create(ctx, dir, p, canonicalPath(p.Name()))
	if res.Err != nil {
		_ = p.Discard() //nolint:errcheck // best-effort cleanup
		return res
	}

	target, err := p.Commit()
	if err != nil {
		return c.failed(dir, fmt.Errorf("%w: %w", ErrWrite, err))
	}
	res.Output = target
	c.emit(Event{Kind: EventArchiveFinished, Source: dir, Name: target, Size: res.Size})
	return res
}

func (c *config) failed(dir string, err error) Result {
	res := Result{Source: dir, Err: err}
	res.settle()
	c.emit(Event{Kind: EventFatal, Source: dir, Err: err})
	return res
}

// archiveBase returns the sanitized archive name for the directory at abs.
func archiveBase(abs string) string {
	seg, _ := sanitize.Segment(filepath.Base(abs))
	return seg
}

// canonicalPath resolves symlinks in the directory part of p, matching the
// paths the walker reports.
func canonicalPath(p string) string {
	dir, err := filepath.EvalSymlinks(filepath.Dir(p))
	if err != nil {
		return p
	}
	return filepath.Join(dir, filepath.Base(p))
}
