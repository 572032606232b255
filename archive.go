package rip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/rip/internal/collision"
	"github.com/meigma/rip/internal/guard"
	"github.com/meigma/rip/internal/sanitize"
	"github.com/meigma/rip/internal/walk"
	"github.com/meigma/rip/internal/zipw"
)

// entryQueueSize bounds how far the walk runs ahead of the writer.
const entryQueueSize = 64

// errTruncated stops the walk once admission has ended.
var errTruncated = errors.New("rip: admission ended")

// Create writes a ZIP archive of the contents of dir to dst.
//
// Entries are written in walk order: depth-first, parents before children,
// siblings sorted by name. Every archive path is sanitized to a portable
// UTF-8 name, and entries that cannot be archived safely are skipped and
// reported rather than failing the archive. When a size limit is reached
// the archive is finalized with what was admitted.
//
// On failure dst may hold a partial archive. Use Archive or Run to write
// archive files that only appear once complete.
func Create(ctx context.Context, dir string, dst io.Writer, opts ...Option) (Result, error) {
	cfg := newConfig(opts)
	res := cfg.create(ctx, dir, dst, "")
	if res.Err == nil {
		cfg.emit(Event{Kind: EventArchiveFinished, Source: dir, Size: res.Size})
	}
	return res, res.Err
}

// archiver holds state for building one archive. Only the writer
// goroutine touches the ZIP writer, the budget and the name table.
type archiver struct {
	cfg       *config
	source    string
	exclude   string
	walker    *walk.Walker
	zw        *zipw.Writer
	budget    *guard.Budget
	names     *collision.Table
	deflate   zipw.Codec
	store     zipw.Codec
	skip      zipw.SkipFunc
	skipped   atomic.Int64
	truncated bool
}

// create builds the archive of dir into dst. The file at exclude, a
// canonical path, is left out silently; it is the archive being written
// when that lands inside the source.
func (c *config) create(ctx context.Context, dir string, dst io.Writer, exclude string) Result {
	c.emit(Event{Kind: EventArchiveStarted, Source: dir})
	if err := c.checkExclude(); err != nil {
		res := Result{Source: dir, Err: err}
		res.settle()
		c.emit(Event{Kind: EventFatal, Source: dir, Err: err})
		return res
	}

	digester := digest.Canonical.Digester()
	a := c.newArchiver(dir, io.MultiWriter(dst, digester.Hash()), exclude)
	defer a.walker.Close()

	err := a.run(ctx)
	if err == nil {
		err = a.zw.Finalize()
	}

	res := Result{
		Source:    dir,
		Entries:   a.zw.Len(),
		Skipped:   int(a.skipped.Load()),
		Truncated: a.truncated,
		Bytes:     a.budget.Committed(),
		Err:       err,
	}
	if err != nil {
		res.settle()
		c.emit(Event{Kind: EventFatal, Source: dir, Err: err})
		return res
	}
	res.Size = a.zw.Written()
	res.Digest = digester.Digest()
	res.settle()
	return res
}

// newArchiver wires the walker, guard, name table and writer for one
// archive of dir written to w.
func (c *config) newArchiver(dir string, w io.Writer, exclude string) *archiver {
	var tableOpts []collision.Option
	if c.caseSensitive {
		tableOpts = append(tableOpts, collision.WithCaseSensitive())
	}
	a := &archiver{
		cfg:     c,
		source:  dir,
		exclude: exclude,
		budget:  guard.NewBudget(c.perFileCap, c.archiveCap),
		names:   collision.New(tableOpts...),
		zw:      zipw.NewWriter(w, zipw.WithLogger(c.logger)),
		deflate: zipw.Deflate(c.level),
		store:   zipw.Store(),
		skip:    zipw.SkipCompression(c.minCompressSize),
	}
	a.walker = walk.New(dir,
		walk.WithMaxDepth(c.maxDepth),
		walk.WithFollowSymlinks(!c.noFollow),
		walk.WithExclude(c.exclude...),
		walk.WithSkipHandler(a.walkSkipped),
		walk.WithLogger(c.logger),
	)
	return a
}

// run streams walk entries to the writer loop until the walk ends,
// admission ends or an error stops the archive.
func (a *archiver) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	entries := make(chan walk.Entry, entryQueueSize)

	g.Go(func() error {
		defer close(entries)
		for e, err := range a.walker.Walk(gctx) {
			if err != nil {
				return err
			}
			select {
			case entries <- e:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for e := range entries {
			if err := a.add(gctx, e); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errTruncated) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return nil
	}
	return err
}

// add writes one entry. It returns an error only when the archive must
// stop: on truncation, cancellation or an output failure.
func (a *archiver) add(ctx context.Context, e walk.Entry) error {
	if a.exclude != "" && e.OSPath == a.exclude {
		return nil
	}
	if e.IsDir {
		return a.addDir(e)
	}
	return a.addFile(ctx, e)
}

func (a *archiver) addDir(e walk.Entry) error {
	name, renamed, err := a.place(e)
	if err != nil {
		a.skipEntry(e.Path(), err)
		return nil
	}
	if err := a.zw.Fits(name, 0); err != nil {
		a.names.Forget(e.Components)
		return a.truncate(err)
	}
	if _, err := a.zw.AddDir(name, e.ModTime, e.Mode); err != nil {
		a.names.Forget(e.Components)
		if stopsArchive(err) {
			return err
		}
		a.skipEntry(e.Path(), err)
		return nil
	}
	a.cfg.emit(Event{Kind: EventEntryAdmitted, Source: a.source, Path: e.Path(), Name: name, Renamed: renamed})
	return nil
}

func (a *archiver) addFile(ctx context.Context, e walk.Entry) error {
	if err := a.budget.Admit(e.Size); err != nil {
		if errors.Is(err, guard.ErrArchiveTooLarge) {
			return a.truncate(err)
		}
		a.skipEntry(e.Path(), err)
		return nil
	}
	name, renamed, err := a.place(e)
	if err != nil {
		a.skipEntry(e.Path(), err)
		return nil
	}
	if err := a.zw.Fits(name, e.Size); err != nil {
		a.names.Release(name)
		return a.truncate(err)
	}

	f, err := a.walker.Open(e)
	if err != nil {
		a.names.Release(name)
		a.skipEntry(e.Path(), err)
		return nil
	}
	defer f.Close()

	// Bytes appended after the walk saw the file are not admitted.
	body := io.LimitReader(f, int64(e.Size)) //nolint:gosec // sizes come from int64 stat results
	rec, err := a.zw.AddFile(ctx, name, e.ModTime, e.Mode, body, a.codecFor(name, e.Size))
	if err != nil {
		if ctx.Err() != nil || stopsArchive(err) {
			return err
		}
		a.names.Release(name)
		a.skipEntry(e.Path(), err)
		return nil
	}
	a.budget.Commit(rec.UncompressedSize)
	a.cfg.emit(Event{
		Kind:    EventEntryAdmitted,
		Source:  a.source,
		Path:    e.Path(),
		Name:    name,
		Size:    rec.UncompressedSize,
		Renamed: renamed,
	})
	return nil
}

// place sanitizes the entry's path and resolves collisions. renamed
// reports whether the assigned name differs from the raw path, through
// sanitizing or numbering.
func (a *archiver) place(e walk.Entry) (name string, renamed bool, err error) {
	sn, err := sanitize.Path(e.Components)
	if err != nil {
		return "", false, err
	}
	seg := sn.Path[strings.LastIndexByte(sn.Path, '/')+1:]
	name, err = a.names.Place(e.Components, seg, e.IsDir)
	if err != nil {
		return "", false, err
	}
	final := strings.TrimSuffix(name, "/")
	if n := len(final); n > sanitize.MaxPathBytes {
		if e.IsDir {
			a.names.Forget(e.Components)
		} else {
			a.names.Release(name)
		}
		return "", false, fmt.Errorf("%w: %d bytes", sanitize.ErrPathTooLong, n)
	}
	return name, sn.Modified || final != sn.Path, nil
}

func (a *archiver) codecFor(name string, size uint64) zipw.Codec {
	if a.cfg.store || a.skip(name, size) {
		return a.store
	}
	return a.deflate
}

// truncate ends admission for the rest of the archive.
func (a *archiver) truncate(reason error) error {
	a.truncated = true
	a.budget.Exhaust()
	a.cfg.emit(Event{Kind: EventArchiveTruncated, Source: a.source, Err: reason})
	return errTruncated
}

func (a *archiver) skipEntry(path string, err error) {
	a.skipped.Add(1)
	a.cfg.emit(Event{Kind: EventEntrySkipped, Source: a.source, Path: path, Err: &skipError{err: err}})
}

// walkSkipped runs on the walk goroutine.
func (a *archiver) walkSkipped(s walk.Skip) {
	a.skipEntry(s.Path(), s.Err)
}

// stopsArchive reports whether a writer error leaves the archive unusable.
func stopsArchive(err error) bool {
	return errors.Is(err, zipw.ErrWrite) || errors.Is(err, zipw.ErrZip64Required)
}
