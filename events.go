package rip

import (
	"context"
	"log/slog"
)

// EventKind identifies a diagnostic.
type EventKind uint8

const (
	// EventArchiveStarted is emitted before a source is walked.
	EventArchiveStarted EventKind = iota

	// EventEntryAdmitted is emitted for each entry written to the archive.
	EventEntryAdmitted

	// EventEntrySkipped is emitted for each entry left out, with the reason
	// in Err.
	EventEntrySkipped

	// EventArchiveTruncated is emitted once when a limit stops admission.
	// The archive is still finalized with what was admitted.
	EventArchiveTruncated

	// EventFatal is emitted when an archive fails.
	EventFatal

	// EventArchiveFinished is emitted after an archive is finalized and in
	// place.
	EventArchiveFinished
)

// String returns the snake_case name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventArchiveStarted:
		return "archive_started"
	case EventEntryAdmitted:
		return "entry_admitted"
	case EventEntrySkipped:
		return "entry_skipped"
	case EventArchiveTruncated:
		return "archive_truncated"
	case EventFatal:
		return "fatal"
	case EventArchiveFinished:
		return "archive_finished"
	default:
		return "unknown"
	}
}

// Event is a diagnostic from archive creation.
type Event struct {
	Kind EventKind

	// Source is the source directory as given.
	Source string

	// Path is the raw path relative to Source, slash separated. Empty for
	// archive-level events.
	Path string

	// Name is the archive path assigned to the entry, or the archive file
	// for EventArchiveFinished.
	Name string

	// Size is the uncompressed size for entries, or the archive size for
	// EventArchiveFinished.
	Size uint64

	// Renamed is set on EventEntryAdmitted when Name differs from Path
	// because a segment was sanitized or numbered to avoid a collision.
	Renamed bool

	// Err is the reason for skips, truncation and failures.
	Err error
}

// EventFunc receives diagnostics.
type EventFunc func(Event)

// emit delivers e to the handler and mirrors it to the logger.
func (c *config) emit(e Event) {
	if c.onEvent != nil {
		c.onEvent(e)
	}

	logger := c.log()
	level := e.level()
	if !logger.Enabled(context.Background(), level) {
		return
	}
	attrs := []slog.Attr{slog.String("dir", e.Source)}
	if e.Path != "" {
		attrs = append(attrs, slog.String("path", e.Path))
	}
	if e.Name != "" {
		attrs = append(attrs, slog.String("name", e.Name))
	}
	if e.Renamed {
		attrs = append(attrs, slog.Bool("renamed", true))
	}
	if e.Kind == EventEntryAdmitted || e.Kind == EventArchiveFinished {
		attrs = append(attrs, slog.Uint64("size", e.Size))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("reason", e.Err.Error()))
	}
	logger.LogAttrs(context.Background(), level, e.message(), attrs...)
}

func (e Event) level() slog.Level {
	switch e.Kind {
	case EventEntryAdmitted:
		return slog.LevelDebug
	case EventEntrySkipped, EventArchiveTruncated:
		return slog.LevelWarn
	case EventFatal:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (e Event) message() string {
	switch e.Kind {
	case EventArchiveStarted:
		return "creating archive"
	case EventEntryAdmitted:
		return "added entry"
	case EventEntrySkipped:
		return "skipped entry"
	case EventArchiveTruncated:
		return "archive truncated"
	case EventFatal:
		return "archive failed"
	case EventArchiveFinished:
		return "archive written"
	default:
		return e.Kind.String()
	}
}
