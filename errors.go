package rip

import (
	"errors"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/meigma/rip/internal/collision"
	"github.com/meigma/rip/internal/guard"
	"github.com/meigma/rip/internal/output"
	"github.com/meigma/rip/internal/sanitize"
	"github.com/meigma/rip/internal/walk"
	"github.com/meigma/rip/internal/zipw"
)

// ErrEntrySkipped matches the Err of every EventEntrySkipped, whatever the
// underlying reason.
var ErrEntrySkipped = errors.New("rip: entry skipped")

// ErrTraversal is returned when a source directory cannot be resolved or
// listed. It fails that archive only.
var ErrTraversal = walk.ErrRootUnreadable

// Skip reasons re-exported from the walker, sanitizer and name resolver.
var (
	// ErrDepthExceeded is reported for entries deeper than the depth limit.
	ErrDepthExceeded = walk.ErrDepthExceeded

	// ErrParentReference is reported for names that are "." or "..".
	ErrParentReference = walk.ErrParentReference

	// ErrSymlinkEscape is reported for symlinks resolving outside the source.
	ErrSymlinkEscape = walk.ErrSymlinkEscape

	// ErrSymlinkCycle is reported for symlinks to a directory being walked.
	ErrSymlinkCycle = walk.ErrSymlinkCycle

	// ErrSymlinkBroken is reported for symlinks that cannot be resolved.
	ErrSymlinkBroken = walk.ErrSymlinkBroken

	// ErrSymlinkDisabled is reported for symlinks when following is off.
	ErrSymlinkDisabled = walk.ErrSymlinkDisabled

	// ErrNotRegular is reported for devices, sockets and FIFOs.
	ErrNotRegular = walk.ErrNotRegular

	// ErrPathTooLong is reported for archive paths over the length bound.
	ErrPathTooLong = sanitize.ErrPathTooLong

	// ErrUnresolvedCollision is reported when no free name was found.
	ErrUnresolvedCollision = collision.ErrUnresolved

	// ErrParentMissing is reported for children of a skipped directory.
	ErrParentMissing = collision.ErrParentMissing
)

// Limit errors re-exported from the resource guard and archive writer.
var (
	// ErrResourceLimitExceeded is wrapped by every limit error below.
	ErrResourceLimitExceeded = guard.ErrLimitExceeded

	// ErrFileTooLarge is reported for files over the per-file cap.
	ErrFileTooLarge = guard.ErrFileTooLarge

	// ErrArchiveTooLarge truncates an archive at the archive cap.
	ErrArchiveTooLarge = guard.ErrArchiveTooLarge

	// ErrZip64Required truncates an archive that would outgrow the classic
	// ZIP format.
	ErrZip64Required = zipw.ErrZip64Required
)

// Output errors.
var (
	// ErrWrite is returned when writing an archive fails. It fails that
	// archive only.
	ErrWrite = zipw.ErrWrite

	// ErrNoFreeName is returned when no archive name is free.
	ErrNoFreeName = output.ErrNoFreeName
)

// ErrBadPattern is returned for a malformed exclude pattern.
var ErrBadPattern = doublestar.ErrBadPattern

// skipError marks an error as the reason an entry was skipped.
type skipError struct {
	err error
}

func (e *skipError) Error() string { return e.err.Error() }

func (e *skipError) Unwrap() error { return e.err }

func (e *skipError) Is(target error) bool { return target == ErrEntrySkipped }
