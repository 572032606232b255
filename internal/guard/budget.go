// Package guard enforces per-file and per-archive byte budgets.
package guard

import (
	"errors"
	"fmt"
)

const (
	// DefaultPerFileCap is the largest single file admitted into an archive.
	DefaultPerFileCap uint64 = 1 << 30

	// DefaultArchiveCap is the largest total of uncompressed bytes admitted
	// into one archive.
	DefaultArchiveCap uint64 = 4 << 30
)

// Sentinel errors for admission decisions.
var (
	// ErrLimitExceeded is the class of every admission rejection.
	ErrLimitExceeded = errors.New("rip: resource limit exceeded")

	// ErrFileTooLarge rejects a single entry larger than the per-file cap.
	// The entry is skipped; admission of later entries continues.
	ErrFileTooLarge = fmt.Errorf("%w: file too large", ErrLimitExceeded)

	// ErrArchiveTooLarge rejects an entry that would push the archive past
	// its cap. Once returned, the budget is exhausted for good.
	ErrArchiveTooLarge = fmt.Errorf("%w: archive too large", ErrLimitExceeded)
)

// Budget tracks the uncompressed bytes committed to one archive.
//
// A Budget belongs to a single archive build and is not safe for
// concurrent use.
type Budget struct {
	perFile   uint64
	archive   uint64
	committed uint64
	exhausted bool
}

// NewBudget returns a budget with the given caps. A zero cap selects the
// matching default.
func NewBudget(perFile, archive uint64) *Budget {
	if perFile == 0 {
		perFile = DefaultPerFileCap
	}
	if archive == 0 {
		archive = DefaultArchiveCap
	}
	return &Budget{perFile: perFile, archive: archive}
}

// PerFileCap returns the per-file limit in bytes.
func (b *Budget) PerFileCap() uint64 { return b.perFile }

// ArchiveCap returns the archive limit in bytes.
func (b *Budget) ArchiveCap() uint64 { return b.archive }

// Committed returns the bytes committed so far.
func (b *Budget) Committed() uint64 { return b.committed }

// Exhausted reports whether the archive cap has been hit.
func (b *Budget) Exhausted() bool { return b.exhausted }

// Admit decides whether an entry of size uncompressed bytes may be written.
//
// A file-too-large rejection leaves the budget usable. An archive-too-large
// rejection is terminal: every later call returns ErrArchiveTooLarge.
func (b *Budget) Admit(size uint64) error {
	if b.exhausted {
		return ErrArchiveTooLarge
	}
	if size > b.perFile {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, size, b.perFile)
	}
	total, ok := AddUint64(b.committed, size)
	if !ok || total > b.archive {
		b.exhausted = true
		return fmt.Errorf("%w: %d bytes committed, %d more exceeds %d", ErrArchiveTooLarge, b.committed, size, b.archive)
	}
	return nil
}

// Exhaust marks the budget as terminal. It is used when the output format
// runs out of room before the byte cap does.
func (b *Budget) Exhaust() {
	b.exhausted = true
}

// Commit records size bytes as written. The total saturates rather than
// wrapping.
func (b *Budget) Commit(size uint64) {
	total, ok := AddUint64(b.committed, size)
	if !ok {
		total = ^uint64(0)
	}
	b.committed = total
}
