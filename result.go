package rip

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Status is the outcome of one archive.
type Status uint8

const (
	// StatusSucceeded means every entry was archived.
	StatusSucceeded Status = iota

	// StatusPartial means the archive was written but entries were skipped
	// or admission was truncated.
	StatusPartial

	// StatusFailed means no archive was produced.
	StatusFailed
)

// String returns the lower-case name of the status.
func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusPartial:
		return "partial"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes one archive.
type Result struct {
	// Source is the source directory as given.
	Source string

	// Output is the path of the archive file. It is empty for Create and
	// for failed archives.
	Output string

	Status Status

	// Entries counts the file and directory records written.
	Entries int

	// Skipped counts the entries left out.
	Skipped int

	// Truncated is set when a limit stopped admission.
	Truncated bool

	// Bytes is the total uncompressed size of the archived files.
	Bytes uint64

	// Size is the size of the archive.
	Size uint64

	// Digest is the sha256 digest of the archive.
	Digest digest.Digest

	// Err is set for failed archives.
	Err error
}

// settle derives Status from the counters and Err.
func (r *Result) settle() {
	switch {
	case r.Err != nil:
		r.Status = StatusFailed
	case r.Skipped > 0 || r.Truncated:
		r.Status = StatusPartial
	default:
		r.Status = StatusSucceeded
	}
}

// Summary collects the results of a Run in input order.
type Summary struct {
	Results []Result
}

// Count returns how many results have status s.
func (s Summary) Count(status Status) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Err joins the errors of all failed archives, or returns nil.
func (s Summary) Err() error {
	var errs []error
	for _, r := range s.Results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Source, r.Err))
		}
	}
	return errors.Join(errs...)
}

// ExitPolicy decides the process exit status from a Summary.
type ExitPolicy uint8

const (
	// ExitOnAllFailed exits non-zero only if every archive failed.
	ExitOnAllFailed ExitPolicy = iota

	// ExitOnAnyFailed exits non-zero if any archive failed.
	ExitOnAnyFailed

	// ExitNever always exits zero.
	ExitNever
)

// String returns the flag value for the policy.
func (p ExitPolicy) String() string {
	switch p {
	case ExitOnAllFailed:
		return "all"
	case ExitOnAnyFailed:
		return "any"
	case ExitNever:
		return "never"
	default:
		return "unknown"
	}
}

// ParseExitPolicy parses "all", "any" or "never".
func ParseExitPolicy(s string) (ExitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return ExitOnAllFailed, nil
	case "any":
		return ExitOnAnyFailed, nil
	case "never":
		return ExitNever, nil
	default:
		return 0, fmt.Errorf("unknown exit policy %q (want all, any or never)", s)
	}
}

// ExitCode returns 1 when the policy treats the run as failed and 0
// otherwise.
func (s Summary) ExitCode(p ExitPolicy) int {
	failed := s.Count(StatusFailed)
	switch p {
	case ExitOnAllFailed:
		if failed > 0 && failed == len(s.Results) {
			return 1
		}
	case ExitOnAnyFailed:
		if failed > 0 {
			return 1
		}
	}
	return 0
}
