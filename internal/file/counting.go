// Package file provides byte accounting helpers for streaming archive output.
package file

import (
	"errors"
	"io"
)

// DefaultCopyBufferSize is the copy buffer used when callers pass none.
const DefaultCopyBufferSize = 32 * 1024

// ErrOverflow indicates a counter exceeded its maximum value.
var ErrOverflow = errors.New("counter overflow")

// CountingWriter wraps a writer and counts bytes written.
//
// The count only advances by what the underlying writer accepted, so after
// a failed write N is still the offset of the next byte on the stream.
type CountingWriter struct {
	W io.Writer
	N uint64
}

// Write implements io.Writer.
func (cw *CountingWriter) Write(p []byte) (int, error) {
	n, err := cw.W.Write(p)
	if n > 0 {
		//nolint:gosec // n is guaranteed non-negative by io.Writer contract
		if cw.N > ^uint64(0)-uint64(n) {
			return n, ErrOverflow
		}
		cw.N += uint64(n) //nolint:gosec // overflow checked above
	}
	return n, err
}
