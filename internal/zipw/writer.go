// Package zipw writes ZIP archives in a single forward pass.
//
// Entries are streamed: file headers carry zero sizes and a data descriptor
// follows each body, so the output never needs to seek. Every name is
// flagged as UTF-8. Archives are limited to the classic format; Fits tells
// the caller before an entry would need zip64 records.
package zipw

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/meigma/rip/internal/file"
	"github.com/meigma/rip/internal/guard"
	"github.com/meigma/rip/internal/sanitize"
)

// BufferSize is the size of the output buffer.
const BufferSize = 64 * 1024

var (
	// ErrWrite wraps every failure of the underlying output. It is sticky:
	// once returned, every later call returns it too.
	ErrWrite = errors.New("rip: archive write failed")

	// ErrZip64Required is returned when an entry would push a size, offset or
	// the entry count past what the archive can describe without zip64.
	ErrZip64Required = fmt.Errorf("%w: zip64 required", guard.ErrLimitExceeded)

	// ErrDuplicateName is returned when a name was already written.
	ErrDuplicateName = errors.New("rip: duplicate archive entry name")
)

// Record describes a written entry as it appears in the central directory.
type Record struct {
	Name             string
	CRC32            uint32
	CompressedSize   uint64
	UncompressedSize uint64
	Offset           uint64
	Flags            uint16
	Method           uint16
	ModTime          time.Time
	Mode             fs.FileMode
}

// IsDir reports whether the record is a directory entry.
func (r Record) IsDir() bool {
	return strings.HasSuffix(r.Name, "/")
}

type state uint8

const (
	stateEmpty state = iota
	stateWriting
	stateFinalized
	stateFailed
)

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the logger for entry diagnostics.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

// Writer streams entries into a ZIP archive.
//
// A Writer is not safe for concurrent use. It never closes the underlying
// writer.
type Writer struct {
	sink    *sinkWriter
	buf     *bufio.Writer
	out     *file.CountingWriter
	records []Record
	names   map[string]struct{}
	dirSize uint64
	state   state
	err     error
	logger  *slog.Logger
}

// NewWriter returns a Writer appending an archive to w.
func NewWriter(w io.Writer, opts ...Option) *Writer {
	sink := &sinkWriter{w: w}
	buf := bufio.NewWriterSize(sink, BufferSize)
	zw := &Writer{
		sink:  sink,
		buf:   buf,
		out:   &file.CountingWriter{W: buf},
		names: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(zw)
	}
	return zw
}

// log returns the logger, falling back to a discard logger if nil.
func (w *Writer) log() *slog.Logger {
	if w.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.logger
}

// Records returns the entries written so far, in order.
func (w *Writer) Records() []Record {
	return slices.Clone(w.records)
}

// Len returns the number of entries written so far.
func (w *Writer) Len() int {
	return len(w.records)
}

// Written returns the number of archive bytes produced so far, buffered or
// not.
func (w *Writer) Written() uint64 {
	return w.out.N
}

// Fits reports whether an entry with the given name and uncompressed size
// can still be added and the archive finalized without zip64 records.
// It assumes the worst case where the body does not compress at all.
func (w *Writer) Fits(name string, size uint64) error {
	if len(w.records)+1 >= uint16max {
		return fmt.Errorf("%w: more than %d entries", ErrZip64Required, uint16max-1)
	}
	if len(name) >= uint16max {
		return fmt.Errorf("%w: name of %d bytes", ErrZip64Required, len(name))
	}
	body := worstCaseBody(size)
	if body >= uint32max {
		return fmt.Errorf("%w: entry of %d bytes", ErrZip64Required, size)
	}
	if w.out.N >= uint32max {
		return fmt.Errorf("%w: offset %d", ErrZip64Required, w.out.N)
	}

	n := uint64(len(name))
	end := w.out.N +
		fileHeaderLen + n + extTimeExtraLen + body + dataDescriptorLen +
		w.dirSize + directoryHeaderLen + n + extTimeExtraLen +
		directoryEndLen
	if end >= uint32max {
		return fmt.Errorf("%w: archive would reach %d bytes", ErrZip64Required, end)
	}
	return nil
}

// worstCaseBody bounds the stored size of size input bytes. DEFLATE falls
// back to stored blocks for incompressible data, so the overhead is the
// block headers plus a final empty block.
func worstCaseBody(size uint64) uint64 {
	blocks := size/maxStoredBlock + 1
	if size > math.MaxUint64-blocks*5-16 {
		return math.MaxUint64
	}
	return size + blocks*5 + 16
}

// AddDir writes a directory entry. A trailing "/" is appended to name if
// missing. Adding after Finalize panics.
func (w *Writer) AddDir(name string, modTime time.Time, mode fs.FileMode) (Record, error) {
	if !strings.HasSuffix(name, "/") {
		name += "/"
	}
	if err := w.begin(name); err != nil {
		return Record{}, err
	}
	if mode.Perm() == 0 {
		mode = 0o755
	}

	rec := Record{
		Name:    name,
		Offset:  w.out.N,
		Flags:   flagUTF8,
		Method:  MethodStore,
		ModTime: modTime,
		Mode:    mode.Perm() | fs.ModeDir,
	}
	if err := w.writeFileHeader(&rec); err != nil {
		return Record{}, w.fail(err)
	}
	w.commit(rec)
	return rec, nil
}

// AddFile streams r into a new file entry through codec. A nil codec
// stores the body. Adding after Finalize panics.
//
// If reading r or the context fails, the entry is abandoned: it is left
// out of the central directory and the archive stays valid.
func (w *Writer) AddFile(ctx context.Context, name string, modTime time.Time, mode fs.FileMode, r io.Reader, codec Codec) (Record, error) {
	if err := w.begin(name); err != nil {
		return Record{}, err
	}
	if strings.HasSuffix(name, "/") {
		return Record{}, fmt.Errorf("%w: file name %q ends with /", sanitize.ErrUnsafePath, name)
	}
	if codec == nil {
		codec = Store()
	}
	if mode.Perm() == 0 {
		mode = 0o644
	}

	rec := Record{
		Name:    name,
		Offset:  w.out.N,
		Flags:   flagUTF8 | flagDataDescriptor,
		Method:  codec.Method(),
		ModTime: modTime,
		Mode:    mode.Perm(),
	}
	if err := w.writeFileHeader(&rec); err != nil {
		return Record{}, w.fail(err)
	}

	res, err := codec.Compress(ctx, w.out, r)
	if err != nil {
		if w.sink.err != nil {
			return Record{}, w.fail(w.sink.err)
		}
		w.log().Debug("abandoned entry", "name", name, "reason", err)
		return Record{}, fmt.Errorf("add %s: %w", name, err)
	}
	if res.CompressedSize >= uint32max || res.UncompressedSize >= uint32max {
		w.state = stateFailed
		w.err = fmt.Errorf("%w: entry %s", ErrZip64Required, name)
		return Record{}, w.err
	}

	rec.CRC32 = res.CRC32
	rec.CompressedSize = res.CompressedSize
	rec.UncompressedSize = res.UncompressedSize
	if err := w.writeDataDescriptor(rec); err != nil {
		return Record{}, w.fail(err)
	}
	w.commit(rec)
	return rec, nil
}

// Finalize writes the central directory and the end record and flushes the
// output. A second call returns nil without writing.
func (w *Writer) Finalize() error {
	switch w.state {
	case stateFinalized:
		return nil
	case stateFailed:
		return w.err
	}

	start := w.out.N
	for _, rec := range w.records {
		if err := w.writeDirectoryHeader(rec); err != nil {
			return w.fail(err)
		}
	}
	end := w.out.N
	if end >= uint32max {
		w.state = stateFailed
		w.err = fmt.Errorf("%w: central directory ends at %d", ErrZip64Required, end)
		return w.err
	}

	b := make([]byte, 0, directoryEndLen)
	b = binary.LittleEndian.AppendUint32(b, directoryEndSignature)
	b = binary.LittleEndian.AppendUint16(b, 0) // disk number
	b = binary.LittleEndian.AppendUint16(b, 0) // disk with central directory
	b = binary.LittleEndian.AppendUint16(b, uint16(len(w.records)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(w.records)))
	b = binary.LittleEndian.AppendUint32(b, uint32(end-start))
	b = binary.LittleEndian.AppendUint32(b, uint32(start))
	b = binary.LittleEndian.AppendUint16(b, 0) // comment length
	if _, err := w.out.Write(b); err != nil {
		return w.fail(err)
	}
	if err := w.buf.Flush(); err != nil {
		return w.fail(err)
	}

	w.state = stateFinalized
	w.log().Debug("finalized archive", "entries", len(w.records), "size", w.out.N)
	return nil
}

// begin checks that an entry named name may be added now.
func (w *Writer) begin(name string) error {
	switch w.state {
	case stateFinalized:
		panic("zipw: add after Finalize")
	case stateFailed:
		return w.err
	}
	if err := sanitize.Validate(name); err != nil {
		return err
	}
	if _, ok := w.names[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	if err := w.Fits(name, 0); err != nil {
		return err
	}
	w.state = stateWriting
	return nil
}

func (w *Writer) commit(rec Record) {
	w.records = append(w.records, rec)
	w.names[rec.Name] = struct{}{}
	w.dirSize += directoryHeaderLen + uint64(len(rec.Name)) + uint64(len(extTimeExtra(rec.ModTime)))
	w.log().Debug("added entry", "name", rec.Name, "size", rec.UncompressedSize, "compressed", rec.CompressedSize)
}

// fail moves the writer to the failed state with a sticky ErrWrite.
func (w *Writer) fail(err error) error {
	if w.state == stateFailed {
		return w.err
	}
	if w.sink.err != nil {
		err = w.sink.err
	}
	w.state = stateFailed
	w.err = fmt.Errorf("%w: %w", ErrWrite, err)
	return w.err
}

func (w *Writer) writeFileHeader(rec *Record) error {
	dosDate, dosTime := msDosTime(rec.ModTime)
	extra := extTimeExtra(rec.ModTime)

	b := make([]byte, 0, fileHeaderLen+len(rec.Name)+len(extra))
	b = binary.LittleEndian.AppendUint32(b, fileHeaderSignature)
	b = binary.LittleEndian.AppendUint16(b, zipVersion20)
	b = binary.LittleEndian.AppendUint16(b, rec.Flags)
	b = binary.LittleEndian.AppendUint16(b, rec.Method)
	b = binary.LittleEndian.AppendUint16(b, dosTime)
	b = binary.LittleEndian.AppendUint16(b, dosDate)
	b = binary.LittleEndian.AppendUint32(b, 0) // crc32, in data descriptor
	b = binary.LittleEndian.AppendUint32(b, 0) // compressed size
	b = binary.LittleEndian.AppendUint32(b, 0) // uncompressed size
	b = binary.LittleEndian.AppendUint16(b, uint16(len(rec.Name)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(extra)))
	b = append(b, rec.Name...)
	b = append(b, extra...)
	_, err := w.out.Write(b)
	return err
}

func (w *Writer) writeDataDescriptor(rec Record) error {
	b := make([]byte, 0, dataDescriptorLen)
	b = binary.LittleEndian.AppendUint32(b, dataDescriptorSignature)
	b = binary.LittleEndian.AppendUint32(b, rec.CRC32)
	b = binary.LittleEndian.AppendUint32(b, uint32(rec.CompressedSize))
	b = binary.LittleEndian.AppendUint32(b, uint32(rec.UncompressedSize))
	_, err := w.out.Write(b)
	return err
}

func (w *Writer) writeDirectoryHeader(rec Record) error {
	dosDate, dosTime := msDosTime(rec.ModTime)
	extra := extTimeExtra(rec.ModTime)

	b := make([]byte, 0, directoryHeaderLen+len(rec.Name)+len(extra))
	b = binary.LittleEndian.AppendUint32(b, directoryHeaderSignature)
	b = binary.LittleEndian.AppendUint16(b, creatorUnix<<8|zipVersion20)
	b = binary.LittleEndian.AppendUint16(b, zipVersion20)
	b = binary.LittleEndian.AppendUint16(b, rec.Flags)
	b = binary.LittleEndian.AppendUint16(b, rec.Method)
	b = binary.LittleEndian.AppendUint16(b, dosTime)
	b = binary.LittleEndian.AppendUint16(b, dosDate)
	b = binary.LittleEndian.AppendUint32(b, rec.CRC32)
	b = binary.LittleEndian.AppendUint32(b, uint32(rec.CompressedSize))
	b = binary.LittleEndian.AppendUint32(b, uint32(rec.UncompressedSize))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(rec.Name)))
	b = binary.LittleEndian.AppendUint16(b, uint16(len(extra)))
	b = binary.LittleEndian.AppendUint16(b, 0) // comment length
	b = binary.LittleEndian.AppendUint16(b, 0) // disk number start
	b = binary.LittleEndian.AppendUint16(b, 0) // internal attributes
	b = binary.LittleEndian.AppendUint32(b, externalAttrs(rec))
	b = binary.LittleEndian.AppendUint32(b, uint32(rec.Offset))
	b = append(b, rec.Name...)
	b = append(b, extra...)
	_, err := w.out.Write(b)
	return err
}

// externalAttrs stores the Unix mode in the high 16 bits, plus the MS-DOS
// directory bit for directories.
func externalAttrs(rec Record) uint32 {
	perm := uint32(rec.Mode.Perm())
	if rec.IsDir() {
		return (unixTypeDir|perm)<<16 | msdosDir
	}
	return (unixTypeRegular | perm) << 16
}

// extTimeExtra encodes the modification time as an extended timestamp
// extra field. Times outside the field's range are omitted.
func extTimeExtra(t time.Time) []byte {
	if t.IsZero() {
		return nil
	}
	unix := t.Unix()
	if unix < 0 || unix > math.MaxUint32 {
		return nil
	}
	b := make([]byte, 0, extTimeExtraLen)
	b = binary.LittleEndian.AppendUint16(b, extTimeExtraID)
	b = binary.LittleEndian.AppendUint16(b, 5)
	b = append(b, extTimeModTime)
	b = binary.LittleEndian.AppendUint32(b, uint32(unix))
	return b
}

// msDosTime converts t to MS-DOS date and time fields, clamped to the
// representable 1980..2107 range.
func msDosTime(t time.Time) (date, tm uint16) {
	if t.IsZero() || t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	} else if t.Year() > 2107 {
		t = time.Date(2107, 12, 31, 23, 59, 58, 0, time.UTC)
	}
	date = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	tm = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)
	return date, tm
}

// sinkWriter remembers the first error of the underlying writer, so output
// failures can be told apart from failures reading an entry body.
type sinkWriter struct {
	w   io.Writer
	err error
}

func (s *sinkWriter) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.w.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if err != nil {
		s.err = err
	}
	return n, err
}
