package zipw

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/meigma/rip/internal/file"
)

// DefaultLevel is the DEFLATE level used when none is configured.
const DefaultLevel = flate.DefaultCompression

// Result describes one compressed entry body.
type Result struct {
	CRC32            uint32
	CompressedSize   uint64
	UncompressedSize uint64
}

// Codec compresses one entry body at a time.
//
// A Codec keeps scratch state between calls and is not safe for concurrent
// use; give each Writer its own.
type Codec interface {
	// Method returns the ZIP compression method number.
	Method() uint16

	// Compress streams src into dst until src is exhausted, returning the
	// CRC-32 of the uncompressed bytes and both byte counts.
	Compress(ctx context.Context, dst io.Writer, src io.Reader) (Result, error)
}

// Store returns a Codec that copies bodies uncompressed.
func Store() Codec {
	return &storeCodec{}
}

type storeCodec struct {
	buf []byte
}

func (*storeCodec) Method() uint16 { return MethodStore }

func (c *storeCodec) Compress(ctx context.Context, dst io.Writer, src io.Reader) (Result, error) {
	if c.buf == nil {
		c.buf = make([]byte, file.DefaultCopyBufferSize)
	}
	h := crc32.NewIEEE()
	n, err := file.CopyWithContext(ctx, dst, io.TeeReader(src, h), c.buf)
	if err != nil {
		return Result{}, err
	}
	return Result{CRC32: h.Sum32(), CompressedSize: n, UncompressedSize: n}, nil
}

// Deflate returns a DEFLATE Codec at the given level. Levels outside
// flate.HuffmanOnly..flate.BestCompression select DefaultLevel.
// The compressor is created on first use and reset for every later body.
func Deflate(level int) Codec {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = DefaultLevel
	}
	return &deflateCodec{level: level}
}

type deflateCodec struct {
	level int
	fw    *flate.Writer
	buf   []byte
}

func (*deflateCodec) Method() uint16 { return MethodDeflate }

func (c *deflateCodec) Compress(ctx context.Context, dst io.Writer, src io.Reader) (Result, error) {
	if c.buf == nil {
		c.buf = make([]byte, file.DefaultCopyBufferSize)
	}
	cw := &file.CountingWriter{W: dst}
	if c.fw == nil {
		fw, err := flate.NewWriter(cw, c.level)
		if err != nil {
			return Result{}, fmt.Errorf("create deflate writer: %w", err)
		}
		c.fw = fw
	} else {
		c.fw.Reset(cw)
	}

	h := crc32.NewIEEE()
	n, err := file.CopyWithContext(ctx, c.fw, io.TeeReader(src, h), c.buf)
	if err != nil {
		return Result{}, err
	}
	if err := c.fw.Close(); err != nil {
		return Result{}, fmt.Errorf("close deflate writer: %w", err)
	}
	return Result{CRC32: h.Sum32(), CompressedSize: cw.N, UncompressedSize: n}, nil
}

// SkipFunc reports whether a file should be stored uncompressed.
type SkipFunc func(name string, size uint64) bool

// SkipCompression returns a SkipFunc that stores files smaller than
// minSize and files with a known already-compressed extension.
func SkipCompression(minSize uint64) SkipFunc {
	return func(name string, size uint64) bool {
		if minSize > 0 && size < minSize {
			return true
		}
		_, ok := compressedExts[strings.ToLower(path.Ext(name))]
		return ok
	}
}

var compressedExts = map[string]struct{}{
	".7z":    {},
	".aac":   {},
	".avif":  {},
	".br":    {},
	".bz2":   {},
	".docx":  {},
	".flac":  {},
	".gif":   {},
	".gz":    {},
	".heic":  {},
	".ico":   {},
	".jar":   {},
	".jpeg":  {},
	".jpg":   {},
	".m4a":   {},
	".m4v":   {},
	".mkv":   {},
	".mov":   {},
	".mp3":   {},
	".mp4":   {},
	".ogg":   {},
	".opus":  {},
	".pdf":   {},
	".png":   {},
	".rar":   {},
	".tgz":   {},
	".wav":   {},
	".webm":  {},
	".webp":  {},
	".woff":  {},
	".woff2": {},
	".xlsx":  {},
	".xz":    {},
	".zip":   {},
	".zst":   {},
}
