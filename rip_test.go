package rip

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/rip/internal/testutil"
	"github.com/meigma/rip/internal/walk"
)

// eventLog collects events from concurrent archives.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handle(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) of(kind EventKind) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) skipped() map[string]error {
	out := make(map[string]error)
	for _, e := range l.of(EventEntrySkipped) {
		out[e.Path] = e.Err
	}
	return out
}

type archiveContents struct {
	names []string
	files map[string]*zip.File
	data  map[string]string
}

func readZip(t *testing.T, data []byte) archiveContents {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	c := archiveContents{files: make(map[string]*zip.File), data: make(map[string]string)}
	for _, f := range zr.File {
		c.names = append(c.names, f.Name)
		c.files[f.Name] = f
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		c.data[f.Name] = string(b)
	}
	return c
}

func readZipFile(t *testing.T, path string) archiveContents {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return readZip(t, data)
}

func createToBuffer(t *testing.T, dir string, opts ...Option) (Result, archiveContents) {
	t.Helper()
	var buf bytes.Buffer
	res, err := Create(context.Background(), dir, &buf, opts...)
	require.NoError(t, err)
	return res, readZip(t, buf.Bytes())
}

func TestArchiveKeepsSymlinkEscapesOut(t *testing.T) {
	t.Parallel()
	testutil.SkipWithoutSymlinks(t)

	base := t.TempDir()
	testutil.CreateFiles(t, base, map[string]string{
		"secret":              "top secret",
		"root/A/テスト.txt":     "one",
		"root/A/sub/テスト.txt": "two",
	})
	src := filepath.Join(base, "root", "A")
	testutil.Symlink(t, "../../secret", filepath.Join(src, "escape"))

	var log eventLog
	res, err := Archive(context.Background(), src, WithEventHandler(log.handle))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "root", "A.zip"), res.Output)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 3, res.Entries)

	c := readZipFile(t, res.Output)
	assert.ElementsMatch(t, []string{"sub/", "sub/テスト.txt", "テスト.txt"}, c.names)
	assert.Equal(t, "one", c.data["テスト.txt"])
	assert.Equal(t, "two", c.data["sub/テスト.txt"])
	for _, f := range c.files {
		assert.NotZero(t, f.Flags&0x800, f.Name)
		assert.NotContains(t, f.Name, "secret")
	}

	skips := log.skipped()
	require.Contains(t, skips, "escape")
	assert.ErrorIs(t, skips["escape"], ErrSymlinkEscape)
	assert.ErrorIs(t, skips["escape"], ErrEntrySkipped)

	assert.Len(t, log.of(EventArchiveStarted), 1)
	finished := log.of(EventArchiveFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, res.Output, finished[0].Name)
	assert.Len(t, log.of(EventEntryAdmitted), 3)
}

func TestCreateDisambiguatesSanitizedNames(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("names with : and ? cannot be created on windows")
	}

	dir := t.TempDir()
	testutil.CreateFiles(t, dir, map[string]string{
		"a:.txt": "colon",
		"a?.txt": "question",
	})

	res, c := createToBuffer(t, dir)
	assert.Equal(t, StatusSucceeded, res.Status)
	// Walk order is byte order, so "a:" is placed before "a?".
	assert.Equal(t, []string{"a_.txt", "a_1.txt"}, c.names)
	assert.Equal(t, "colon", c.data["a_.txt"])
	assert.Equal(t, "question", c.data["a_1.txt"])
}

func TestCreateReportsRenamedEntries(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("names with : and ? cannot be created on windows")
	}

	dir := t.TempDir()
	testutil.CreateFiles(t, dir, map[string]string{
		"a:.txt":        "colon",
		"a_.txt":        "plain",
		"plain.txt":     "p",
		"d?/inside.txt": "i",
	})

	var log eventLog
	_, c := createToBuffer(t, dir, WithEventHandler(log.handle))
	assert.Equal(t, []string{"a_.txt", "a_1.txt", "d_/", "d_/inside.txt", "plain.txt"}, c.names)

	renamed := make(map[string]bool)
	for _, e := range log.of(EventEntryAdmitted) {
		renamed[e.Path] = e.Renamed
	}
	assert.Equal(t, map[string]bool{
		"a:.txt":        true,
		"a_.txt":        true,
		"d?":            true,
		"d?/inside.txt": true,
		"plain.txt":     false,
	}, renamed)
}

func TestAddFileReleasesNameOnSkip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.CreateFiles(t, dir, map[string]string{"x.txt": "x"})

	var buf bytes.Buffer
	var log eventLog
	a := newConfig([]Option{WithEventHandler(log.handle)}).newArchiver(dir, &buf, "")
	defer a.walker.Close()

	var entries []walk.Entry
	for e, err := range a.walker.Walk(context.Background()) {
		require.NoError(t, err)
		entries = append(entries, e)
	}
	require.Len(t, entries, 1)

	gone := entries[0]
	gone.OSPath = filepath.Join(a.walker.Root(), "gone.txt")
	require.NoError(t, a.addFile(context.Background(), gone))
	require.Contains(t, log.skipped(), "x.txt")

	require.NoError(t, a.addFile(context.Background(), entries[0]))
	require.NoError(t, a.zw.Finalize())

	c := readZip(t, buf.Bytes())
	assert.Equal(t, []string{"x.txt"}, c.names)
}

func TestCreateNormalizesToNFC(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.CreateFiles(t, dir, map[string]string{"cafe\u0301/notes.txt": "x"})

	_, c := createToBuffer(t, dir)
	require.Equal(t, []string{"caf\u00e9/", "caf\u00e9/notes.txt"}, c.names)
	for _, f := range c.files {
		assert.NotZero(t, f.Flags&0x800)
		assert.False(t, f.NonUTF8)
	}
}

func TestCreateSkipsLargeFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.CreateFiles(t, dir, map[string]string{
		"big.bin":   strings.Repeat("x", 11),
		"exact.bin": strings.Repeat("x", 10),
		"small.bin": "x",
	})

	var log eventLog
	res, c := createToBuffer(t, dir, WithMaxFileSize(10), WithEventHandler(log.handle))
	assert.Equal(t, StatusPartial, res.Status)
	assert.False(t, res.Truncated)
	assert.Equal(t, []string{"exact.bin", "small.bin"}, c.names)
	assert.Equal(t, uint64(11), res.Bytes)
	assert.ErrorIs(t, log.skipped()["big.bin"], ErrFileTooLarge)
	assert.ErrorIs(t, log.skipped()["big.bin"], ErrResourceLimitExceeded)
}

func TestCreateTruncatesAtArchiveCap(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.CreateFiles(t, dir, map[string]string{
		"a.txt": "aaaa",
		"b.txt": "bbbbbb",
		"c.txt": "cc",
		"d.txt": "d",
	})

	var log eventLog
	res, c := createToBuffer(t, dir, WithMaxArchiveSize(10), WithEventHandler(log.handle))
	assert.True(t, res.Truncated)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, uint64(10), res.Bytes)
	// c.txt would pass the cap; admission ends there even though d.txt fits.
	assert.Equal(t, []string{"a.txt", "b.txt"}, c.names)
	assert.Equal(t, "bbbbbb", c.data["b.txt"])

	truncated := log.of(EventArchiveTruncated)
	require.Len(t, truncated, 1)
	assert.ErrorIs(t, truncated[0].Err, ErrArchiveTooLarge)
}

func TestCreateDepthLimit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.CreateFiles(t, dir, map[string]string{
		"a/ok.txt":  "x",
		"a/b/c.txt": "x",
	})

	var log eventLog
	_, c := createToBuffer(t, dir, WithMaxDepth(2), WithEventHandler(log.handle))
	assert.Equal(t, []string{"a/", "a/b/", "a/ok.txt"}, c.names)
	assert.ErrorIs(t, log.skipped()["a/b/c.txt"], ErrDepthExceeded)
}

func TestCreateNoFollowSymlinks(t *testing.T) {
	t.Parallel()
	testutil.SkipWithoutSymlinks(t)

	dir := t.TempDir()
	testutil.CreateFiles(t, dir, map[string]string{"a.txt": "a"})
	testutil.Symlink(t, "a.txt", filepath.Join(dir, "b.txt"))

	_, followed := createToBuffer(t, dir)
	assert.Equal(t, []string{"a.txt", "b.txt"}, followed.names)
	assert.Equal(t, "a", followed.data["b.txt"])

	var log eventLog
	_, c := createToBuffer(t, dir, WithFollowSymlinks(false), WithEventHandler(log.handle))
	assert.Equal(t, []string{"a.txt"}, c.names)
	assert.ErrorIs(t, log.skipped()["b.txt"], ErrSymlinkDisabled)
}

func TestCreateExclude(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.CreateFiles(t, dir, map[string]string{
		"keep.txt":              "k",
		"node_modules/pkg/a.js": "a",
		"web/node_modules/b.js": "b",
		"web/index.html":        "i",
	})

	res, c := createToBuffer(t, dir, WithExclude("**/node_modules"))
	assert.Equal(t, []string{"keep.txt", "web/", "web/index.html"}, c.names)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Zero(t, res.Skipped)
}

func TestCreateBadExcludePattern(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.CreateFiles(t, dir, map[string]string{"a.txt": "a"})

	var buf bytes.Buffer
	res, err := Create(context.Background(), dir, &buf, WithExclude("[a-"))
	require.ErrorIs(t, err, ErrBadPattern)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Zero(t, buf.Len())
}

func TestCreateCompression(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.CreateFiles(t, dir, map[string]string{
		"text.txt":  strings.Repeat("compress me ", 500),
		"photo.jpg": strings.Repeat("j", 4096),
		"tiny.txt":  "t",
	})

	_, c := createToBuffer(t, dir)
	assert.Equal(t, zip.Deflate, c.files["text.txt"].Method)
	assert.Equal(t, zip.Store, c.files["photo.jpg"].Method)
	assert.Equal(t, zip.Store, c.files["tiny.txt"].Method)

	_, stored := createToBuffer(t, dir, WithStore())
	assert.Equal(t, zip.Store, stored.files["text.txt"].Method)
	assert.Equal(t, c.data, stored.data)
}

func TestCreateCaseCollisions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.CreateFiles(t, dir, map[string]string{"README.md": "upper"})
	second := filepath.Join(dir, "readme.md")
	if _, err := os.Stat(second); err == nil {
		t.Skip("filesystem is case-insensitive")
	}
	testutil.CreateFiles(t, dir, map[string]string{"readme.md": "lower"})

	_, c := createToBuffer(t, dir)
	assert.Equal(t, []string{"README.md", "readme_1.md"}, c.names)

	_, sensitive := createToBuffer(t, dir, WithCaseSensitive())
	assert.Equal(t, []string{"README.md", "readme.md"}, sensitive.names)
}

func TestCreateDigest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.CreateFiles(t, dir, map[string]string{"f.txt": "digest me"})

	var buf bytes.Buffer
	res, err := Create(context.Background(), dir, &buf)
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(buf.Bytes()), res.Digest)
	assert.Equal(t, uint64(buf.Len()), res.Size)
	assert.Equal(t, StatusSucceeded, res.Status)
}

func TestCreateWriteFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	testutil.CreateFiles(t, dir, map[string]string{"f.txt": strings.Repeat("x", 200_000)})

	var log eventLog
	res, err := Create(context.Background(), dir, &testutil.FailingWriter{}, WithStore(), WithEventHandler(log.handle))
	require.ErrorIs(t, err, ErrWrite)
	require.ErrorIs(t, err, testutil.ErrDiskFull)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Len(t, log.of(EventFatal), 1)
	assert.Empty(t, log.of(EventArchiveFinished))
}

func TestArchiveUnreadableRoot(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	res, err := Archive(context.Background(), filepath.Join(parent, "missing"))
	require.ErrorIs(t, err, ErrTraversal)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, res.Output)

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must be removed")
}

func TestArchiveCanceled(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	src := filepath.Join(parent, "src")
	testutil.CreateFiles(t, src, map[string]string{"a.txt": "a", "b/c.txt": "c"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Archive(ctx, src)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, res.Status)

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "src", entries[0].Name())
}

func TestArchiveNeverReplaces(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	src := filepath.Join(parent, "src")
	testutil.CreateFiles(t, src, map[string]string{"a.txt": "a"})
	require.NoError(t, os.WriteFile(filepath.Join(parent, "src.zip"), []byte("keep"), 0o644))

	first, err := Archive(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(parent, "src (1).zip"), first.Output)

	second, err := Archive(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(parent, "src (2).zip"), second.Output)

	kept, err := os.ReadFile(filepath.Join(parent, "src.zip"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(kept))
}

func TestArchiveOutputInsideSource(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	testutil.CreateFiles(t, src, map[string]string{"a.txt": "a"})

	res, err := Archive(context.Background(), src, WithOutputDir(src))
	require.NoError(t, err)
	assert.Equal(t, src, filepath.Dir(res.Output))
	assert.Equal(t, StatusSucceeded, res.Status)

	c := readZipFile(t, res.Output)
	assert.Equal(t, []string{"a.txt"}, c.names)
}

func TestRunIsolatesFailures(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	testutil.CreateFiles(t, parent, map[string]string{
		"one/a.txt": "1",
		"two/b.txt": "2",
	})
	dirs := []string{
		filepath.Join(parent, "one"),
		filepath.Join(parent, "missing"),
		filepath.Join(parent, "two"),
	}

	var log eventLog
	summary := Run(context.Background(), dirs, WithJobs(3), WithEventHandler(log.handle))
	require.Len(t, summary.Results, 3)

	assert.Equal(t, StatusSucceeded, summary.Results[0].Status)
	assert.Equal(t, StatusFailed, summary.Results[1].Status)
	assert.ErrorIs(t, summary.Results[1].Err, ErrTraversal)
	assert.Equal(t, StatusSucceeded, summary.Results[2].Status)

	assert.Equal(t, filepath.Join(parent, "one.zip"), summary.Results[0].Output)
	assert.Equal(t, filepath.Join(parent, "two.zip"), summary.Results[2].Output)
	assert.Equal(t, map[string]string{"a.txt": "1"}, readZipFile(t, summary.Results[0].Output).data)
	assert.Equal(t, map[string]string{"b.txt": "2"}, readZipFile(t, summary.Results[2].Output).data)

	assert.Equal(t, 2, summary.Count(StatusSucceeded))
	assert.Equal(t, 1, summary.Count(StatusFailed))
	assert.ErrorIs(t, summary.Err(), ErrTraversal)
	assert.Len(t, log.of(EventFatal), 1)

	assert.Equal(t, 0, summary.ExitCode(ExitOnAllFailed))
	assert.Equal(t, 1, summary.ExitCode(ExitOnAnyFailed))
	assert.Equal(t, 0, summary.ExitCode(ExitNever))
}

func TestRunSameArchiveName(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("names with : and ? cannot be created on windows")
	}

	parent := t.TempDir()
	testutil.CreateFiles(t, parent, map[string]string{
		"x:/a.txt": "colon",
		"x?/a.txt": "question",
	})
	out := t.TempDir()

	summary := Run(context.Background(),
		[]string{filepath.Join(parent, "x:"), filepath.Join(parent, "x?")},
		WithOutputDir(out),
	)
	require.NoError(t, summary.Err())

	outputs := []string{
		filepath.Base(summary.Results[0].Output),
		filepath.Base(summary.Results[1].Output),
	}
	sort.Strings(outputs)
	assert.Equal(t, []string{"x_ (1).zip", "x_.zip"}, outputs)
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	failed := Result{Status: StatusFailed}
	partial := Result{Status: StatusPartial}

	tests := []struct {
		name    string
		results []Result
		policy  ExitPolicy
		want    int
	}{
		{"all failed", []Result{failed, failed}, ExitOnAllFailed, 1},
		{"some failed", []Result{failed, partial}, ExitOnAllFailed, 0},
		{"none", nil, ExitOnAllFailed, 0},
		{"any failed", []Result{partial, failed}, ExitOnAnyFailed, 1},
		{"partial only", []Result{partial}, ExitOnAnyFailed, 0},
		{"never", []Result{failed}, ExitNever, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Summary{Results: tt.results}.ExitCode(tt.policy))
		})
	}
}

func TestParseExitPolicy(t *testing.T) {
	t.Parallel()

	for _, p := range []ExitPolicy{ExitOnAllFailed, ExitOnAnyFailed, ExitNever} {
		got, err := ParseExitPolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	got, err := ParseExitPolicy(" ANY ")
	require.NoError(t, err)
	assert.Equal(t, ExitOnAnyFailed, got)

	_, err = ParseExitPolicy("sometimes")
	assert.Error(t, err)
}

func TestStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "entry_skipped", EventEntrySkipped.String())
	assert.Equal(t, "archive_truncated", EventArchiveTruncated.String())
	assert.Equal(t, "unknown", EventKind(99).String())
	assert.Equal(t, "partial", StatusPartial.String())
	assert.Equal(t, "unknown", Status(99).String())
}
