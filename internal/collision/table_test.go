package collision

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/rip/internal/sanitize"
)

// place sanitizes the last raw component and places it.
func place(t *testing.T, tbl *Table, isDir bool, raw ...string) string {
	t.Helper()
	seg, _ := sanitize.Segment(raw[len(raw)-1])
	name, err := tbl.Place(raw, seg, isDir)
	require.NoError(t, err)
	return name
}

func TestPlaceSanitizedCollision(t *testing.T) {
	t.Parallel()

	tbl := New()
	assert.Equal(t, "a_.txt", place(t, tbl, false, "a:.txt"))
	assert.Equal(t, "a_1.txt", place(t, tbl, false, "a?.txt"))
	assert.Equal(t, "a_2.txt", place(t, tbl, false, "a*.txt"))
	assert.Equal(t, 3, tbl.Len())
}

func TestPlaceSkipsTakenDisambiguators(t *testing.T) {
	t.Parallel()

	tbl := New()
	assert.Equal(t, "a_1.txt", place(t, tbl, false, "a_1.txt"))
	assert.Equal(t, "a.txt", place(t, tbl, false, "a.txt"))
	assert.Equal(t, "A_2.txt", place(t, tbl, false, "A.txt"), "keeps the caller's case")
}

func TestPlaceDirectoriesAndFilesAreSeparate(t *testing.T) {
	t.Parallel()

	tbl := New()
	assert.Equal(t, "data/", place(t, tbl, true, "data"))
	assert.Equal(t, "data", place(t, tbl, false, "data"))
	assert.Equal(t, "Data_1/", place(t, tbl, true, "Data"))
	assert.Equal(t, "Data_1", place(t, tbl, false, "Data"))
}

func TestPlaceChildrenFollowRenamedParent(t *testing.T) {
	t.Parallel()

	tbl := New()
	assert.Equal(t, "dir_/", place(t, tbl, true, "dir_"))
	assert.Equal(t, "dir_1/", place(t, tbl, true, "dir:"))
	assert.Equal(t, "dir_1/file.txt", place(t, tbl, false, "dir:", "file.txt"))
	assert.Equal(t, "dir_/file.txt", place(t, tbl, false, "dir_", "file.txt"))
}

func TestPlacePlaceholderStem(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		raw   []string
		want  []string
		isDir bool
	}{
		{"file", []string{"a:.txt", "a?.txt", "a*.txt"}, []string{"a_.txt", "a_1.txt", "a_2.txt"}, false},
		{"no ext", []string{"x?", "x*"}, []string{"x_", "x_1"}, false},
		{"only placeholder", []string{"?.txt", "*.txt"}, []string{"_.txt", "_1.txt"}, false},
		{"dir", []string{"d:", "d?"}, []string{"d_/", "d_1/"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tbl := New()
			for i, raw := range tt.raw {
				assert.Equal(t, tt.want[i], place(t, tbl, tt.isDir, raw))
			}
		})
	}
}

func TestPlacePlaceholderStemAtSegmentBound(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", sanitize.MaxSegmentBytes-5) + "_.txt"
	tbl := New()
	assert.Equal(t, long, place(t, tbl, false, long))

	second := place(t, tbl, false, long)
	assert.LessOrEqual(t, len(second), sanitize.MaxSegmentBytes)
	assert.True(t, strings.HasSuffix(second, "_1.txt"), second)
	assert.False(t, strings.HasSuffix(second, "__1.txt"), second)
}

func TestRelease(t *testing.T) {
	t.Parallel()

	tbl := New()
	assert.Equal(t, "x.txt", place(t, tbl, false, "x.txt"))
	tbl.Release("X.TXT")
	assert.Equal(t, "x.txt", place(t, tbl, false, "x.txt"))
	assert.Equal(t, "x_1.txt", place(t, tbl, false, "x.txt"))
	assert.Equal(t, 2, tbl.Len())
}

func TestPlaceCaseInsensitiveByDefault(t *testing.T) {
	t.Parallel()

	tbl := New()
	assert.Equal(t, "README.md", place(t, tbl, false, "README.md"))
	assert.Equal(t, "readme_1.md", place(t, tbl, false, "readme.md"))
}

func TestPlaceCaseSensitive(t *testing.T) {
	t.Parallel()

	tbl := New(WithCaseSensitive())
	assert.Equal(t, "README.md", place(t, tbl, false, "README.md"))
	assert.Equal(t, "readme.md", place(t, tbl, false, "readme.md"))
}

func TestPlaceExtensions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		first string
		want  string
		isDir bool
	}{
		{"dotfile", ".env", ".env_1", false},
		{"double ext", "a.tar.gz", "a.tar_1.gz", false},
		{"no ext", "Makefile", "Makefile_1", false},
		{"dir with dot", "conf.d", "conf.d_1/", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tbl := New()
			place(t, tbl, tt.isDir, tt.first)
			assert.Equal(t, tt.want, place(t, tbl, tt.isDir, tt.first))
		})
	}
}

func TestPlaceKeepsSegmentBound(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", sanitize.MaxSegmentBytes-4) + ".txt"
	tbl := New()
	assert.Equal(t, long, place(t, tbl, false, long))

	second := place(t, tbl, false, long)
	assert.LessOrEqual(t, len(second), sanitize.MaxSegmentBytes)
	assert.True(t, strings.HasSuffix(second, "_1.txt"))
}

func TestPlaceParentMissing(t *testing.T) {
	t.Parallel()

	tbl := New()
	_, err := tbl.Place([]string{"skipped", "child.txt"}, "child.txt", false)
	require.ErrorIs(t, err, ErrParentMissing)

	_, err = tbl.Place(nil, "x", false)
	require.ErrorIs(t, err, sanitize.ErrEmptyPath)
}

func TestPlaceUnique(t *testing.T) {
	t.Parallel()

	// Many raw names that all sanitize to the same segment.
	tbl := New()
	seen := make(map[string]struct{})
	for i := range 200 {
		raw := fmt.Sprintf("f%s.txt", strings.Repeat("?", i%5))
		if i%7 == 0 {
			raw = fmt.Sprintf("F%s.txt", strings.Repeat(":", i%5))
		}
		name := place(t, tbl, false, raw)
		key := strings.ToLower(name)
		_, dup := seen[key]
		require.False(t, dup, "duplicate name %q", name)
		seen[key] = struct{}{}
	}
}

func TestForget(t *testing.T) {
	t.Parallel()

	tbl := New()
	assert.Equal(t, "dir/", place(t, tbl, true, "dir"))
	tbl.Forget([]string{"dir"})

	_, err := tbl.Place([]string{"dir", "f.txt"}, "f.txt", false)
	require.ErrorIs(t, err, ErrParentMissing)

	// The forgotten name stays taken.
	assert.Equal(t, "dir_1/", place(t, tbl, true, "dir"))
}
