package buffer

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isHashTrigger(l string) bool {
	return strings.HasPrefix(strings.TrimSpace(l), "# @ai:")
}

func TestFindByContent_ShiftsAfterInsertion(t *testing.T) {
	b := NewLines("1", "a.py", "python", []string{"# @ai: first", "# @ai: second"})

	line, err := FindByContent(b, "# @ai: second")
	require.NoError(t, err)
	assert.Equal(t, 1, line)

	for _, n := range []int{1, 3} {
		b := NewLines("1", "a.py", "python", []string{"# @ai: first", "# @ai: second"})
		inserted := make([]string, n)
		for i := range inserted {
			inserted[i] = "x = 1"
		}
		require.NoError(t, b.SetLines(1, 1, inserted))
		line, err := FindByContent(b, "# @ai: second")
		require.NoError(t, err)
		assert.Equal(t, 1+n, line)
	}
}

func TestFindByContent_TrimsAndReturnsFirst(t *testing.T) {
	b := NewLines("1", "", "", []string{"x", "   # @ai: dup", "# @ai: dup"})
	line, err := FindByContent(b, "# @ai: dup  ")
	require.NoError(t, err)
	assert.Equal(t, 1, line)

	_, err = FindByContent(b, "# @ai: gone")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFindCodeRegion(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		ok    bool
		want  Range
	}{
		{"two blank lines then eof", []string{"# @ai: x", "", ""}, false, Range{}},
		{"single line", []string{"# @ai: x", "y = 1"}, true, Range{1, 1}},
		{"leading blanks skipped", []string{"# @ai: x", "", "", "a", "b"}, true, Range{3, 4}},
		{"interior blanks kept", []string{"# @ai: x", "a", "", "b", ""}, true, Range{1, 3}},
		{"stops before next trigger", []string{"# @ai: x", "a", "# @ai: y", "b"}, true, Range{1, 1}},
		{"next trigger right after", []string{"# @ai: x", "", "# @ai: y", "b"}, false, Range{}},
		{"comment at eof", []string{"# @ai: x"}, false, Range{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewLines("1", "", "", tt.lines)
			got, ok := FindCodeRegion(b, 0, isHashTrigger)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestLines_SetLinesAndObservers(t *testing.T) {
	b := NewLines("7", "f", "go", []string{"a", "b", "c"})
	var seen []string
	b.OnChange(func(id ID, start, end int, lines []string) {
		seen = append(seen, string(id))
		assert.Equal(t, 1, start)
		assert.Equal(t, 2, end)
	})
	require.NoError(t, b.SetLines(1, 2, []string{"B1", "B2"}))
	if diff := cmp.Diff([]string{"a", "B1", "B2", "c"}, b.Lines(0, -1)); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"7"}, seen)

	err := b.SetLines(3, 9, nil)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	require.NoError(t, b.ApplyRemote(0, 1, []string{"A"}))
	assert.Len(t, seen, 1)
	assert.Equal(t, "A\nB1\nB2\nc\n", b.Text())

	b.Close()
	assert.False(t, b.Valid())
	assert.True(t, errors.Is(b.SetLines(0, 0, []string{"z"}), ErrClosed))
}

func TestRange(t *testing.T) {
	assert.True(t, Range{2, 1}.Empty())
	assert.Equal(t, 3, Range{2, 4}.Len())
	assert.True(t, Range{0, 2}.Within(3))
	assert.False(t, Range{0, 3}.Within(3))
	assert.False(t, Range{-1, 0}.Within(3))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	b := FromText("x", "x.go", "go", "package x\n")
	r.Add(b)
	got, ok := r.Get("x")
	require.True(t, ok)
	assert.Equal(t, 1, got.LineCount())

	b.Close()
	_, ok = r.Get("x")
	assert.False(t, ok)

	_, ok = r.Remove("x")
	assert.True(t, ok)
	assert.Empty(t, r.IDs())
}
