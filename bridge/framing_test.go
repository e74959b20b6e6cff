package bridge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func feedAll(f *lineFramer, chunks ...string) ([]string, int) {
	var (
		lines   []string
		dropped int
	)
	for _, c := range chunks {
		ls, d := f.Feed([]byte(c))
		for _, l := range ls {
			lines = append(lines, string(l))
		}
		dropped += d
	}
	return lines, dropped
}

func TestLineFramer(t *testing.T) {
	tests := []struct {
		name    string
		max     int
		chunks  []string
		want    []string
		dropped int
		rest    string
	}{
		{
			name:   "single line",
			max:    64,
			chunks: []string{"{\"id\":1}\n"},
			want:   []string{`{"id":1}`},
		},
		{
			name:   "line split across chunks",
			max:    64,
			chunks: []string{`{"id":1,"res`, `ult":true}` + "\n"},
			want:   []string{`{"id":1,"result":true}`},
		},
		{
			name:   "several lines in one chunk",
			max:    64,
			chunks: []string{"a\nb\nc\n"},
			want:   []string{"a", "b", "c"},
		},
		{
			name:   "split in three with carry over",
			max:    64,
			chunks: []string{"ab", "cd\nef", "gh\n"},
			want:   []string{"abcd", "efgh"},
		},
		{
			name:   "blank lines and carriage returns",
			max:    64,
			chunks: []string{"\n\r\n  \nx\r\n"},
			want:   []string{"x"},
		},
		{
			name:   "unterminated data stays buffered",
			max:    64,
			chunks: []string{"a\npartial"},
			want:   []string{"a"},
			rest:   "partial",
		},
		{
			name:    "oversized line in one chunk",
			max:     4,
			chunks:  []string{"toolong\nok\n"},
			want:    []string{"ok"},
			dropped: 1,
		},
		{
			name:    "oversized line across chunks is dropped once",
			max:     4,
			chunks:  []string{"abc", "defgh", "ijk", "lm\nok\n"},
			want:    []string{"ok"},
			dropped: 1,
		},
		{
			name:   "line of exactly max bytes",
			max:    4,
			chunks: []string{"ab", "cd\n"},
			want:   []string{"abcd"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newLineFramer(tt.max)
			lines, dropped := feedAll(f, tt.chunks...)
			assert.Equal(t, tt.want, lines)
			assert.Equal(t, tt.dropped, dropped)
			assert.Equal(t, tt.rest, string(f.Rest()))
		})
	}
}

func TestLineFramerDoesNotAlias(t *testing.T) {
	f := newLineFramer(64)
	first, _ := f.Feed([]byte("ab"))
	assert.Empty(t, first)
	lines, _ := f.Feed([]byte("c\nde"))
	assert.Equal(t, []string{"abc"}, stringsOf(lines))
	more, _ := f.Feed([]byte("f\n"))
	assert.Equal(t, []string{"def"}, stringsOf(more))
	assert.Equal(t, "abc", string(lines[0]))
}

func TestNewDiagnosticTruncatesLine(t *testing.T) {
	d := newDiagnostic(DiagnosticMalformed, []byte(strings.Repeat("x", 2*maxDiagnosticLine)), nil)
	assert.Len(t, d.Line, maxDiagnosticLine)
	assert.Equal(t, DiagnosticMalformed, d.Kind)
	assert.False(t, d.At.IsZero())
}

func stringsOf(lines [][]byte) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, string(l))
	}
	return out
}
