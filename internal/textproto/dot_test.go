package textproto

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDot(t *testing.T, chunks ...string) string {
	t.Helper()
	var buf bytes.Buffer
	w := newDotWriter(bufio.NewWriter(&buf))
	for _, c := range chunks {
		n, err := w.Write([]byte(c))
		require.NoError(t, err)
		require.Equal(t, len(c), n)
	}
	require.NoError(t, w.Close())
	return buf.String()
}

func TestDotWriter(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{"basic", []string{"Hello, World!\r\n"}, "Hello, World!\r\n.\r\n"},
		{"leading dot", []string{".leading dot\r\n"}, "..leading dot\r\n.\r\n"},
		{"lone dot line", []string{"a\r\n.\r\nb\r\n"}, "a\r\n..\r\nb\r\n.\r\n"},
		{"no trailing crlf", []string{"no trailing newline"}, "no trailing newline\r\n.\r\n"},
		{"empty", nil, ".\r\n"},
		{"dots inside line untouched", []string{"a.b..c\r\n"}, "a.b..c\r\n.\r\n"},
		{"bare lf normalised", []string{"one\ntwo\n"}, "one\r\ntwo\r\n.\r\n"},
		{"crlf split across writes", []string{"one\r", "\n.two\r\n"}, "one\r\n..two\r\n.\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, writeDot(t, tt.chunks...))
		})
	}
}

func TestDotWriter_WriteAfterClose(t *testing.T) {
	w := newDotWriter(bufio.NewWriter(io.Discard))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	_, err := w.Write([]byte("late"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestDotReader(t *testing.T) {
	tests := []struct {
		name string
		wire string
		want string
	}{
		{"basic", "Hello\r\n.\r\n", "Hello\r\n"},
		{"destuffs", "..leading\r\nplain\r\n.\r\n", ".leading\r\nplain\r\n"},
		{"empty", ".\r\n", ""},
		{"bare lf terminator", "x\n.\n", "x\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &dotReader{r: bufio.NewReader(strings.NewReader(tt.wire + "NEXT\r\n"))}
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestDotReader_Truncated(t *testing.T) {
	r := &dotReader{r: bufio.NewReader(strings.NewReader("no terminator\r\n"))}
	_, err := io.ReadAll(r)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDotRoundTrip(t *testing.T) {
	bodies := []string{
		"Subject: hi\r\n\r\nbody\r\n",
		".\r\n..\r\n...\r\n",
		strings.Repeat("long line ", 1000) + "\r\n.end\r\n",
	}
	for _, body := range bodies {
		wire := writeDot(t, body)
		got, err := io.ReadAll(&dotReader{r: bufio.NewReaderSize(strings.NewReader(wire), 16)})
		require.NoError(t, err)
		assert.Equal(t, body, string(got))
	}
}
