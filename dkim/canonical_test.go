package dkim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeHeaderRelaxed(t *testing.T) {
	tests := []struct {
		name, value, want string
	}{
		{"Subject", "Hello", "subject:Hello\r\n"},
		{"SUBJECT ", "  Hello \t  World  ", "subject:Hello World\r\n"},
		{"X-Folded", "first\r\n\tsecond", "x-folded:first second\r\n"},
		{"Empty", "", "empty:\r\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanonicalizeHeaderRelaxed(tt.name, tt.value), tt.name)
	}
}

func TestCanonicalizeBodyRelaxed(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"only blank lines", "\r\n\r\n", ""},
		{"trailing blank lines", "a\r\n\r\n\r\n", "a\r\n"},
		{"inner blank line kept", "a\r\n\r\nb\r\n", "a\r\n\r\nb\r\n"},
		{"whitespace collapsed", "a  b\t\tc  \r\n", "a b c\r\n"},
		{"leading whitespace", "  a\r\n", " a\r\n"},
		{"missing final CRLF", "a", "a\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(CanonicalizeBodyRelaxed([]byte(tt.in))))
		})
	}
}
