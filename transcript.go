package micromail

import (
	"strings"
	"time"
	"unicode"
)

// Direction tells who produced a transcript entry.
type Direction int

const (
	DirInfo   Direction = iota // Local event such as a dial attempt.
	DirClient                  // Line written to the server.
	DirServer                  // Line read from the server.
)

func (d Direction) String() string {
	switch d {
	case DirClient:
		return "C:"
	case DirServer:
		return "S:"
	}
	return "*"
}

// Entry is one line of a transcript.
type Entry struct {
	Time  time.Time
	State State
	Dir   Direction
	Text  string
}

func (e Entry) String() string {
	return "[" + e.State.String() + "] " + e.Dir.String() + " " + e.Text
}

// Transcript is the ordered record of one send attempt.
type Transcript []Entry

func (t Transcript) String() string {
	lines := make([]string, len(t))
	for i, e := range t {
		lines[i] = e.String()
	}
	return strings.Join(lines, "\n")
}

// Contains reports whether any entry's text contains s.
func (t Transcript) Contains(s string) bool {
	for _, e := range t {
		if strings.Contains(e.Text, s) {
			return true
		}
	}
	return false
}

// InState returns the entries recorded while in state.
func (t Transcript) InState(state State) Transcript {
	var out Transcript
	for _, e := range t {
		if e.State == state {
			out = append(out, e)
		}
	}
	return out
}

// sanitize replaces control characters other than tab with '.'.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r != '\t' && unicode.IsControl(r) {
			return '.'
		}
		return r
	}, s)
}
