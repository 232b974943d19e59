package smtp

import (
	"fmt"
	"strings"
)

// ReplyError is a server reply outside the class a command expected. It
// keeps the server's literal text so callers can show exactly what the
// remote side said.
type ReplyError struct {
	Command      string // Verb that provoked the reply, e.g. "MAIL FROM"; empty for the greeting.
	Code         ReplyCode
	EnhancedCode EnhancedCode
	Message      string   // Text with the enhanced code stripped, lines joined by "\n".
	Lines        []string // Literal reply lines without code and separator.
}

// Error implements the error interface.
func (e *ReplyError) Error() string {
	var b strings.Builder
	b.WriteString("smtp: ")
	if e.Command != "" {
		b.WriteString(e.Command)
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "%d", e.Code)
	if !e.EnhancedCode.IsZero() {
		fmt.Fprintf(&b, " %s", e.EnhancedCode)
	}
	if e.Message != "" {
		b.WriteByte(' ')
		b.WriteString(e.Message)
	}
	return b.String()
}

// Text returns the reply as the server sent it, one "code text" line per
// reply line.
func (e *ReplyError) Text() string {
	lines := e.Lines
	if len(lines) == 0 {
		lines = []string{e.Message}
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = fmt.Sprintf("%d %s", e.Code, l)
	}
	return strings.Join(out, "\n")
}

// Temporary reports whether the error represents a transient failure (4xx).
func (e *ReplyError) Temporary() bool {
	return e.Code.IsTransient()
}

// NewReplyError builds a ReplyError from a reply's code and lines. An
// enhanced status code on the first line is split off into EnhancedCode.
func NewReplyError(command string, code int, lines []string) *ReplyError {
	e := &ReplyError{
		Command: command,
		Code:    ReplyCode(code),
		Lines:   append([]string(nil), lines...),
	}
	text := append([]string(nil), lines...)
	if len(text) > 0 {
		if ec, rest, ok := ParseEnhancedCode(text[0]); ok {
			e.EnhancedCode = ec
			text[0] = rest
		}
	}
	e.Message = strings.Join(text, "\n")
	return e
}
