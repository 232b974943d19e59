// Package textproto implements the SMTP wire layer used by the client and
// the test servers: CRLF line I/O, multi-line reply parsing and dot-stuffed
// DATA streams.
package textproto

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// MaxCommandLineLen is the maximum length of an SMTP command line
// including CRLF (RFC 5321 §4.5.3.1.4).
const MaxCommandLineLen = 512

// MaxReplyLineLen is a generous limit for reply lines to prevent memory exhaustion.
const MaxReplyLineLen = 2048

// ErrMalformedReply is wrapped by every error caused by a reply that does
// not follow RFC 5321 §4.2 syntax, as opposed to transport failures.
var ErrMalformedReply = errors.New("smtp: malformed reply")

// ErrLineTooLong is returned by ReadLine when a line exceeds its limit.
var ErrLineTooLong = errors.New("smtp: line too long")

// Conn wraps a net.Conn with buffered reading and writing for SMTP protocol I/O.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// NewConn creates a new protocol Conn wrapping the given network connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		conn: c,
		r:    bufio.NewReaderSize(c, 4096),
		w:    bufio.NewWriterSize(c, 4096),
	}
}

// ReplaceConn swaps the underlying net.Conn after a TLS upgrade. Buffered
// data is discarded; STARTTLS guarantees nothing is pending at that point.
func (c *Conn) ReplaceConn(nc net.Conn) {
	c.conn = nc
	c.r.Reset(nc)
	c.w.Reset(nc)
}

// NetConn returns the underlying net.Conn.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// SetDeadlineFromContext sets the connection read/write deadline from a
// context's deadline. If the context has no deadline, the deadline is cleared.
func (c *Conn) SetDeadlineFromContext(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(dl)
	} else {
		c.conn.SetDeadline(time.Time{})
	}
}

// ReadLine reads a single CRLF-terminated line without its terminator.
// Lines longer than maxLen bytes (CRLF included) are drained and rejected
// with ErrLineTooLong.
func (c *Conn) ReadLine(maxLen int) (string, error) {
	var line []byte
	for {
		chunk, isPrefix, err := c.r.ReadLine()
		if err != nil {
			return "", err
		}
		line = append(line, chunk...)
		if len(line) > maxLen-2 {
			for isPrefix && err == nil {
				_, isPrefix, err = c.r.ReadLine()
			}
			return "", fmt.Errorf("%w (%d bytes, max %d)", ErrLineTooLong, len(line)+2, maxLen)
		}
		if !isPrefix {
			return string(line), nil
		}
	}
}

// WriteLine writes a line followed by CRLF and flushes the buffer.
func (c *Conn) WriteLine(line string) error {
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	if _, err := c.w.WriteString("\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// Reply represents a parsed SMTP reply (RFC 5321 §4.2).
type Reply struct {
	Code  int      // Three-digit reply code.
	Lines []string // Reply text lines without code and separator.
}

// String renders the reply the way it appeared on the wire, lines joined
// by "\n".
func (r Reply) String() string {
	var b strings.Builder
	for i, l := range r.Lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		sep := ' '
		if i < len(r.Lines)-1 {
			sep = '-'
		}
		fmt.Fprintf(&b, "%d%c%s", r.Code, sep, l)
	}
	return b.String()
}

// ReadReply reads a single-line or multi-line reply. Continuation lines use
// the "code-hyphen" convention and must repeat the first line's code.
func (c *Conn) ReadReply() (Reply, error) {
	var reply Reply
	for {
		line, err := c.ReadLine(MaxReplyLineLen)
		if errors.Is(err, ErrLineTooLong) {
			return Reply{}, fmt.Errorf("%w: %w", ErrMalformedReply, err)
		}
		if err != nil {
			return Reply{}, fmt.Errorf("smtp: reading reply: %w", err)
		}

		if len(line) < 3 {
			return Reply{}, fmt.Errorf("%w: line too short: %q", ErrMalformedReply, line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil || code < 100 || code > 599 {
			return Reply{}, fmt.Errorf("%w: invalid code %q", ErrMalformedReply, line[:3])
		}
		if reply.Code != 0 && code != reply.Code {
			return Reply{}, fmt.Errorf("%w: code changed from %d to %d mid-reply", ErrMalformedReply, reply.Code, code)
		}
		reply.Code = code

		if len(line) == 3 {
			reply.Lines = append(reply.Lines, "")
			return reply, nil
		}

		switch sep, text := line[3], line[4:]; sep {
		case '-':
			reply.Lines = append(reply.Lines, text)
		case ' ':
			reply.Lines = append(reply.Lines, text)
			return reply, nil
		default:
			return Reply{}, fmt.Errorf("%w: invalid separator %q", ErrMalformedReply, sep)
		}
	}
}

// WriteReply writes a single-line or multi-line reply to the connection.
func (c *Conn) WriteReply(code int, lines ...string) error {
	if len(lines) == 0 {
		lines = []string{""}
	}
	for i, line := range lines {
		sep := ' '
		if i < len(lines)-1 {
			sep = '-'
		}
		if _, err := fmt.Fprintf(c.w, "%d%c%s\r\n", code, sep, line); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

// DotReader returns an io.Reader over a dot-stuffed DATA body. It removes
// the stuffing and reports io.EOF at the terminating "." line
// (RFC 5321 §4.5.2).
func (c *Conn) DotReader() io.Reader {
	return &dotReader{r: c.r}
}

// DotWriter returns an io.WriteCloser that writes dot-stuffed DATA to the
// connection. Close writes the terminating "." line and flushes.
func (c *Conn) DotWriter() io.WriteCloser {
	return newDotWriter(c.w)
}
