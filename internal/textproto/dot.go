package textproto

import (
	"bufio"
	"bytes"
	"io"
)

// dotReader reads a dot-stuffed body one line at a time. Bare LF line
// endings are tolerated.
type dotReader struct {
	r   *bufio.Reader
	buf []byte // Destuffed bytes not yet returned.
	eof bool
}

func (d *dotReader) Read(p []byte) (int, error) {
	for len(d.buf) == 0 {
		if d.eof {
			return 0, io.EOF
		}
		if err := d.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}

func (d *dotReader) fill() error {
	var line []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		line = append(line, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		if err != nil {
			return err
		}
		break
	}

	if bytes.Equal(line, []byte(".\r\n")) || bytes.Equal(line, []byte(".\n")) {
		d.eof = true
		return nil
	}
	// The sender doubled every leading dot.
	if len(line) > 1 && line[0] == '.' {
		line = line[1:]
	}
	d.buf = line
	return nil
}

// dotWriter writes a dot-stuffed body (RFC 5321 §4.5.2). Lines starting
// with "." get a second dot and bare LF is written as CRLF.
type dotWriter struct {
	w         *bufio.Writer
	beginLine bool
	lastCR    bool
	closed    bool
}

func newDotWriter(w *bufio.Writer) *dotWriter {
	return &dotWriter{w: w, beginLine: true}
}

func (d *dotWriter) Write(p []byte) (int, error) {
	if d.closed {
		return 0, io.ErrClosedPipe
	}

	for i, b := range p {
		if d.beginLine && b == '.' {
			if err := d.w.WriteByte('.'); err != nil {
				return i, err
			}
		}
		if b == '\n' && !d.lastCR {
			if err := d.w.WriteByte('\r'); err != nil {
				return i, err
			}
		}
		if err := d.w.WriteByte(b); err != nil {
			return i, err
		}
		d.lastCR = b == '\r'
		d.beginLine = b == '\n'
	}
	return len(p), nil
}

// Close terminates the body, adding a CRLF first when the last line was not
// terminated, and flushes the writer.
func (d *dotWriter) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	if !d.beginLine {
		if _, err := d.w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if _, err := d.w.WriteString(".\r\n"); err != nil {
		return err
	}
	return d.w.Flush()
}
