package smtpclient

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/alexisbouchez/micromail/internal/textproto"
	"github.com/alexisbouchez/micromail/smtp"
)

const redacted = "<redacted>"

// TLSError reports a failed TLS handshake after the server accepted STARTTLS.
type TLSError struct {
	Err error
}

// Error implements the error interface.
func (e *TLSError) Error() string { return "smtp: TLS handshake: " + e.Err.Error() }

// Unwrap returns the handshake error.
func (e *TLSError) Unwrap() error { return e.Err }

// Client is a synchronous SMTP client bound to one connection.
type Client struct {
	conn      *textproto.Conn
	netConn   net.Conn
	greeting  string // First line of the server greeting.
	localName string // Identity sent in EHLO/HELO.
	exts      smtp.Extensions
	tls       bool
	trace     TraceFunc
	logger    zerolog.Logger
	dialer    ContextDialer
}

// Dial connects to addr over TCP and wraps the connection. The dial is
// bounded by ctx.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{logger: log.Logger, dialer: &net.Dialer{}}
	for _, opt := range opts {
		opt(c)
	}
	nc, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp: dial %s: %w", addr, err)
	}
	c.netConn = nc
	c.conn = textproto.NewConn(nc)
	return c, nil
}

// Greeting reads the server greeting (RFC 5321 §4.3.1). Anything but a 2xx
// reply is returned as an *smtp.ReplyError.
func (c *Client) Greeting(ctx context.Context) error {
	c.conn.SetDeadlineFromContext(ctx)

	reply, err := c.readReply()
	if err != nil {
		return fmt.Errorf("smtp: reading greeting: %w", err)
	}
	if !smtp.ReplyCode(reply.Code).IsSuccess() {
		return smtp.NewReplyError("", reply.Code, reply.Lines)
	}
	c.greeting = reply.Lines[0]
	return nil
}

// Hello sends EHLO and falls back to HELO when the server does not know
// EHLO (RFC 5321 §4.1.1.1).
func (c *Client) Hello(ctx context.Context, localName string) error {
	c.localName = localName
	return c.ehlo(ctx)
}

func (c *Client) ehlo(ctx context.Context) error {
	c.conn.SetDeadlineFromContext(ctx)

	reply, err := c.cmd("EHLO " + c.localName)
	if err != nil {
		return fmt.Errorf("smtp: EHLO: %w", err)
	}
	if smtp.ReplyCode(reply.Code).IsSuccess() {
		c.exts = smtp.ParseEHLOResponse(reply.Lines)
		return nil
	}

	code := smtp.ReplyCode(reply.Code)
	if code != smtp.ReplySyntaxError && code != smtp.ReplyCommandNotImpl {
		return smtp.NewReplyError("EHLO", reply.Code, reply.Lines)
	}

	c.logger.Debug().Int("code", reply.Code).Msg("EHLO rejected, falling back to HELO")
	reply, err = c.cmd("HELO " + c.localName)
	if err != nil {
		return fmt.Errorf("smtp: HELO: %w", err)
	}
	if !smtp.ReplyCode(reply.Code).IsSuccess() {
		return smtp.NewReplyError("HELO", reply.Code, reply.Lines)
	}
	c.exts = nil
	return nil
}

// Extensions returns the extensions advertised in the last EHLO response,
// or nil after a HELO fallback.
func (c *Client) Extensions() smtp.Extensions {
	return c.exts
}

// ServerGreeting returns the first line of the server greeting.
func (c *Client) ServerGreeting() string {
	return c.greeting
}

// IsTLS reports whether the connection is encrypted.
func (c *Client) IsTLS() bool {
	return c.tls
}

// StartTLS upgrades the connection (RFC 3207) and re-issues EHLO, as the
// server forgets everything learnt before the upgrade.
func (c *Client) StartTLS(ctx context.Context, config *tls.Config) error {
	c.conn.SetDeadlineFromContext(ctx)

	reply, err := c.cmd("STARTTLS")
	if err != nil {
		return fmt.Errorf("smtp: STARTTLS: %w", err)
	}
	if !smtp.ReplyCode(reply.Code).IsSuccess() {
		return smtp.NewReplyError("STARTTLS", reply.Code, reply.Lines)
	}

	tlsConn := tls.Client(c.netConn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return &TLSError{Err: err}
	}
	state := tlsConn.ConnectionState()
	c.logger.Debug().
		Str("version", tls.VersionName(state.Version)).
		Str("cipher", tls.CipherSuiteName(state.CipherSuite)).
		Msg("TLS established")

	c.netConn = tlsConn
	c.conn.ReplaceConn(tlsConn)
	c.tls = true
	c.exts = nil

	return c.ehlo(ctx)
}

// Auth runs a SASL exchange (RFC 4954). A final reply other than 235 is
// returned as an *smtp.ReplyError carrying the server's text.
func (c *Client) Auth(ctx context.Context, mech sasl.Client) error {
	c.conn.SetDeadlineFromContext(ctx)

	name, ir, err := mech.Start()
	if err != nil {
		return fmt.Errorf("smtp: AUTH %s: %w", name, err)
	}

	cmd := "AUTH " + name
	shown := cmd
	if ir != nil {
		enc := base64.StdEncoding.EncodeToString(ir)
		if enc == "" {
			enc = "=" // Empty initial response (RFC 4954 §4).
		}
		cmd += " " + enc
		shown += " " + redacted
	}
	if err := c.writeLine(cmd, shown); err != nil {
		return fmt.Errorf("smtp: AUTH: %w", err)
	}

	for {
		reply, err := c.readReply()
		if err != nil {
			return fmt.Errorf("smtp: AUTH: %w", err)
		}
		switch smtp.ReplyCode(reply.Code) {
		case smtp.ReplyAuthOK:
			return nil
		case smtp.ReplyAuthContinue:
		default:
			return smtp.NewReplyError("AUTH", reply.Code, reply.Lines)
		}

		challenge, err := base64.StdEncoding.DecodeString(reply.Lines[0])
		if err != nil {
			c.cancelAuth()
			return fmt.Errorf("smtp: AUTH: decoding challenge: %w", err)
		}
		resp, err := mech.Next(challenge)
		if err != nil {
			c.cancelAuth()
			return fmt.Errorf("smtp: AUTH %s: %w", name, err)
		}
		if err := c.writeLine(base64.StdEncoding.EncodeToString(resp), redacted); err != nil {
			return fmt.Errorf("smtp: AUTH: %w", err)
		}
	}
}

// cancelAuth aborts an exchange with "*" (RFC 4954 §4). The reply is read
// and discarded.
func (c *Client) cancelAuth() {
	if c.writeLine("*", "*") == nil {
		c.readReply()
	}
}

// Mail sends MAIL FROM with optional SIZE, BODY and SMTPUTF8 parameters
// (RFC 5321 §4.1.1.2, RFC 1870, RFC 6152, RFC 6531).
func (c *Client) Mail(ctx context.Context, from string, opts ...MailOption) error {
	c.conn.SetDeadlineFromContext(ctx)

	var mo mailOptions
	for _, opt := range opts {
		opt(&mo)
	}
	cmd := fmt.Sprintf("MAIL FROM:<%s>", from)
	if mo.size > 0 {
		cmd += fmt.Sprintf(" SIZE=%d", mo.size)
	}
	if mo.body != "" {
		cmd += " BODY=" + mo.body
	}
	if mo.smtpUTF8 {
		cmd += " SMTPUTF8"
	}
	return c.expect("MAIL FROM", cmd)
}

// Rcpt sends RCPT TO (RFC 5321 §4.1.1.3).
func (c *Client) Rcpt(ctx context.Context, to string) error {
	c.conn.SetDeadlineFromContext(ctx)
	return c.expect("RCPT TO", fmt.Sprintf("RCPT TO:<%s>", to))
}

// Data sends DATA and, on 354, returns a writer for the message. The
// message is dot-stuffed on the fly; closing the writer terminates it and
// reads the server's verdict.
func (c *Client) Data(ctx context.Context) (*DataWriter, error) {
	c.conn.SetDeadlineFromContext(ctx)

	reply, err := c.cmd("DATA")
	if err != nil {
		return nil, fmt.Errorf("smtp: DATA: %w", err)
	}
	if smtp.ReplyCode(reply.Code) != smtp.ReplyStartMailInput {
		return nil, smtp.NewReplyError("DATA", reply.Code, reply.Lines)
	}
	return &DataWriter{c: c, w: c.conn.DotWriter()}, nil
}

// DataWriter streams a message body inside a DATA command.
type DataWriter struct {
	c      *Client
	w      io.WriteCloser
	closed bool
}

// Write sends message bytes, dot-stuffing lines as needed.
func (d *DataWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("smtp: writing message: %w", err)
	}
	return n, nil
}

// Close writes the terminating "." line and waits for the server to accept
// the message. The deadline is refreshed from ctx first when one is given.
func (d *DataWriter) Close() error {
	return d.CloseContext(nil)
}

// CloseContext is Close with a fresh deadline for the final reply.
func (d *DataWriter) CloseContext(ctx context.Context) error {
	if d.closed {
		return nil
	}
	d.closed = true
	if ctx != nil {
		d.c.conn.SetDeadlineFromContext(ctx)
	}
	if err := d.w.Close(); err != nil {
		return fmt.Errorf("smtp: ending message: %w", err)
	}
	d.c.emit(Sent, ".")
	reply, err := d.c.readReply()
	if err != nil {
		return fmt.Errorf("smtp: reading DATA reply: %w", err)
	}
	if !smtp.ReplyCode(reply.Code).IsSuccess() {
		return smtp.NewReplyError("DATA", reply.Code, reply.Lines)
	}
	return nil
}

// Quit sends QUIT and closes the connection (RFC 5321 §4.1.1.10). The
// connection is closed even when the server misbehaves.
func (c *Client) Quit(ctx context.Context) error {
	c.conn.SetDeadlineFromContext(ctx)
	err := c.expect("QUIT", "QUIT")
	if cerr := c.netConn.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("smtp: close: %w", cerr)
	}
	return err
}

// Close closes the connection without QUIT.
func (c *Client) Close() error {
	return c.netConn.Close()
}

// expect sends a command and requires a 2xx reply.
func (c *Client) expect(verb, line string) error {
	reply, err := c.cmd(line)
	if err != nil {
		return fmt.Errorf("smtp: %s: %w", verb, err)
	}
	if !smtp.ReplyCode(reply.Code).IsSuccess() {
		return smtp.NewReplyError(verb, reply.Code, reply.Lines)
	}
	return nil
}

func (c *Client) cmd(line string) (textproto.Reply, error) {
	if err := c.writeLine(line, line); err != nil {
		return textproto.Reply{}, err
	}
	return c.readReply()
}

func (c *Client) writeLine(line, shown string) error {
	c.emit(Sent, shown)
	return c.conn.WriteLine(line)
}

func (c *Client) readReply() (textproto.Reply, error) {
	reply, err := c.conn.ReadReply()
	if err != nil {
		return reply, err
	}
	for _, l := range strings.Split(reply.String(), "\n") {
		c.emit(Received, l)
	}
	return reply, nil
}

func (c *Client) emit(dir Direction, line string) {
	if c.trace != nil {
		c.trace(dir, line)
	}
}
