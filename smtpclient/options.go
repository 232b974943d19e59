package smtpclient

import (
	"context"
	"net"

	"github.com/rs/zerolog"
)

// Direction tells a TraceFunc which side produced a line.
type Direction int

const (
	Sent     Direction = iota // Written by the client.
	Received                  // Read from the server.
)

func (d Direction) String() string {
	if d == Received {
		return "S"
	}
	return "C"
}

// TraceFunc receives every protocol line the client writes or reads.
type TraceFunc func(dir Direction, line string)

// ContextDialer is satisfied by *net.Dialer.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Option configures a Client.
type Option func(*Client)

// WithTrace installs a protocol trace callback.
func WithTrace(fn TraceFunc) Option {
	return func(c *Client) { c.trace = fn }
}

// WithLogger sets the structured logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithDialer sets the dialer used by Dial.
func WithDialer(d ContextDialer) Option {
	return func(c *Client) { c.dialer = d }
}

// MailOption configures the MAIL FROM command.
type MailOption func(*mailOptions)

type mailOptions struct {
	size     int64
	body     string // "7BIT" or "8BITMIME"
	smtpUTF8 bool
}

// WithSize sets the SIZE parameter (RFC 1870).
func WithSize(n int64) MailOption {
	return func(o *mailOptions) { o.size = n }
}

// WithBody sets the BODY parameter (RFC 6152). Use "8BITMIME" or "7BIT".
func WithBody(body string) MailOption {
	return func(o *mailOptions) { o.body = body }
}

// WithSMTPUTF8 sets the SMTPUTF8 parameter (RFC 6531).
func WithSMTPUTF8() MailOption {
	return func(o *mailOptions) { o.smtpUTF8 = true }
}
