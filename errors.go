package micromail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/alexisbouchez/micromail/internal/textproto"
	"github.com/alexisbouchez/micromail/smtp"
	"github.com/alexisbouchez/micromail/smtpclient"
)

// Kind classifies a failure.
type Kind int

const (
	KindValidation Kind = iota + 1 // Malformed or missing input; nothing was sent.
	KindConnection                 // Transport could not be established or was lost.
	KindTLS                        // Upgrade unavailable or handshake failed.
	KindAuth                       // Credentials rejected or no usable mechanism.
	KindProtocol                   // Unexpected reply code or malformed reply.
	KindInternal                   // Unexpected local failure.
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConnection:
		return "connection"
	case KindTLS:
		return "tls"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindInternal:
		return "internal"
	}
	return "unknown"
}

// Sentinels matched by errors.Is against an *Error of the same Kind.
var (
	ErrValidation = errors.New("micromail: validation error")
	ErrConnection = errors.New("micromail: connection error")
	ErrTLS        = errors.New("micromail: tls error")
	ErrAuth       = errors.New("micromail: auth error")
	ErrProtocol   = errors.New("micromail: protocol error")
	ErrInternal   = errors.New("micromail: internal error")
)

var sentinels = map[Kind]error{
	KindValidation: ErrValidation,
	KindConnection: ErrConnection,
	KindTLS:        ErrTLS,
	KindAuth:       ErrAuth,
	KindProtocol:   ErrProtocol,
	KindInternal:   ErrInternal,
}

// Error is the failure reported by every operation in this package.
type Error struct {
	Kind  Kind
	State State // Step at which a send failed; StateIdle outside a send.

	// Set when the server's reply caused the failure.
	Code         smtp.ReplyCode
	EnhancedCode smtp.EnhancedCode

	// Message is the long-form explanation. For reply failures it is the
	// server's literal text.
	Message string

	Timeout bool  // The failure was a deadline expiry.
	Err     error // Underlying cause, if any.
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "micromail: %s error", e.Kind)
	if e.State != StateIdle {
		fmt.Fprintf(&b, " during %s", e.State)
	}
	if e.Timeout {
		b.WriteString(" (timeout)")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's Kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

func validationErrorf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// classify turns an error from the session into an *Error for state.
func classify(state State, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}

	out := &Error{State: state, Message: err.Error(), Err: err, Timeout: isTimeout(err)}

	var tlsErr *smtpclient.TLSError
	var replyErr *smtp.ReplyError
	var netErr net.Error
	switch {
	case errors.As(err, &tlsErr):
		out.Kind = KindTLS
	case errors.As(err, &replyErr):
		out.Kind = KindProtocol
		out.Code = replyErr.Code
		out.EnhancedCode = replyErr.EnhancedCode
		out.Message = replyErr.Text()
		if state == StateAuthenticating && isAuthRejection(replyErr.Code) {
			out.Kind = KindAuth
		}
	case errors.Is(err, textproto.ErrMalformedReply):
		out.Kind = KindProtocol
	case out.Timeout,
		errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.Canceled):
		out.Kind = KindConnection
	case state == StateAuthenticating:
		out.Kind = KindAuth
	default:
		out.Kind = KindInternal
	}
	return out
}

// isAuthRejection reports whether an AUTH reply refuses the credentials
// rather than the command (RFC 4954 §6).
func isAuthRejection(code smtp.ReplyCode) bool {
	switch code {
	case smtp.ReplyTempAuthFailure, smtp.ReplyAuthRequired, smtp.ReplyAuthTooWeak, smtp.ReplyAuthFailed:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())
}
