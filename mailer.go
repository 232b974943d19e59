package micromail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/alexisbouchez/micromail/smtp"
	"github.com/alexisbouchez/micromail/smtpclient"
)

// Mailer sends Mail over one SMTP session at a time.
type Mailer struct {
	cfg      *Config
	logger   zerolog.Logger
	dialer   smtpclient.ContextDialer
	resolver Resolver
	now      func() time.Time

	busy atomic.Bool

	mu         sync.Mutex
	state      State
	transcript Transcript

	errs errorState
}

// Option configures a Mailer.
type Option func(*Mailer)

// WithLogger sets the structured logger. The default is the global
// zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Mailer) { m.logger = l }
}

// WithDialer sets the dialer used to reach exchangers.
func WithDialer(d smtpclient.ContextDialer) Option {
	return func(m *Mailer) { m.dialer = d }
}

// WithResolver sets the MX resolver.
func WithResolver(r Resolver) Option {
	return func(m *Mailer) { m.resolver = r }
}

// NewMailer returns a Mailer for cfg. The Config is frozen from here on and
// may be shared with other Mailers.
func NewMailer(cfg *Config, opts ...Option) (*Mailer, error) {
	if cfg == nil {
		return nil, validationErrorf("config is nil")
	}
	m := &Mailer{
		cfg:    cfg,
		logger: log.Logger,
		dialer: &net.Dialer{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.resolver == nil {
		m.resolver = NewDNSResolver()
	}
	cfg.freeze()
	return m, nil
}

// Config returns the Mailer's configuration.
func (m *Mailer) Config() *Config { return m.cfg }

// State returns the current state of the session state machine.
func (m *Mailer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transcript returns a copy of the transcript of the last send.
func (m *Mailer) Transcript() Transcript {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(Transcript(nil), m.transcript...)
}

// LastError returns the message of the last failed send, or NoError.
func (m *Mailer) LastError() string { return m.errs.message() }

// Err returns the last failure as an error, or nil.
func (m *Mailer) Err() error { return m.errs.last() }

// ClearError forgets the last failure.
func (m *Mailer) ClearError() { m.errs.clear() }

// Send delivers mail. It blocks until the session ends; every network
// operation is bounded by the Config timeout.
func (m *Mailer) Send(mail *Mail) error {
	return m.SendContext(context.Background(), mail)
}

// SendContext is Send with a context that bounds the whole session.
func (m *Mailer) SendContext(ctx context.Context, mail *Mail) error {
	if !m.busy.CompareAndSwap(false, true) {
		return m.errs.record(&Error{Kind: KindInternal, State: m.State(), Message: "a send is already in progress on this mailer"})
	}
	defer m.busy.Store(false)

	m.mu.Lock()
	m.state = StateIdle
	m.transcript = nil
	m.mu.Unlock()

	s := &session{
		m:   m,
		cfg: m.cfg,
		log: m.logger.With().Str("session", uuid.NewString()).Logger(),
	}
	err := s.run(ctx, mail)
	if err != nil {
		m.setState(StateFailed)
		s.log.Warn().Err(err).Msg("send failed")
		return m.errs.record(err)
	}
	m.setState(StateDone)
	s.log.Info().Msg("message accepted")
	return nil
}

func (m *Mailer) setState(st State) {
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
}

func (m *Mailer) appendEntry(dir Direction, text string) {
	m.mu.Lock()
	m.transcript = append(m.transcript, Entry{
		Time:  m.now(),
		State: m.state,
		Dir:   dir,
		Text:  sanitize(text),
	})
	m.mu.Unlock()
}

// session is the state of one Send call.
type session struct {
	m   *Mailer
	cfg *Config
	log zerolog.Logger

	host   string // Exchanger host, used as TLS server name.
	broken bool   // The transport is unusable; QUIT is pointless.
}

func (s *session) state() State { return s.m.State() }

func (s *session) enter(st State) {
	s.m.setState(st)
	s.log.Debug().Stringer("state", st).Msg("state change")
}

func (s *session) info(format string, args ...any) {
	s.m.appendEntry(DirInfo, fmt.Sprintf(format, args...))
}

func (s *session) trace(dir smtpclient.Direction, line string) {
	d := DirClient
	if dir == smtpclient.Received {
		d = DirServer
	}
	s.m.appendEntry(d, line)
}

// fail classifies err at the current state and notes it in the transcript.
func (s *session) fail(err error) error {
	e := classify(s.state(), err)
	var tlsErr *smtpclient.TLSError
	if e.Kind == KindConnection || errors.As(err, &tlsErr) {
		s.broken = true
	}
	s.info("%s", e.Error())
	return e
}

// step runs fn with a deadline derived from the Config timeout.
func (s *session) step(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
	defer cancel()
	if err := fn(ctx); err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *session) run(ctx context.Context, mail *Mail) error {
	if mail == nil {
		return s.fail(validationErrorf("mail is nil"))
	}
	msg, err := mail.compose(s.cfg, s.m.now())
	if err != nil {
		return s.fail(err)
	}
	if limit := s.cfg.MaxMessageSize(); limit > 0 && msg.size() > limit {
		return s.fail(validationErrorf("message is %d bytes, limit is %d", msg.size(), limit))
	}
	s.log.Debug().Stringer("message", msg).Msg("sending")

	s.enter(StateConnecting)
	c, err := s.connect(ctx, msg.to)
	if err != nil {
		return err
	}

	err = s.converse(ctx, c, msg)
	s.close(ctx, c)
	return err
}

func (s *session) connect(ctx context.Context, rcpt smtp.Mailbox) (*smtpclient.Client, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
	addrs, err := s.m.exchangers(rctx, rcpt.Domain, rcpt.LiteralIP())
	cancel()
	if err != nil {
		return nil, s.fail(&Error{
			Kind:    KindConnection,
			State:   StateConnecting,
			Message: fmt.Sprintf("resolving exchangers for %s: %v", rcpt.Domain, err),
			Timeout: isTimeout(err),
			Err:     err,
		})
	}

	var lastErr error
	for _, addr := range addrs {
		s.info("connecting to %s", addr)
		dctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
		c, err := smtpclient.Dial(dctx, addr,
			smtpclient.WithDialer(s.m.dialer),
			smtpclient.WithTrace(s.trace),
			smtpclient.WithLogger(s.log),
		)
		cancel()
		if err == nil {
			s.host, _, _ = net.SplitHostPort(addr)
			s.info("connected to %s", addr)
			return c, nil
		}
		s.info("%v", err)
		s.log.Debug().Err(err).Str("addr", addr).Msg("dial failed")
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, s.fail(&Error{
		Kind:    KindConnection,
		State:   StateConnecting,
		Message: fmt.Sprintf("no exchanger reachable for %s: %v", rcpt.Domain, lastErr),
		Timeout: isTimeout(lastErr),
		Err:     lastErr,
	})
}

func (s *session) converse(ctx context.Context, c *smtpclient.Client, msg *message) error {
	s.enter(StateConnected)
	if err := s.step(ctx, c.Greeting); err != nil {
		return err
	}
	hello := func(ctx context.Context) error { return c.Hello(ctx, s.cfg.Domain()) }
	if err := s.step(ctx, hello); err != nil {
		return err
	}
	s.log.Debug().Str("greeting", c.ServerGreeting()).Msg("session open")

	if err := s.startTLS(ctx, c); err != nil {
		return err
	}
	if err := s.auth(ctx, c); err != nil {
		return err
	}

	exts := c.Extensions()
	s.enter(StateEnvelopeFrom)
	opts, err := s.mailOptions(exts, msg)
	if err != nil {
		return err
	}
	mailFrom := func(ctx context.Context) error { return c.Mail(ctx, msg.from.String(), opts...) }
	if err := s.step(ctx, mailFrom); err != nil {
		return err
	}

	s.enter(StateEnvelopeTo)
	rcptTo := func(ctx context.Context) error { return c.Rcpt(ctx, msg.to.String()) }
	if err := s.step(ctx, rcptTo); err != nil {
		return err
	}

	return s.data(ctx, c, msg)
}

// mailOptions fits the message to what the server advertised and returns
// the MAIL FROM parameters. An 8-bit body is re-encoded when 8BITMIME is
// missing; non-ASCII addresses require SMTPUTF8 (RFC 6531 §3.4).
func (s *session) mailOptions(exts smtp.Extensions, msg *message) ([]smtpclient.MailOption, error) {
	var opts []smtpclient.MailOption
	if msg.eightBit {
		if exts.Has(smtp.Ext8BITMIME) {
			opts = append(opts, smtpclient.WithBody("8BITMIME"))
		} else {
			if err := msg.toQuotedPrintable(); err != nil {
				return nil, s.fail(err)
			}
			s.info("server does not offer 8BITMIME, body re-encoded as quoted-printable")
		}
	}
	if !msg.from.IsASCII() || !msg.to.IsASCII() {
		if !exts.Has(smtp.ExtSMTPUTF8) {
			return nil, s.fail(&Error{
				Kind:    KindProtocol,
				State:   StateEnvelopeFrom,
				Message: fmt.Sprintf("%s -> %s needs SMTPUTF8, which the server does not offer", msg.from, msg.to),
			})
		}
		opts = append(opts, smtpclient.WithSMTPUTF8())
	}
	if exts.Has(smtp.ExtSIZE) {
		if limit := exts.MaxSize(); limit > 0 && msg.size() > limit {
			return nil, s.fail(&Error{
				Kind:    KindProtocol,
				State:   StateEnvelopeFrom,
				Message: fmt.Sprintf("message is %d bytes, server accepts at most %d", msg.size(), limit),
			})
		}
		opts = append(opts, smtpclient.WithSize(msg.size()))
	}
	return opts, nil
}

func (s *session) startTLS(ctx context.Context, c *smtpclient.Client) error {
	policy := s.cfg.TLSPolicy()
	if policy == TLSNone || c.IsTLS() {
		return nil
	}
	if !c.Extensions().Has(smtp.ExtSTARTTLS) {
		if policy == TLSRequired {
			return s.fail(&Error{Kind: KindTLS, State: s.state(), Message: "TLS is required but the server does not offer STARTTLS"})
		}
		s.info("server does not offer STARTTLS, continuing without TLS")
		return nil
	}

	s.enter(StateTLSHandshake)
	upgrade := func(ctx context.Context) error { return c.StartTLS(ctx, s.cfg.clientTLSConfig(s.host)) }
	return s.step(ctx, upgrade)
}

func (s *session) auth(ctx context.Context, c *smtpclient.Client) error {
	if !s.cfg.HasAuth() {
		return nil
	}
	s.enter(StateAuthenticating)

	mechs := c.Extensions().AuthMechanisms()
	if len(mechs) == 0 {
		return s.fail(&Error{Kind: KindAuth, State: StateAuthenticating, Message: "credentials are set but the server does not offer AUTH"})
	}
	user, pass := s.cfg.credentials()
	mech, err := smtp.NewSASLClient(mechs, user, pass, c.IsTLS())
	if err != nil {
		return s.fail(&Error{Kind: KindAuth, State: StateAuthenticating, Message: err.Error(), Err: err})
	}
	return s.step(ctx, func(ctx context.Context) error { return c.Auth(ctx, mech) })
}

func (s *session) data(ctx context.Context, c *smtpclient.Client, msg *message) error {
	s.enter(StateDataHeader)
	var w *smtpclient.DataWriter
	err := s.step(ctx, func(ctx context.Context) error {
		var err error
		if w, err = c.Data(ctx); err != nil {
			return err
		}
		var b bytes.Buffer
		for _, h := range msg.header {
			s.m.appendEntry(DirClient, h.Name+": "+h.Value)
			b.WriteString(foldHeader(h.Name, h.Value) + "\r\n")
		}
		b.WriteString("\r\n")
		_, err = w.Write(b.Bytes())
		return err
	})
	if err != nil {
		return err
	}

	s.enter(StateDataBody)
	return s.step(ctx, func(ctx context.Context) error {
		if _, err := w.Write([]byte(msg.body)); err != nil {
			return err
		}
		s.info("%d bytes of message body, %d lines", len(msg.body), strings.Count(msg.body, "\r\n")+1)
		return w.CloseContext(ctx)
	})
}

// close ends the session with QUIT unless the transport is already gone.
// A QUIT failure is logged and never reported.
func (s *session) close(ctx context.Context, c *smtpclient.Client) {
	if s.broken {
		c.Close()
		return
	}
	s.enter(StateClosing)
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout())
	defer cancel()
	if err := c.Quit(qctx); err != nil {
		s.info("QUIT failed: %v", err)
		s.log.Debug().Err(err).Msg("QUIT failed")
	}
}
