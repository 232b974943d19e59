package smtptest

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Captured is a message stored by a CaptureServer.
type Captured struct {
	Received time.Time
	From     string
	To       []string
	Body     string
	Opts     smtp.MailOptions
}

// CaptureServer is a conforming SMTP server that runs in the test process
// and keeps every message it accepts.
type CaptureServer struct {
	*smtp.Server
	store *captureStore
	ln    net.Listener
}

type captureStore struct {
	mu       sync.Mutex
	username string
	password string
	messages []Captured
}

// NewSession implements smtp.Backend.
func (cs *captureStore) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &captureSession{store: cs}, nil
}

type captureSession struct {
	store  *captureStore
	authed bool
	from   string
	opts   smtp.MailOptions
	to     []string
}

func (s *captureSession) AuthMechanisms() []string {
	if s.store.username == "" {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *captureSession) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, smtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != s.store.username || password != s.store.password {
			return smtp.ErrAuthFailed
		}
		s.authed = true
		return nil
	}), nil
}

func (s *captureSession) Mail(from string, opts *smtp.MailOptions) error {
	if s.store.username != "" && !s.authed {
		return smtp.ErrAuthRequired
	}
	s.from = from
	if opts != nil {
		s.opts = *opts
	}
	return nil
}

func (s *captureSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	// No test message comes close to this.
	buf, err := io.ReadAll(io.LimitReader(r, 10*units.MiB))
	if err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.messages = append(s.store.messages, Captured{
		Received: time.Now(),
		From:     s.from,
		To:       append([]string(nil), s.to...),
		Body:     string(buf),
		Opts:     s.opts,
	})
	return nil
}

func (s *captureSession) Reset() {
	s.from, s.to, s.opts = "", nil, smtp.MailOptions{}
}

func (s *captureSession) Logout() error { return nil }

// CaptureOption configures a CaptureServer.
type CaptureOption func(*CaptureServer)

// WithCaptureAuth requires AUTH PLAIN with the given account.
func WithCaptureAuth(username, password string) CaptureOption {
	return func(c *CaptureServer) {
		c.store.username = username
		c.store.password = password
		// The capture server has no certificate unless one is configured.
		c.AllowInsecureAuth = c.TLSConfig == nil
	}
}

// NewCaptureServer starts a CaptureServer on an ephemeral port. tlsConfig
// may be nil, in which case STARTTLS is not offered. The server is closed
// when the test finishes.
func NewCaptureServer(t testing.TB, tlsConfig *TLSConfig, opts ...CaptureOption) *CaptureServer {
	t.Helper()

	store := &captureStore{}
	srv := smtp.NewServer(store)
	srv.Domain = "localhost"
	srv.MaxMessageBytes = 10 * units.MiB
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	if tlsConfig != nil {
		srv.TLSConfig = tlsConfig.Server
	}

	cs := &CaptureServer{Server: srv, store: store}
	for _, opt := range opts {
		opt(cs)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("smtptest: listen: %v", err)
	}
	cs.ln = ln

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, smtp.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			t.Logf("smtptest: capture server: %v", err)
		}
	}()
	t.Cleanup(func() {
		srv.Close()
		<-done
	})
	return cs
}

// Addr returns the host:port the server listens on.
func (cs *CaptureServer) Addr() string {
	return cs.ln.Addr().String()
}

// Port returns the port the server listens on.
func (cs *CaptureServer) Port() int {
	return cs.ln.Addr().(*net.TCPAddr).Port
}

// Messages returns a copy of the captured messages.
func (cs *CaptureServer) Messages() []Captured {
	cs.store.mu.Lock()
	defer cs.store.mu.Unlock()
	return append([]Captured(nil), cs.store.messages...)
}
