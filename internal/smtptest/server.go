package smtptest

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexisbouchez/micromail/internal/textproto"
	"github.com/alexisbouchez/micromail/smtp"
)

// Step names a point in the conversation where the server replies.
type Step string

const (
	StepGreeting Step = "greeting"
	StepEHLO     Step = "EHLO"
	StepHELO     Step = "HELO"
	StepSTARTTLS Step = "STARTTLS"
	StepAUTH     Step = "AUTH"
	StepMAIL     Step = "MAIL"
	StepRCPT     Step = "RCPT"
	StepDATA     Step = "DATA"
	StepDataEnd  Step = "data-end" // Reply after the terminating ".".
	StepQUIT     Step = "QUIT"
)

// Reply replaces the server's answer at one step.
type Reply struct {
	Code  int
	Lines []string

	// Close drops the connection after the reply is sent. With a zero Code
	// the connection is dropped without any reply.
	Close bool

	// Hang stops the server from answering until the client goes away.
	Hang bool
}

// Message is a message accepted by a Server.
type Message struct {
	From string
	To   []string
	Data []byte
	TLS  bool
	User string // Authenticated user, if any.
}

// Server is a scripted SMTP server listening on 127.0.0.1.
type Server struct {
	hostname  string
	tlsConfig *tls.Config
	users     map[string]string
	overrides map[Step]Reply
	rejected  map[string]bool
	maxSize   int64
	disabled  map[string]bool
	logger    zerolog.Logger

	ln   net.Listener
	wg   sync.WaitGroup
	quit chan struct{}

	mu        sync.Mutex
	commands  []string
	messages  []Message
	conns     int
	bytesRead int64
}

// Option configures a Server.
type Option func(*Server)

// WithTLS enables STARTTLS with the given server configuration.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

// WithAuth enables AUTH PLAIN LOGIN CRAM-MD5 and adds an account.
func WithAuth(username, password string) Option {
	return func(s *Server) {
		if s.users == nil {
			s.users = make(map[string]string)
		}
		s.users[username] = password
	}
}

// WithReply overrides the reply at step.
func WithReply(step Step, r Reply) Option {
	return func(s *Server) { s.overrides[step] = r }
}

// WithRejectRecipient answers RCPT for addr with 550.
func WithRejectRecipient(addr string) Option {
	return func(s *Server) { s.rejected[strings.ToLower(addr)] = true }
}

// WithoutExtensions removes keywords such as "SMTPUTF8" or "8BITMIME" from
// the EHLO reply.
func WithoutExtensions(names ...string) Option {
	return func(s *Server) {
		for _, n := range names {
			s.disabled[strings.ToUpper(n)] = true
		}
	}
}

// WithMaxMessageSize advertises SIZE and rejects larger messages.
func WithMaxMessageSize(n int64) Option {
	return func(s *Server) { s.maxSize = n }
}

// WithLogger sets the logger used for server-side events.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer starts a Server on an ephemeral port. It is shut down when the
// test finishes.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		hostname:  "mx.test",
		overrides: make(map[Step]Reply),
		rejected:  make(map[string]bool),
		disabled:  make(map[string]bool),
		logger:    zerolog.Nop(),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("smtptest: listen: %v", err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Port returns the port the server listens on.
func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Close stops the server and waits for open sessions to end.
func (s *Server) Close() {
	select {
	case <-s.quit:
		return
	default:
	}
	close(s.quit)
	s.ln.Close()
	s.wg.Wait()
}

// Commands returns every command line received, AUTH payloads included.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Messages returns the accepted messages.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Connections returns how many connections were accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// BytesRead returns how many bytes clients have sent.
func (s *Server) BytesRead() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesRead
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(&countingConn{Conn: nc, srv: s})
		}()
	}
}

type countingConn struct {
	net.Conn
	srv *Server
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.srv.mu.Lock()
	c.srv.bytesRead += int64(n)
	c.srv.mu.Unlock()
	return n, err
}

type session struct {
	srv  *Server
	conn *textproto.Conn
	tls  bool
	user string

	greeted bool
	from    string
	rcpts   []string
	mail    bool
}

func (s *Server) handleConn(nc net.Conn) {
	conn := textproto.NewConn(nc)
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.quit:
			nc.Close()
		case <-done:
		}
	}()

	sess := &session{srv: s, conn: conn}
	if !sess.respond(StepGreeting, int(smtp.ReplyServiceReady), s.hostname+" ESMTP ready") {
		return
	}

	for {
		line, err := conn.ReadLine(textproto.MaxCommandLineLen)
		if err != nil {
			return
		}
		s.record(line)

		verb, args, _ := strings.Cut(line, " ")
		var ok bool
		switch strings.ToUpper(verb) {
		case "EHLO":
			ok = sess.handleEHLO(args)
		case "HELO":
			ok = sess.respond(StepHELO, int(smtp.ReplyOK), s.hostname)
			sess.greeted = ok
		case "STARTTLS":
			ok = sess.handleSTARTTLS()
		case "AUTH":
			ok = sess.handleAUTH(args)
		case "MAIL":
			ok = sess.handleMAIL(args)
		case "RCPT":
			ok = sess.handleRCPT(args)
		case "DATA":
			ok = sess.handleDATA()
		case "RSET":
			sess.mail, sess.from, sess.rcpts = false, "", nil
			ok = sess.reply(int(smtp.ReplyOK), "2.0.0 OK")
		case "NOOP":
			ok = sess.reply(int(smtp.ReplyOK), "2.0.0 OK")
		case "QUIT":
			sess.respond(StepQUIT, int(smtp.ReplyServiceClosing), "2.0.0 Bye")
			return
		default:
			ok = sess.reply(int(smtp.ReplySyntaxError), "5.5.2 Command not recognized")
		}
		if !ok {
			return
		}
	}
}

func (s *Server) record(line string) {
	s.mu.Lock()
	s.commands = append(s.commands, line)
	s.mu.Unlock()
}

// respond sends the override for step if there is one, otherwise the
// default reply. It reports whether the session should continue and
// whether the default path was taken.
func (sess *session) respond(step Step, code int, lines ...string) bool {
	ok, _ := sess.respondOverride(step, code, lines...)
	return ok
}

func (sess *session) respondOverride(step Step, code int, lines ...string) (ok, overridden bool) {
	r, found := sess.srv.overrides[step]
	if !found {
		return sess.reply(code, lines...), false
	}
	if r.Hang {
		// Wait for the client to give up.
		io.Copy(io.Discard, sess.conn.NetConn())
		return false, true
	}
	if r.Code != 0 {
		if !sess.reply(r.Code, r.Lines...) {
			return false, true
		}
	}
	return !r.Close && r.Code != 0, true
}

func (sess *session) reply(code int, lines ...string) bool {
	if len(lines) == 0 {
		lines = []string{""}
	}
	return sess.conn.WriteReply(code, lines...) == nil
}

func (sess *session) handleEHLO(args string) bool {
	if args == "" {
		return sess.reply(int(smtp.ReplySyntaxParamError), "5.5.4 EHLO requires a hostname")
	}
	s := sess.srv
	lines := []string{fmt.Sprintf("%s Hello %s", s.hostname, args)}
	if s.maxSize > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", s.maxSize))
	}
	for _, ext := range []string{"8BITMIME", "ENHANCEDSTATUSCODES", "SMTPUTF8"} {
		if !s.disabled[ext] {
			lines = append(lines, ext)
		}
	}
	if s.tlsConfig != nil && !sess.tls {
		lines = append(lines, "STARTTLS")
	}
	if s.users != nil && sess.user == "" {
		lines = append(lines, "AUTH PLAIN LOGIN CRAM-MD5")
	}

	ok, overridden := sess.respondOverride(StepEHLO, int(smtp.ReplyOK), lines...)
	sess.greeted = ok && !overridden
	if overridden {
		sess.greeted = ok && smtp.ReplyCode(s.overrides[StepEHLO].Code).IsSuccess()
	}
	return ok
}

func (sess *session) handleSTARTTLS() bool {
	s := sess.srv
	if s.tlsConfig == nil || sess.tls {
		return sess.reply(int(smtp.ReplyCommandNotImpl), "5.5.1 STARTTLS not available")
	}
	ok, overridden := sess.respondOverride(StepSTARTTLS, int(smtp.ReplyServiceReady), "2.0.0 Ready to start TLS")
	if !ok || (overridden && s.overrides[StepSTARTTLS].Code != int(smtp.ReplyServiceReady)) {
		return ok
	}

	tlsConn := tls.Server(sess.conn.NetConn(), s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Debug().Err(err).Msg("TLS handshake failed")
		return false
	}
	sess.conn.ReplaceConn(tlsConn)
	sess.tls = true
	sess.greeted = false
	sess.mail, sess.from, sess.rcpts = false, "", nil
	return true
}

func (sess *session) handleAUTH(args string) bool {
	s := sess.srv
	if s.users == nil {
		return sess.reply(int(smtp.ReplyCommandNotImpl), "5.5.1 AUTH not available")
	}
	if !sess.greeted {
		return sess.reply(int(smtp.ReplyBadSequence), "5.5.1 Send EHLO first")
	}
	if r, found := s.overrides[StepAUTH]; found {
		// Consume nothing more; the override is the final answer.
		ok, _ := sess.respondOverride(StepAUTH, r.Code, r.Lines...)
		return ok
	}

	mech, ir, _ := strings.Cut(args, " ")
	var user string
	var granted bool
	var err error
	switch strings.ToUpper(mech) {
	case "PLAIN":
		user, granted, err = sess.authPLAIN(ir)
	case "LOGIN":
		user, granted, err = sess.authLOGIN(ir)
	case "CRAM-MD5":
		user, granted, err = sess.authCRAMMD5()
	default:
		return sess.reply(int(smtp.ReplySyntaxParamError), "5.5.4 Unrecognized authentication mechanism")
	}
	if err != nil {
		return false
	}
	if !granted {
		return sess.reply(int(smtp.ReplyAuthFailed), "5.7.8 Authentication credentials invalid")
	}
	sess.user = user
	return sess.reply(int(smtp.ReplyAuthOK), "2.7.0 Authentication successful")
}

// challenge sends a 334 and reads the base64 answer.
func (sess *session) challenge(text string) ([]byte, error) {
	if !sess.reply(int(smtp.ReplyAuthContinue), base64.StdEncoding.EncodeToString([]byte(text))) {
		return nil, io.ErrClosedPipe
	}
	line, err := sess.conn.ReadLine(textproto.MaxCommandLineLen)
	if err != nil {
		return nil, err
	}
	sess.srv.record(line)
	return base64.StdEncoding.DecodeString(line)
}

func (sess *session) authPLAIN(ir string) (string, bool, error) {
	var decoded []byte
	var err error
	if ir == "" || ir == "=" {
		decoded, err = sess.challenge("")
		if err != nil {
			return "", false, err
		}
	} else if decoded, err = base64.StdEncoding.DecodeString(ir); err != nil {
		return "", false, nil
	}
	parts := bytes.Split(decoded, []byte{0})
	if len(parts) != 3 {
		return "", false, nil
	}
	user, pass := string(parts[1]), string(parts[2])
	return user, sess.check(user, pass), nil
}

func (sess *session) authLOGIN(ir string) (string, bool, error) {
	var user []byte
	var err error
	if ir != "" {
		if user, err = base64.StdEncoding.DecodeString(ir); err != nil {
			return "", false, nil
		}
	} else if user, err = sess.challenge("Username:"); err != nil {
		return "", false, err
	}
	pass, err := sess.challenge("Password:")
	if err != nil {
		return "", false, err
	}
	return string(user), sess.check(string(user), string(pass)), nil
}

func (sess *session) authCRAMMD5() (string, bool, error) {
	challenge := fmt.Sprintf("<%d@%s>", time.Now().UnixNano(), sess.srv.hostname)
	resp, err := sess.challenge(challenge)
	if err != nil {
		return "", false, err
	}
	user, digest, found := strings.Cut(string(resp), " ")
	if !found {
		return "", false, nil
	}
	pass, known := sess.srv.users[user]
	if !known {
		return user, false, nil
	}
	mac := hmac.New(md5.New, []byte(pass))
	mac.Write([]byte(challenge))
	return user, hmac.Equal([]byte(digest), []byte(hex.EncodeToString(mac.Sum(nil)))), nil
}

func (sess *session) check(user, pass string) bool {
	want, known := sess.srv.users[user]
	return known && want == pass
}

func (sess *session) handleMAIL(args string) bool {
	if !sess.greeted {
		return sess.reply(int(smtp.ReplyBadSequence), "5.5.1 Send EHLO first")
	}
	if sess.srv.users != nil && sess.user == "" {
		return sess.reply(int(smtp.ReplyAuthRequired), "5.7.0 Authentication required")
	}
	path, ok := cutPrefixFold(args, "FROM:")
	if !ok {
		return sess.reply(int(smtp.ReplySyntaxParamError), "5.5.4 Syntax: MAIL FROM:<address>")
	}
	path, params, _ := strings.Cut(path, " ")
	from, err := smtp.ParsePath(path)
	if err != nil {
		return sess.reply(int(smtp.ReplySyntaxParamError), "5.1.7 Bad sender address syntax")
	}
	if !from.IsASCII() && !strings.Contains(strings.ToUpper(params), "SMTPUTF8") {
		return sess.reply(int(smtp.ReplyMailboxNameError), "5.6.7 SMTPUTF8 required")
	}
	ok, overridden := sess.respondOverride(StepMAIL, int(smtp.ReplyOK), "2.1.0 Sender OK")
	if ok && (!overridden || smtp.ReplyCode(sess.srv.overrides[StepMAIL].Code).IsSuccess()) {
		sess.mail = true
		sess.from = from.String()
		sess.rcpts = nil
	}
	return ok
}

func (sess *session) handleRCPT(args string) bool {
	if !sess.mail {
		return sess.reply(int(smtp.ReplyBadSequence), "5.5.1 Send MAIL first")
	}
	path, ok := cutPrefixFold(args, "TO:")
	if !ok {
		return sess.reply(int(smtp.ReplySyntaxParamError), "5.5.4 Syntax: RCPT TO:<address>")
	}
	path, _, _ = strings.Cut(path, " ")
	to, err := smtp.ParsePath(path)
	if err != nil {
		return sess.reply(int(smtp.ReplySyntaxParamError), "5.1.3 Bad recipient address syntax")
	}
	if sess.srv.rejected[strings.ToLower(to.String())] {
		return sess.reply(int(smtp.ReplyMailboxNotFound), "5.1.1 No such user")
	}
	ok, overridden := sess.respondOverride(StepRCPT, int(smtp.ReplyOK), "2.1.5 Recipient OK")
	if ok && (!overridden || smtp.ReplyCode(sess.srv.overrides[StepRCPT].Code).IsSuccess()) {
		sess.rcpts = append(sess.rcpts, to.String())
	}
	return ok
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

func (sess *session) handleDATA() bool {
	if len(sess.rcpts) == 0 {
		return sess.reply(int(smtp.ReplyBadSequence), "5.5.1 Send RCPT first")
	}
	ok, overridden := sess.respondOverride(StepDATA, int(smtp.ReplyStartMailInput), "Start mail input; end with <CRLF>.<CRLF>")
	if !ok || (overridden && sess.srv.overrides[StepDATA].Code != int(smtp.ReplyStartMailInput)) {
		return ok
	}

	data, err := io.ReadAll(sess.conn.DotReader())
	if err != nil {
		return false
	}
	if limit := sess.srv.maxSize; limit > 0 && int64(len(data)) > limit {
		sess.mail, sess.from, sess.rcpts = false, "", nil
		return sess.reply(int(smtp.ReplyExceededStorage), "5.3.4 Message too big")
	}

	ok, overridden = sess.respondOverride(StepDataEnd, int(smtp.ReplyOK), "2.0.0 Message accepted")
	if ok && (!overridden || smtp.ReplyCode(sess.srv.overrides[StepDataEnd].Code).IsSuccess()) {
		sess.srv.mu.Lock()
		sess.srv.messages = append(sess.srv.messages, Message{
			From: sess.from,
			To:   sess.rcpts,
			Data: data,
			TLS:  sess.tls,
			User: sess.user,
		})
		sess.srv.mu.Unlock()
	}
	sess.mail, sess.from, sess.rcpts = false, "", nil
	return ok
}
