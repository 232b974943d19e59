package micromail

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/alexisbouchez/micromail/dkim"
	"github.com/alexisbouchez/micromail/smtp"
)

// DefaultContentType is used when SetContentType was not called.
const DefaultContentType = "text/plain; charset=utf-8"

// Header is a custom message header.
type Header struct {
	Name  string
	Value string
}

// Generated headers a custom header of the same name replaces.
var replaceable = []string{"Date", "Message-ID", "MIME-Version", "Content-Type", "Content-Transfer-Encoding"}

// Headers only settable through their dedicated setters.
var reserved = []string{"From", "To", "Subject"}

const (
	foldWidth = 78  // Preferred line length (RFC 5322 §2.1.1).
	maxWord   = 900 // Longest unbreakable run in a header value.
)

// Mail is a single-recipient plain-text message.
type Mail struct {
	mu          sync.Mutex
	from        smtp.Mailbox
	to          smtp.Mailbox
	subject     string
	body        string
	contentType string
	messageID   string
	headers     []Header

	errs errorState
}

// NewMail returns an empty Mail.
func NewMail() *Mail {
	return &Mail{contentType: DefaultContentType}
}

func (m *Mail) set(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errs.record(fn())
}

// SetFrom sets the sender address, used for MAIL FROM and the From header.
func (m *Mail) SetFrom(addr string) error {
	return m.set(func() error {
		mb, err := parseAddress("from", addr)
		if err != nil {
			return err
		}
		m.from = mb
		return nil
	})
}

// SetTo sets the recipient address, used for RCPT TO and the To header.
func (m *Mail) SetTo(addr string) error {
	return m.set(func() error {
		mb, err := parseAddress("to", addr)
		if err != nil {
			return err
		}
		m.to = mb
		return nil
	})
}

func parseAddress(field, addr string) (smtp.Mailbox, error) {
	if addr == "" {
		return smtp.Mailbox{}, validationErrorf("%s address is empty", field)
	}
	mb, err := smtp.ParseMailbox(addr)
	if err != nil {
		return smtp.Mailbox{}, validationErrorf("%s address %q: %v", field, addr, err)
	}
	return mb, nil
}

// SetSubject sets the subject line.
func (m *Mail) SetSubject(subject string) error {
	return m.set(func() error {
		if subject == "" {
			return validationErrorf("subject is empty")
		}
		if strings.ContainsAny(subject, "\r\n") {
			return validationErrorf("subject contains a line break")
		}
		if isASCII(subject) && longestWord(subject) > maxWord {
			return validationErrorf("subject has a word longer than %d bytes", maxWord)
		}
		m.subject = subject
		return nil
	})
}

// SetBody sets the message text. Line endings are normalised to CRLF when
// the message is formatted.
func (m *Mail) SetBody(body string) error {
	return m.set(func() error {
		if body == "" {
			return validationErrorf("body is empty")
		}
		if !utf8.ValidString(body) {
			return validationErrorf("body is not valid UTF-8")
		}
		m.body = body
		return nil
	})
}

// SetContentType overrides the Content-Type header.
func (m *Mail) SetContentType(ct string) error {
	return m.set(func() error {
		if _, _, err := mime.ParseMediaType(ct); err != nil {
			return validationErrorf("content type %q: %v", ct, err)
		}
		m.contentType = ct
		return nil
	})
}

// SetMessageID sets the Message-ID. Angle brackets are added when missing.
func (m *Mail) SetMessageID(id string) error {
	return m.set(func() error {
		id = strings.TrimSuffix(strings.TrimPrefix(id, "<"), ">")
		left, right, ok := strings.Cut(id, "@")
		if !ok || left == "" || right == "" || strings.ContainsAny(id, " <>\r\n") {
			return validationErrorf("message id %q is not of the form local@domain", id)
		}
		m.messageID = "<" + id + ">"
		return nil
	})
}

// AddHeader appends a custom header. Adding a name that is already present
// replaces its value in place.
func (m *Mail) AddHeader(name, value string) error {
	return m.set(func() error {
		if err := validateHeaderName(name); err != nil {
			return err
		}
		if strings.ContainsAny(value, "\r\n") {
			return validationErrorf("header %s: value contains a line break", name)
		}
		if longestWord(value) > maxWord {
			return validationErrorf("header %s: value has a word longer than %d bytes", name, maxWord)
		}
		for _, r := range reserved {
			if strings.EqualFold(name, r) {
				return validationErrorf("header %s is set with Set%s", name, r)
			}
		}
		for i, h := range m.headers {
			if h.Name == name {
				m.headers[i].Value = value
				return nil
			}
		}
		m.headers = append(m.headers, Header{Name: name, Value: value})
		return nil
	})
}

// validateHeaderName accepts printable US-ASCII except colon and space
// (RFC 5322 §2.2).
func validateHeaderName(name string) error {
	if name == "" {
		return validationErrorf("header name is empty")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 33 || c > 126 {
			return validationErrorf("header name %q contains a control or non-ASCII character", name)
		}
		if c == ':' {
			return validationErrorf("header name %q contains a colon", name)
		}
	}
	return nil
}

// From returns the sender address, or "" when unset.
func (m *Mail) From() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.from.String()
}

// To returns the recipient address, or "" when unset.
func (m *Mail) To() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.to.String()
}

// Subject returns the subject as set, before any encoding.
func (m *Mail) Subject() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subject
}

// Body returns the body as set, before line endings are normalised.
func (m *Mail) Body() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.body
}

// ContentType returns the Content-Type header value.
func (m *Mail) ContentType() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contentType
}

// MessageID returns the Message-ID set with SetMessageID, or "" when one
// will be generated.
func (m *Mail) MessageID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messageID
}

// Header returns the value of a custom header.
func (m *Mail) Header(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Headers returns the custom headers in insertion order.
func (m *Mail) Headers() []Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Header(nil), m.headers...)
}

// LastError returns the message of the last failed setter, or NoError.
func (m *Mail) LastError() string { return m.errs.message() }

// ClearError forgets the last failure.
func (m *Mail) ClearError() { m.errs.clear() }

// Validate checks that from, to, subject and body are all set.
func (m *Mail) Validate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validate()
}

func (m *Mail) validate() error {
	var missing []string
	if m.from.IsZero() {
		missing = append(missing, "from")
	}
	if m.to.IsZero() {
		missing = append(missing, "to")
	}
	if m.subject == "" {
		missing = append(missing, "subject")
	}
	if m.body == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return validationErrorf("mail is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Bytes formats the message as it would be sent with cfg, DKIM signature
// included when cfg has a signer.
func (m *Mail) Bytes(cfg *Config) ([]byte, error) {
	msg, err := m.compose(cfg, time.Now())
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	msg.writeTo(&b)
	return b.Bytes(), nil
}

// message is a Mail frozen for one send.
type message struct {
	from     smtp.Mailbox
	to       smtp.Mailbox
	header   []Header // DKIM-Signature first when signed.
	body     string   // CRLF line endings.
	eightBit bool
	signer   *dkim.Signer
}

func (msg *message) writeTo(b *bytes.Buffer) {
	for _, h := range msg.header {
		b.WriteString(foldHeader(h.Name, h.Value))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(msg.body)
}

// size is the formatted length in bytes.
func (msg *message) size() int64 {
	n := len(msg.body) + 2
	for _, h := range msg.header {
		n += len(foldHeader(h.Name, h.Value)) + 2
	}
	return int64(n)
}

// sign prepends a DKIM-Signature, replacing an earlier one.
func (msg *message) sign() error {
	if msg.signer == nil {
		return nil
	}
	if len(msg.header) > 0 && msg.header[0].Name == dkim.HeaderName {
		msg.header = msg.header[1:]
	}
	fields := make([]dkim.Field, len(msg.header))
	for i, h := range msg.header {
		fields[i] = dkim.Field{Name: h.Name, Value: h.Value}
	}
	sig, err := msg.signer.Sign(fields, []byte(msg.body))
	if err != nil {
		return &Error{Kind: KindInternal, Message: err.Error(), Err: err}
	}
	msg.header = append([]Header{{dkim.HeaderName, sig}}, msg.header...)
	return nil
}

// toQuotedPrintable re-encodes an 8-bit body for a server without 8BITMIME
// (RFC 6152 §3) and signs the result again.
func (msg *message) toQuotedPrintable() error {
	if !msg.eightBit {
		return nil
	}
	var b bytes.Buffer
	w := quotedprintable.NewWriter(&b)
	if _, err := w.Write([]byte(msg.body)); err != nil {
		return &Error{Kind: KindInternal, Message: err.Error(), Err: err}
	}
	if err := w.Close(); err != nil {
		return &Error{Kind: KindInternal, Message: err.Error(), Err: err}
	}
	msg.body = normalizeCRLF(b.String())
	msg.eightBit = false

	if i := indexHeader(msg.header, "Content-Transfer-Encoding"); i >= 0 {
		msg.header[i].Value = "quoted-printable"
	} else {
		msg.header = append(msg.header, Header{"Content-Transfer-Encoding", "quoted-printable"})
	}
	return msg.sign()
}

// foldHeader formats a header line, breaking it before whitespace so no
// line exceeds foldWidth where a break point exists. Unfolding restores
// the value exactly.
func foldHeader(name, value string) string {
	line := name + ": " + value
	if len(line) <= foldWidth {
		return line
	}
	var b strings.Builder
	start := len(name) + 2
	for len(line) > foldWidth {
		cut := -1
		if start < foldWidth {
			if i := strings.LastIndexAny(line[start:foldWidth+1], " \t"); i >= 0 {
				cut = start + i
			}
		}
		if cut < 0 {
			from := max(start, foldWidth)
			i := strings.IndexAny(line[from:], " \t")
			if i < 0 {
				break
			}
			cut = from + i
		}
		b.WriteString(line[:cut])
		b.WriteString("\r\n")
		line = line[cut:]
		start = 1
	}
	b.WriteString(line)
	return b.String()
}

func longestWord(s string) int {
	n := 0
	for _, w := range strings.Fields(s) {
		n = max(n, len(w))
	}
	return n
}

func (m *Mail) compose(cfg *Config, now time.Time) (*message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validate(); err != nil {
		return nil, err
	}

	body := normalizeCRLF(m.body)
	msg := &message{
		from:     m.from,
		to:       m.to,
		body:     body,
		eightBit: !isASCII(body),
		signer:   cfg.DKIM(),
	}

	subject := m.subject
	if !isASCII(subject) {
		subject = mime.QEncoding.Encode("utf-8", subject)
	}
	messageID := m.messageID
	if messageID == "" {
		messageID = "<" + uuid.NewString() + "@" + cfg.Domain() + ">"
	}

	generated := []Header{
		{"From", m.from.String()},
		{"To", m.to.String()},
		{"Subject", subject},
		{"Date", now.Format(time.RFC1123Z)},
		{"Message-ID", messageID},
		{"MIME-Version", "1.0"},
		{"Content-Type", m.contentType},
	}
	if msg.eightBit {
		generated = append(generated, Header{"Content-Transfer-Encoding", "8bit"})
	}

	custom := make([]Header, 0, len(m.headers))
	for _, h := range m.headers {
		name := canonicalName(h.Name)
		if name == "" {
			custom = append(custom, h)
			continue
		}
		if i := indexHeader(generated, name); i >= 0 {
			generated[i].Value = h.Value
		} else {
			generated = append(generated, Header{name, h.Value})
		}
	}
	msg.header = append(generated, custom...)

	if err := msg.sign(); err != nil {
		return nil, err
	}
	return msg, nil
}

func indexHeader(hs []Header, name string) int {
	for i, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return i
		}
	}
	return -1
}

// canonicalName returns the spelling of a replaceable header, or "".
func canonicalName(name string) string {
	for _, r := range replaceable {
		if strings.EqualFold(name, r) {
			return r
		}
	}
	return ""
}

func normalizeCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// String renders the envelope for logs.
func (msg *message) String() string {
	return fmt.Sprintf("%s -> %s (%d bytes)", msg.from, msg.to, msg.size())
}
