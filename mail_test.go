package micromail

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMail(t *testing.T) *Mail {
	t.Helper()
	m := NewMail()
	require.NoError(t, m.SetFrom("alice@example.com"))
	require.NoError(t, m.SetTo("bob@example.org"))
	require.NoError(t, m.SetSubject("Hello"))
	require.NoError(t, m.SetBody("Hi Bob,\nsee you.\n"))
	return m
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := NewConfig("client.test")
	require.NoError(t, err)
	return cfg
}

// splitMessage returns the header lines and the body of a formatted message.
func splitMessage(t *testing.T, raw string) ([]string, string) {
	t.Helper()
	head, body, ok := strings.Cut(raw, "\r\n\r\n")
	require.True(t, ok, "no blank line between header and body")
	return strings.Split(head, "\r\n"), body
}

func headerNames(lines []string) []string {
	names := make([]string, len(lines))
	for i, l := range lines {
		names[i], _, _ = strings.Cut(l, ":")
	}
	return names
}

func TestMail_Setters(t *testing.T) {
	m := newTestMail(t)
	assert.Equal(t, "alice@example.com", m.From())
	assert.Equal(t, "bob@example.org", m.To())
	assert.Equal(t, "Hello", m.Subject())
	assert.Equal(t, DefaultContentType, m.ContentType())
	assert.Equal(t, NoError, m.LastError())
	assert.NoError(t, m.Validate())
}

func TestMail_SettersRejectBadInput(t *testing.T) {
	m := newTestMail(t)

	tests := []struct {
		name string
		set  func() error
		msg  string
	}{
		{"empty from", func() error { return m.SetFrom("") }, "from address is empty"},
		{"bad from", func() error { return m.SetFrom("not-an-address") }, "from address"},
		{"empty to", func() error { return m.SetTo("") }, "to address is empty"},
		{"bad to", func() error { return m.SetTo("bob@") }, "to address"},
		{"empty subject", func() error { return m.SetSubject("") }, "subject is empty"},
		{"subject injection", func() error { return m.SetSubject("hi\r\nBcc: x@y.z") }, "line break"},
		{"empty body", func() error { return m.SetBody("") }, "body is empty"},
		{"bad content type", func() error { return m.SetContentType("text/") }, "content type"},
		{"bad message id", func() error { return m.SetMessageID("nope") }, "message id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.set()
			assert.ErrorIs(t, err, ErrValidation)
			assert.Contains(t, m.LastError(), tt.msg)
		})
	}

	// Nothing above changed the mail.
	assert.Equal(t, "alice@example.com", m.From())
	assert.Equal(t, "bob@example.org", m.To())
	assert.Equal(t, "Hello", m.Subject())
	assert.Equal(t, "Hi Bob,\nsee you.\n", m.Body())
	assert.Equal(t, DefaultContentType, m.ContentType())
}

func TestMail_AddHeader(t *testing.T) {
	m := NewMail()
	require.NoError(t, m.AddHeader("X-First", "1"))
	require.NoError(t, m.AddHeader("X-Second", "2"))
	require.NoError(t, m.AddHeader("X-First", "one"))

	assert.Equal(t, []Header{{"X-First", "one"}, {"X-Second", "2"}}, m.Headers())
	v, ok := m.Header("X-Second")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
	_, ok = m.Header("x-second")
	assert.False(t, ok, "names are case-sensitive")

	bad := []struct{ name, value string }{
		{"", "v"},
		{"X-Colon:", "v"},
		{"X Space", "v"},
		{"X-Ctl\x01", "v"},
		{"X-Ünicode", "v"},
		{"X-Value", "a\r\nBcc: evil@example.com"},
		{"X-Value", "a\nb"},
		{"Subject", "dup"},
		{"from", "dup"},
	}
	for _, b := range bad {
		assert.ErrorIs(t, m.AddHeader(b.name, b.value), ErrValidation, "%q: %q", b.name, b.value)
	}
	assert.Len(t, m.Headers(), 2)
}

func TestMail_Validate(t *testing.T) {
	m := NewMail()
	err := m.Validate()
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "missing from, to, subject, body")

	require.NoError(t, m.SetFrom("a@example.com"))
	require.NoError(t, m.SetSubject("s"))
	err = m.Validate()
	assert.Contains(t, err.Error(), "missing to, body")
}

func TestMail_Compose(t *testing.T) {
	m := newTestMail(t)
	require.NoError(t, m.AddHeader("X-Custom-Header", "Custom Value"))
	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	msg, err := m.compose(testConfig(t), now)
	require.NoError(t, err)

	var raw strings.Builder
	for _, h := range msg.header {
		raw.WriteString(h.Name + ": " + h.Value + "\r\n")
	}
	lines, _ := splitMessage(t, raw.String()+"\r\n")
	assert.Equal(t, []string{"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type", "X-Custom-Header"}, headerNames(lines))
	assert.Contains(t, lines, "Date: Fri, 01 Mar 2024 12:30:00 +0000")
	assert.Contains(t, lines, "Content-Type: text/plain; charset=utf-8")
	assert.Regexp(t, `^Message-ID: <[0-9a-f-]{36}@client\.test>$`, lines[4])

	assert.Equal(t, "Hi Bob,\r\nsee you.\r\n", msg.body)
	assert.False(t, msg.eightBit)
}

func TestMail_ComposeReplacesGeneratedHeaders(t *testing.T) {
	m := newTestMail(t)
	require.NoError(t, m.AddHeader("X-Before", "1"))
	require.NoError(t, m.AddHeader("date", "Mon, 01 Jan 2024 00:00:00 +0000"))
	require.NoError(t, m.AddHeader("Content-Transfer-Encoding", "7bit"))
	require.NoError(t, m.SetMessageID("fixed@example.com"))

	raw, err := m.Bytes(testConfig(t))
	require.NoError(t, err)
	lines, _ := splitMessage(t, string(raw))

	assert.Equal(t, []string{"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type", "Content-Transfer-Encoding", "X-Before"}, headerNames(lines))
	assert.Equal(t, "Date: Mon, 01 Jan 2024 00:00:00 +0000", lines[3])
	assert.Equal(t, "Message-ID: <fixed@example.com>", lines[4])
}

func TestMail_ComposeUnicode(t *testing.T) {
	m := newTestMail(t)
	require.NoError(t, m.SetSubject("Grüße"))
	require.NoError(t, m.SetBody("Schöne Grüße\r\n"))

	msg, err := m.compose(testConfig(t), time.Now())
	require.NoError(t, err)

	assert.True(t, msg.eightBit)
	assert.Equal(t, Header{"Subject", "=?utf-8?q?Gr=C3=BC=C3=9Fe?="}, msg.header[2])
	assert.Contains(t, msg.header, Header{"Content-Transfer-Encoding", "8bit"})
}

func TestMail_ComposeMissingField(t *testing.T) {
	m := NewMail()
	require.NoError(t, m.SetFrom("a@example.com"))
	_, err := m.Bytes(testConfig(t))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNormalizeCRLF(t *testing.T) {
	tests := map[string]string{
		"a\nb":       "a\r\nb",
		"a\r\nb":     "a\r\nb",
		"a\rb":       "a\r\nb",
		"a\r\n\nb\n": "a\r\n\r\nb\r\n",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeCRLF(in), "%q", in)
	}
}

func TestFoldHeader(t *testing.T) {
	assert.Equal(t, "Subject: short", foldHeader("Subject", "short"))

	value := strings.TrimSpace(strings.Repeat("word ", 60))
	folded := foldHeader("Subject", value)
	lines := strings.Split(folded, "\r\n")
	require.Greater(t, len(lines), 1)
	for i, l := range lines {
		assert.LessOrEqual(t, len(l), foldWidth, "line %d: %q", i, l)
		if i > 0 {
			assert.True(t, strings.HasPrefix(l, " "), "continuation %q", l)
		}
	}
	assert.Equal(t, "Subject: "+value, strings.ReplaceAll(folded, "\r\n", ""))

	// A value without whitespace past the limit cannot be folded.
	long := strings.Repeat("x", 200)
	assert.Equal(t, "X-Token: "+long, foldHeader("X-Token", long))
	assert.Equal(t, "X-Token: "+long+"\r\n tail", foldHeader("X-Token", long+" tail"))
}

func TestMail_RejectsUnfoldableWords(t *testing.T) {
	m := newTestMail(t)
	word := strings.Repeat("a", maxWord+1)

	assert.ErrorIs(t, m.SetSubject(word), ErrValidation)
	assert.Equal(t, "Hello", m.Subject())
	assert.ErrorIs(t, m.AddHeader("X-Token", word), ErrValidation)
	assert.Empty(t, m.Headers())

	require.NoError(t, m.SetSubject(strings.Repeat("é", maxWord)), "encoded words are split by the encoder")
}

func TestMessage_ToQuotedPrintable(t *testing.T) {
	m := newTestMail(t)
	require.NoError(t, m.SetBody("Schöne Grüße\n"))

	msg, err := m.compose(testConfig(t), time.Now())
	require.NoError(t, err)
	require.True(t, msg.eightBit)

	require.NoError(t, msg.toQuotedPrintable())
	assert.False(t, msg.eightBit)
	assert.Equal(t, "Sch=C3=B6ne Gr=C3=BC=C3=9Fe\r\n", msg.body)
	assert.Contains(t, msg.header, Header{"Content-Transfer-Encoding", "quoted-printable"})
	assert.NotContains(t, msg.header, Header{"Content-Transfer-Encoding", "8bit"})

	// ASCII bodies are left alone.
	plain, err := newTestMail(t).compose(testConfig(t), time.Now())
	require.NoError(t, err)
	require.NoError(t, plain.toQuotedPrintable())
	assert.Equal(t, "Hi Bob,\r\nsee you.\r\n", plain.body)
	assert.Equal(t, -1, indexHeader(plain.header, "Content-Transfer-Encoding"))
}
