package smtp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMailbox(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Mailbox
		wantErr bool
	}{
		{name: "simple", input: "user@example.com", want: Mailbox{"user", "example.com"}},
		{name: "dots in local", input: "first.last@example.com", want: Mailbox{"first.last", "example.com"}},
		{name: "plus tag", input: "user+tag@example.com", want: Mailbox{"user+tag", "example.com"}},
		{name: "quoted local", input: `"user@host"@example.com`, want: Mailbox{`"user@host"`, "example.com"}},
		{name: "ipv4 literal", input: "user@[192.168.1.1]", want: Mailbox{"user", "[192.168.1.1]"}},
		{name: "ipv6 literal", input: "user@[IPv6:2001:db8::1]", want: Mailbox{"user", "[IPv6:2001:db8::1]"}},
		{name: "utf8", input: "jürgen@bücher.example", want: Mailbox{"jürgen", "bücher.example"}},
		{name: "empty", input: "", wantErr: true},
		{name: "no at", input: "userexample.com", wantErr: true},
		{name: "empty local", input: "@example.com", wantErr: true},
		{name: "empty domain", input: "user@", wantErr: true},
		{name: "leading dot in local", input: ".user@example.com", wantErr: true},
		{name: "consecutive dots", input: "user..name@example.com", wantErr: true},
		{name: "space", input: "us er@example.com", wantErr: true},
		{name: "crlf injection", input: "user@example.com\r\nRCPT TO:<x@y>", wantErr: true},
		{name: "local too long", input: strings.Repeat("a", 65) + "@example.com", wantErr: true},
		{name: "domain trailing dot", input: "user@example.com.", wantErr: true},
		{name: "domain label hyphen", input: "user@-example.com", wantErr: true},
		{name: "bad literal", input: "user@[not-an-ip]", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMailbox(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestParsePath(t *testing.T) {
	m, err := ParsePath(" <user@example.com>")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", m.String())

	_, err = ParsePath("<>")
	assert.Error(t, err)
}

func TestMailbox_Helpers(t *testing.T) {
	assert.True(t, Mailbox{}.IsZero())
	assert.Equal(t, "", Mailbox{}.String())

	assert.True(t, Mailbox{"user", "example.com"}.IsASCII())
	assert.False(t, Mailbox{"jürgen", "example.com"}.IsASCII())

	lit := Mailbox{"user", "[IPv6:2001:db8::1]"}
	assert.True(t, lit.IsAddressLiteral())
	assert.Equal(t, "2001:db8::1", lit.LiteralIP().String())
	assert.Nil(t, Mailbox{"user", "example.com"}.LiteralIP())
}

func TestValidateDomain(t *testing.T) {
	for _, ok := range []string{"example.com", "localhost", "mail-1.example.org", "bücher.example"} {
		assert.NoError(t, ValidateDomain(ok), ok)
	}
	for _, bad := range []string{"", "[127.0.0.1]", ".example.com", "exa mple.com", "a..b", "-a.com", strings.Repeat("a", 64) + ".com"} {
		assert.Error(t, ValidateDomain(bad), bad)
	}
}
