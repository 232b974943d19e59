package smtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEHLOResponse(t *testing.T) {
	exts := ParseEHLOResponse([]string{
		"mail.example.com Hello",
		"SIZE 52428800",
		"PIPELINING",
		"AUTH PLAIN LOGIN CRAM-MD5",
		"STARTTLS",
		"8BITMIME",
		"ENHANCEDSTATUSCODES",
		"smtputf8",
	})

	assert.True(t, exts.Has(ExtSIZE))
	assert.Equal(t, "52428800", exts.Param(ExtSIZE))
	assert.Equal(t, int64(52428800), exts.MaxSize())
	assert.True(t, exts.Has(ExtPIPELINING))
	assert.Empty(t, exts.Param(ExtPIPELINING))
	assert.Equal(t, []string{"PLAIN", "LOGIN", "CRAM-MD5"}, exts.AuthMechanisms())
	for _, ext := range []Extension{ExtSTARTTLS, Ext8BITMIME, ExtENHANCEDSTATUSCODES, ExtSMTPUTF8} {
		assert.True(t, exts.Has(ext), "expected %s", ext)
	}
	assert.False(t, exts.Has("mail.example.com"), "greeting line must be skipped")
}

func TestParseEHLOResponse_LegacyAuth(t *testing.T) {
	exts := ParseEHLOResponse([]string{
		"mx.example.org",
		"AUTH=LOGIN PLAIN",
		"AUTH login",
	})
	assert.Equal(t, []string{"LOGIN", "PLAIN", "LOGIN"}, exts.AuthMechanisms())
}

func TestExtensions_Empty(t *testing.T) {
	var exts Extensions
	assert.False(t, exts.Has(ExtSTARTTLS))
	assert.Nil(t, exts.AuthMechanisms())
	assert.Zero(t, exts.MaxSize())
}
