package smtp

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSASLClient_Selection(t *testing.T) {
	tests := []struct {
		name       string
		advertised []string
		secure     bool
		wantMech   string
		wantErr    bool
	}{
		{"plain over tls", []string{"LOGIN", "PLAIN", "CRAM-MD5"}, true, sasl.Plain, false},
		{"cram in clear", []string{"LOGIN", "PLAIN", "CRAM-MD5"}, false, CramMD5, false},
		{"login only", []string{"LOGIN"}, true, sasl.Login, false},
		{"plain in clear without cram", []string{"PLAIN", "LOGIN"}, false, sasl.Plain, false},
		{"nothing usable", []string{"XOAUTH2", "GSSAPI"}, true, "", true},
		{"nothing advertised", nil, true, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewSASLClient(tt.advertised, "user", "pass", tt.secure)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNoMechanism)
				return
			}
			require.NoError(t, err)
			mech, _, err := c.Start()
			require.NoError(t, err)
			assert.Equal(t, tt.wantMech, mech)
		})
	}
}

func TestNewSASLClient_PlainInitialResponse(t *testing.T) {
	c, err := NewSASLClient([]string{"PLAIN"}, "user", "pass", true)
	require.NoError(t, err)
	_, ir, err := c.Start()
	require.NoError(t, err)
	assert.Equal(t, "\x00user\x00pass", string(ir))
}

func TestCramMD5Client(t *testing.T) {
	c := CramMD5Client("user", "secret")
	mech, ir, err := c.Start()
	require.NoError(t, err)
	assert.Equal(t, CramMD5, mech)
	assert.Nil(t, ir)

	challenge := []byte("<1896.697170952@postoffice.example.net>")
	resp, err := c.Next(challenge)
	require.NoError(t, err)

	mac := hmac.New(md5.New, []byte("secret"))
	mac.Write(challenge)
	assert.Equal(t, "user "+hex.EncodeToString(mac.Sum(nil)), string(resp))

	_, err = c.Next(challenge)
	assert.ErrorIs(t, err, sasl.ErrUnexpectedServerChallenge)
}
