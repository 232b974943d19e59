package smtp

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/emersion/go-sasl"
)

// CramMD5 is the SASL CRAM-MD5 mechanism name (RFC 2195).
const CramMD5 = "CRAM-MD5"

// ErrNoMechanism is returned by NewSASLClient when none of the server's
// mechanisms is supported.
var ErrNoMechanism = errors.New("smtp: no supported SASL mechanism advertised")

// NewSASLClient selects a SASL client for the mechanisms a server advertised.
// Over TLS the order is PLAIN, LOGIN, CRAM-MD5; in clear text CRAM-MD5 goes
// first since it never sends the password itself.
func NewSASLClient(advertised []string, username, password string, secure bool) (sasl.Client, error) {
	order := []string{sasl.Plain, sasl.Login, CramMD5}
	if !secure {
		order = []string{CramMD5, sasl.Plain, sasl.Login}
	}
	for _, mech := range order {
		if !slices.Contains(advertised, mech) {
			continue
		}
		switch mech {
		case sasl.Plain:
			return sasl.NewPlainClient("", username, password), nil
		case sasl.Login:
			return sasl.NewLoginClient(username, password), nil
		case CramMD5:
			return CramMD5Client(username, password), nil
		}
	}
	return nil, fmt.Errorf("%w (server offers %v)", ErrNoMechanism, advertised)
}

// CramMD5Client returns a sasl.Client implementing CRAM-MD5 (RFC 2195).
func CramMD5Client(username, secret string) sasl.Client {
	return &cramMD5Client{username: username, secret: secret}
}

type cramMD5Client struct {
	username string
	secret   string
	done     bool
}

func (a *cramMD5Client) Start() (string, []byte, error) {
	// The server sends the challenge first.
	return CramMD5, nil, nil
}

func (a *cramMD5Client) Next(challenge []byte) ([]byte, error) {
	if a.done {
		return nil, sasl.ErrUnexpectedServerChallenge
	}
	a.done = true
	mac := hmac.New(md5.New, []byte(a.secret))
	mac.Write(challenge)
	return []byte(a.username + " " + hex.EncodeToString(mac.Sum(nil))), nil
}
