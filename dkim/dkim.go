// Package dkim signs outgoing messages with DKIM (RFC 6376) using the
// ed25519-sha256 algorithm (RFC 8463) and relaxed/relaxed canonicalization.
package dkim

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// HeaderName is the name of the header a Signer produces.
const HeaderName = "DKIM-Signature"

// DefaultHeaders are signed when present, in this order.
var DefaultHeaders = []string{"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type"}

var (
	ErrInvalidKey       = errors.New("dkim: invalid ed25519 private key")
	ErrInvalidSignature = errors.New("dkim: signature does not verify")
)

// Field is a single message header.
type Field struct {
	Name  string
	Value string
}

// Signer produces DKIM-Signature header values.
type Signer struct {
	domain   string
	selector string
	key      ed25519.PrivateKey
	headers  []string
	now      func() time.Time
}

// NewSigner returns a Signer for domain d= and selector s=.
func NewSigner(domain, selector string, key ed25519.PrivateKey) (*Signer, error) {
	if domain == "" || selector == "" {
		return nil, errors.New("dkim: domain and selector are required")
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKey
	}
	return &Signer{
		domain:   domain,
		selector: selector,
		key:      key,
		headers:  DefaultHeaders,
		now:      time.Now,
	}, nil
}

// Domain returns the signing domain.
func (s *Signer) Domain() string { return s.domain }

// Selector returns the key selector.
func (s *Signer) Selector() string { return s.selector }

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// DNSName returns the name under which the key record is published.
func (s *Signer) DNSName() string {
	return s.selector + "._domainkey." + s.domain
}

// DNSRecord returns the TXT record content for the public key.
func (s *Signer) DNSRecord() string {
	return "v=DKIM1; k=ed25519; p=" + base64.StdEncoding.EncodeToString(s.PublicKey())
}

// Sign returns the value of a DKIM-Signature header covering the given
// header fields and body. Body line endings must already be CRLF.
func (s *Signer) Sign(fields []Field, body []byte) (string, error) {
	bh := sha256.Sum256(CanonicalizeBodyRelaxed(body))

	var signed []string
	var input strings.Builder
	for _, name := range s.headers {
		f, ok := lookup(fields, name)
		if !ok {
			continue
		}
		input.WriteString(CanonicalizeHeaderRelaxed(f.Name, f.Value))
		signed = append(signed, strings.ToLower(name))
	}
	if len(signed) == 0 {
		return "", errors.New("dkim: no header to sign")
	}

	value := fmt.Sprintf("v=1; a=ed25519-sha256; c=relaxed/relaxed; d=%s; s=%s; t=%d; h=%s; bh=%s; b=",
		s.domain, s.selector, s.now().Unix(), strings.Join(signed, ":"),
		base64.StdEncoding.EncodeToString(bh[:]))

	// The signature header is hashed last, without its trailing CRLF.
	input.WriteString(strings.TrimSuffix(CanonicalizeHeaderRelaxed(HeaderName, value), "\r\n"))
	digest := sha256.Sum256([]byte(input.String()))
	sig := ed25519.Sign(s.key, digest[:])

	return value + base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a DKIM-Signature value produced by Sign against the fields
// and body it claims to cover.
func Verify(fields []Field, body []byte, signature string, pub ed25519.PublicKey) error {
	tags := parseTags(signature)
	if tags["a"] != "ed25519-sha256" || tags["c"] != "relaxed/relaxed" {
		return fmt.Errorf("dkim: unsupported algorithm %q/%q", tags["a"], tags["c"])
	}

	bh := sha256.Sum256(CanonicalizeBodyRelaxed(body))
	if tags["bh"] != base64.StdEncoding.EncodeToString(bh[:]) {
		return fmt.Errorf("%w: body hash mismatch", ErrInvalidSignature)
	}

	var input strings.Builder
	for _, name := range strings.Split(tags["h"], ":") {
		f, ok := lookup(fields, name)
		if !ok {
			return fmt.Errorf("%w: signed header %q missing", ErrInvalidSignature, name)
		}
		input.WriteString(CanonicalizeHeaderRelaxed(f.Name, f.Value))
	}
	i := strings.LastIndex(signature, "; b=")
	if i < 0 {
		return fmt.Errorf("%w: no b= tag", ErrInvalidSignature)
	}
	input.WriteString(strings.TrimSuffix(CanonicalizeHeaderRelaxed(HeaderName, signature[:i+4]), "\r\n"))

	sig, err := base64.StdEncoding.DecodeString(tags["b"])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	digest := sha256.Sum256([]byte(input.String()))
	if !ed25519.Verify(pub, digest[:], sig) {
		return ErrInvalidSignature
	}
	return nil
}

func lookup(fields []Field, name string) (Field, bool) {
	// The last instance is the one a verifier picks first (RFC 6376 §5.4.2).
	for i := len(fields) - 1; i >= 0; i-- {
		if strings.EqualFold(fields[i].Name, name) {
			return fields[i], true
		}
	}
	return Field{}, false
}

func parseTags(value string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(value, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		tags[strings.TrimSpace(k)] = strings.Join(strings.Fields(v), "")
	}
	return tags
}

// GenerateKey creates a new ed25519 private key from rand.
func GenerateKey(rand io.Reader) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand)
	return priv, err
}

// ParsePrivateKey accepts a PKCS #8 PEM block or the base64 encoding of a
// 32-byte seed or 64-byte private key.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	s = strings.TrimSpace(s)
	if block, _ := pem.Decode([]byte(s)); block != nil {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("dkim: %w", err)
		}
		priv, ok := key.(ed25519.PrivateKey)
		if !ok {
			return nil, ErrInvalidKey
		}
		return priv, nil
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	}
	return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(raw))
}
