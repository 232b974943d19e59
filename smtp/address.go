package smtp

import (
	"errors"
	"net"
	"strings"
	"unicode/utf8"
)

// Mailbox represents an email address as local-part@domain (RFC 5321 §4.1.2).
type Mailbox struct {
	LocalPart string
	Domain    string
}

// String returns the mailbox formatted as "local-part@domain".
func (m Mailbox) String() string {
	if m.IsZero() {
		return ""
	}
	return m.LocalPart + "@" + m.Domain
}

// IsZero reports whether the mailbox is empty.
func (m Mailbox) IsZero() bool {
	return m.LocalPart == "" && m.Domain == ""
}

// IsASCII reports whether the mailbox can be sent without SMTPUTF8 (RFC 6531).
func (m Mailbox) IsASCII() bool {
	s := m.String()
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// IsAddressLiteral reports whether the domain is an address literal such as
// "[192.0.2.1]" or "[IPv6:2001:db8::1]".
func (m Mailbox) IsAddressLiteral() bool {
	return strings.HasPrefix(m.Domain, "[")
}

// LiteralIP returns the IP address of an address-literal domain, or nil.
func (m Mailbox) LiteralIP() net.IP {
	if !m.IsAddressLiteral() || !strings.HasSuffix(m.Domain, "]") {
		return nil
	}
	inner := m.Domain[1 : len(m.Domain)-1]
	if v6, ok := strings.CutPrefix(inner, "IPv6:"); ok {
		inner = v6
	}
	return net.ParseIP(inner)
}

// ParseMailbox parses an email address string into a Mailbox.
// It expects the format "local-part@domain" (no angle brackets).
func ParseMailbox(s string) (Mailbox, error) {
	if s == "" {
		return Mailbox{}, errors.New("smtp: empty address")
	}

	// The local-part may hold a quoted @, so split on the last one.
	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return Mailbox{}, errors.New("smtp: missing @ in address")
	}
	if at == 0 {
		return Mailbox{}, errors.New("smtp: empty local-part")
	}
	if at == len(s)-1 {
		return Mailbox{}, errors.New("smtp: empty domain")
	}

	local := s[:at]
	domain := s[at+1:]

	if err := validateLocalPart(local); err != nil {
		return Mailbox{}, err
	}
	if err := validateAddressDomain(domain); err != nil {
		return Mailbox{}, err
	}

	return Mailbox{LocalPart: local, Domain: domain}, nil
}

// ParsePath parses a MAIL FROM / RCPT TO path argument such as
// "<user@example.com>". Angle brackets are optional.
func ParsePath(s string) (Mailbox, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		s = s[1 : len(s)-1]
	}
	return ParseMailbox(s)
}

// ValidateDomain checks that s is a plausible DNS host name (RFC 5321 §4.1.2).
// Address literals are not accepted here; use ParseMailbox for addresses.
func ValidateDomain(s string) error {
	if s == "" {
		return errors.New("smtp: empty domain")
	}
	if s[0] == '[' {
		return errors.New("smtp: address literal is not a host name")
	}
	return validateHostname(s)
}

// validateLocalPart checks the local-part per RFC 5321 §4.1.2.
// Accepts dot-atom and quoted-string forms.
func validateLocalPart(local string) error {
	if local == "" {
		return errors.New("smtp: empty local-part")
	}
	if len(local) > 64 { // RFC 5321 §4.5.3.1.1
		return errors.New("smtp: local-part too long")
	}

	if len(local) >= 2 && local[0] == '"' && local[len(local)-1] == '"' {
		return validateQuotedLocalPart(local[1 : len(local)-1])
	}

	return validateDotAtom(local)
}

func validateDotAtom(s string) error {
	if s[0] == '.' || s[len(s)-1] == '.' {
		return errors.New("smtp: dot-atom cannot start or end with a dot")
	}
	if strings.Contains(s, "..") {
		return errors.New("smtp: dot-atom cannot contain consecutive dots")
	}
	for _, r := range s {
		if r != '.' && !isAtext(r) {
			return errors.New("smtp: invalid character in local-part")
		}
	}
	return nil
}

// isAtext checks for RFC 5321 atext characters, plus UTF-8 (RFC 6531).
func isAtext(r rune) bool {
	if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
		return true
	}
	switch r {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '/', '=', '?', '^', '_', '`', '{', '|', '}', '~':
		return true
	}
	return r > 127 && r != utf8.RuneError
}

func validateQuotedLocalPart(s string) error {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' {
			i++
			if i >= len(s) {
				return errors.New("smtp: trailing backslash in quoted local-part")
			}
			continue
		}
		if c == '"' {
			return errors.New("smtp: unescaped quote in quoted local-part")
		}
		if c == '\r' || c == '\n' {
			return errors.New("smtp: line break in quoted local-part")
		}
	}
	return nil
}

func validateAddressDomain(domain string) error {
	if domain[0] == '[' {
		if domain[len(domain)-1] != ']' {
			return errors.New("smtp: unclosed address literal")
		}
		if (Mailbox{Domain: domain}).LiteralIP() == nil {
			return errors.New("smtp: invalid address literal")
		}
		return nil
	}
	return validateHostname(domain)
}

func validateHostname(domain string) error {
	if len(domain) > 255 { // RFC 5321 §4.5.3.1.2
		return errors.New("smtp: domain too long")
	}
	if domain[0] == '.' || domain[len(domain)-1] == '.' {
		return errors.New("smtp: domain cannot start or end with a dot")
	}

	for _, label := range strings.Split(domain, ".") {
		if label == "" {
			return errors.New("smtp: empty label in domain")
		}
		if len(label) > 63 {
			return errors.New("smtp: domain label too long")
		}
		if !utf8.ValidString(label) {
			return errors.New("smtp: invalid UTF-8 in domain label")
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return errors.New("smtp: domain label cannot start or end with hyphen")
		}
		for _, r := range label {
			if !isDomainChar(r) {
				return errors.New("smtp: invalid character in domain")
			}
		}
	}
	return nil
}

func isDomainChar(r rune) bool {
	if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' {
		return true
	}
	// Internationalized labels (RFC 6531).
	return r > 127
}
