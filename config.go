package micromail

import (
	"crypto/tls"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/alexisbouchez/micromail/dkim"
	"github.com/alexisbouchez/micromail/smtp"
)

// DefaultTimeout bounds each network operation unless SetTimeout is called.
const DefaultTimeout = 30 * time.Second

// DefaultPorts are tried in order on every mail exchanger.
var DefaultPorts = []int{25, 587, 2525}

// TLSPolicy decides when STARTTLS is used.
type TLSPolicy int

const (
	TLSOpportunistic TLSPolicy = iota // Upgrade when offered, else stay in clear text.
	TLSRequired                       // Fail unless the server offers STARTTLS.
	TLSNone                           // Never upgrade.
)

func (p TLSPolicy) String() string {
	switch p {
	case TLSOpportunistic:
		return "opportunistic"
	case TLSRequired:
		return "required"
	case TLSNone:
		return "none"
	}
	return "TLSPolicy(" + strconv.Itoa(int(p)) + ")"
}

// ParseTLSPolicy parses "none", "opportunistic" or "required".
func ParseTLSPolicy(s string) (TLSPolicy, error) {
	for _, p := range []TLSPolicy{TLSOpportunistic, TLSRequired, TLSNone} {
		if s == p.String() {
			return p, nil
		}
	}
	return 0, validationErrorf("unknown TLS policy %q", s)
}

// Config describes how a Mailer reaches and talks to the mail exchanger.
// It becomes read-only once passed to NewMailer.
type Config struct {
	mu     sync.RWMutex
	frozen atomic.Bool

	domain             string
	timeout            time.Duration
	tlsPolicy          TLSPolicy
	username           string
	password           string
	relay              string
	ports              []int
	insecureSkipVerify bool
	tlsConfig          *tls.Config
	maxMessageSize     int64
	signer             *dkim.Signer

	errs errorState
}

// NewConfig returns a Config for the given local domain, which is announced
// in EHLO and used for generated Message-IDs.
func NewConfig(domain string) (*Config, error) {
	if domain == "" {
		return nil, validationErrorf("domain is empty")
	}
	if err := smtp.ValidateDomain(domain); err != nil {
		return nil, validationErrorf("domain %q: %v", domain, err)
	}
	return &Config{
		domain:  domain,
		timeout: DefaultTimeout,
		ports:   slices.Clone(DefaultPorts),
	}, nil
}

// update runs fn under the write lock unless the Config is frozen. Errors
// are recorded in the Config's error slot.
func (c *Config) update(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen.Load() {
		return c.errs.record(validationErrorf("config is in use by a mailer and can no longer change"))
	}
	if err := fn(); err != nil {
		return c.errs.record(err)
	}
	return nil
}

// SetTimeout sets the per-operation timeout in whole seconds.
func (c *Config) SetTimeout(seconds int) error {
	if seconds <= 0 {
		return c.errs.record(validationErrorf("timeout must be positive, got %d", seconds))
	}
	return c.SetTimeoutDuration(time.Duration(seconds) * time.Second)
}

// SetTimeoutDuration sets the per-operation timeout.
func (c *Config) SetTimeoutDuration(d time.Duration) error {
	return c.update(func() error {
		if d <= 0 {
			return validationErrorf("timeout must be positive, got %s", d)
		}
		c.timeout = d
		return nil
	})
}

// SetUseTLS makes STARTTLS mandatory when true and disables it when false.
func (c *Config) SetUseTLS(use bool) error {
	if use {
		return c.SetTLSPolicy(TLSRequired)
	}
	return c.SetTLSPolicy(TLSNone)
}

// SetTLSPolicy sets the STARTTLS policy.
func (c *Config) SetTLSPolicy(p TLSPolicy) error {
	return c.update(func() error {
		if p < TLSOpportunistic || p > TLSNone {
			return validationErrorf("unknown TLS policy %d", int(p))
		}
		c.tlsPolicy = p
		return nil
	})
}

// SetAuth sets the credentials used for AUTH. Both must be non-empty.
func (c *Config) SetAuth(username, password string) error {
	return c.update(func() error {
		if username == "" {
			return validationErrorf("auth username is empty")
		}
		if password == "" {
			return validationErrorf("auth password is empty")
		}
		c.username, c.password = username, password
		return nil
	})
}

// ClearAuth removes the credentials; AUTH is then skipped.
func (c *Config) ClearAuth() error {
	return c.update(func() error {
		c.username, c.password = "", ""
		return nil
	})
}

// SetRelay sends all mail through host:port instead of the recipient
// domain's exchangers. An empty address restores MX resolution.
func (c *Config) SetRelay(addr string) error {
	return c.update(func() error {
		if addr == "" {
			c.relay = ""
			return nil
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return validationErrorf("relay %q: %v", addr, err)
		}
		if host == "" {
			return validationErrorf("relay %q: missing host", addr)
		}
		if _, err := parsePort(port); err != nil {
			return validationErrorf("relay %q: %v", addr, err)
		}
		c.relay = addr
		return nil
	})
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, validationErrorf("invalid port %q", s)
	}
	return n, nil
}

// SetPorts sets the ports tried on each mail exchanger, in order.
func (c *Config) SetPorts(ports ...int) error {
	return c.update(func() error {
		if len(ports) == 0 {
			return validationErrorf("at least one port is required")
		}
		for _, p := range ports {
			if p < 1 || p > 65535 {
				return validationErrorf("invalid port %d", p)
			}
		}
		c.ports = slices.Clone(ports)
		return nil
	})
}

// SetInsecureSkipVerify disables certificate verification.
func (c *Config) SetInsecureSkipVerify(skip bool) error {
	return c.update(func() error {
		c.insecureSkipVerify = skip
		return nil
	})
}

// SetTLSConfig sets the base TLS client configuration. ServerName is
// filled in per exchanger when empty.
func (c *Config) SetTLSConfig(cfg *tls.Config) error {
	return c.update(func() error {
		c.tlsConfig = cfg.Clone()
		return nil
	})
}

// SetMaxMessageSize caps the size of a formatted message in bytes.
// Zero means no limit.
func (c *Config) SetMaxMessageSize(n int64) error {
	return c.update(func() error {
		if n < 0 {
			return validationErrorf("max message size must not be negative, got %d", n)
		}
		c.maxMessageSize = n
		return nil
	})
}

// SetDKIM signs every message with s. Nil disables signing.
func (c *Config) SetDKIM(s *dkim.Signer) error {
	return c.update(func() error {
		c.signer = s
		return nil
	})
}

// Domain returns the local domain announced in EHLO.
func (c *Config) Domain() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.domain
}

// Timeout returns the per-operation timeout.
func (c *Config) Timeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeout
}

// TLSPolicy returns the STARTTLS policy.
func (c *Config) TLSPolicy() TLSPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tlsPolicy
}

// UseTLS reports whether STARTTLS is mandatory.
func (c *Config) UseTLS() bool {
	return c.TLSPolicy() == TLSRequired
}

// Username returns the AUTH user name, or "" when no credentials are set.
func (c *Config) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// HasAuth reports whether credentials are set.
func (c *Config) HasAuth() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username != ""
}

// Relay returns the fixed relay address, or "" when MX records are used.
func (c *Config) Relay() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.relay
}

// Ports returns a copy of the ports tried on each exchanger.
func (c *Config) Ports() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.ports)
}

// MaxMessageSize returns the size cap in bytes; 0 means no limit.
func (c *Config) MaxMessageSize() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxMessageSize
}

// DKIM returns the signer, or nil when signing is off.
func (c *Config) DKIM() *dkim.Signer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.signer
}

// Frozen reports whether the Config is owned by a Mailer.
func (c *Config) Frozen() bool {
	return c.frozen.Load()
}

// LastError returns the message of the last failed setter, or NoError.
func (c *Config) LastError() string { return c.errs.message() }

// ClearError forgets the last failure.
func (c *Config) ClearError() { c.errs.clear() }

func (c *Config) freeze() {
	c.frozen.Store(true)
}

func (c *Config) credentials() (string, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username, c.password
}

// clientTLSConfig returns the TLS configuration for a STARTTLS upgrade
// with host.
func (c *Config) clientTLSConfig(host string) *tls.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg := c.tlsConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if c.insecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}
