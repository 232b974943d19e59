package micromail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// MX is a mail exchanger record.
type MX struct {
	Host string // Without the trailing dot; "" for a null MX (RFC 7505).
	Pref uint16
}

// Resolver looks up the mail exchangers of a domain.
type Resolver interface {
	// LookupMX returns the records sorted by preference. A domain that
	// exists but has no MX records yields an empty slice and no error.
	LookupMX(ctx context.Context, domain string) ([]MX, error)
}

// ErrNoSuchDomain is returned for NXDOMAIN answers.
var ErrNoSuchDomain = errors.New("micromail: no such domain")

// DNSResolver queries name servers directly with github.com/miekg/dns.
type DNSResolver struct {
	Servers []string // host:port; tried in order.
	Client  *dns.Client
}

// NewDNSResolver returns a resolver for servers, or for the name servers
// in /etc/resolv.conf when none are given.
func NewDNSResolver(servers ...string) *DNSResolver {
	if len(servers) == 0 {
		if cc, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil {
			for _, s := range cc.Servers {
				servers = append(servers, net.JoinHostPort(s, cc.Port))
			}
		}
	}
	if len(servers) == 0 {
		servers = []string{"127.0.0.1:53"}
	}
	return &DNSResolver{Servers: servers, Client: new(dns.Client)}
}

// LookupMX implements Resolver. A truncated UDP answer is retried over TCP
// on the same server.
func (r *DNSResolver) LookupMX(ctx context.Context, domain string) ([]MX, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)
	msg.RecursionDesired = true
	msg.SetEdns0(4096, false)

	var lastErr error
	for _, server := range r.Servers {
		in, err := r.exchange(ctx, msg, server)
		if err != nil {
			lastErr = fmt.Errorf("MX %s via %s: %w", domain, server, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		switch in.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, fmt.Errorf("%w: %s", ErrNoSuchDomain, domain)
		default:
			lastErr = fmt.Errorf("MX %s via %s: %s", domain, server, dns.RcodeToString[in.Rcode])
			continue
		}

		var out []MX
		for _, rr := range in.Answer {
			if mx, ok := rr.(*dns.MX); ok {
				out = append(out, MX{Host: strings.TrimSuffix(mx.Mx, "."), Pref: mx.Preference})
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Pref < out[j].Pref })
		return out, nil
	}
	return nil, lastErr
}

func (r *DNSResolver) exchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	client := r.Client
	if client == nil {
		client = new(dns.Client)
	}
	in, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if !in.Truncated || client.Net == "tcp" {
		return in, nil
	}
	tcp := &dns.Client{
		Net:          "tcp",
		Timeout:      client.Timeout,
		DialTimeout:  client.DialTimeout,
		ReadTimeout:  client.ReadTimeout,
		WriteTimeout: client.WriteTimeout,
	}
	in, _, err = tcp.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("retrying truncated answer over TCP: %w", err)
	}
	return in, nil
}

// exchangers returns the addresses to dial for a recipient domain, in
// order.
func (m *Mailer) exchangers(ctx context.Context, domain string, literal net.IP) ([]string, error) {
	if relay := m.cfg.Relay(); relay != "" {
		return []string{relay}, nil
	}

	var hosts []string
	switch {
	case literal != nil:
		hosts = []string{literal.String()}
	case strings.EqualFold(domain, "localhost") || strings.HasSuffix(strings.ToLower(domain), ".localhost"):
		hosts = []string{"127.0.0.1"}
	default:
		records, err := m.resolver.LookupMX(ctx, domain)
		if err != nil {
			return nil, err
		}
		if len(records) == 1 && records[0].Host == "" {
			return nil, fmt.Errorf("%s does not accept mail (null MX)", domain)
		}
		for _, r := range records {
			if r.Host != "" {
				hosts = append(hosts, r.Host)
			}
		}
		if len(hosts) == 0 {
			// Implicit MX (RFC 5321 §5.1).
			hosts = []string{domain}
		}
	}

	var addrs []string
	for _, h := range hosts {
		for _, p := range m.cfg.Ports() {
			addrs = append(addrs, net.JoinHostPort(h, fmt.Sprint(p)))
		}
	}
	return addrs, nil
}
