package micromail

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	records []MX
	err     error
}

func (r staticResolver) LookupMX(context.Context, string) ([]MX, error) {
	return r.records, r.err
}

// startDNS serves zone answers on a UDP port and returns its address.
func startDNS(t *testing.T, zone map[string][]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		records, ok := zone[r.Question[0].Name]
		if !ok {
			m.SetRcode(r, dns.RcodeNameError)
			w.WriteMsg(m)
			return
		}
		m.SetReply(r)
		for _, s := range records {
			rr, err := dns.NewRR(s)
			if err != nil {
				t.Errorf("bad record %q: %v", s, err)
				continue
			}
			m.Answer = append(m.Answer, rr)
		}
		w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

var testZone = map[string][]string{
	"example.org.": {
		"example.org. 300 IN MX 20 mx2.example.org.",
		"example.org. 300 IN MX 10 mx1.example.org.",
	},
	"nullmx.example.": {"nullmx.example. 300 IN MX 0 ."},
	"nomx.example.":   {},
}

func TestDNSResolver_LookupMX(t *testing.T) {
	r := NewDNSResolver(startDNS(t, testZone))

	records, err := r.LookupMX(context.Background(), "example.org")
	require.NoError(t, err)
	assert.Equal(t, []MX{{"mx1.example.org", 10}, {"mx2.example.org", 20}}, records)

	records, err = r.LookupMX(context.Background(), "nullmx.example")
	require.NoError(t, err)
	assert.Equal(t, []MX{{"", 0}}, records)

	records, err = r.LookupMX(context.Background(), "nomx.example")
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = r.LookupMX(context.Background(), "missing.example")
	assert.ErrorIs(t, err, ErrNoSuchDomain)
}

func TestDNSResolver_Unreachable(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close()

	r := NewDNSResolver(addr)
	r.Client.Timeout = 200 * time.Millisecond

	_, err = r.LookupMX(context.Background(), "example.org")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "via "+addr)
}

// startTruncatingDNS answers MX queries over UDP with an empty truncated
// reply and over TCP with records, both on the same port.
func startTruncatingDNS(t *testing.T, records ...string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	pc, err := net.ListenPacket("udp", ln.Addr().String())
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		if _, udp := w.RemoteAddr().(*net.UDPAddr); udp {
			m.Truncated = true
			w.WriteMsg(m)
			return
		}
		for _, s := range records {
			rr, err := dns.NewRR(s)
			if err != nil {
				t.Errorf("bad record %q: %v", s, err)
				continue
			}
			m.Answer = append(m.Answer, rr)
		}
		w.WriteMsg(m)
	})

	for _, srv := range []*dns.Server{
		{PacketConn: pc, Handler: handler},
		{Listener: ln, Handler: handler},
	} {
		started := make(chan struct{})
		srv.NotifyStartedFunc = func() { close(started) }
		go srv.ActivateAndServe()
		<-started
		t.Cleanup(func() { srv.Shutdown() })
	}
	return pc.LocalAddr().String()
}

func TestDNSResolver_TruncatedRetriesOverTCP(t *testing.T) {
	addr := startTruncatingDNS(t, "big.example. 300 IN MX 10 mx.big.example.")

	records, err := NewDNSResolver(addr).LookupMX(context.Background(), "big.example")
	require.NoError(t, err)
	assert.Equal(t, []MX{{"mx.big.example", 10}}, records)

	cfg := testConfig(t)
	require.NoError(t, cfg.SetPorts(25))
	m, err := NewMailer(cfg, WithLogger(zerolog.Nop()), WithResolver(NewDNSResolver(addr)))
	require.NoError(t, err)
	addrs, err := m.exchangers(context.Background(), "big.example", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"mx.big.example:25"}, addrs)
}

func TestMailer_Exchangers(t *testing.T) {
	dnsAddr := startDNS(t, testZone)

	newMailer := func(t *testing.T, relay string) *Mailer {
		cfg := testConfig(t)
		require.NoError(t, cfg.SetPorts(25, 2525))
		require.NoError(t, cfg.SetRelay(relay))
		m, err := NewMailer(cfg, WithLogger(zerolog.Nop()), WithResolver(NewDNSResolver(dnsAddr)))
		require.NoError(t, err)
		return m
	}
	ctx := context.Background()

	t.Run("relay", func(t *testing.T) {
		addrs, err := newMailer(t, "relay.example.com:587").exchangers(ctx, "example.org", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"relay.example.com:587"}, addrs)
	})

	t.Run("mx by preference", func(t *testing.T) {
		addrs, err := newMailer(t, "").exchangers(ctx, "example.org", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"mx1.example.org:25", "mx1.example.org:2525",
			"mx2.example.org:25", "mx2.example.org:2525",
		}, addrs)
	})

	t.Run("implicit mx", func(t *testing.T) {
		addrs, err := newMailer(t, "").exchangers(ctx, "nomx.example", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"nomx.example:25", "nomx.example:2525"}, addrs)
	})

	t.Run("null mx", func(t *testing.T) {
		_, err := newMailer(t, "").exchangers(ctx, "nullmx.example", nil)
		assert.ErrorContains(t, err, "does not accept mail")
	})

	t.Run("nxdomain", func(t *testing.T) {
		_, err := newMailer(t, "").exchangers(ctx, "missing.example", nil)
		assert.True(t, errors.Is(err, ErrNoSuchDomain))
	})

	t.Run("localhost", func(t *testing.T) {
		addrs, err := newMailer(t, "").exchangers(ctx, "localhost", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"127.0.0.1:25", "127.0.0.1:2525"}, addrs)
	})

	t.Run("address literal", func(t *testing.T) {
		addrs, err := newMailer(t, "").exchangers(ctx, "[IPv6:::1]", net.ParseIP("::1"))
		require.NoError(t, err)
		assert.Equal(t, []string{"[::1]:25", "[::1]:2525"}, addrs)
	})
}
