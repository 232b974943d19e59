package smtptest

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"testing"
	"time"

	"github.com/flashmob/go-guerrilla/tests/testcert"
)

// TLSConfig holds both sides of a throwaway certificate.
type TLSConfig struct {
	Server *tls.Config // Presents the certificate.
	Client *tls.Config // Trusts the certificate as a root.
}

// NewTLSConfig writes a self-signed CA certificate for 127.0.0.1 to a
// temporary directory and loads it.
func NewTLSConfig(t testing.TB) *TLSConfig {
	t.Helper()

	host := "127.0.0.1"
	dir := t.TempDir() + string(os.PathSeparator)
	err := testcert.GenerateCert(
		host,
		"",        // valid from now
		time.Hour, // outlives any test run
		true,      // CA, so it can act as its own root
		2048,
		"", // RSA rather than ECDSA
		dir,
	)
	if err != nil {
		t.Fatalf("smtptest: generating certificate: %v", err)
	}

	// testcert derives the file names from the host.
	certPath := dir + host + ".cert.pem"
	keyPath := dir + host + ".key.pem"

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatalf("smtptest: loading key pair: %v", err)
	}
	pem, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("smtptest: reading certificate: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		t.Fatal("smtptest: no certificate in PEM")
	}

	return &TLSConfig{
		Server: &tls.Config{Certificates: []tls.Certificate{cert}},
		Client: &tls.Config{RootCAs: pool, ServerName: host},
	}
}
