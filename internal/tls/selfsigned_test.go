package tls

import (
	"crypto/x509"
	"io"
	"log/slog"
	"strings"
	"testing"

	"rdpbridge/internal/config"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSelfSignedCoversLoopback(t *testing.T) {
	cfg, err := SelfSigned(discardLogger())
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %d", len(cfg.Certificates))
	}
	cert, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if err := cert.VerifyHostname("localhost"); err != nil {
		t.Fatalf("expected localhost SAN: %v", err)
	}
	if err := cert.VerifyHostname("127.0.0.1"); err != nil {
		t.Fatalf("expected loopback SAN: %v", err)
	}
}

func TestLoadOrGenerate(t *testing.T) {
	cfg, err := LoadOrGenerate(config.TLSConfig{}, discardLogger())
	if err != nil || cfg != nil {
		t.Fatalf("expected TLS disabled, got %v (%v)", cfg, err)
	}
	cfg, err = LoadOrGenerate(config.TLSConfig{SelfSigned: true}, discardLogger())
	if err != nil || cfg == nil {
		t.Fatalf("expected self-signed config, got %v (%v)", cfg, err)
	}
	if _, err := LoadOrGenerate(config.TLSConfig{Cert: "/nonexistent/cert.pem", Key: "/nonexistent/key.pem"}, discardLogger()); err == nil {
		t.Fatalf("expected error for missing files")
	}
}

func TestFingerprintFormat(t *testing.T) {
	fp := Fingerprint([]byte("certificate"))
	parts := strings.Split(fp, ":")
	if len(parts) != 32 {
		t.Fatalf("expected 32 hex pairs, got %d in %q", len(parts), fp)
	}
	if fp != strings.ToUpper(fp) {
		t.Fatalf("expected upper-case hex, got %q", fp)
	}
}
