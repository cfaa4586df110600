package pki

import (
	"crypto/tls"
	"path/filepath"
	"testing"
)

func TestEnsureDeviceCertificateIsStable(t *testing.T) {
	tempDir := t.TempDir()
	certPath := filepath.Join(tempDir, "certificate.pem")
	keyPath := filepath.Join(tempDir, "private_key.pem")

	first, err := EnsureDeviceCertificate(certPath, keyPath, "device-1")
	if err != nil {
		t.Fatalf("first EnsureDeviceCertificate failed: %v", err)
	}
	if first.Certificate.Subject.CommonName != "device-1" {
		t.Fatalf("unexpected certificate CN: %q", first.Certificate.Subject.CommonName)
	}

	second, err := EnsureDeviceCertificate(certPath, keyPath, "device-1")
	if err != nil {
		t.Fatalf("second EnsureDeviceCertificate failed: %v", err)
	}

	if first.Fingerprint() != second.Fingerprint() {
		t.Fatalf("certificate changed across loads: %q then %q", first.Fingerprint(), second.Fingerprint())
	}
}

func TestEnsureDeviceCertificateRejectsForeignCertificate(t *testing.T) {
	tempDir := t.TempDir()
	certPath := filepath.Join(tempDir, "certificate.pem")
	keyPath := filepath.Join(tempDir, "private_key.pem")

	if _, err := EnsureDeviceCertificate(certPath, keyPath, "device-1"); err != nil {
		t.Fatalf("EnsureDeviceCertificate failed: %v", err)
	}

	if _, err := EnsureDeviceCertificate(certPath, keyPath, "device-2"); err == nil {
		t.Fatalf("expected CN mismatch error for foreign device ID")
	}
}

func TestTLSConfigs(t *testing.T) {
	tempDir := t.TempDir()
	cert, err := EnsureDeviceCertificate(
		filepath.Join(tempDir, "certificate.pem"),
		filepath.Join(tempDir, "private_key.pem"),
		"device-1",
	)
	if err != nil {
		t.Fatalf("EnsureDeviceCertificate failed: %v", err)
	}

	server := cert.ServerTLSConfig()
	if server.ClientAuth != tls.RequireAnyClientCert {
		t.Fatalf("server config must request but not verify client certs, got %v", server.ClientAuth)
	}
	if len(server.Certificates) != 1 {
		t.Fatalf("server config missing local certificate")
	}

	client := cert.ClientTLSConfig()
	if !client.InsecureSkipVerify {
		t.Fatalf("client config must skip chain verification for self-signed peers")
	}
	if len(client.Certificates) != 1 {
		t.Fatalf("client config missing local certificate")
	}
}

func TestFormatFingerprint(t *testing.T) {
	formatted := FormatFingerprint("deadbeef00")
	if formatted != "DEAD BEEF 00" {
		t.Fatalf("unexpected formatted fingerprint: %q", formatted)
	}
	if FormatFingerprint("") != "" {
		t.Fatalf("expected empty output for empty fingerprint")
	}
}
