package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strings"
	"time"
)

const (
	certificatePEMType = "CERTIFICATE"
	privateKeyPEMType  = "EC PRIVATE KEY"

	// certificateValidity is the self-signed certificate lifetime.
	certificateValidity = 10 * 365 * 24 * time.Hour
)

// DeviceCertificate bundles the local key, the self-signed certificate, and
// ready-to-use forms of both.
type DeviceCertificate struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	TLSCert     tls.Certificate
}

// Fingerprint returns the SHA-256 hex fingerprint of the certificate DER bytes.
func (d *DeviceCertificate) Fingerprint() string {
	return CertificateFingerprint(d.Certificate.Raw)
}

// EnsureDeviceCertificate loads the device keypair and self-signed certificate
// from disk, generating both on first run. The certificate CN is the stable
// device id, so it must never be regenerated for an existing install.
func EnsureDeviceCertificate(certPath, keyPath, deviceID string) (*DeviceCertificate, error) {
	if deviceID == "" {
		return nil, errors.New("pki: device ID is required")
	}

	cert, err := loadDeviceCertificate(certPath, keyPath)
	if err == nil {
		if cn := cert.Certificate.Subject.CommonName; cn != deviceID {
			return nil, fmt.Errorf("pki: certificate CN %q does not match device ID %q", cn, deviceID)
		}
		return cert, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	return generateDeviceCertificate(certPath, keyPath, deviceID)
}

func loadDeviceCertificate(certPath, keyPath string) (*DeviceCertificate, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != certificatePEMType {
		return nil, errors.New("decode certificate PEM: no certificate block")
	}
	certificate, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != privateKeyPEMType {
		return nil, errors.New("decode private key PEM: no EC private key block")
	}
	privateKey, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse EC private key: %w", err)
	}

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("build TLS keypair: %w", err)
	}

	return &DeviceCertificate{
		Certificate: certificate,
		PrivateKey:  privateKey,
		TLSCert:     tlsCert,
	}, nil
}

func generateDeviceCertificate(certPath, keyPath, deviceID string) (*DeviceCertificate, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ECDSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         deviceID,
			Organization:       []string{"GoConnect"},
			OrganizationalUnit: []string{"GoConnect"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certificateValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("create self-signed certificate: %w", err)
	}
	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse generated certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("marshal EC private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: certificatePEMType, Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: keyDER})

	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write certificate: %w", err)
	}

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("build TLS keypair: %w", err)
	}

	return &DeviceCertificate{
		Certificate: certificate,
		PrivateKey:  privateKey,
		TLSCert:     tlsCert,
	}, nil
}

// ServerTLSConfig returns the TLS configuration for the server role. Client
// certificates are requested but not verified during the handshake itself;
// trust is decided afterwards against the stored certificate.
func (d *DeviceCertificate) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{d.TLSCert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientTLSConfig returns the TLS configuration for the client role. The
// peer's self-signed certificate cannot chain to a CA, so chain verification
// is disabled and pinning happens after the handshake.
func (d *DeviceCertificate) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{d.TLSCert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}

// CertificateFingerprint returns the SHA-256 hex fingerprint of DER bytes.
func CertificateFingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
