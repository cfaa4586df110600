package network

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"goconnect/pki"
	"goconnect/protocol"
	"goconnect/storage"
)

// DefaultHandshakeTimeout bounds the identity exchange plus TLS handshake.
const DefaultHandshakeTimeout = 15 * time.Second

var (
	// ErrHandshakeFailed indicates the identity exchange or TLS upgrade
	// failed before a session could be established.
	ErrHandshakeFailed = errors.New("network: handshake failed")
	// ErrTrustViolation indicates the peer presented a certificate that
	// does not match the pinned one. The session must not be used.
	ErrTrustViolation = errors.New("network: peer certificate does not match pinned certificate")
	// ErrSelfConnection indicates the remote side announced our own device ID.
	ErrSelfConnection = errors.New("network: connected to self")
)

// Role is the side each device takes in the TLS handshake.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// TLSRole computes which side of the TLS handshake the local device takes.
// Both devices evaluate the same comparison on the same pair of IDs, so
// the roles always come out complementary: the lexicographically greater
// device ID acts as the TLS server.
func TLSRole(localDeviceID, peerDeviceID string) Role {
	if localDeviceID > peerDeviceID {
		return RoleServer
	}
	return RoleClient
}

// TrustStore resolves pinned certificates for paired devices.
type TrustStore interface {
	GetTrustedDevice(deviceID string) (*storage.TrustedDevice, error)
}

// AuditLog records security-relevant transport events. Optional.
type AuditLog interface {
	LogSecurityEvent(event storage.SecurityEvent) error
}

// HandshakeOptions controls session establishment on both sides.
type HandshakeOptions struct {
	Identity    protocol.Identity
	Certificate *pki.DeviceCertificate
	Trust       TrustStore
	Audit       AuditLog

	HandshakeTimeout time.Duration

	Logger *zap.Logger
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

func (o HandshakeOptions) validate() error {
	if err := o.Identity.Validate(); err != nil {
		return err
	}
	if o.Certificate == nil {
		return errors.New("network: device certificate is required")
	}
	if o.Trust == nil {
		return errors.New("network: trust store is required")
	}
	return nil
}

// bufferedConn replays bytes the identity reader buffered past the
// newline before handing the stream to TLS.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Upgrade performs session establishment over a fresh TCP connection:
// both sides exchange plaintext identity packets, compute complementary
// TLS roles from the device IDs, run the TLS handshake, and verify the
// peer certificate against the pinned one if the device is trusted.
// On any error the connection is closed and no session exists.
func Upgrade(conn net.Conn, options HandshakeOptions) (*Session, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	session, err := upgrade(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return session, nil
}

func upgrade(conn net.Conn, opts HandshakeOptions) (*Session, error) {
	if err := conn.SetDeadline(time.Now().Add(opts.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %v", ErrHandshakeFailed, err)
	}

	localID := opts.Identity.DeviceID

	// Plaintext identity exchange. Both sides write first, then read, so
	// neither blocks on the other.
	identityPkt, err := protocol.NewIdentityPacket(opts.Identity)
	if err != nil {
		return nil, err
	}
	if err := protocol.WritePacket(conn, identityPkt); err != nil {
		return nil, fmt.Errorf("%w: send identity: %v", ErrHandshakeFailed, err)
	}

	br := bufio.NewReaderSize(conn, 64*1024)
	frame, err := br.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: read identity: %v", ErrHandshakeFailed, err)
	}
	pkt, err := protocol.Unmarshal(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: decode identity: %v", ErrHandshakeFailed, err)
	}
	peer, err := protocol.ParseIdentity(pkt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	if peer.DeviceID == localID {
		return nil, ErrSelfConnection
	}
	if peer.ProtocolVersion < protocol.MinVersion {
		return nil, fmt.Errorf("%w: unsupported protocol version %d", ErrHandshakeFailed, peer.ProtocolVersion)
	}

	role := TLSRole(localID, peer.DeviceID)
	wrapped := bufferedConn{Conn: conn, r: br}

	var tlsConn *tls.Conn
	if role == RoleServer {
		tlsConn = tls.Server(wrapped, opts.Certificate.ServerTLSConfig())
	} else {
		tlsConn = tls.Client(wrapped, opts.Certificate.ClientTLSConfig())
	}

	if err := tlsConn.Handshake(); err != nil {
		auditHandshakeFailure(opts, peer.DeviceID, err)
		return nil, fmt.Errorf("%w: tls %s handshake: %v", ErrHandshakeFailed, role, err)
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		auditHandshakeFailure(opts, peer.DeviceID, errors.New("peer presented no certificate"))
		return nil, fmt.Errorf("%w: peer presented no certificate", ErrHandshakeFailed)
	}
	peerCert := state.PeerCertificates[0]

	if err := verifyPin(opts, peer.DeviceID, peerCert); err != nil {
		return nil, err
	}

	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: clear deadline: %v", ErrHandshakeFailed, err)
	}

	opts.Logger.Debug("session established",
		zap.String("device_id", peer.DeviceID),
		zap.String("device_name", peer.DeviceName),
		zap.String("tls_role", string(role)),
		zap.String("remote", conn.RemoteAddr().String()))

	return newSession(tlsConn, opts, peer, peerCert, role), nil
}

// verifyPin enforces byte-for-byte certificate pinning for devices with
// a persisted trust record. Untrusted devices pass; their traffic is
// gated until pairing completes.
func verifyPin(opts HandshakeOptions, peerDeviceID string, peerCert *x509.Certificate) error {
	record, err := opts.Trust.GetTrustedDevice(peerDeviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: trust lookup: %v", ErrHandshakeFailed, err)
	}

	if bytes.Equal(record.Certificate, peerCert.Raw) {
		return nil
	}

	presented := pki.CertificateFingerprint(peerCert.Raw)
	opts.Logger.Error("pinned certificate mismatch",
		zap.String("device_id", peerDeviceID),
		zap.String("pinned", record.CertificateFingerprint),
		zap.String("presented", presented))

	if opts.Audit != nil {
		details, _ := json.Marshal(map[string]string{
			"pinned":    record.CertificateFingerprint,
			"presented": presented,
		})
		_ = opts.Audit.LogSecurityEvent(storage.SecurityEvent{
			EventType:    storage.SecurityEventCertMismatch,
			PeerDeviceID: &peerDeviceID,
			Details:      string(details),
			Severity:     storage.SecuritySeverityCritical,
		})
	}

	return fmt.Errorf("%w: device %s presented %s", ErrTrustViolation, peerDeviceID, pki.FormatFingerprint(presented))
}

func auditHandshakeFailure(opts HandshakeOptions, peerDeviceID string, cause error) {
	if opts.Audit == nil {
		return
	}
	details, _ := json.Marshal(map[string]string{"error": cause.Error()})
	_ = opts.Audit.LogSecurityEvent(storage.SecurityEvent{
		EventType:    storage.SecurityEventHandshakeFailure,
		PeerDeviceID: &peerDeviceID,
		Details:      string(details),
		Severity:     storage.SecuritySeverityWarning,
	})
}
