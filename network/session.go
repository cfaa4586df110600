package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"goconnect/protocol"
)

var (
	// ErrSessionClosed indicates a send on a terminated session.
	ErrSessionClosed = errors.New("network: session is closed")
	// ErrSendFailed indicates a packet could not be delivered. The
	// session is closed when this is returned from a write.
	ErrSendFailed = errors.New("network: send failed")
)

// Session is one established, TLS-protected connection to a remote
// device. Writes are serialized; inbound packets are delivered on a
// buffered channel consumed by the device manager.
type Session struct {
	conn *tls.Conn

	localID  string
	peer     protocol.Identity
	peerCert *x509.Certificate
	role     Role

	log *zap.Logger

	sendMu sync.Mutex

	lastInbound atomic.Int64

	inbound chan protocol.Packet

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newSession(conn *tls.Conn, opts HandshakeOptions, peer protocol.Identity, peerCert *x509.Certificate, role Role) *Session {
	s := &Session{
		conn:     conn,
		localID:  opts.Identity.DeviceID,
		peer:     peer,
		peerCert: peerCert,
		role:     role,
		log:      opts.Logger.Named("session"),
		inbound:  make(chan protocol.Packet, 64),
		closed:   make(chan struct{}),
	}
	s.touchInbound()
	go s.readLoop()
	return s
}

// PeerIdentity returns the identity the peer announced before the TLS
// upgrade.
func (s *Session) PeerIdentity() protocol.Identity {
	return s.peer
}

// PeerDeviceID returns the remote device ID.
func (s *Session) PeerDeviceID() string {
	return s.peer.DeviceID
}

// PeerCertificate returns the certificate the peer presented during the
// TLS handshake.
func (s *Session) PeerCertificate() *x509.Certificate {
	return s.peerCert
}

// Role returns the side this device took in the TLS handshake.
func (s *Session) Role() Role {
	return s.role
}

// RemoteAddr returns the peer's transport address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Packets returns the inbound packet channel. It is closed when the
// session terminates.
func (s *Session) Packets() <-chan protocol.Packet {
	return s.inbound
}

// Done is closed when the session is fully terminated.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// LastError returns the terminal session error, if any.
func (s *Session) LastError() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.closeErr
}

// IdleFor reports how long ago the last inbound packet arrived.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastInbound.Load()))
}

// SendPacket writes one packet to the peer. Concurrent calls are
// serialized so frames never interleave. A write failure closes the
// session.
func (s *Session) SendPacket(p protocol.Packet) error {
	select {
	case <-s.closed:
		if err := s.LastError(); err != nil {
			return fmt.Errorf("%w: %v", ErrSessionClosed, err)
		}
		return ErrSessionClosed
	default:
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := protocol.WritePacket(s.conn, p); err != nil {
		if protocol.IsCodecError(err) {
			return err
		}
		wrapped := fmt.Errorf("%w: %s to %s: %v", ErrSendFailed, p.Type, s.peer.DeviceID, err)
		s.closeWithError(wrapped)
		return wrapped
	}
	return nil
}

// Close terminates the session.
func (s *Session) Close() error {
	s.closeWithError(nil)
	return nil
}

func (s *Session) readLoop() {
	// readLoop is the only sender on inbound, so it owns the close.
	defer close(s.inbound)

	reader := protocol.NewReader(s.conn)
	for {
		pkt, err := reader.ReadPacket()
		if err != nil {
			// A complete frame that failed to decode was still consumed
			// through its newline, so the stream stays in sync: drop the
			// packet and keep reading.
			if errors.Is(err, protocol.ErrMalformedPacket) || errors.Is(err, protocol.ErrEmptyType) {
				s.log.Warn("dropping malformed packet",
					zap.String("device_id", s.peer.DeviceID),
					zap.Error(err))
				continue
			}
			if protocol.IsCodecError(err) {
				// Truncated or oversized frame: the read stopped mid-frame
				// and the stream cannot be resynchronized.
				s.log.Warn("unrecoverable frame error, closing session",
					zap.String("device_id", s.peer.DeviceID),
					zap.Error(err))
				s.closeWithError(err)
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.closeWithError(nil)
				return
			}
			s.closeWithError(fmt.Errorf("read packet: %w", err))
			return
		}

		s.touchInbound()

		select {
		case s.inbound <- pkt:
		case <-s.closed:
			return
		}
	}
}

func (s *Session) touchInbound() {
	s.lastInbound.Store(time.Now().UnixNano())
}

func (s *Session) closeWithError(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.closeErr = err
		s.errMu.Unlock()

		_ = s.conn.Close()
		close(s.closed)
	})
}
