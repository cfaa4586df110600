package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"goconnect/pki"
	"goconnect/protocol"
)

const (
	// Payload transfers prefer the same port range the desktop
	// implementations use, falling back to an ephemeral port.
	payloadPortMin = 1739
	payloadPortMax = 1764

	// DefaultPayloadAcceptTimeout bounds how long an offered payload
	// waits for the receiver to connect.
	DefaultPayloadAcceptTimeout = 30 * time.Second
)

var (
	// ErrPayloadTruncated indicates the transfer ended before
	// payloadSize bytes arrived.
	ErrPayloadTruncated = errors.New("network: payload truncated")
	// ErrPayloadTimeout indicates the receiver never connected.
	ErrPayloadTimeout = errors.New("network: payload transfer timed out")
)

// PayloadServer serves one payload to one receiver over a dedicated TLS
// connection. The port it listens on travels in payloadTransferInfo;
// the packet body itself never carries bulk data.
type PayloadServer struct {
	listener net.Listener
	size     int64

	done      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}

	errMu sync.Mutex
	err   error
}

// ServePayload opens a TLS listener for a single payload transfer and
// starts streaming size bytes from r to the first receiver that
// connects. The caller attaches TransferInfo() to the triggering packet.
func ServePayload(cert *pki.DeviceCertificate, r io.Reader, size int64) (*PayloadServer, error) {
	if cert == nil {
		return nil, errors.New("network: device certificate is required")
	}
	if size <= 0 {
		return nil, errors.New("network: payload size must be positive")
	}

	listener, err := listenPayloadPort(cert.ServerTLSConfig())
	if err != nil {
		return nil, err
	}

	p := &PayloadServer{
		listener: listener,
		size:     size,
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go p.serve(r)
	return p, nil
}

func listenPayloadPort(config *tls.Config) (net.Listener, error) {
	for port := payloadPortMin; port <= payloadPortMax; port++ {
		listener, err := tls.Listen("tcp", ":"+strconv.Itoa(port), config)
		if err == nil {
			return listener, nil
		}
	}
	listener, err := tls.Listen("tcp", ":0", config)
	if err != nil {
		return nil, fmt.Errorf("listen for payload transfer: %w", err)
	}
	return listener, nil
}

// Port returns the listening port for payloadTransferInfo.
func (p *PayloadServer) Port() uint16 {
	return uint16(p.listener.Addr().(*net.TCPAddr).Port)
}

// TransferInfo returns the side-channel metadata for the packet that
// announces this payload.
func (p *PayloadServer) TransferInfo() protocol.TransferInfo {
	return protocol.TransferInfo{Port: p.Port()}
}

// Wait blocks until the transfer completes, fails, or ctx is done.
func (p *PayloadServer) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		p.errMu.Lock()
		defer p.errMu.Unlock()
		return p.err
	case <-ctx.Done():
		p.Close()
		return ctx.Err()
	}
}

// Close aborts the transfer if it has not completed.
func (p *PayloadServer) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.listener.Close()
	})
	return nil
}

func (p *PayloadServer) serve(r io.Reader) {
	defer close(p.done)
	defer p.Close()

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := p.listener.Accept()
		acceptCh <- acceptResult{conn: conn, err: err}
	}()

	timer := time.NewTimer(DefaultPayloadAcceptTimeout)
	defer timer.Stop()

	var conn net.Conn
	select {
	case result := <-acceptCh:
		if result.err != nil {
			select {
			case <-p.closed:
				p.setErr(ErrPayloadTimeout)
			default:
				p.setErr(fmt.Errorf("accept payload connection: %w", result.err))
			}
			return
		}
		conn = result.conn
	case <-timer.C:
		p.setErr(ErrPayloadTimeout)
		return
	case <-p.closed:
		p.setErr(ErrPayloadTimeout)
		return
	}
	defer conn.Close()

	written, err := io.CopyN(conn, r, p.size)
	if err != nil {
		p.setErr(fmt.Errorf("stream payload after %d/%d bytes: %w", written, p.size, err))
	}
}

func (p *PayloadServer) setErr(err error) {
	p.errMu.Lock()
	p.err = err
	p.errMu.Unlock()
}

// ReceivePayload connects to the sender's payload port and copies
// exactly size bytes into w. When expectCert is non-nil the presented
// certificate must match it byte for byte, tying the side channel to
// the session that announced it.
func ReceivePayload(ctx context.Context, host string, info protocol.TransferInfo, size int64, cert *pki.DeviceCertificate, expectCert *x509.Certificate, w io.Writer) error {
	if cert == nil {
		return errors.New("network: device certificate is required")
	}
	if size <= 0 {
		return errors.New("network: payload size must be positive")
	}
	if info.Port == 0 {
		return errors.New("network: payload transfer info has no port")
	}

	address := net.JoinHostPort(host, strconv.Itoa(int(info.Port)))
	dialer := tls.Dialer{
		NetDialer: &net.Dialer{Timeout: DefaultPayloadAcceptTimeout},
		Config:    cert.ClientTLSConfig(),
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("connect payload channel %q: %w", address, err)
	}
	defer conn.Close()

	if expectCert != nil {
		state := conn.(*tls.Conn).ConnectionState()
		if len(state.PeerCertificates) == 0 || !bytes.Equal(state.PeerCertificates[0].Raw, expectCert.Raw) {
			return fmt.Errorf("%w: payload channel certificate mismatch", ErrTrustViolation)
		}
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	copied, err := io.CopyN(w, conn, size)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: got %d of %d bytes", ErrPayloadTruncated, copied, size)
		}
		return fmt.Errorf("read payload after %d/%d bytes: %w", copied, size, err)
	}
	return nil
}
