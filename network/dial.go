package network

import (
	"context"
	"fmt"
	"net"
)

// Dial opens a TCP connection to a discovered device and upgrades it to
// a session. The handshake timeout also bounds the TCP connect.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*Session, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
	}

	return Upgrade(conn, opts)
}
