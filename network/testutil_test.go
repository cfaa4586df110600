package network

import (
	"bytes"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"goconnect/pki"
	"goconnect/protocol"
	"goconnect/storage"
)

func testIdentity(id, name string, port uint16) protocol.Identity {
	return protocol.Identity{
		DeviceID:             id,
		DeviceName:           name,
		DeviceType:           protocol.DeviceTypeDesktop,
		ProtocolVersion:      protocol.Version,
		TCPPort:              port,
		IncomingCapabilities: []string{protocol.TypePing, "kdeconnect.notification"},
		OutgoingCapabilities: []string{protocol.TypePing, "kdeconnect.notification"},
	}
}

func testCertificate(t *testing.T, deviceID string) *pki.DeviceCertificate {
	t.Helper()
	dir := t.TempDir()
	cert, err := pki.EnsureDeviceCertificate(
		filepath.Join(dir, "device.crt"),
		filepath.Join(dir, "device.key"),
		deviceID,
	)
	if err != nil {
		t.Fatalf("EnsureDeviceCertificate failed: %v", err)
	}
	return cert
}

// fakeTrust is an in-memory pinned-certificate store.
type fakeTrust struct {
	mu      sync.Mutex
	devices map[string]storage.TrustedDevice
}

func newFakeTrust() *fakeTrust {
	return &fakeTrust{devices: make(map[string]storage.TrustedDevice)}
}

func (f *fakeTrust) pin(deviceID string, der []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[deviceID] = storage.TrustedDevice{
		DeviceID:               deviceID,
		DeviceName:             deviceID,
		CertificateFingerprint: pki.CertificateFingerprint(der),
		Certificate:            append([]byte(nil), der...),
	}
}

func (f *fakeTrust) GetTrustedDevice(deviceID string) (*storage.TrustedDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	device, ok := f.devices[deviceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &device, nil
}

// recordingAudit captures security events for assertions.
type recordingAudit struct {
	mu     sync.Mutex
	events []storage.SecurityEvent
}

func (a *recordingAudit) LogSecurityEvent(event storage.SecurityEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAudit) byType(eventType string) []storage.SecurityEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []storage.SecurityEvent
	for _, event := range a.events {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

type upgradeResult struct {
	session *Session
	err     error
}

// connectPair runs the full session establishment between two endpoints
// over a real TCP loopback connection and returns both sessions.
func connectPair(t *testing.T, optsA, optsB HandshakeOptions) (*Session, *Session) {
	t.Helper()

	sessionA, sessionB, errA, errB := tryConnectPair(t, optsA, optsB)
	if errA != nil {
		t.Fatalf("upgrade A failed: %v", errA)
	}
	if errB != nil {
		t.Fatalf("upgrade B failed: %v", errB)
	}
	t.Cleanup(func() {
		_ = sessionA.Close()
		_ = sessionB.Close()
	})
	return sessionA, sessionB
}

func tryConnectPair(t *testing.T, optsA, optsB HandshakeOptions) (*Session, *Session, error, error) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	resultB := make(chan upgradeResult, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			resultB <- upgradeResult{err: err}
			return
		}
		session, err := Upgrade(conn, optsB)
		resultB <- upgradeResult{session: session, err: err}
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	sessionA, errA := Upgrade(conn, optsA)

	b := <-resultB
	return sessionA, b.session, errA, b.err
}

func expectPacket(t *testing.T, session *Session, wantType string) protocol.Packet {
	t.Helper()
	select {
	case pkt, ok := <-session.Packets():
		if !ok {
			t.Fatalf("session closed while waiting for %s", wantType)
		}
		if pkt.Type != wantType {
			t.Fatalf("packet type = %q, want %q", pkt.Type, wantType)
		}
		return pkt
	case <-session.Done():
		t.Fatalf("session terminated while waiting for %s: %v", wantType, session.LastError())
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", wantType)
	}
	return protocol.Packet{}
}

func certsEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}

func protocolPing() (protocol.Packet, error) {
	return protocol.New(protocol.TypePing, nil)
}
