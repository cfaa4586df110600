package pairing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"goconnect/protocol"
	"goconnect/storage"
)

// DefaultPairTimeout bounds how long a pairing request stays pending.
const DefaultPairTimeout = 30 * time.Second

// State is the pairing relationship with one remote device.
type State string

const (
	// StateUnpaired means no trust relationship exists.
	StateUnpaired State = "unpaired"
	// StateRequestSent means we asked and are waiting for the peer.
	StateRequestSent State = "request_sent"
	// StateRequestReceived means the peer asked and we have not decided.
	StateRequestReceived State = "request_received"
	// StatePaired means mutual trust is established and persisted.
	StatePaired State = "paired"
)

var (
	// ErrPairingTimeout indicates a pending request expired undecided.
	ErrPairingTimeout = errors.New("pairing: request timed out")
	// ErrPairingRejected indicates the peer declined the request.
	ErrPairingRejected = errors.New("pairing: request rejected by peer")
	// ErrNotPaired indicates an operation that requires an established
	// trust relationship.
	ErrNotPaired = errors.New("pairing: device is not paired")
	// ErrNoPendingRequest indicates Accept/Reject without an incoming request.
	ErrNoPendingRequest = errors.New("pairing: no pending incoming request")
)

const (
	// EventRequestSent is emitted when a local request goes out.
	EventRequestSent EventType = "request_sent"
	// EventRequestReceived is emitted when a peer asks to pair.
	EventRequestReceived EventType = "request_received"
	// EventPaired is emitted when mutual trust is established.
	EventPaired EventType = "paired"
	// EventUnpaired is emitted when trust is torn down, locally or by the peer.
	EventUnpaired EventType = "unpaired"
	// EventRejected is emitted when a request is declined or cancelled.
	EventRejected EventType = "rejected"
	// EventTimedOut is emitted when a pending request expires.
	EventTimedOut EventType = "timed_out"
)

// EventType identifies pairing lifecycle updates.
type EventType string

// Event carries pairing lifecycle updates for consumers.
type Event struct {
	Type     EventType
	DeviceID string
}

// PeerInfo describes the remote device a pairing operation concerns. The
// certificate is the DER bytes presented during the TLS handshake and is
// what gets persisted when trust is established.
type PeerInfo struct {
	DeviceID    string
	DeviceName  string
	DeviceType  string
	Certificate []byte
}

// Sender delivers a packet to one remote device.
type Sender interface {
	SendPacket(p protocol.Packet) error
}

// TrustStore persists established trust relationships.
type TrustStore interface {
	AddTrustedDevice(device storage.TrustedDevice) error
	GetTrustedDevice(deviceID string) (*storage.TrustedDevice, error)
	RemoveTrustedDevice(deviceID string) error
}

// AuditLog records security-relevant pairing events. Optional.
type AuditLog interface {
	LogSecurityEvent(event storage.SecurityEvent) error
}

// Options controls pairing manager behavior.
type Options struct {
	Trust TrustStore
	Audit AuditLog

	// PairTimeout bounds pending requests in both directions.
	PairTimeout time.Duration

	// AutoAccept accepts incoming requests without a local decision.
	// Intended for headless deployments.
	AutoAccept bool

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.PairTimeout <= 0 {
		out.PairTimeout = DefaultPairTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

type waiter chan error

type deviceState struct {
	state State
	timer *time.Timer

	// pending request context while state is RequestReceived.
	peer PeerInfo
	link Sender

	waiters []waiter
}

// Manager runs the pairing state machine for every remote device.
// All transitions for a device are serialized under one lock, so
// concurrent packets and local decisions cannot interleave
// mid-transition. Pair packets are written with the lock released and
// the transition is committed or rolled back afterwards, so a stalled
// link never blocks other devices.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	devices map[string]*deviceState

	events chan Event
}

// NewManager creates a pairing manager backed by the given trust store.
func NewManager(options Options) (*Manager, error) {
	opts := options.withDefaults()
	if opts.Trust == nil {
		return nil, errors.New("pairing: trust store is required")
	}
	return &Manager{
		opts:    opts,
		log:     opts.Logger.Named("pairing"),
		devices: make(map[string]*deviceState),
		events:  make(chan Event, 64),
	}, nil
}

// Events provides asynchronous pairing lifecycle updates.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the current pairing state for a device. Devices with a
// persisted trust record are Paired even before any session activity.
func (m *Manager) State(deviceID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(deviceID)
}

// IsPaired reports whether a trust relationship is established.
func (m *Manager) IsPaired(deviceID string) bool {
	return m.State(deviceID) == StatePaired
}

// Gate decides whether a packet from the device may be delivered.
// Pairing packets always pass. Everything else requires Paired; denied
// packets are recorded to the audit log so probing is visible.
func (m *Manager) Gate(deviceID, packetType string) error {
	if packetType == protocol.TypePair {
		return nil
	}
	if m.IsPaired(deviceID) {
		return nil
	}

	m.log.Warn("dropping packet from unpaired device",
		zap.String("device_id", deviceID),
		zap.String("packet_type", packetType))
	m.audit(storage.SecurityEvent{
		EventType:    storage.SecurityEventPacketDropped,
		PeerDeviceID: &deviceID,
		Details:      auditDetails(map[string]string{"packet_type": packetType}),
		Severity:     storage.SecuritySeverityWarning,
	})
	return fmt.Errorf("%w: dropping %s from %s", ErrNotPaired, packetType, deviceID)
}

// RequestPairing sends a pair request and blocks until the peer accepts,
// rejects, the request times out, or ctx is done. Requesting an already
// paired device succeeds immediately; requesting while the peer's own
// request is pending accepts it.
//
// The pair packet is written without holding the manager lock, so a slow
// link never blocks state queries or other devices' transitions.
func (m *Manager) RequestPairing(ctx context.Context, peer PeerInfo, link Sender) error {
	m.mu.Lock()

	dev := m.device(peer.DeviceID)
	switch m.stateLocked(peer.DeviceID) {
	case StatePaired:
		m.mu.Unlock()
		return nil

	case StateRequestReceived:
		// Both sides want to pair. Treat the local request as acceptance.
		m.mu.Unlock()
		return m.Accept(peer.DeviceID)

	case StateRequestSent:
		// Join the in-flight request.

	default:
		// Stage the transition, send outside the lock, then commit or
		// roll back depending on the outcome.
		dev.state = StateRequestSent
		dev.peer = peer
		dev.link = link
		m.armTimerLocked(peer.DeviceID, dev)
		m.mu.Unlock()

		pkt, err := protocol.NewPairPacket(true)
		if err == nil {
			err = link.SendPacket(pkt)
		}

		m.mu.Lock()
		if err != nil {
			if dev.state == StateRequestSent {
				m.resetLocked(dev, err)
			}
			m.mu.Unlock()
			return err
		}
		switch dev.state {
		case StateRequestSent:
			m.emit(Event{Type: EventRequestSent, DeviceID: peer.DeviceID})
			m.log.Info("pairing requested", zap.String("device_id", peer.DeviceID))
		case StatePaired:
			// The peer's own request crossed ours while the packet was in
			// flight and pairing already completed.
			m.mu.Unlock()
			return nil
		default:
			// The request timed out while the packet was in flight.
			m.mu.Unlock()
			return ErrPairingTimeout
		}
	}

	w := make(waiter, 1)
	dev.waiters = append(dev.waiters, w)
	m.mu.Unlock()

	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandlePairPacket dispatches an incoming kdeconnect.pair packet for the
// device the session authenticated.
func (m *Manager) HandlePairPacket(peer PeerInfo, pair bool, link Sender) error {
	if pair {
		return m.handlePairRequest(peer, link)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handleUnpairLocked(peer.DeviceID)
}

func (m *Manager) handlePairRequest(peer PeerInfo, link Sender) error {
	m.mu.Lock()

	dev := m.device(peer.DeviceID)
	switch m.stateLocked(peer.DeviceID) {
	case StatePaired:
		// Duplicate accept. Idempotent.
		m.mu.Unlock()
		return nil

	case StateRequestSent:
		// The peer said yes, or asked at the same time. Either way both
		// sides want this: trust is established.
		err := m.completeLocked(peer.DeviceID, dev.peer, nil)
		m.mu.Unlock()
		return err

	case StateRequestReceived:
		// Duplicate request. Keep the original pending decision.
		m.mu.Unlock()
		return nil

	default:
		dev.state = StateRequestReceived
		dev.peer = peer
		dev.link = link
		m.armTimerLocked(peer.DeviceID, dev)
		m.emit(Event{Type: EventRequestReceived, DeviceID: peer.DeviceID})
		m.log.Info("pairing request received", zap.String("device_id", peer.DeviceID))
		autoAccept := m.opts.AutoAccept
		m.mu.Unlock()

		if autoAccept {
			return m.Accept(peer.DeviceID)
		}
		return nil
	}
}

func (m *Manager) handleUnpairLocked(deviceID string) error {
	dev := m.device(deviceID)
	switch m.stateLocked(deviceID) {
	case StateRequestSent:
		m.log.Info("pairing rejected by peer", zap.String("device_id", deviceID))
		m.audit(storage.SecurityEvent{
			EventType:    storage.SecurityEventPairingRejected,
			PeerDeviceID: &deviceID,
			Severity:     storage.SecuritySeverityInfo,
		})
		m.resetLocked(dev, ErrPairingRejected)
		m.emit(Event{Type: EventRejected, DeviceID: deviceID})
		return nil

	case StateRequestReceived:
		// Peer withdrew its request before we decided.
		m.resetLocked(dev, nil)
		m.emit(Event{Type: EventRejected, DeviceID: deviceID})
		return nil

	case StatePaired:
		m.log.Info("peer unpaired", zap.String("device_id", deviceID))
		if err := m.opts.Trust.RemoveTrustedDevice(deviceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		m.audit(storage.SecurityEvent{
			EventType:    storage.SecurityEventUnpaired,
			PeerDeviceID: &deviceID,
			Severity:     storage.SecuritySeverityInfo,
		})
		m.resetLocked(dev, nil)
		m.emit(Event{Type: EventUnpaired, DeviceID: deviceID})
		return nil

	default:
		return nil
	}
}

// Accept approves a pending incoming request: it replies pair=true and
// persists the trust relationship. The reply is written without holding
// the manager lock.
func (m *Manager) Accept(deviceID string) error {
	m.mu.Lock()
	dev := m.device(deviceID)
	if dev.state != StateRequestReceived {
		m.mu.Unlock()
		return ErrNoPendingRequest
	}
	peer := dev.peer
	link := dev.link
	m.mu.Unlock()

	pkt, err := protocol.NewPairPacket(true)
	if err == nil {
		err = link.SendPacket(pkt)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		return err
	}
	switch dev.state {
	case StateRequestReceived:
		return m.completeLocked(deviceID, peer, nil)
	case StatePaired:
		// Resolved concurrently, for example by a crossing request.
		return nil
	default:
		// The request timed out or was withdrawn while the acceptance
		// was in flight.
		return ErrNoPendingRequest
	}
}

// Reject declines a pending incoming request with pair=false. The reply
// is written without holding the manager lock.
func (m *Manager) Reject(deviceID string) error {
	m.mu.Lock()

	dev := m.device(deviceID)
	if dev.state != StateRequestReceived {
		m.mu.Unlock()
		return ErrNoPendingRequest
	}
	link := dev.link

	m.audit(storage.SecurityEvent{
		EventType:    storage.SecurityEventPairingRejected,
		PeerDeviceID: &deviceID,
		Details:      auditDetails(map[string]string{"direction": "local"}),
		Severity:     storage.SecuritySeverityInfo,
	})
	m.resetLocked(dev, nil)
	m.emit(Event{Type: EventRejected, DeviceID: deviceID})
	m.mu.Unlock()

	pkt, err := protocol.NewPairPacket(false)
	if err != nil {
		return err
	}
	return link.SendPacket(pkt)
}

// Unpair tears down an established trust relationship and notifies the
// peer with pair=false. The link may be nil when the device is offline.
func (m *Manager) Unpair(deviceID string, link Sender) error {
	m.mu.Lock()

	if m.stateLocked(deviceID) != StatePaired {
		m.mu.Unlock()
		return ErrNotPaired
	}

	if err := m.opts.Trust.RemoveTrustedDevice(deviceID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.mu.Unlock()
		return err
	}

	dev := m.device(deviceID)
	m.audit(storage.SecurityEvent{
		EventType:    storage.SecurityEventUnpaired,
		PeerDeviceID: &deviceID,
		Details:      auditDetails(map[string]string{"direction": "local"}),
		Severity:     storage.SecuritySeverityInfo,
	})
	m.resetLocked(dev, nil)
	m.emit(Event{Type: EventUnpaired, DeviceID: deviceID})
	m.mu.Unlock()

	// Best effort, the local trust store is already clean.
	if link != nil {
		if pkt, err := protocol.NewPairPacket(false); err == nil {
			if err := link.SendPacket(pkt); err != nil {
				m.log.Warn("unpair notification failed",
					zap.String("device_id", deviceID),
					zap.Error(err))
			}
		}
	}
	return nil
}

func (m *Manager) completeLocked(deviceID string, peer PeerInfo, notify error) error {
	dev := m.device(deviceID)

	name := peer.DeviceName
	if name == "" {
		name = deviceID
	}
	record := storage.TrustedDevice{
		DeviceID:               deviceID,
		DeviceName:             name,
		DeviceType:             peer.DeviceType,
		CertificateFingerprint: fingerprint(peer.Certificate),
		Certificate:            peer.Certificate,
		PairedAt:               time.Now().UnixMilli(),
	}
	if err := m.opts.Trust.AddTrustedDevice(record); err != nil {
		m.resetLocked(dev, err)
		return err
	}

	m.log.Info("paired",
		zap.String("device_id", deviceID),
		zap.String("fingerprint", record.CertificateFingerprint))
	m.resetLocked(dev, notify)
	dev.state = StatePaired
	m.emit(Event{Type: EventPaired, DeviceID: deviceID})
	return nil
}

// resetLocked stops the timer, notifies waiters, and returns the device
// to Unpaired.
func (m *Manager) resetLocked(dev *deviceState, notify error) {
	if dev.timer != nil {
		dev.timer.Stop()
		dev.timer = nil
	}
	for _, w := range dev.waiters {
		w <- notify
	}
	dev.waiters = nil
	dev.state = StateUnpaired
	dev.peer = PeerInfo{}
	dev.link = nil
}

func (m *Manager) armTimerLocked(deviceID string, dev *deviceState) {
	if dev.timer != nil {
		dev.timer.Stop()
	}
	dev.timer = time.AfterFunc(m.opts.PairTimeout, func() {
		m.expire(deviceID)
	})
}

func (m *Manager) expire(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev := m.device(deviceID)
	switch dev.state {
	case StateRequestSent, StateRequestReceived:
		m.log.Info("pairing request timed out", zap.String("device_id", deviceID))
		m.audit(storage.SecurityEvent{
			EventType:    storage.SecurityEventPairingTimeout,
			PeerDeviceID: &deviceID,
			Severity:     storage.SecuritySeverityInfo,
		})
		m.resetLocked(dev, ErrPairingTimeout)
		m.emit(Event{Type: EventTimedOut, DeviceID: deviceID})
	}
}

func (m *Manager) device(deviceID string) *deviceState {
	dev, ok := m.devices[deviceID]
	if !ok {
		dev = &deviceState{state: StateUnpaired}
		m.devices[deviceID] = dev
	}
	return dev
}

func (m *Manager) stateLocked(deviceID string) State {
	if dev, ok := m.devices[deviceID]; ok && dev.state != StateUnpaired {
		return dev.state
	}
	if record, err := m.opts.Trust.GetTrustedDevice(deviceID); err == nil && record != nil {
		m.device(deviceID).state = StatePaired
		return StatePaired
	}
	return StateUnpaired
}

func (m *Manager) emit(event Event) {
	select {
	case m.events <- event:
	default:
	}
}

func (m *Manager) audit(event storage.SecurityEvent) {
	if m.opts.Audit == nil {
		return
	}
	if err := m.opts.Audit.LogSecurityEvent(event); err != nil {
		m.log.Warn("security event log failed", zap.Error(err))
	}
}

func auditDetails(kv map[string]string) string {
	data, err := json.Marshal(kv)
	if err != nil {
		return ""
	}
	return string(data)
}

func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}
