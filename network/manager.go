package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"goconnect/discovery"
	"goconnect/pairing"
	"goconnect/pki"
	"goconnect/protocol"
	"goconnect/storage"
)

const (
	// DefaultKeepAliveInterval is how long a paired session may sit idle
	// before a ping probes it.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultIdleTimeout closes a paired session with no inbound traffic.
	DefaultIdleTimeout = 2 * time.Minute
)

var defaultReconnectBackoff = []time.Duration{
	0,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

var (
	// ErrNotConnected indicates no live session exists for the device.
	ErrNotConnected = errors.New("network: no active session for device")
	// ErrCapabilityNotSupported indicates the peer did not declare the
	// packet type in its incoming capabilities.
	ErrCapabilityNotSupported = errors.New("network: peer does not accept this packet type")
)

const (
	// DeviceConnected is emitted when a session is established and registered.
	DeviceConnected DeviceEventType = "device_connected"
	// DeviceDisconnected is emitted when a registered session terminates.
	DeviceDisconnected DeviceEventType = "device_disconnected"
)

// DeviceEventType identifies device session lifecycle updates.
type DeviceEventType string

// DeviceEvent carries session lifecycle updates for consumers.
type DeviceEvent struct {
	Type     DeviceEventType
	DeviceID string
	Identity protocol.Identity
}

// InboundPacket is a gated, capability-filtered packet delivered to
// subscribers.
type InboundPacket struct {
	DeviceID string
	Packet   protocol.Packet
}

type subscription struct {
	types map[string]struct{}
	ch    chan InboundPacket
}

func (s *subscription) wants(packetType string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[packetType]
	return ok
}

// ManagerOptions configures the device manager.
type ManagerOptions struct {
	Identity    protocol.Identity
	Certificate *pki.DeviceCertificate
	Store       *storage.Store
	Pairing     *pairing.Manager

	// Discovery is optional; without it only direct connects and
	// reconnects to cached endpoints work.
	Discovery *discovery.Engine

	ListenAddress string

	HandshakeTimeout  time.Duration
	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration
	ReconnectBackoff  []time.Duration

	Logger *zap.Logger
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	out := o
	if out.ListenAddress == "" {
		out.ListenAddress = ":" + strconv.Itoa(int(out.Identity.TCPPort))
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if len(out.ReconnectBackoff) == 0 {
		out.ReconnectBackoff = append([]time.Duration(nil), defaultReconnectBackoff...)
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// DeviceManager owns the transport plane: it accepts and dials
// sessions, keeps one registered session per device, routes pairing
// packets to the pairing manager, gates everything else on pairing
// state, and exposes the capability-filtered send/subscribe surface
// packet handlers build on.
type DeviceManager struct {
	options ManagerOptions
	log     *zap.Logger

	// localCaps gates inbound dispatch to the packet types this device
	// advertised in incomingCapabilities.
	localCaps protocol.CapabilitySet

	server   *Server
	registry *Registry

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	subsMu  sync.Mutex
	subs    map[int]*subscription
	nextSub int

	dialMu  sync.Mutex
	dialing map[string]bool

	reconnectMu      sync.Mutex
	reconnectWorkers map[string]context.CancelFunc

	suppressMu        sync.Mutex
	suppressReconnect map[string]bool

	events chan DeviceEvent
	errors chan error
}

// NewDeviceManager creates a device manager with validated configuration.
func NewDeviceManager(options ManagerOptions) (*DeviceManager, error) {
	if err := options.Identity.Validate(); err != nil {
		return nil, err
	}
	if options.Certificate == nil {
		return nil, errors.New("network: device certificate is required")
	}
	if options.Store == nil {
		return nil, errors.New("network: store is required")
	}
	if options.Pairing == nil {
		return nil, errors.New("network: pairing manager is required")
	}
	opts := options.withDefaults()

	return &DeviceManager{
		options:           opts,
		log:               opts.Logger.Named("devices"),
		localCaps:         protocol.NewCapabilitySet(opts.Identity.IncomingCapabilities),
		registry:          NewRegistry(),
		subs:              make(map[int]*subscription),
		dialing:           make(map[string]bool),
		reconnectWorkers:  make(map[string]context.CancelFunc),
		suppressReconnect: make(map[string]bool),
		events:            make(chan DeviceEvent, 64),
		errors:            make(chan error, 64),
	}, nil
}

// Start begins listening, watching discovery, and reconnecting to
// trusted devices with cached endpoints.
func (m *DeviceManager) Start() error {
	if m.ctx != nil {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	server, err := Listen(m.options.ListenAddress, m.handshakeOptions())
	if err != nil {
		return err
	}
	m.server = server

	m.wg.Add(1)
	go m.serverLoop()

	if m.options.Discovery != nil {
		events, cancel := m.options.Discovery.Subscribe()
		m.wg.Add(1)
		go m.discoveryLoop(events, cancel)
	}

	m.reconnectTrustedDevices()
	return nil
}

// Stop terminates the listener, reconnect workers, and all sessions.
func (m *DeviceManager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}
		m.cancel()
		if m.server != nil {
			_ = m.server.Close()
		}

		m.reconnectMu.Lock()
		for _, cancel := range m.reconnectWorkers {
			cancel()
		}
		m.reconnectWorkers = make(map[string]context.CancelFunc)
		m.reconnectMu.Unlock()

		for _, session := range m.registry.List() {
			_ = session.Close()
		}

		m.wg.Wait()

		m.subsMu.Lock()
		for id, sub := range m.subs {
			delete(m.subs, id)
			close(sub.ch)
		}
		m.subsMu.Unlock()

		close(m.events)
		close(m.errors)
	})
}

// Addr returns the TCP listening address.
func (m *DeviceManager) Addr() net.Addr {
	if m.server == nil {
		return nil
	}
	return m.server.Addr()
}

// Events returns session lifecycle updates.
func (m *DeviceManager) Events() <-chan DeviceEvent {
	return m.events
}

// Errors returns asynchronous manager errors.
func (m *DeviceManager) Errors() <-chan error {
	return m.errors
}

// Session returns the live session for a device, if any.
func (m *DeviceManager) Session(deviceID string) (*Session, bool) {
	return m.registry.Get(deviceID)
}

// ConnectedDevices lists the identities of all devices with live sessions.
func (m *DeviceManager) ConnectedDevices() []protocol.Identity {
	sessions := m.registry.List()
	out := make([]protocol.Identity, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.PeerIdentity())
	}
	return out
}

// Connect dials an address and registers the resulting session.
func (m *DeviceManager) Connect(ctx context.Context, address string) (*Session, error) {
	if m.ctx == nil {
		return nil, errors.New("network: device manager is not started")
	}
	session, err := Dial(ctx, address, m.handshakeOptions())
	if err != nil {
		return nil, err
	}
	if !m.registerSession(session) {
		return nil, ErrDuplicateSession
	}
	return session, nil
}

// SendPacket delivers a packet to a device. Non-pairing packets require
// an established trust relationship and a matching entry in the peer's
// incoming capabilities.
func (m *DeviceManager) SendPacket(deviceID string, pkt protocol.Packet) error {
	session, ok := m.registry.Get(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}

	if pkt.Type != protocol.TypePair {
		if !m.options.Pairing.IsPaired(deviceID) {
			return fmt.Errorf("%w: refusing to send %s", pairing.ErrNotPaired, pkt.Type)
		}
		caps := protocol.NewCapabilitySet(session.PeerIdentity().IncomingCapabilities)
		if !caps.Has(pkt.Type) {
			return fmt.Errorf("%w: %s to %s", ErrCapabilityNotSupported, pkt.Type, deviceID)
		}
	}

	return session.SendPacket(pkt)
}

// Subscribe registers a packet consumer. With no types it receives
// every delivered packet; otherwise only the named types. The returned
// cancel func closes the channel.
func (m *DeviceManager) Subscribe(types ...string) (<-chan InboundPacket, func()) {
	sub := &subscription{ch: make(chan InboundPacket, 64)}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.subsMu.Unlock()

	return sub.ch, func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		if current, ok := m.subs[id]; ok && current == sub {
			delete(m.subs, id)
			close(sub.ch)
		}
	}
}

// PairDevice requests pairing with a connected device and blocks until
// it resolves.
func (m *DeviceManager) PairDevice(ctx context.Context, deviceID string) error {
	session, ok := m.registry.Get(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}
	return m.options.Pairing.RequestPairing(ctx, peerInfoForSession(session), session)
}

// UnpairDevice tears down trust with a device and notifies it when a
// session is live.
func (m *DeviceManager) UnpairDevice(deviceID string) error {
	m.markSuppressReconnect(deviceID)
	m.stopReconnect(deviceID)

	var link pairing.Sender
	if session, ok := m.registry.Get(deviceID); ok {
		link = session
	}
	return m.options.Pairing.Unpair(deviceID, link)
}

func (m *DeviceManager) handshakeOptions() HandshakeOptions {
	return HandshakeOptions{
		Identity:         m.options.Identity,
		Certificate:      m.options.Certificate,
		Trust:            m.options.Store,
		Audit:            m.options.Store,
		HandshakeTimeout: m.options.HandshakeTimeout,
		Logger:           m.options.Logger,
	}
}

func (m *DeviceManager) serverLoop() {
	defer m.wg.Done()
	for {
		select {
		case session, ok := <-m.server.Incoming():
			if !ok {
				return
			}
			m.registerSession(session)
		case err, ok := <-m.server.Errors():
			if !ok {
				return
			}
			m.reportError(err)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *DeviceManager) discoveryLoop(events <-chan discovery.Event, cancel func()) {
	defer m.wg.Done()
	defer cancel()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type == discovery.EventPeerLost {
				continue
			}
			if _, connected := m.registry.Get(event.Peer.Identity.DeviceID); connected {
				continue
			}
			if event.Peer.Identity.TCPPort == 0 {
				continue
			}
			m.dialPeer(event.Peer.Identity.DeviceID, event.Peer.TCPAddr())
		case <-m.ctx.Done():
			return
		}
	}
}

// dialPeer connects to a discovered device unless a dial for it is
// already in flight.
func (m *DeviceManager) dialPeer(deviceID, address string) {
	m.dialMu.Lock()
	if m.dialing[deviceID] {
		m.dialMu.Unlock()
		return
	}
	m.dialing[deviceID] = true
	m.dialMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.dialMu.Lock()
			delete(m.dialing, deviceID)
			m.dialMu.Unlock()
		}()

		session, err := Dial(m.ctx, address, m.handshakeOptions())
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				m.reportError(err)
			}
			return
		}
		m.registerSession(session)
	}()
}

// registerSession claims the registry slot for the session's device and
// starts its packet loop. Returns false when a live session already
// exists; the new connection is closed.
func (m *DeviceManager) registerSession(session *Session) bool {
	if err := m.registry.Claim(session); err != nil {
		m.log.Debug("dropping duplicate session",
			zap.String("device_id", session.PeerDeviceID()))
		_ = session.Close()
		return false
	}

	peer := session.PeerIdentity()
	m.stopReconnect(peer.DeviceID)
	m.persistEndpoint(session)

	m.log.Info("device connected",
		zap.String("device_id", peer.DeviceID),
		zap.String("device_name", peer.DeviceName),
		zap.String("tls_role", string(session.Role())),
		zap.Bool("paired", m.options.Pairing.IsPaired(peer.DeviceID)))
	m.emit(DeviceEvent{Type: DeviceConnected, DeviceID: peer.DeviceID, Identity: peer})

	m.wg.Add(1)
	go m.sessionLoop(session)
	return true
}

func (m *DeviceManager) sessionLoop(session *Session) {
	defer m.wg.Done()

	peer := session.PeerIdentity()
	peerAcceptsPing := protocol.NewCapabilitySet(peer.IncomingCapabilities).Has(protocol.TypePing)

	keepAlive := time.NewTicker(m.options.KeepAliveInterval)
	defer keepAlive.Stop()

loop:
	for {
		select {
		case pkt, ok := <-session.Packets():
			if !ok {
				break loop
			}
			m.handlePacket(session, pkt)
		case <-keepAlive.C:
			if !m.options.Pairing.IsPaired(peer.DeviceID) {
				continue
			}
			idle := session.IdleFor()
			if idle >= m.options.IdleTimeout {
				m.log.Info("closing idle session",
					zap.String("device_id", peer.DeviceID),
					zap.Duration("idle", idle))
				_ = session.Close()
				break loop
			}
			if idle >= m.options.KeepAliveInterval && peerAcceptsPing {
				if ping, err := protocol.New(protocol.TypePing, nil); err == nil {
					_ = session.SendPacket(ping)
				}
			}
		case <-m.ctx.Done():
			_ = session.Close()
			break loop
		}
	}

	<-session.Done()
	m.registry.Release(session)

	if err := session.LastError(); err != nil {
		m.reportError(err)
	}

	m.log.Info("device disconnected", zap.String("device_id", peer.DeviceID))
	m.emit(DeviceEvent{Type: DeviceDisconnected, DeviceID: peer.DeviceID, Identity: peer})

	select {
	case <-m.ctx.Done():
		return
	default:
	}
	if m.consumeSuppressReconnect(peer.DeviceID) {
		return
	}
	if m.options.Pairing.IsPaired(peer.DeviceID) {
		m.startReconnect(peer.DeviceID)
	}
}

func (m *DeviceManager) handlePacket(session *Session, pkt protocol.Packet) {
	deviceID := session.PeerDeviceID()

	if pkt.Type == protocol.TypePair {
		flag, err := protocol.ParsePair(pkt)
		if err != nil {
			m.reportError(err)
			return
		}
		if err := m.options.Pairing.HandlePairPacket(peerInfoForSession(session), flag, session); err != nil {
			m.reportError(err)
		}
		return
	}

	if err := m.options.Pairing.Gate(deviceID, pkt.Type); err != nil {
		return
	}

	// Identity refreshes after the handshake are informational only; the
	// session keeps the identity it authenticated with.
	if pkt.Type == protocol.TypeIdentity {
		return
	}

	// Only packet types this device advertised as incoming reach
	// subscribers; the peer should not have sent anything else.
	if !m.localCaps.Has(pkt.Type) {
		m.log.Debug("dropping packet type not in local capabilities",
			zap.String("packet_type", pkt.Type),
			zap.String("device_id", deviceID))
		return
	}

	m.dispatch(InboundPacket{DeviceID: deviceID, Packet: pkt})
}

func (m *DeviceManager) dispatch(inbound InboundPacket) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, sub := range m.subs {
		if !sub.wants(inbound.Packet.Type) {
			continue
		}
		select {
		case sub.ch <- inbound:
		default:
			m.log.Warn("subscriber queue full, dropping packet",
				zap.String("packet_type", inbound.Packet.Type),
				zap.String("device_id", inbound.DeviceID))
		}
	}
}

func (m *DeviceManager) persistEndpoint(session *Session) {
	peer := session.PeerIdentity()
	host, _, err := net.SplitHostPort(session.RemoteAddr().String())
	if err != nil {
		return
	}

	now := time.Now().UnixMilli()
	port := int(peer.TCPPort)
	record := storage.Peer{
		DeviceID:      peer.DeviceID,
		DeviceName:    peer.DeviceName,
		DeviceType:    string(peer.DeviceType),
		LastSeenAt:    &now,
		LastKnownPort: &port,
	}
	if host != "" {
		record.LastKnownIP = &host
	}
	if err := m.options.Store.UpsertPeer(record); err != nil {
		m.reportError(err)
	}
}

// reconnectTrustedDevices starts reconnect workers for every trusted
// device with a cached endpoint.
func (m *DeviceManager) reconnectTrustedDevices() {
	trusted, err := m.options.Store.ListTrustedDevices()
	if err != nil {
		m.reportError(err)
		return
	}
	for _, device := range trusted {
		m.startReconnect(device.DeviceID)
	}
}

func (m *DeviceManager) startReconnect(deviceID string) {
	if deviceID == "" {
		return
	}

	m.reconnectMu.Lock()
	if _, exists := m.reconnectWorkers[deviceID]; exists {
		m.reconnectMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.reconnectWorkers[deviceID] = cancel
	m.reconnectMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.reconnectMu.Lock()
			delete(m.reconnectWorkers, deviceID)
			m.reconnectMu.Unlock()
		}()

		attempt := 0
		for {
			delay := m.backoffForAttempt(attempt)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}

			if _, connected := m.registry.Get(deviceID); connected {
				return
			}

			address, err := m.resolveEndpoint(deviceID)
			if err != nil {
				attempt++
				continue
			}

			// Nudge the device over UDP too, in case it moved and only
			// its broadcast still reaches us.
			if m.options.Discovery != nil {
				_ = m.options.Discovery.Refresh(ctx)
			}

			session, err := Dial(ctx, address, m.handshakeOptions())
			if err != nil {
				attempt++
				continue
			}
			if session.PeerDeviceID() != deviceID {
				_ = session.Close()
				attempt++
				continue
			}
			m.registerSession(session)
			return
		}
	}()
}

func (m *DeviceManager) stopReconnect(deviceID string) {
	m.reconnectMu.Lock()
	cancel, exists := m.reconnectWorkers[deviceID]
	if exists {
		delete(m.reconnectWorkers, deviceID)
	}
	m.reconnectMu.Unlock()
	if exists {
		cancel()
	}
}

func (m *DeviceManager) backoffForAttempt(attempt int) time.Duration {
	backoff := m.options.ReconnectBackoff
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}

// resolveEndpoint prefers the live discovery registry and falls back to
// the persisted endpoint cache.
func (m *DeviceManager) resolveEndpoint(deviceID string) (string, error) {
	if m.options.Discovery != nil {
		if record, ok := m.options.Discovery.Peer(deviceID); ok && record.Identity.TCPPort > 0 {
			return record.TCPAddr(), nil
		}
	}

	peer, err := m.options.Store.GetPeer(deviceID)
	if err != nil {
		return "", err
	}
	if peer.LastKnownIP == nil || peer.LastKnownPort == nil {
		return "", fmt.Errorf("device %q has no cached endpoint", deviceID)
	}
	return net.JoinHostPort(*peer.LastKnownIP, strconv.Itoa(*peer.LastKnownPort)), nil
}

func (m *DeviceManager) markSuppressReconnect(deviceID string) {
	m.suppressMu.Lock()
	m.suppressReconnect[deviceID] = true
	m.suppressMu.Unlock()
}

func (m *DeviceManager) consumeSuppressReconnect(deviceID string) bool {
	m.suppressMu.Lock()
	defer m.suppressMu.Unlock()
	suppress := m.suppressReconnect[deviceID]
	delete(m.suppressReconnect, deviceID)
	return suppress
}

func (m *DeviceManager) emit(event DeviceEvent) {
	select {
	case m.events <- event:
	default:
	}
}

func (m *DeviceManager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case m.errors <- err:
	default:
	}
}

func peerInfoForSession(session *Session) pairing.PeerInfo {
	peer := session.PeerIdentity()
	return pairing.PeerInfo{
		DeviceID:    peer.DeviceID,
		DeviceName:  peer.DeviceName,
		DeviceType:  string(peer.DeviceType),
		Certificate: session.PeerCertificate().Raw,
	}
}
