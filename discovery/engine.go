package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"goconnect/protocol"
)

const (
	// DefaultPort is the UDP port used for identity broadcasts.
	DefaultPort = 1716
	// DefaultBroadcastInterval is the periodic announcement cadence.
	DefaultBroadcastInterval = 5 * time.Second
	// DefaultPeerTimeout removes peers that stopped announcing.
	DefaultPeerTimeout = 60 * time.Second
	// DefaultSweepInterval bounds how often stale peers are collected.
	DefaultSweepInterval = 10 * time.Second

	maxDatagramSize = 1 << 16

	// readErrorBackoff paces retries after transient socket errors.
	readErrorBackoff = 200 * time.Millisecond
)

const (
	// EventPeerDiscovered is emitted the first time a device is seen.
	EventPeerDiscovered EventType = "peer_discovered"
	// EventPeerUpdated is emitted when a known device's identity or address changes.
	EventPeerUpdated EventType = "peer_updated"
	// EventPeerLost is emitted when a device stops announcing.
	EventPeerLost EventType = "peer_lost"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for network consumers.
type Event struct {
	Type EventType
	Peer PeerRecord
}

// PeerRecord contains a discovered LAN device and where it was last seen.
type PeerRecord struct {
	Identity protocol.Identity
	Host     string
	LastSeen time.Time
}

// TCPAddr returns the address to dial for a transport session.
func (r PeerRecord) TCPAddr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Identity.TCPPort)))
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Options controls discovery engine behavior.
type Options struct {
	Identity protocol.Identity

	Port              int
	BroadcastInterval time.Duration
	PeerTimeout       time.Duration
	SweepInterval     time.Duration

	Logger *zap.Logger

	// Test hooks.
	listenPacket func(port int) (net.PacketConn, error)
	broadcastTo  []net.Addr
}

func (o Options) withDefaults() Options {
	out := o
	if out.Port == 0 {
		out.Port = DefaultPort
	}
	if out.BroadcastInterval <= 0 {
		out.BroadcastInterval = DefaultBroadcastInterval
	}
	if out.PeerTimeout <= 0 {
		out.PeerTimeout = DefaultPeerTimeout
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.listenPacket == nil {
		out.listenPacket = func(port int) (net.PacketConn, error) {
			return net.ListenUDP("udp4", &net.UDPAddr{Port: port})
		}
	}
	if out.broadcastTo == nil {
		out.broadcastTo = []net.Addr{&net.UDPAddr{IP: net.IPv4bcast, Port: out.Port}}
	}
	return out
}

// Engine announces the local identity over UDP broadcast and tracks
// identity announcements from other devices on the LAN.
type Engine struct {
	opts Options
	log  *zap.Logger

	conn net.PacketConn

	mu    sync.RWMutex
	peers map[string]PeerRecord

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewEngine creates a discovery engine with option defaults applied.
func NewEngine(options Options) (*Engine, error) {
	opts := options.withDefaults()
	if err := opts.Identity.Validate(); err != nil {
		return nil, err
	}

	return &Engine{
		opts:            opts,
		log:             opts.Logger.Named("discovery"),
		peers:           make(map[string]PeerRecord),
		subs:            make(map[int]chan Event),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start binds the UDP socket and begins announcing and listening.
func (e *Engine) Start() error {
	var startErr error
	e.startOnce.Do(func() {
		conn, err := e.opts.listenPacket(e.opts.Port)
		if err != nil {
			startErr = err
			return
		}
		e.conn = conn
		e.ctx, e.cancel = context.WithCancel(context.Background())

		e.wg.Add(2)
		go e.readLoop()
		go e.announceLoop()
	})
	return startErr
}

// Stop closes the socket, stops background loops, and closes all
// subscriber channels.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		if e.conn != nil {
			e.conn.Close()
		}
		e.wg.Wait()

		e.subsMu.Lock()
		for id, ch := range e.subs {
			delete(e.subs, id)
			close(ch)
		}
		e.subsMu.Unlock()
	})
}

// Subscribe registers an event channel. The returned cancel func must be
// called when the subscriber is done; it closes the channel.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	id := e.nextSub
	e.nextSub++
	ch := make(chan Event, 128)
	e.subs[id] = ch

	return ch, func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
}

// Peers returns a snapshot of currently known devices sorted by name.
func (e *Engine) Peers() []PeerRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]PeerRecord, 0, len(e.peers))
	for _, peer := range e.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity.DeviceName == out[j].Identity.DeviceName {
			return out[i].Identity.DeviceID < out[j].Identity.DeviceID
		}
		return out[i].Identity.DeviceName < out[j].Identity.DeviceName
	})
	return out
}

// Peer looks up a device by ID.
func (e *Engine) Peer(deviceID string) (PeerRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	peer, ok := e.peers[deviceID]
	return peer, ok
}

// Refresh triggers an immediate identity broadcast and waits for it to
// be sent.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.ctx == nil {
		return errors.New("discovery engine is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case e.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return errors.New("discovery engine is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return errors.New("discovery engine is stopped")
	}
}

// Announce sends the local identity directly to a known endpoint. Used
// to probe a previously seen device without waiting for broadcast.
func (e *Engine) Announce(addr string) error {
	if e.conn == nil {
		return errors.New("discovery engine is not started")
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return err
	}
	frame, err := e.identityFrame()
	if err != nil {
		return err
	}
	_, err = e.conn.WriteTo(frame, udpAddr)
	return err
}

// Observe records an externally discovered device, for example from an
// mDNS backend, and routes it through the same registry and events as
// UDP announcements.
func (e *Engine) Observe(identity protocol.Identity, host string) {
	if identity.DeviceID == e.opts.Identity.DeviceID {
		return
	}
	if err := identity.Validate(); err != nil {
		e.log.Debug("ignoring invalid identity", zap.Error(err))
		return
	}
	e.upsert(identity, host)
}

func (e *Engine) readLoop() {
	defer e.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			default:
			}
			e.log.Debug("udp read failed", zap.Error(err))
			select {
			case <-time.After(readErrorBackoff):
			case <-e.ctx.Done():
				return
			}
			continue
		}
		e.handleDatagram(buf[:n], addr)
	}
}

func (e *Engine) handleDatagram(data []byte, addr net.Addr) {
	pkt, err := protocol.Unmarshal(data)
	if err != nil {
		e.log.Debug("dropping malformed datagram",
			zap.String("from", addr.String()),
			zap.Error(err))
		return
	}
	if pkt.Type != protocol.TypeIdentity {
		return
	}
	identity, err := protocol.ParseIdentity(pkt)
	if err != nil {
		e.log.Debug("dropping invalid identity announcement",
			zap.String("from", addr.String()),
			zap.Error(err))
		return
	}
	if identity.DeviceID == e.opts.Identity.DeviceID {
		return
	}

	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	e.upsert(identity, host)
}

func (e *Engine) upsert(identity protocol.Identity, host string) {
	record := PeerRecord{
		Identity: identity,
		Host:     host,
		LastSeen: time.Now(),
	}

	e.mu.Lock()
	old, exists := e.peers[identity.DeviceID]
	e.peers[identity.DeviceID] = record
	e.mu.Unlock()

	switch {
	case !exists:
		e.log.Info("peer discovered",
			zap.String("device_id", identity.DeviceID),
			zap.String("device_name", identity.DeviceName),
			zap.String("host", host))
		e.emit(Event{Type: EventPeerDiscovered, Peer: record})
	case !identitiesEqual(old.Identity, identity) || old.Host != host:
		e.emit(Event{Type: EventPeerUpdated, Peer: record})
	}
}

func (e *Engine) announceLoop() {
	defer e.wg.Done()

	// Announce immediately so peers learn about us without waiting a
	// full interval.
	if err := e.broadcast(); err != nil {
		e.log.Warn("initial broadcast failed", zap.Error(err))
	}

	ticker := time.NewTicker(e.opts.BroadcastInterval)
	defer ticker.Stop()

	sweep := time.NewTicker(e.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.broadcast(); err != nil {
				e.log.Warn("broadcast failed", zap.Error(err))
			}
		case req := <-e.refreshRequests:
			req.done <- e.broadcast()
		case <-sweep.C:
			e.collectStale()
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) broadcast() error {
	frame, err := e.identityFrame()
	if err != nil {
		return err
	}

	var lastErr error
	for _, addr := range e.opts.broadcastTo {
		if _, err := e.conn.WriteTo(frame, addr); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (e *Engine) identityFrame() ([]byte, error) {
	pkt, err := protocol.NewIdentityPacket(e.opts.Identity)
	if err != nil {
		return nil, err
	}
	return protocol.Marshal(pkt)
}

func (e *Engine) collectStale() {
	cutoff := time.Now().Add(-e.opts.PeerTimeout)

	var lost []PeerRecord
	e.mu.Lock()
	for id, peer := range e.peers {
		if peer.LastSeen.Before(cutoff) {
			delete(e.peers, id)
			lost = append(lost, peer)
		}
	}
	e.mu.Unlock()

	for _, peer := range lost {
		e.log.Info("peer lost",
			zap.String("device_id", peer.Identity.DeviceID),
			zap.String("device_name", peer.Identity.DeviceName))
		e.emit(Event{Type: EventPeerLost, Peer: peer})
	}
}

func (e *Engine) emit(event Event) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func identitiesEqual(a, b protocol.Identity) bool {
	if a.DeviceID != b.DeviceID ||
		a.DeviceName != b.DeviceName ||
		a.DeviceType != b.DeviceType ||
		a.ProtocolVersion != b.ProtocolVersion ||
		a.TCPPort != b.TCPPort ||
		len(a.IncomingCapabilities) != len(b.IncomingCapabilities) ||
		len(a.OutgoingCapabilities) != len(b.OutgoingCapabilities) {
		return false
	}
	for i := range a.IncomingCapabilities {
		if a.IncomingCapabilities[i] != b.IncomingCapabilities[i] {
			return false
		}
	}
	for i := range a.OutgoingCapabilities {
		if a.OutgoingCapabilities[i] != b.OutgoingCapabilities[i] {
			return false
		}
	}
	return true
}
