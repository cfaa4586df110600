package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"goconnect/protocol"
)

const (
	// MDNSService is the mDNS service name without domain suffix.
	MDNSService = "_kdeconnect._udp"
	// MDNSDomain is the mDNS domain.
	MDNSDomain = "local."
	// DefaultMDNSRefreshInterval is the background browse interval.
	DefaultMDNSRefreshInterval = 30 * time.Second
	// DefaultMDNSScanTimeout bounds each browse operation.
	DefaultMDNSScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSOptions controls mDNS broadcast and browse behavior.
type MDNSOptions struct {
	Identity protocol.Identity

	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (o MDNSOptions) withDefaults() MDNSOptions {
	out := o
	if out.Service == "" {
		out.Service = MDNSService
	}
	if out.Domain == "" {
		out.Domain = MDNSDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultMDNSRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultMDNSScanTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// MDNSBackend advertises the local identity over mDNS and browses for
// other announcements, feeding discovered devices into the engine so
// both transports share one peer registry.
type MDNSBackend struct {
	opts   MDNSOptions
	log    *zap.Logger
	engine *Engine

	browse browseFunc
	server *zeroconf.Server

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMDNSBackend creates an mDNS backend bound to a discovery engine.
func NewMDNSBackend(engine *Engine, options MDNSOptions) (*MDNSBackend, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	opts := options.withDefaults()
	if err := opts.Identity.Validate(); err != nil {
		return nil, err
	}

	browse := opts.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &MDNSBackend{
		opts:   opts,
		log:    opts.Logger.Named("mdns"),
		engine: engine,
		browse: browse,
	}, nil
}

// Start registers the mDNS service and begins background browsing.
func (b *MDNSBackend) Start() error {
	var startErr error
	b.startOnce.Do(func() {
		id := b.opts.Identity
		txt := []string{
			"id=" + id.DeviceID,
			"name=" + id.DeviceName,
			"type=" + string(id.DeviceType),
			"protocol=" + strconv.Itoa(id.ProtocolVersion),
		}

		server, err := b.opts.registerFn(id.DeviceID, b.opts.Service, b.opts.Domain, int(id.TCPPort), txt, nil)
		if err != nil {
			startErr = fmt.Errorf("register mDNS service: %w", err)
			return
		}
		b.server = server

		b.ctx, b.cancel = context.WithCancel(context.Background())
		b.wg.Add(1)
		go b.loop()
	})
	return startErr
}

// Stop shuts down browsing and withdraws the mDNS registration.
func (b *MDNSBackend) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
		if b.server != nil {
			b.server.Shutdown()
		}
	})
}

func (b *MDNSBackend) loop() {
	defer b.wg.Done()

	// Prime the registry immediately.
	b.runScan()

	ticker := time.NewTicker(b.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.runScan()
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *MDNSBackend) runScan() {
	scanCtx, cancel := context.WithTimeout(b.ctx, b.opts.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				identity, host, ok := parseEntry(entry)
				if !ok {
					continue
				}
				b.engine.Observe(identity, host)
			}
		}
	}()

	if err := b.browse(scanCtx, b.opts.Service, b.opts.Domain, entries); err != nil {
		b.log.Debug("mDNS browse failed", zap.Error(err))
		return
	}

	<-scanCtx.Done()
	<-collectorDone
}

func parseEntry(entry *zeroconf.ServiceEntry) (protocol.Identity, string, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["id"])
	if deviceID == "" {
		return protocol.Identity{}, "", false
	}

	version := protocol.Version
	if txt["protocol"] != "" {
		if parsed, err := strconv.Atoi(txt["protocol"]); err == nil && parsed > 0 {
			version = parsed
		}
	}

	name := strings.TrimSpace(txt["name"])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = deviceID
	}

	host := ""
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		host = ip.String()
		break
	}
	if host == "" {
		return protocol.Identity{}, "", false
	}

	identity := protocol.Identity{
		DeviceID:        deviceID,
		DeviceName:      name,
		DeviceType:      protocol.DeviceType(strings.TrimSpace(txt["type"])),
		ProtocolVersion: version,
		TCPPort:         uint16(entry.Port),
	}
	if !identity.DeviceType.Valid() {
		identity.DeviceType = protocol.DeviceTypeDesktop
	}
	return identity, host, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
