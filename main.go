package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"goconnect/config"
	"goconnect/discovery"
	"goconnect/logging"
	"goconnect/network"
	"goconnect/pairing"
	"goconnect/pki"
	"goconnect/protocol"
	"goconnect/storage"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	logger, err := logging.Setup(cfg.LogLevel, false)
	if err != nil {
		log.Fatalf("startup failed while configuring logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cert, err := pki.EnsureDeviceCertificate(cfg.CertificatePath, cfg.PrivateKeyPath, cfg.DeviceID)
	if err != nil {
		logger.Fatal("startup failed while preparing device certificate", zap.Error(err))
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("TCP Port:        %d\n", cfg.TCPPort)
	fmt.Printf("Fingerprint:     %s\n", pki.FormatFingerprint(cert.Fingerprint()))
	fmt.Printf("Config File:     %s\n", cfgPath)

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		logger.Fatal("startup failed while opening database", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()
	fmt.Printf("Database File:   %s\n", dbPath)

	identity := protocol.Identity{
		DeviceID:             cfg.DeviceID,
		DeviceName:           cfg.DeviceName,
		DeviceType:           protocol.DeviceType(cfg.DeviceType),
		ProtocolVersion:      protocol.Version,
		TCPPort:              uint16(cfg.TCPPort),
		IncomingCapabilities: []string{protocol.TypePing},
		OutgoingCapabilities: []string{protocol.TypePing},
	}

	pairingManager, err := pairing.NewManager(pairing.Options{
		Trust:       store,
		Audit:       store,
		PairTimeout: cfg.PairingTimeout(),
		AutoAccept:  cfg.AutoAcceptPairing,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("startup failed while creating pairing manager", zap.Error(err))
	}

	engine, err := discovery.NewEngine(discovery.Options{
		Identity:          identity,
		Port:              cfg.DiscoveryPort,
		BroadcastInterval: cfg.BroadcastInterval(),
		PeerTimeout:       cfg.PeerTimeout(),
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal("startup failed while creating discovery engine", zap.Error(err))
	}
	if err := engine.Start(); err != nil {
		logger.Fatal("discovery startup failed", zap.Error(err))
	}
	defer engine.Stop()

	if cfg.EnableMDNS {
		mdns, err := discovery.NewMDNSBackend(engine, discovery.MDNSOptions{
			Identity: identity,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("mdns backend unavailable", zap.Error(err))
		} else if err := mdns.Start(); err != nil {
			logger.Warn("mdns startup failed", zap.Error(err))
		} else {
			defer mdns.Stop()
		}
	}

	manager, err := network.NewDeviceManager(network.ManagerOptions{
		Identity:         identity,
		Certificate:      cert,
		Store:            store,
		Pairing:          pairingManager,
		Discovery:        engine,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal("startup failed while creating device manager", zap.Error(err))
	}
	if err := manager.Start(); err != nil {
		logger.Fatal("transport startup failed", zap.Error(err))
	}
	defer manager.Stop()

	go logPairingEvents(logger, pairingManager.Events())
	go logDeviceEvents(logger, manager.Events())
	go logManagerErrors(logger, manager.Errors())
	go logPings(logger, manager)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

func logPairingEvents(logger *zap.Logger, events <-chan pairing.Event) {
	for event := range events {
		switch event.Type {
		case pairing.EventRequestReceived:
			logger.Info("pairing requested by remote device; accept or reject it",
				zap.String("device_id", event.DeviceID))
		case pairing.EventPaired:
			logger.Info("device paired", zap.String("device_id", event.DeviceID))
		case pairing.EventUnpaired:
			logger.Info("device unpaired", zap.String("device_id", event.DeviceID))
		default:
			logger.Debug("pairing event",
				zap.String("event", string(event.Type)),
				zap.String("device_id", event.DeviceID))
		}
	}
}

func logDeviceEvents(logger *zap.Logger, events <-chan network.DeviceEvent) {
	for event := range events {
		switch event.Type {
		case network.DeviceConnected:
			logger.Info("device session established",
				zap.String("device_id", event.DeviceID),
				zap.String("device_name", event.Identity.DeviceName))
		case network.DeviceDisconnected:
			logger.Info("device session closed", zap.String("device_id", event.DeviceID))
		}
	}
}

func logManagerErrors(logger *zap.Logger, errs <-chan error) {
	for err := range errs {
		logger.Warn("transport error", zap.Error(err))
	}
}

func logPings(logger *zap.Logger, manager *network.DeviceManager) {
	packets, cancel := manager.Subscribe(protocol.TypePing)
	defer cancel()

	for inbound := range packets {
		logger.Info("ping received", zap.String("device_id", inbound.DeviceID))
	}
}
