package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "goconnect"
	// DefaultDiscoveryPort is the fixed UDP discovery port.
	DefaultDiscoveryPort = 1716
	// DefaultTCPPort is the default TCP listening port for transport sessions.
	DefaultTCPPort = 1716
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Policy defaults. These are deliberately configuration, not protocol
// invariants; peers with different values interoperate.
const (
	DefaultBroadcastIntervalSeconds = 5
	DefaultPeerTimeoutSeconds       = 60
	DefaultPairingTimeoutSeconds    = 30
	DefaultHandshakeTimeoutSeconds  = 15
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`

	TCPPort       int `json:"tcp_port"`
	DiscoveryPort int `json:"discovery_port"`

	CertificatePath string `json:"certificate_path"`
	PrivateKeyPath  string `json:"private_key_path"`

	BroadcastIntervalSeconds int  `json:"broadcast_interval_seconds"`
	PeerTimeoutSeconds       int  `json:"peer_timeout_seconds"`
	PairingTimeoutSeconds    int  `json:"pairing_timeout_seconds"`
	HandshakeTimeoutSeconds  int  `json:"handshake_timeout_seconds"`
	EnableMDNS               bool `json:"enable_mdns"`

	// AutoAcceptPairing accepts every incoming pairing request without an
	// operator decision. Only sensible on trusted networks.
	AutoAcceptPairing bool `json:"auto_accept_pairing"`

	LogLevel string `json:"log_level"`
}

// BroadcastInterval returns the UDP announce interval.
func (c *DeviceConfig) BroadcastInterval() time.Duration {
	return time.Duration(c.BroadcastIntervalSeconds) * time.Second
}

// PeerTimeout returns the discovery liveness timeout.
func (c *DeviceConfig) PeerTimeout() time.Duration {
	return time.Duration(c.PeerTimeoutSeconds) * time.Second
}

// PairingTimeout returns the pairing resolution timeout.
func (c *DeviceConfig) PairingTimeout() time.Duration {
	return time.Duration(c.PairingTimeoutSeconds) * time.Second
}

// HandshakeTimeout bounds identity exchange plus TLS negotiation.
func (c *DeviceConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If GOCONNECT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("GOCONNECT_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "certs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// The device id is generated exactly once and never regenerated afterwards.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// Rename updates the display name and persists it. Renaming never touches
// the device id.
func Rename(path string, cfg *DeviceConfig, name string) error {
	if name == "" {
		return errors.New("device name is required")
	}
	cfg.DeviceName = name
	return Save(path, cfg)
}

func defaultConfig(dataDir string) *DeviceConfig {
	cfg := &DeviceConfig{EnableMDNS: true}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	certsDir := filepath.Join(dataDir, "certs")

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "GoConnect Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if cfg.DeviceType == "" {
		cfg.DeviceType = "desktop"
		updated = true
	}

	if cfg.TCPPort <= 0 {
		cfg.TCPPort = DefaultTCPPort
		updated = true
	}
	if cfg.DiscoveryPort <= 0 {
		cfg.DiscoveryPort = DefaultDiscoveryPort
		updated = true
	}

	if cfg.CertificatePath == "" {
		cfg.CertificatePath = filepath.Join(certsDir, "certificate.pem")
		updated = true
	}
	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = filepath.Join(certsDir, "private_key.pem")
		updated = true
	}

	if cfg.BroadcastIntervalSeconds <= 0 {
		cfg.BroadcastIntervalSeconds = DefaultBroadcastIntervalSeconds
		updated = true
	}
	if cfg.PeerTimeoutSeconds <= 0 {
		cfg.PeerTimeoutSeconds = DefaultPeerTimeoutSeconds
		updated = true
	}
	if cfg.PairingTimeoutSeconds <= 0 {
		cfg.PairingTimeoutSeconds = DefaultPairingTimeoutSeconds
		updated = true
	}
	if cfg.HandshakeTimeoutSeconds <= 0 {
		cfg.HandshakeTimeoutSeconds = DefaultHandshakeTimeoutSeconds
		updated = true
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
		updated = true
	}

	return updated
}
