package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrAlreadyTrusted indicates a trusted device row already exists for the id.
	ErrAlreadyTrusted = errors.New("storage: device is already trusted")
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// Security event types recorded by the daemon.
const (
	SecurityEventCertMismatch     = "certificate_mismatch"
	SecurityEventPairingRejected  = "pairing_rejected"
	SecurityEventPairingTimeout   = "pairing_timeout"
	SecurityEventUnpaired         = "unpaired"
	SecurityEventPacketDropped    = "unpaired_packet_dropped"
	SecurityEventHandshakeFailure = "handshake_failure"
)

/// TrustedDevice is one persisted pairing: the peer's certificate captured at
// pairing time. At most one row exists per device id and it is never
// silently overwritten.
type TrustedDevice struct {
	DeviceID               string
	DeviceName             string
	DeviceType             string
	CertificateFingerprint string
	Certificate            []byte
	PairedAt               int64
}

// Peer is the cached last-known endpoint of a discovered device, persisted so
// direct reconnects survive daemon restarts.
type Peer struct {
	DeviceID      string
	DeviceName    string
	DeviceType    string
	LastKnownIP   *string
	LastKnownPort *int
	LastSeenAt    *int64
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID           int64
	EventType    string
	PeerDeviceID *string
	Details      string
	Severity     string
	Timestamp    int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	PeerDeviceID  string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func nullInt64FromInt(ptr *int) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ptr), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtrFromNullInt64(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
