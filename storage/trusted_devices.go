package storage

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
)

// AddTrustedDevice inserts a new trust record. Pairing is durable only once
// this write succeeds. An existing row for the same device id is never
// overwritten; a certificate change for a trusted id is a security anomaly
// handled upstream, not a routine update.
func (s *Store) AddTrustedDevice(device TrustedDevice) error {
	if device.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if device.DeviceName == "" {
		return errors.New("device_name is required")
	}
	if device.CertificateFingerprint == "" {
		return errors.New("certificate_fingerprint is required")
	}
	if len(device.Certificate) == 0 {
		return errors.New("certificate is required")
	}
	if device.DeviceType == "" {
		device.DeviceType = "desktop"
	}
	if device.PairedAt == 0 {
		device.PairedAt = nowUnixMilli()
	}

	existing, err := s.GetTrustedDevice(device.DeviceID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil {
		if bytes.Equal(existing.Certificate, device.Certificate) {
			// Duplicate pairing success for the same certificate is a no-op.
			return nil
		}
		return fmt.Errorf("%w: %q", ErrAlreadyTrusted, device.DeviceID)
	}

	_, err = s.db.Exec(
		`INSERT INTO trusted_devices (
			device_id,
			device_name,
			device_type,
			certificate_fingerprint,
			certificate,
			paired_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		device.DeviceID,
		device.DeviceName,
		device.DeviceType,
		device.CertificateFingerprint,
		device.Certificate,
		device.PairedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trusted device %q: %w", device.DeviceID, err)
	}

	return nil
}

// GetTrustedDevice fetches one trust record by device ID.
func (s *Store) GetTrustedDevice(deviceID string) (*TrustedDevice, error) {
	row := s.db.QueryRow(
		`SELECT
			device_id,
			device_name,
			device_type,
			certificate_fingerprint,
			certificate,
			paired_at
		FROM trusted_devices
		WHERE device_id = ?`,
		deviceID,
	)

	var device TrustedDevice
	err := row.Scan(
		&device.DeviceID,
		&device.DeviceName,
		&device.DeviceType,
		&device.CertificateFingerprint,
		&device.Certificate,
		&device.PairedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trusted device %q: %w", deviceID, err)
	}

	return &device, nil
}

// ListTrustedDevices returns all trust records sorted by device name.
func (s *Store) ListTrustedDevices() ([]TrustedDevice, error) {
	rows, err := s.db.Query(
		`SELECT
			device_id,
			device_name,
			device_type,
			certificate_fingerprint,
			certificate,
			paired_at
		FROM trusted_devices
		ORDER BY device_name, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list trusted devices: %w", err)
	}
	defer rows.Close()

	devices := make([]TrustedDevice, 0)
	for rows.Next() {
		var device TrustedDevice
		if err := rows.Scan(
			&device.DeviceID,
			&device.DeviceName,
			&device.DeviceType,
			&device.CertificateFingerprint,
			&device.Certificate,
			&device.PairedAt,
		); err != nil {
			return nil, fmt.Errorf("scan trusted device row: %w", err)
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trusted devices: %w", err)
	}

	return devices, nil
}

// RemoveTrustedDevice deletes one trust record. Only an explicit unpair
// action reaches this; ordinary disconnects never do.
func (s *Store) RemoveTrustedDevice(deviceID string) error {
	result, err := s.db.Exec(`DELETE FROM trusted_devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove trusted device %q: %w", deviceID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove trusted device %q: rows affected: %w", deviceID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}
