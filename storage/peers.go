package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertPeer inserts or refreshes the cached endpoint for a discovered device.
func (s *Store) UpsertPeer(peer Peer) error {
	if peer.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if peer.DeviceName == "" {
		return errors.New("device_name is required")
	}
	if peer.DeviceType == "" {
		peer.DeviceType = "desktop"
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (
			device_id,
			device_name,
			device_type,
			last_known_ip,
			last_known_port,
			last_seen_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name     = excluded.device_name,
			device_type     = excluded.device_type,
			last_known_ip   = COALESCE(excluded.last_known_ip, peers.last_known_ip),
			last_known_port = COALESCE(excluded.last_known_port, peers.last_known_port),
			last_seen_at    = COALESCE(excluded.last_seen_at, peers.last_seen_at)`,
		peer.DeviceID,
		peer.DeviceName,
		peer.DeviceType,
		nullString(peer.LastKnownIP),
		nullInt64FromInt(peer.LastKnownPort),
		nullInt64(peer.LastSeenAt),
	)
	if err != nil {
		return fmt.Errorf("upsert peer %q: %w", peer.DeviceID, err)
	}

	return nil
}

// GetPeer fetches a cached peer by device ID.
func (s *Store) GetPeer(deviceID string) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT
			device_id,
			device_name,
			device_type,
			last_known_ip,
			last_known_port,
			last_seen_at
		FROM peers
		WHERE device_id = ?`,
		deviceID,
	)

	peer, err := scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", deviceID, err)
	}

	return peer, nil
}

// ListPeers returns all cached peers sorted by device name.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT
			device_id,
			device_name,
			device_type,
			last_known_ip,
			last_known_port,
			last_seen_at
		FROM peers
		ORDER BY device_name, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peers: %w", err)
	}

	return peers, nil
}

// UpdatePeerEndpoint refreshes the last-known endpoint for a peer.
func (s *Store) UpdatePeerEndpoint(deviceID, ip string, port int, seenAt int64) error {
	result, err := s.db.Exec(
		`UPDATE peers
		SET last_known_ip = ?, last_known_port = ?, last_seen_at = ?
		WHERE device_id = ?`,
		ip, port, seenAt, deviceID,
	)
	if err != nil {
		return fmt.Errorf("update peer endpoint %q: %w", deviceID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update peer endpoint %q: rows affected: %w", deviceID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// RemovePeer deletes one cached peer row.
func (s *Store) RemovePeer(deviceID string) error {
	result, err := s.db.Exec(`DELETE FROM peers WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", deviceID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove peer %q: rows affected: %w", deviceID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// PruneStalePeers removes cached peers not seen since the cutoff and without
// a trust record. Trusted devices are kept for direct reconnection.
func (s *Store) PruneStalePeers(cutoff int64) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM peers
		WHERE (last_seen_at IS NULL OR last_seen_at < ?)
		AND device_id NOT IN (SELECT device_id FROM trusted_devices)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune stale peers: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune stale peers: rows affected: %w", err)
	}
	return affected, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (*Peer, error) {
	var peer Peer
	var ip sql.NullString
	var port sql.NullInt64
	var seenAt sql.NullInt64

	if err := row.Scan(
		&peer.DeviceID,
		&peer.DeviceName,
		&peer.DeviceType,
		&ip,
		&port,
		&seenAt,
	); err != nil {
		return nil, err
	}

	peer.LastKnownIP = stringPtr(ip)
	peer.LastKnownPort = intPtrFromNullInt64(port)
	peer.LastSeenAt = int64Ptr(seenAt)
	return &peer, nil
}
