package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetSecurityEventRetention configures automatic security-event pruning horizon.
func (s *Store) SetSecurityEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention = retention
}

// LogSecurityEvent inserts a structured security event and applies retention pruning.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var peerDeviceID *string
	if event.PeerDeviceID != nil {
		trimmed := strings.TrimSpace(*event.PeerDeviceID)
		if trimmed != "" {
			peerDeviceID = &trimmed
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (
			event_type,
			peer_device_id,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(peerDeviceID),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	if s.securityEventRetention > 0 {
		cutoff := time.Now().Add(-s.securityEventRetention).UnixMilli()
		if _, err := s.PruneSecurityEvents(cutoff); err != nil {
			return fmt.Errorf("prune security events: %w", err)
		}
	}

	return nil
}

// GetSecurityEvents returns recent security events with optional filtering.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	query := strings.Builder{}
	query.WriteString(
		`SELECT id, event_type, peer_device_id, details, severity, timestamp
		FROM security_events`,
	)

	conditions := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if filter.EventType != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.PeerDeviceID != "" {
		conditions = append(conditions, "peer_device_id = ?")
		args = append(args, filter.PeerDeviceID)
	}
	if filter.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(conditions) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(conditions, " AND "))
	}

	query.WriteString(" ORDER BY timestamp DESC, id DESC")

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query.WriteString(" LIMIT ?")
	args = append(args, limit)
	if filter.Offset > 0 {
		query.WriteString(" OFFSET ?")
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query security events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		var event SecurityEvent
		var peerDeviceID *string
		if err := rows.Scan(
			&event.ID,
			&event.EventType,
			&peerDeviceID,
			&event.Details,
			&event.Severity,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		event.PeerDeviceID = peerDeviceID
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security events: %w", err)
	}

	return events, nil
}

// PruneSecurityEvents deletes events older than the cutoff timestamp.
func (s *Store) PruneSecurityEvents(cutoff int64) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune security events: rows affected: %w", err)
	}
	return affected, nil
}
