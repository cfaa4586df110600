package protocol

import (
	"errors"
	"fmt"
	"sort"
)

// DeviceType classifies the local or remote host.
type DeviceType string

const (
	DeviceTypePhone   DeviceType = "phone"
	DeviceTypeTablet  DeviceType = "tablet"
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeLaptop  DeviceType = "laptop"
	DeviceTypeTV      DeviceType = "tv"
)

// Valid reports whether the device type is one of the known classes.
func (t DeviceType) Valid() bool {
	switch t {
	case DeviceTypePhone, DeviceTypeTablet, DeviceTypeDesktop, DeviceTypeLaptop, DeviceTypeTV:
		return true
	}
	return false
}

var (
	// ErrNotIdentity indicates a packet that is not kdeconnect.identity.
	ErrNotIdentity = errors.New("protocol: packet is not an identity packet")
	// ErrInvalidIdentity indicates an identity body missing required fields.
	ErrInvalidIdentity = errors.New("protocol: invalid identity")
)

// Identity is the self-description every instance announces: stable id,
// display name, device class, protocol version, and the packet types it is
// willing to receive (incoming) and send (outgoing).
type Identity struct {
	DeviceID             string
	DeviceName           string
	DeviceType           DeviceType
	ProtocolVersion      int
	TCPPort              uint16
	IncomingCapabilities []string
	OutgoingCapabilities []string
}

// Validate checks required identity fields.
func (id Identity) Validate() error {
	if id.DeviceID == "" {
		return fmt.Errorf("%w: missing deviceId", ErrInvalidIdentity)
	}
	if id.DeviceName == "" {
		return fmt.Errorf("%w: missing deviceName", ErrInvalidIdentity)
	}
	if !id.DeviceType.Valid() {
		return fmt.Errorf("%w: unknown deviceType %q", ErrInvalidIdentity, id.DeviceType)
	}
	if id.ProtocolVersion <= 0 {
		return fmt.Errorf("%w: missing protocolVersion", ErrInvalidIdentity)
	}
	return nil
}

// NewIdentityPacket builds a kdeconnect.identity packet from an Identity.
func NewIdentityPacket(id Identity) (Packet, error) {
	if err := id.Validate(); err != nil {
		return Packet{}, err
	}

	incoming := append([]string(nil), id.IncomingCapabilities...)
	outgoing := append([]string(nil), id.OutgoingCapabilities...)
	sort.Strings(incoming)
	sort.Strings(outgoing)

	builder := NewBuilder(TypeIdentity).
		Set("deviceId", id.DeviceID).
		Set("deviceName", id.DeviceName).
		Set("deviceType", string(id.DeviceType)).
		Set("protocolVersion", id.ProtocolVersion).
		Set("incomingCapabilities", incoming).
		Set("outgoingCapabilities", outgoing)
	if id.TCPPort > 0 {
		builder.Set("tcpPort", int(id.TCPPort))
	}
	return builder.Build()
}

// ParseIdentity extracts and validates the Identity from an identity packet.
func ParseIdentity(p Packet) (Identity, error) {
	if p.Type != TypeIdentity {
		return Identity{}, ErrNotIdentity
	}

	port := bodyInt(p, "tcpPort")
	if port < 0 || port > 65535 {
		return Identity{}, fmt.Errorf("%w: tcpPort %d out of range", ErrInvalidIdentity, port)
	}

	id := Identity{
		DeviceID:             p.GetString("deviceId", ""),
		DeviceName:           p.GetString("deviceName", ""),
		DeviceType:           DeviceType(p.GetString("deviceType", "")),
		ProtocolVersion:      bodyInt(p, "protocolVersion"),
		TCPPort:              uint16(port),
		IncomingCapabilities: bodyStrings(p, "incomingCapabilities"),
		OutgoingCapabilities: bodyStrings(p, "outgoingCapabilities"),
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// NewPairPacket builds a kdeconnect.pair packet. pair=true requests or
// accepts pairing; pair=false rejects or unpairs.
func NewPairPacket(pair bool) (Packet, error) {
	return NewBuilder(TypePair).Set("pair", pair).Build()
}

// ParsePair extracts the pair flag from a kdeconnect.pair packet.
func ParsePair(p Packet) (bool, error) {
	if p.Type != TypePair {
		return false, fmt.Errorf("%w: got %q", ErrMalformedPacket, p.Type)
	}
	value, ok := p.Body["pair"].(bool)
	if !ok {
		return false, fmt.Errorf("%w: pair body missing boolean pair field", ErrMalformedPacket)
	}
	return value, nil
}

func bodyInt(p Packet, key string) int {
	switch value := p.Body[key].(type) {
	case float64:
		return int(value)
	case int:
		return value
	}
	return 0
}

func bodyStrings(p Packet, key string) []string {
	raw, ok := p.Body[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		if text, ok := entry.(string); ok {
			out = append(out, text)
		}
	}
	return out
}

// CapabilitySet is a set of packet type strings a device advertises.
type CapabilitySet map[string]struct{}

// NewCapabilitySet builds a set from a capability list.
func NewCapabilitySet(types []string) CapabilitySet {
	out := make(CapabilitySet, len(types))
	for _, t := range types {
		if t == "" {
			continue
		}
		out[t] = struct{}{}
	}
	return out
}

// Has reports whether the set contains a packet type.
func (s CapabilitySet) Has(packetType string) bool {
	_, ok := s[packetType]
	return ok
}

// List returns the sorted capability list.
func (s CapabilitySet) List() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
