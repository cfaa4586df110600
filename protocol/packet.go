package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// Version is the announced protocol version.
	Version = 7
	// MinVersion is the oldest peer protocol version accepted.
	MinVersion = 5
	// MaxPacketSize is the maximum accepted serialized packet size (1 MB).
	// Bulk data never rides in the body; it uses the payload side-channel.
	MaxPacketSize = 1024 * 1024
)

const (
	// TypeIdentity announces device identity and capabilities.
	TypeIdentity = "kdeconnect.identity"
	// TypePair carries pairing requests, acceptances, and unpairs.
	TypePair = "kdeconnect.pair"
	// TypePing is the keep-alive packet exchanged on idle sessions.
	TypePing = "kdeconnect.ping"
)

var (
	// ErrEmptyType indicates a packet with a missing type string.
	ErrEmptyType = errors.New("protocol: empty packet type")
	// ErrMalformedPacket indicates undecodable packet JSON.
	ErrMalformedPacket = errors.New("protocol: malformed packet")
	// ErrTruncatedFrame indicates a frame without the terminating newline.
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
	// ErrPacketTooLarge indicates a serialized packet exceeds MaxPacketSize.
	ErrPacketTooLarge = errors.New("protocol: packet exceeds max size")
	// ErrInvalidBody indicates a body value that cannot be represented as JSON.
	ErrInvalidBody = errors.New("protocol: body is not JSON-representable")
)

// IsCodecError reports whether err belongs to the packet codec error family.
// Codec errors invalidate a single frame, never the connection.
func IsCodecError(err error) bool {
	return errors.Is(err, ErrEmptyType) ||
		errors.Is(err, ErrMalformedPacket) ||
		errors.Is(err, ErrTruncatedFrame) ||
		errors.Is(err, ErrPacketTooLarge) ||
		errors.Is(err, ErrInvalidBody)
}

// TransferInfo describes the payload side-channel for one packet.
type TransferInfo struct {
	Port uint16 `json:"port"`
}

// Packet is one wire message. Packets are immutable after construction;
// use a Builder to accumulate fields.
type Packet struct {
	ID                  int64          `json:"id"`
	Type                string         `json:"type"`
	Body                map[string]any `json:"body"`
	PayloadSize         int64          `json:"payloadSize,omitempty"`
	PayloadTransferInfo *TransferInfo  `json:"payloadTransferInfo,omitempty"`
}

// HasPayload reports whether the packet references side-channel payload data.
func (p Packet) HasPayload() bool {
	return p.PayloadSize > 0 && p.PayloadTransferInfo != nil
}

// Get returns a body field.
func (p Packet) Get(key string) (any, bool) {
	value, ok := p.Body[key]
	return value, ok
}

// GetString returns a body field as string, or fallback when absent or not a string.
func (p Packet) GetString(key, fallback string) string {
	if value, ok := p.Body[key].(string); ok {
		return value
	}
	return fallback
}

// GetBool returns a body field as bool, or fallback when absent or not a bool.
func (p Packet) GetBool(key string, fallback bool) bool {
	if value, ok := p.Body[key].(bool); ok {
		return value
	}
	return fallback
}

// Builder accumulates packet fields before a single finalize step.
type Builder struct {
	packetType   string
	body         map[string]any
	payloadSize  int64
	transferInfo *TransferInfo
}

// NewBuilder starts a packet of the given type.
func NewBuilder(packetType string) *Builder {
	return &Builder{
		packetType: packetType,
		body:       make(map[string]any),
	}
}

// Set stores one body field.
func (b *Builder) Set(key string, value any) *Builder {
	b.body[key] = value
	return b
}

// WithPayload attaches side-channel payload metadata.
func (b *Builder) WithPayload(size int64, info TransferInfo) *Builder {
	b.payloadSize = size
	infoCopy := info
	b.transferInfo = &infoCopy
	return b
}

// Build validates and finalizes the packet. Invalid packets never leave the
// builder, so the send path can assume every Packet value is encodable.
func (b *Builder) Build() (Packet, error) {
	if b.packetType == "" {
		return Packet{}, ErrEmptyType
	}
	if _, err := json.Marshal(b.body); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}

	return Packet{
		ID:                  time.Now().UnixMilli(),
		Type:                b.packetType,
		Body:                b.body,
		PayloadSize:         b.payloadSize,
		PayloadTransferInfo: b.transferInfo,
	}, nil
}

// New builds a packet of the given type with a pre-populated body.
func New(packetType string, body map[string]any) (Packet, error) {
	builder := NewBuilder(packetType)
	for key, value := range body {
		builder.Set(key, value)
	}
	return builder.Build()
}

// Marshal serializes a packet as one JSON object terminated by exactly one \n.
func Marshal(p Packet) ([]byte, error) {
	if p.Type == "" {
		return nil, ErrEmptyType
	}
	if p.Body == nil {
		p.Body = map[string]any{}
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if len(raw)+1 > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	return append(raw, '\n'), nil
}

// Unmarshal decodes one newline-terminated frame. It fails closed: a missing
// terminator, malformed JSON, or missing type surfaces a codec error rather
// than an empty packet.
func Unmarshal(frame []byte) (Packet, error) {
	if len(frame) > MaxPacketSize {
		return Packet{}, ErrPacketTooLarge
	}
	if len(frame) == 0 || frame[len(frame)-1] != '\n' {
		return Packet{}, ErrTruncatedFrame
	}

	line := bytes.TrimSuffix(frame, []byte{'\n'})
	if len(bytes.TrimSpace(line)) == 0 {
		return Packet{}, ErrTruncatedFrame
	}

	var p Packet
	if err := json.Unmarshal(line, &p); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if p.Type == "" {
		return Packet{}, ErrEmptyType
	}
	if p.Body == nil {
		p.Body = map[string]any{}
	}

	return p, nil
}

// Reader decodes a stream of newline-delimited packets.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for packet decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadPacket reads the next frame. io.EOF mid-frame is reported as a
// truncated-frame codec error; io.EOF on a frame boundary passes through.
// The size cap is enforced while accumulating, so a peer that never sends
// the terminator cannot grow the frame buffer without bound.
func (r *Reader) ReadPacket() (Packet, error) {
	var frame []byte
	for {
		chunk, err := r.r.ReadSlice('\n')
		if len(frame)+len(chunk) > MaxPacketSize {
			return Packet{}, ErrPacketTooLarge
		}
		frame = append(frame, chunk...)

		if err == nil {
			return Unmarshal(frame)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(frame) > 0 {
				return Packet{}, ErrTruncatedFrame
			}
			return Packet{}, io.EOF
		}
		return Packet{}, fmt.Errorf("read frame: %w", err)
	}
}

// WritePacket marshals and writes one packet frame.
func WritePacket(w io.Writer, p Packet) error {
	frame, err := Marshal(p)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
