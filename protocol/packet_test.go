package protocol

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	packet, err := NewBuilder("kdeconnect.battery").
		Set("currentCharge", 87).
		Set("isCharging", true).
		WithPayload(4096, TransferInfo{Port: 1739}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	frame, err := Marshal(packet)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if frame[len(frame)-1] != '\n' {
		t.Fatalf("frame is not newline-terminated: %q", frame)
	}
	if bytes.Count(frame, []byte{'\n'}) != 1 {
		t.Fatalf("expected exactly one newline, got %d", bytes.Count(frame, []byte{'\n'}))
	}
	if bytes.Contains(frame, []byte{'\r'}) {
		t.Fatalf("frame contains CR: %q", frame)
	}

	decoded, err := Unmarshal(frame)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.ID != packet.ID {
		t.Fatalf("unexpected id: got %d want %d", decoded.ID, packet.ID)
	}
	if decoded.Type != packet.Type {
		t.Fatalf("unexpected type: got %q want %q", decoded.Type, packet.Type)
	}
	if decoded.PayloadSize != 4096 {
		t.Fatalf("unexpected payloadSize: got %d", decoded.PayloadSize)
	}
	if decoded.PayloadTransferInfo == nil || decoded.PayloadTransferInfo.Port != 1739 {
		t.Fatalf("unexpected payloadTransferInfo: %+v", decoded.PayloadTransferInfo)
	}
	if decoded.GetBool("isCharging", false) != true {
		t.Fatalf("body isCharging lost in round trip")
	}
}

func TestBuildRejectsInvalidPackets(t *testing.T) {
	if _, err := NewBuilder("").Build(); !errors.Is(err, ErrEmptyType) {
		t.Fatalf("expected ErrEmptyType, got %v", err)
	}

	_, err := NewBuilder("kdeconnect.ping").Set("bad", func() {}).Build()
	if !errors.Is(err, ErrInvalidBody) {
		t.Fatalf("expected ErrInvalidBody for non-JSON body value, got %v", err)
	}
}

func TestUnmarshalFailsClosed(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		want  error
	}{
		{"no newline and invalid json", `{"id":1,"type"`, ErrTruncatedFrame},
		{"empty frame", "", ErrTruncatedFrame},
		{"bare newline", "\n", ErrTruncatedFrame},
		{"invalid json", "not json at all\n", ErrMalformedPacket},
		{"missing type", `{"id":5,"body":{}}` + "\n", ErrEmptyType},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			packet, err := Unmarshal([]byte(tc.frame))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !IsCodecError(err) {
				t.Fatalf("expected a codec error, got %v", err)
			}
			if packet.Type != "" {
				t.Fatalf("fail-closed decode returned a packet: %+v", packet)
			}
		})
	}
}

func TestUnmarshalRejectsOversizedFrame(t *testing.T) {
	frame := append(bytes.Repeat([]byte{'x'}, MaxPacketSize), '\n')
	if _, err := Unmarshal(frame); !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("expected ErrPacketTooLarge, got %v", err)
	}
}

func TestReaderSplitsFrames(t *testing.T) {
	first, err := New(TypePing, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	second, err := New("kdeconnect.clipboard", map[string]any{"content": "hello"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var stream bytes.Buffer
	if err := WritePacket(&stream, first); err != nil {
		t.Fatalf("WritePacket failed: %v", err)
	}
	if err := WritePacket(&stream, second); err != nil {
		t.Fatalf("WritePacket failed: %v", err)
	}

	reader := NewReader(&stream)
	got1, err := reader.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket (first) failed: %v", err)
	}
	if got1.Type != TypePing {
		t.Fatalf("unexpected first packet type: %q", got1.Type)
	}

	got2, err := reader.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket (second) failed: %v", err)
	}
	if got2.GetString("content", "") != "hello" {
		t.Fatalf("unexpected second packet body: %+v", got2.Body)
	}

	if _, err := reader.ReadPacket(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at stream end, got %v", err)
	}
}

func TestReaderReportsTruncatedTail(t *testing.T) {
	reader := NewReader(strings.NewReader(`{"id":1,"type":"kdeconnect.ping","body":{}}`))
	if _, err := reader.ReadPacket(); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame for unterminated tail, got %v", err)
	}
}

func TestReaderCapsUnterminatedStream(t *testing.T) {
	// A stream that never yields a newline must fail at the size cap
	// instead of buffering indefinitely.
	reader := NewReader(strings.NewReader(strings.Repeat("a", MaxPacketSize*2)))
	if _, err := reader.ReadPacket(); !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("expected ErrPacketTooLarge for capped stream, got %v", err)
	}
}

func TestPacketBodyAccessors(t *testing.T) {
	packet, err := New("kdeconnect.runcommand", map[string]any{
		"key":      "value",
		"canStart": true,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if got := packet.GetString("key", "fallback"); got != "value" {
		t.Fatalf("GetString returned %q", got)
	}
	if got := packet.GetString("missing", "fallback"); got != "fallback" {
		t.Fatalf("GetString fallback returned %q", got)
	}
	if !packet.GetBool("canStart", false) {
		t.Fatalf("GetBool lost the flag")
	}
	if _, ok := packet.Get("missing"); ok {
		t.Fatalf("Get reported a missing key as present")
	}
}

func TestCapabilitySet(t *testing.T) {
	set := NewCapabilitySet([]string{"kdeconnect.ping", "kdeconnect.battery", ""})
	if !set.Has("kdeconnect.ping") {
		t.Fatalf("expected ping capability")
	}
	if set.Has("kdeconnect.sms") {
		t.Fatalf("unexpected sms capability")
	}

	want := []string{"kdeconnect.battery", "kdeconnect.ping"}
	if !reflect.DeepEqual(set.List(), want) {
		t.Fatalf("unexpected list: got %v want %v", set.List(), want)
	}
}
