package network

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPayloadRoundTrip(t *testing.T) {
	sender := testCertificate(t, "payload-sender")
	receiver := testCertificate(t, "payload-receiver")

	data := make([]byte, 256*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("generate payload: %v", err)
	}

	server, err := ServePayload(sender, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("serve payload: %v", err)
	}
	defer server.Close()

	info := server.TransferInfo()
	if info.Port == 0 {
		t.Fatalf("transfer info has no port")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got bytes.Buffer
	if err := ReceivePayload(ctx, "127.0.0.1", info, int64(len(data)), receiver, sender.Certificate, &got); err != nil {
		t.Fatalf("receive payload: %v", err)
	}
	if !bytes.Equal(got.Bytes(), data) {
		t.Fatalf("payload corrupted: got %d bytes", got.Len())
	}
	if err := server.Wait(ctx); err != nil {
		t.Fatalf("sender side finished with error: %v", err)
	}
}

func TestPayloadTruncatedStream(t *testing.T) {
	sender := testCertificate(t, "payload-sender")
	receiver := testCertificate(t, "payload-receiver")

	// The sender claims more bytes than its reader can provide, so the
	// receiver must see a short stream.
	short := strings.NewReader("not enough bytes")
	server, err := ServePayload(sender, short, 1024)
	if err != nil {
		t.Fatalf("serve payload: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got bytes.Buffer
	err = ReceivePayload(ctx, "127.0.0.1", server.TransferInfo(), 1024, receiver, nil, &got)
	if !errors.Is(err, ErrPayloadTruncated) {
		t.Fatalf("receive error = %v, want ErrPayloadTruncated", err)
	}
}

func TestPayloadCertificateMismatch(t *testing.T) {
	sender := testCertificate(t, "payload-sender")
	receiver := testCertificate(t, "payload-receiver")
	impostor := testCertificate(t, "payload-impostor")

	server, err := ServePayload(sender, strings.NewReader("secret"), 6)
	if err != nil {
		t.Fatalf("serve payload: %v", err)
	}
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got bytes.Buffer
	err = ReceivePayload(ctx, "127.0.0.1", server.TransferInfo(), 6, receiver, impostor.Certificate, &got)
	if !errors.Is(err, ErrTrustViolation) {
		t.Fatalf("receive error = %v, want ErrTrustViolation", err)
	}
	if got.Len() != 0 {
		t.Fatalf("payload bytes leaked on certificate mismatch")
	}
}

func TestPayloadServerCloseAborts(t *testing.T) {
	sender := testCertificate(t, "payload-sender")

	server, err := ServePayload(sender, strings.NewReader("abc"), 3)
	if err != nil {
		t.Fatalf("serve payload: %v", err)
	}
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Wait(ctx); !errors.Is(err, ErrPayloadTimeout) {
		t.Fatalf("wait error = %v, want ErrPayloadTimeout", err)
	}
}
