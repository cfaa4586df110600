package storage

import (
	"errors"
	"testing"
)

func TestPeerCacheUpsertAndGet(t *testing.T) {
	store := newTestStore(t)

	ip := "192.168.1.23"
	port := 1716
	seen := nowUnixMilli()

	peer := Peer{
		DeviceID:      "peer-1",
		DeviceName:    "Alice Phone",
		DeviceType:    "phone",
		LastKnownIP:   &ip,
		LastKnownPort: &port,
		LastSeenAt:    &seen,
	}
	if err := store.UpsertPeer(peer); err != nil {
		t.Fatalf("UpsertPeer failed: %v", err)
	}

	got, err := store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.DeviceName != "Alice Phone" {
		t.Fatalf("unexpected device name: %q", got.DeviceName)
	}
	if got.LastKnownIP == nil || *got.LastKnownIP != ip {
		t.Fatalf("unexpected last_known_ip: %+v", got.LastKnownIP)
	}

	// Refresh with a rename; absent endpoint fields must be preserved.
	if err := store.UpsertPeer(Peer{
		DeviceID:   "peer-1",
		DeviceName: "Alice New Phone",
		DeviceType: "phone",
	}); err != nil {
		t.Fatalf("UpsertPeer (refresh) failed: %v", err)
	}

	got, err = store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer after refresh failed: %v", err)
	}
	if got.DeviceName != "Alice New Phone" {
		t.Fatalf("rename not applied: %q", got.DeviceName)
	}
	if got.LastKnownIP == nil || *got.LastKnownIP != ip {
		t.Fatalf("endpoint lost on refresh: %+v", got.LastKnownIP)
	}
	if got.LastKnownPort == nil || *got.LastKnownPort != port {
		t.Fatalf("port lost on refresh: %+v", got.LastKnownPort)
	}
}

func TestUpdatePeerEndpoint(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertPeer(Peer{DeviceID: "peer-1", DeviceName: "Alice", DeviceType: "phone"}); err != nil {
		t.Fatalf("UpsertPeer failed: %v", err)
	}

	seen := nowUnixMilli()
	if err := store.UpdatePeerEndpoint("peer-1", "10.0.0.9", 1717, seen); err != nil {
		t.Fatalf("UpdatePeerEndpoint failed: %v", err)
	}

	got, err := store.GetPeer("peer-1")
	if err != nil {
		t.Fatalf("GetPeer failed: %v", err)
	}
	if got.LastKnownIP == nil || *got.LastKnownIP != "10.0.0.9" {
		t.Fatalf("unexpected ip: %+v", got.LastKnownIP)
	}
	if got.LastKnownPort == nil || *got.LastKnownPort != 1717 {
		t.Fatalf("unexpected port: %+v", got.LastKnownPort)
	}

	if err := store.UpdatePeerEndpoint("missing", "10.0.0.9", 1717, seen); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown peer, got %v", err)
	}
}

func TestPruneStalePeersKeepsTrustedDevices(t *testing.T) {
	store := newTestStore(t)

	old := nowUnixMilli() - 10_000
	recent := nowUnixMilli()

	for _, peer := range []Peer{
		{DeviceID: "stale-1", DeviceName: "Stale", DeviceType: "phone", LastSeenAt: &old},
		{DeviceID: "trusted-1", DeviceName: "Trusted", DeviceType: "laptop", LastSeenAt: &old},
		{DeviceID: "fresh-1", DeviceName: "Fresh", DeviceType: "tv", LastSeenAt: &recent},
	} {
		if err := store.UpsertPeer(peer); err != nil {
			t.Fatalf("UpsertPeer %q failed: %v", peer.DeviceID, err)
		}
	}
	mustTrustDevice(t, store, "trusted-1", "Trusted", []byte("cert"))

	pruned, err := store.PruneStalePeers(nowUnixMilli() - 5_000)
	if err != nil {
		t.Fatalf("PruneStalePeers failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned peer, got %d", pruned)
	}

	if _, err := store.GetPeer("stale-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale peer should be pruned, got %v", err)
	}
	if _, err := store.GetPeer("trusted-1"); err != nil {
		t.Fatalf("trusted peer must survive pruning: %v", err)
	}
	if _, err := store.GetPeer("fresh-1"); err != nil {
		t.Fatalf("fresh peer must survive pruning: %v", err)
	}
}
