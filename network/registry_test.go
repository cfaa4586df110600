package network

import "testing"

// loopbackSessions establishes two independent sessions whose peer is the
// same device ID, so the registry sees them as duplicates.
func loopbackSessions(t *testing.T) (*Session, *Session) {
	t.Helper()
	idA := testIdentity("registry-local", "Local", 4242)
	idB := testIdentity("registry-peer", "Peer", 4243)
	optsA := HandshakeOptions{Identity: idA, Certificate: testCertificate(t, idA.DeviceID), Trust: newFakeTrust()}
	optsB := HandshakeOptions{Identity: idB, Certificate: testCertificate(t, idB.DeviceID), Trust: newFakeTrust()}

	first, _ := connectPair(t, optsA, optsB)
	second, _ := connectPair(t, optsA, optsB)
	return first, second
}

func TestRegistryClaimRejectsDuplicate(t *testing.T) {
	first, second := loopbackSessions(t)
	reg := NewRegistry()

	if err := reg.Claim(first); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if err := reg.Claim(second); err != ErrDuplicateSession {
		t.Fatalf("second claim error = %v, want ErrDuplicateSession", err)
	}
	got, ok := reg.Get(first.PeerDeviceID())
	if !ok || got != first {
		t.Fatalf("registry returned wrong session for %s", first.PeerDeviceID())
	}
	if reg.Len() != 1 {
		t.Fatalf("registry size = %d, want 1", reg.Len())
	}
}

func TestRegistryEvictsClosedSession(t *testing.T) {
	first, second := loopbackSessions(t)
	reg := NewRegistry()

	if err := reg.Claim(first); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	first.Close()
	<-first.Done()

	if err := reg.Claim(second); err != nil {
		t.Fatalf("claim over closed session failed: %v", err)
	}
	got, _ := reg.Get(second.PeerDeviceID())
	if got != second {
		t.Fatalf("registry did not replace closed session")
	}
}

func TestRegistryReleaseIsCompareAndDelete(t *testing.T) {
	first, second := loopbackSessions(t)
	reg := NewRegistry()

	if err := reg.Claim(first); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// Releasing a session that lost the claim race must not unregister
	// the winner.
	reg.Release(second)
	if _, ok := reg.Get(first.PeerDeviceID()); !ok {
		t.Fatalf("release of non-registered session removed the active one")
	}

	reg.Release(first)
	if _, ok := reg.Get(first.PeerDeviceID()); ok {
		t.Fatalf("session still registered after release")
	}
	if reg.Len() != 0 {
		t.Fatalf("registry size = %d, want 0", reg.Len())
	}
}
