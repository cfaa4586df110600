package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustTrustDevice(t *testing.T, store *Store, deviceID, name string, cert []byte) {
	t.Helper()

	err := store.AddTrustedDevice(TrustedDevice{
		DeviceID:               deviceID,
		DeviceName:             name,
		DeviceType:             "phone",
		CertificateFingerprint: "fingerprint-" + deviceID,
		Certificate:            cert,
		PairedAt:               nowUnixMilli(),
	})
	if err != nil {
		t.Fatalf("trust device %q: %v", deviceID, err)
	}
}
