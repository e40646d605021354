package collab

import (
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.Unix(1700000000, 0).UTC()
}

func mustRecordID(t *testing.T, raw string) RecordID {
	t.Helper()
	recordID, err := NewRecordID(raw)
	if err != nil {
		t.Fatalf("failed to build record id %q: %v", raw, err)
	}
	return recordID
}

func mustFieldKey(t *testing.T, raw string) FieldKey {
	t.Helper()
	key, err := NewFieldKey(raw)
	if err != nil {
		t.Fatalf("failed to build field key %q: %v", raw, err)
	}
	return key
}

func mustClientID(t *testing.T, raw string) ClientID {
	t.Helper()
	clientID, err := NewClientID(raw)
	if err != nil {
		t.Fatalf("failed to build client id %q: %v", raw, err)
	}
	return clientID
}

func newTestStore() *DocumentStore {
	return NewDocumentStore(DocumentStoreConfig{Clock: fixedClock})
}

func seedRecord(t *testing.T, store *DocumentStore, recordID RecordID, name string, fields map[string]FieldValue) {
	t.Helper()
	if err := store.CreateRecord(recordID, name, fields, nil); err != nil {
		t.Fatalf("failed to seed record %s: %v", recordID, err)
	}
}

func awaitState(t *testing.T, outcome <-chan MarkerState, want MarkerState) {
	t.Helper()
	select {
	case state := <-outcome:
		if state != want {
			t.Fatalf("unexpected marker state: got %s, want %s", state, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for marker state %s", want)
	}
}
