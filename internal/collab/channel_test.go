package collab

import (
	"sync"
	"testing"
	"time"
)

type capturingPublisher struct {
	mu        sync.Mutex
	envelopes []EventEnvelope
}

func (p *capturingPublisher) Publish(_ CollectionID, envelope EventEnvelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, envelope)
}

func (p *capturingPublisher) published() []EventEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]EventEnvelope(nil), p.envelopes...)
}

func newTestChannel(t *testing.T, store *DocumentStore, publisher Publisher, reload func() error) *SyncChannel {
	t.Helper()
	channel, err := NewSyncChannel(SyncChannelConfig{
		Store:        store,
		ClientID:     mustClientID(t, "client-local"),
		CollectionID: "board",
		Publisher:    publisher,
		Reload:       reload,
		FlushDelay:   20 * time.Millisecond,
		FlushMax:     80 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build sync channel: %v", err)
	}
	t.Cleanup(channel.Close)
	return channel
}

func waitForNotifications(t *testing.T, counter func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if counter() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d notifications, got %d", want, counter())
}

func TestSyncChannelCoalescesRapidEventsIntoOneBatch(t *testing.T) {
	store := newTestStore()
	recordID := mustRecordID(t, "rec-1")
	seedRecord(t, store, recordID, "Widget", map[string]FieldValue{"color": "red", "qty": float64(1)})

	var mu sync.Mutex
	notifications := 0
	unsubscribe := store.Subscribe(func() {
		mu.Lock()
		notifications++
		mu.Unlock()
	})
	defer unsubscribe()

	channel := newTestChannel(t, store, nil, nil)

	channel.Receive(EventEnvelope{Origin: "client-remote", Seq: 1, Event: FieldUpdateEvent(recordID, mustFieldKey(t, "color"), "blue", "red")})
	channel.Receive(EventEnvelope{Origin: "client-remote", Seq: 2, Event: FieldUpdateEvent(recordID, mustFieldKey(t, "qty"), float64(7), float64(1))})
	channel.Receive(EventEnvelope{Origin: "client-remote", Seq: 3, Event: FieldUpdateEvent(recordID, mustFieldKey(t, "owner"), "dana", nil)})

	counter := func() int {
		mu.Lock()
		defer mu.Unlock()
		return notifications
	}
	waitForNotifications(t, counter, 1)

	time.Sleep(150 * time.Millisecond)
	if counter() != 1 {
		t.Fatalf("expected a single coalesced flush, got %d notifications", counter())
	}

	record, _ := store.Get(recordID)
	if !ValuesEqual(record.Fields["color"], "blue") || !ValuesEqual(record.Fields["qty"], float64(7)) || !ValuesEqual(record.Fields["owner"], "dana") {
		t.Fatalf("unexpected fields after flush: %v", record.Fields)
	}
}

func TestSyncChannelDropsOwnEcho(t *testing.T) {
	store := newTestStore()
	recordID := mustRecordID(t, "rec-1")
	seedRecord(t, store, recordID, "Widget", map[string]FieldValue{"color": "red"})
	channel := newTestChannel(t, store, nil, nil)

	channel.Receive(EventEnvelope{Origin: "client-local", Seq: 1, Event: FieldUpdateEvent(recordID, mustFieldKey(t, "color"), "blue", "red")})

	time.Sleep(100 * time.Millisecond)
	value, _ := store.FieldValue(recordID, mustFieldKey(t, "color"))
	if !ValuesEqual(value, "red") {
		t.Fatalf("own echo must not be applied, got %v", value)
	}
}

func TestSyncChannelDropsDuplicateSequence(t *testing.T) {
	store := newTestStore()
	recordID := mustRecordID(t, "rec-1")
	seedRecord(t, store, recordID, "Widget", map[string]FieldValue{"color": "red"})
	channel := newTestChannel(t, store, nil, nil)

	channel.Receive(EventEnvelope{Origin: "client-remote", Seq: 1, Event: FieldUpdateEvent(recordID, mustFieldKey(t, "color"), "blue", "red")})
	channel.Receive(EventEnvelope{Origin: "client-remote", Seq: 1, Event: FieldUpdateEvent(recordID, mustFieldKey(t, "color"), "green", "red")})

	time.Sleep(150 * time.Millisecond)
	value, _ := store.FieldValue(recordID, mustFieldKey(t, "color"))
	if !ValuesEqual(value, "blue") {
		t.Fatalf("duplicate sequence must be dropped, got %v", value)
	}
}

func TestSyncChannelOrderChangedTriggersReloadAndClearsQueue(t *testing.T) {
	store := newTestStore()
	recordID := mustRecordID(t, "rec-1")
	seedRecord(t, store, recordID, "Widget", map[string]FieldValue{"color": "red"})

	reloaded := make(chan struct{}, 1)
	channel := newTestChannel(t, store, nil, func() error {
		reloaded <- struct{}{}
		return nil
	})

	channel.Receive(EventEnvelope{Origin: "client-remote", Seq: 1, Event: FieldUpdateEvent(recordID, mustFieldKey(t, "color"), "blue", "red")})
	channel.Receive(EventEnvelope{Origin: "client-remote", Seq: 2, Event: OrderChangedEvent()})

	select {
	case <-reloaded:
	case <-time.After(time.Second):
		t.Fatal("expected order-changed signal to trigger a reload")
	}

	time.Sleep(150 * time.Millisecond)
	value, _ := store.FieldValue(recordID, mustFieldKey(t, "color"))
	if !ValuesEqual(value, "red") {
		t.Fatalf("queued deltas must be superseded by the reload, got %v", value)
	}
}

func TestSyncChannelPublishConfirmedSequencesEnvelopes(t *testing.T) {
	store := newTestStore()
	recordID := mustRecordID(t, "rec-1")
	publisher := &capturingPublisher{}
	channel := newTestChannel(t, store, publisher, nil)

	if err := channel.PublishConfirmed(FieldUpdateEvent(recordID, mustFieldKey(t, "color"), "blue", "red")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := channel.PublishConfirmed(RecordDeleteEvent(recordID, "Widget")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	envelopes := publisher.published()
	if len(envelopes) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(envelopes))
	}
	if envelopes[0].Origin != "client-local" || envelopes[0].Seq != 1 {
		t.Fatalf("unexpected first envelope identity: %+v", envelopes[0])
	}
	if envelopes[1].Seq != 2 {
		t.Fatalf("expected monotonically increasing sequence, got %d", envelopes[1].Seq)
	}
}

func TestSyncChannelPublishConfirmedRejectsMalformedEvent(t *testing.T) {
	store := newTestStore()
	publisher := &capturingPublisher{}
	channel := newTestChannel(t, store, publisher, nil)

	if err := channel.PublishConfirmed(ChangeEvent{Type: EventFieldUpdate}); err == nil {
		t.Fatal("expected malformed event rejection")
	}
	if len(publisher.published()) != 0 {
		t.Fatal("malformed event must not be published")
	}
}

func TestSyncChannelResyncReloads(t *testing.T) {
	store := newTestStore()
	reloaded := make(chan struct{}, 1)
	channel := newTestChannel(t, store, nil, func() error {
		reloaded <- struct{}{}
		return nil
	})

	channel.Resync()

	select {
	case <-reloaded:
	case <-time.After(time.Second):
		t.Fatal("expected resync to trigger a reload")
	}
}
