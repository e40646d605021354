package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeBridge struct {
	mu sync.Mutex

	loadRecords []Record
	loadErr     error

	createErr     error
	updateErr     error
	updateManyErr error
	deleteErr     error
	deleteManyErr error
	shiftErr      error
	overwriteErr  error

	created     []Record
	updates     []FieldWrite
	deleted     []RecordID
	shiftedFrom []int64
	shiftDeltas []int64
	overwritten [][]Record
}

func (b *fakeBridge) LoadAll(_ context.Context, _ CollectionID) ([]Record, error) {
	if b.loadErr != nil {
		return nil, b.loadErr
	}
	return b.loadRecords, nil
}

func (b *fakeBridge) Create(_ context.Context, _ CollectionID, record Record) (RecordID, error) {
	if b.createErr != nil {
		return "", b.createErr
	}
	b.mu.Lock()
	b.created = append(b.created, record)
	b.mu.Unlock()
	return record.ID, nil
}

func (b *fakeBridge) UpdateField(_ context.Context, recordID RecordID, key FieldKey, value FieldValue) error {
	if b.updateErr != nil {
		return b.updateErr
	}
	b.mu.Lock()
	b.updates = append(b.updates, FieldWrite{RecordID: recordID, Key: key, NewValue: value})
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) UpdateFields(_ context.Context, recordID RecordID, values map[string]FieldValue) error {
	if b.updateManyErr != nil {
		return b.updateManyErr
	}
	b.mu.Lock()
	for rawKey, value := range values {
		b.updates = append(b.updates, FieldWrite{RecordID: recordID, Key: FieldKey(rawKey), NewValue: value})
	}
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) Delete(_ context.Context, recordID RecordID) error {
	if b.deleteErr != nil {
		return b.deleteErr
	}
	b.mu.Lock()
	b.deleted = append(b.deleted, recordID)
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) DeleteMany(_ context.Context, recordIDs []RecordID) error {
	if b.deleteManyErr != nil {
		return b.deleteManyErr
	}
	b.mu.Lock()
	b.deleted = append(b.deleted, recordIDs...)
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) ShiftPositions(_ context.Context, _ CollectionID, fromPosition int64, delta int64) error {
	if b.shiftErr != nil {
		return b.shiftErr
	}
	b.mu.Lock()
	b.shiftedFrom = append(b.shiftedFrom, fromPosition)
	b.shiftDeltas = append(b.shiftDeltas, delta)
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) OverwriteFromSnapshot(_ context.Context, _ CollectionID, records []Record) error {
	if b.overwriteErr != nil {
		return b.overwriteErr
	}
	b.mu.Lock()
	b.overwritten = append(b.overwritten, records)
	b.mu.Unlock()
	return nil
}

type sequentialIDs struct {
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("rec-%d", p.next), nil
}

type sessionFixture struct {
	store     *DocumentStore
	session   *Session
	bridge    *fakeBridge
	publisher *capturingPublisher
}

func newSessionFixture(t *testing.T, bridge *fakeBridge) sessionFixture {
	t.Helper()
	store := newTestStore()
	reconciler, err := NewReconciler(ReconcilerConfig{
		Store:           store,
		ConfirmInterval: 2 * time.Millisecond,
		ConfirmAttempts: 5,
	})
	if err != nil {
		t.Fatalf("failed to build reconciler: %v", err)
	}
	publisher := &capturingPublisher{}
	channel, err := NewSyncChannel(SyncChannelConfig{
		Store:        store,
		ClientID:     mustClientID(t, "client-local"),
		CollectionID: "board",
		Publisher:    publisher,
	})
	if err != nil {
		t.Fatalf("failed to build sync channel: %v", err)
	}
	t.Cleanup(channel.Close)

	session, err := NewSession(SessionConfig{
		Store:        store,
		Reconciler:   reconciler,
		Channel:      channel,
		Bridge:       bridge,
		CollectionID: "board",
		IDProvider:   &sequentialIDs{},
	})
	if err != nil {
		t.Fatalf("failed to build session: %v", err)
	}
	return sessionFixture{store: store, session: session, bridge: bridge, publisher: publisher}
}

func TestSessionLoadReplacesStoreContent(t *testing.T) {
	bridge := &fakeBridge{loadRecords: []Record{
		{ID: "rec-2", Name: "Second", CreatedAtMillis: 200},
		{ID: "rec-1", Name: "First", CreatedAtMillis: 100},
	}}
	fixture := newSessionFixture(t, bridge)

	if err := fixture.session.Load(context.Background()); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	snapshot := fixture.session.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 records, got %d", len(snapshot))
	}
	if snapshot[0].ID != "rec-1" || snapshot[1].ID != "rec-2" {
		t.Fatalf("expected shared row order, got %s then %s", snapshot[0].ID, snapshot[1].ID)
	}
}

func TestSessionSetFieldPersistsThenBroadcasts(t *testing.T) {
	bridge := &fakeBridge{}
	fixture := newSessionFixture(t, bridge)
	recordID := mustRecordID(t, "rec-1")
	seedRecord(t, fixture.store, recordID, "Widget", map[string]FieldValue{"color": "red"})

	if err := fixture.session.SetField(context.Background(), recordID, mustFieldKey(t, "color"), "blue"); err != nil {
		t.Fatalf("set field failed: %v", err)
	}

	if len(bridge.updates) != 1 {
		t.Fatalf("expected one durable update, got %d", len(bridge.updates))
	}
	envelopes := fixture.publisher.published()
	if len(envelopes) != 1 {
		t.Fatalf("expected one broadcast envelope, got %d", len(envelopes))
	}
	if envelopes[0].Event.Type != EventFieldUpdate || !ValuesEqual(envelopes[0].Event.NewValue, "blue") {
		t.Fatalf("unexpected broadcast event: %+v", envelopes[0].Event)
	}
	value, _ := fixture.store.FieldValue(recordID, mustFieldKey(t, "color"))
	if !ValuesEqual(value, "blue") {
		t.Fatalf("expected store to hold the new value, got %v", value)
	}
}

func TestSessionSetFieldRollsBackOnDurableFailure(t *testing.T) {
	bridge := &fakeBridge{updateErr: errors.New("constraint violated")}
	fixture := newSessionFixture(t, bridge)
	recordID := mustRecordID(t, "rec-1")
	seedRecord(t, fixture.store, recordID, "Widget", map[string]FieldValue{"color": "red"})

	err := fixture.session.SetField(context.Background(), recordID, mustFieldKey(t, "color"), "blue")
	if !errors.Is(err, ErrDurableWrite) {
		t.Fatalf("expected durable write error, got %v", err)
	}

	value, _ := fixture.store.FieldValue(recordID, mustFieldKey(t, "color"))
	if !ValuesEqual(value, "red") {
		t.Fatalf("expected rollback to pre-mutation value, got %v", value)
	}
	if len(fixture.publisher.published()) != 0 {
		t.Fatal("rejected write must not be broadcast")
	}
	if _, ok := fixture.session.DisplayValue(recordID, mustFieldKey(t, "color")); !ok {
		t.Fatal("expected display value to remain readable after rollback")
	}
}

func TestSessionSetFieldRollbackRemovesFieldThatDidNotExist(t *testing.T) {
	bridge := &fakeBridge{updateErr: errors.New("constraint violated")}
	fixture := newSessionFixture(t, bridge)
	recordID := mustRecordID(t, "rec-1")
	seedRecord(t, fixture.store, recordID, "Widget", map[string]FieldValue{"qty": float64(3)})

	err := fixture.session.SetField(context.Background(), recordID, mustFieldKey(t, "color"), "red")
	if !errors.Is(err, ErrDurableWrite) {
		t.Fatalf("expected durable write error, got %v", err)
	}

	if value, ok := fixture.store.FieldValue(recordID, mustFieldKey(t, "color")); ok {
		t.Fatalf("rollback must remove a field that did not exist before, found %v", value)
	}
	record, _ := fixture.store.Get(recordID)
	if _, present := record.Fields["color"]; present {
		t.Fatal("rollback must not leave an explicit null entry behind")
	}
	value, _ := fixture.store.FieldValue(recordID, mustFieldKey(t, "qty"))
	if !ValuesEqual(value, float64(3)) {
		t.Fatalf("untouched field must survive rollback, got %v", value)
	}
}

func TestSessionSetFieldsBroadcastsSingleBatch(t *testing.T) {
	bridge := &fakeBridge{}
	fixture := newSessionFixture(t, bridge)
	recordID := mustRecordID(t, "rec-1")
	seedRecord(t, fixture.store, recordID, "Widget", map[string]FieldValue{"color": "red", "qty": float64(1)})

	values := map[string]FieldValue{"color": "blue", "qty": float64(7)}
	if err := fixture.session.SetFields(context.Background(), recordID, values); err != nil {
		t.Fatalf("set fields failed: %v", err)
	}

	envelopes := fixture.publisher.published()
	if len(envelopes) != 1 {
		t.Fatalf("expected one batch envelope, got %d", len(envelopes))
	}
	if envelopes[0].Event.Type != EventBatchFieldUpdate || len(envelopes[0].Event.Writes) != 2 {
		t.Fatalf("unexpected batch event: %+v", envelopes[0].Event)
	}
}

func TestSessionCreateRecordAppendsAndBroadcastsCreate(t *testing.T) {
	bridge := &fakeBridge{}
	fixture := newSessionFixture(t, bridge)

	recordID, err := fixture.session.CreateRecord(context.Background(), "Widget", map[string]FieldValue{"color": "red"}, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if len(bridge.created) != 1 {
		t.Fatalf("expected one durable create, got %d", len(bridge.created))
	}
	if len(bridge.shiftedFrom) != 0 {
		t.Fatal("plain append must not shift positions")
	}
	envelopes := fixture.publisher.published()
	if len(envelopes) != 1 || envelopes[0].Event.Type != EventRecordCreate {
		t.Fatalf("expected record-create broadcast, got %+v", envelopes)
	}
	if envelopes[0].Event.RecordID != recordID {
		t.Fatalf("broadcast carries wrong record id: %s", envelopes[0].Event.RecordID)
	}
}

func TestSessionCreateRecordExplicitPositionShiftsAndSignalsReorder(t *testing.T) {
	bridge := &fakeBridge{}
	fixture := newSessionFixture(t, bridge)

	position := int64(2)
	if _, err := fixture.session.CreateRecord(context.Background(), "Widget", nil, &position); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if len(bridge.shiftedFrom) != 1 || bridge.shiftedFrom[0] != 2 {
		t.Fatalf("expected positions shifted from 2, got %v", bridge.shiftedFrom)
	}
	envelopes := fixture.publisher.published()
	if len(envelopes) != 1 || envelopes[0].Event.Type != EventOrderChanged {
		t.Fatalf("expected order-changed broadcast, got %+v", envelopes)
	}
}

func TestSessionCreateRecordRollsBackOnBridgeFailure(t *testing.T) {
	bridge := &fakeBridge{createErr: errors.New("quota exceeded")}
	fixture := newSessionFixture(t, bridge)

	_, err := fixture.session.CreateRecord(context.Background(), "Widget", nil, nil)
	if !errors.Is(err, ErrDurableWrite) {
		t.Fatalf("expected durable write error, got %v", err)
	}
	if fixture.store.Len() != 0 {
		t.Fatalf("expected local create rolled back, store holds %d records", fixture.store.Len())
	}
	if len(fixture.publisher.published()) != 0 {
		t.Fatal("failed create must not be broadcast")
	}
}

func TestSessionCreateRecordFailureUndoesPositionShift(t *testing.T) {
	bridge := &fakeBridge{createErr: errors.New("quota exceeded")}
	fixture := newSessionFixture(t, bridge)

	position := int64(2)
	_, err := fixture.session.CreateRecord(context.Background(), "Widget", nil, &position)
	if !errors.Is(err, ErrDurableWrite) {
		t.Fatalf("expected durable write error, got %v", err)
	}

	if len(bridge.shiftedFrom) != 2 || bridge.shiftedFrom[0] != 2 || bridge.shiftedFrom[1] != 2 {
		t.Fatalf("expected shift and compensating shift from position 2, got %v", bridge.shiftedFrom)
	}
	if len(bridge.shiftDeltas) != 2 || bridge.shiftDeltas[0] != 1 || bridge.shiftDeltas[1] != -1 {
		t.Fatalf("expected deltas +1 then -1, got %v", bridge.shiftDeltas)
	}
	if fixture.store.Len() != 0 {
		t.Fatalf("expected local create rolled back, store holds %d records", fixture.store.Len())
	}
	if len(fixture.publisher.published()) != 0 {
		t.Fatal("failed create must not be broadcast")
	}
}

func TestSessionDeleteRecordRestoresOnBridgeFailure(t *testing.T) {
	bridge := &fakeBridge{deleteErr: errors.New("forbidden")}
	fixture := newSessionFixture(t, bridge)
	recordID := mustRecordID(t, "rec-1")
	seedRecord(t, fixture.store, recordID, "Widget", map[string]FieldValue{"color": "red"})
	before, _ := fixture.store.Get(recordID)

	err := fixture.session.DeleteRecord(context.Background(), recordID)
	if !errors.Is(err, ErrDurableWrite) {
		t.Fatalf("expected durable write error, got %v", err)
	}

	restored, ok := fixture.store.Get(recordID)
	if !ok {
		t.Fatal("expected record restored after failed delete")
	}
	if restored.CreatedAtMillis != before.CreatedAtMillis {
		t.Fatalf("restore must keep original metadata: got %d, want %d", restored.CreatedAtMillis, before.CreatedAtMillis)
	}
}

func TestSessionDeleteRecordsUsesSingleDurableCall(t *testing.T) {
	bridge := &fakeBridge{}
	fixture := newSessionFixture(t, bridge)
	first := mustRecordID(t, "rec-1")
	second := mustRecordID(t, "rec-2")
	seedRecord(t, fixture.store, first, "One", nil)
	seedRecord(t, fixture.store, second, "Two", nil)

	if err := fixture.session.DeleteRecords(context.Background(), []RecordID{first, second}); err != nil {
		t.Fatalf("batch delete failed: %v", err)
	}

	if fixture.store.Len() != 0 {
		t.Fatalf("expected empty store, got %d records", fixture.store.Len())
	}
	if len(bridge.deleted) != 2 {
		t.Fatalf("expected both ids in one durable call, got %v", bridge.deleted)
	}
	envelopes := fixture.publisher.published()
	if len(envelopes) != 2 {
		t.Fatalf("expected a delete broadcast per record, got %d", len(envelopes))
	}
}

func TestSessionRestoreSnapshotOverwritesAndSignalsReorder(t *testing.T) {
	bridge := &fakeBridge{}
	fixture := newSessionFixture(t, bridge)
	seedRecord(t, fixture.store, mustRecordID(t, "rec-old"), "Old", nil)

	snapshot := []Record{{ID: "rec-new", Name: "New", CreatedAtMillis: 100}}
	if err := fixture.session.RestoreSnapshot(context.Background(), snapshot); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	if len(bridge.overwritten) != 1 {
		t.Fatalf("expected one durable overwrite, got %d", len(bridge.overwritten))
	}
	if _, ok := fixture.store.Get(mustRecordID(t, "rec-old")); ok {
		t.Fatal("expected prior content to be gone")
	}
	if _, ok := fixture.store.Get(mustRecordID(t, "rec-new")); !ok {
		t.Fatal("expected restored content to be present")
	}
	envelopes := fixture.publisher.published()
	if len(envelopes) != 1 || envelopes[0].Event.Type != EventOrderChanged {
		t.Fatalf("expected order-changed broadcast, got %+v", envelopes)
	}
}

func TestSessionDisplayValuePrefersPendingMarker(t *testing.T) {
	bridge := &fakeBridge{}
	fixture := newSessionFixture(t, bridge)
	recordID := mustRecordID(t, "rec-1")
	key := mustFieldKey(t, "color")
	seedRecord(t, fixture.store, recordID, "Widget", map[string]FieldValue{"color": "red"})

	reconciler := newTestReconciler(t, fixture.store)
	session, err := NewSession(SessionConfig{
		Store:        fixture.store,
		Reconciler:   reconciler,
		Bridge:       bridge,
		CollectionID: "board",
	})
	if err != nil {
		t.Fatalf("failed to build session: %v", err)
	}

	reconciler.Begin(recordID, key, "blue", "red", true)
	value, ok := session.DisplayValue(recordID, key)
	if !ok || !ValuesEqual(value, "blue") {
		t.Fatalf("expected pending value preferred, got %v", value)
	}

	if err := reconciler.Fail(recordID, key); err != nil {
		t.Fatalf("fail returned error: %v", err)
	}
	value, ok = session.DisplayValue(recordID, key)
	if !ok || !ValuesEqual(value, "red") {
		t.Fatalf("expected confirmed value after marker removal, got %v", value)
	}
}
