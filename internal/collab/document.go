package collab

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NameFieldKey is the reserved field key backing the record's name. Writes to
// it go to the record's first-class Name, not into the field map.
const NameFieldKey = "name"

var noOpLogger = zap.NewNop()

// DocumentStoreConfig describes the inputs required to build a DocumentStore.
type DocumentStoreConfig struct {
	Clock  func() time.Time
	Logger *zap.Logger
}

// DocumentStore holds the authoritative in-memory shared state: an arena of
// records, each owning a flat field map. All mutation goes through the
// transactional API below; all reads return copies, all writes take values by
// copy, so no caller ever aliases store internals.
type DocumentStore struct {
	mu          sync.RWMutex
	records     map[RecordID]*Record
	subscribers map[int64]func()
	nextSubID   int64
	clock       func() time.Time
	logger      *zap.Logger
}

// NewDocumentStore constructs an empty DocumentStore.
func NewDocumentStore(cfg DocumentStoreConfig) *DocumentStore {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &DocumentStore{
		records:     make(map[RecordID]*Record),
		subscribers: make(map[int64]func()),
		clock:       clock,
		logger:      logger,
	}
}

// Subscribe registers a callback invoked once per applied mutation or batch.
// The returned handle unsubscribes. Between two consecutive notifications the
// store state is always self-consistent; no partial batch is ever observable.
func (store *DocumentStore) Subscribe(callback func()) func() {
	store.mu.Lock()
	store.nextSubID++
	id := store.nextSubID
	store.subscribers[id] = callback
	store.mu.Unlock()
	return func() {
		store.mu.Lock()
		delete(store.subscribers, id)
		store.mu.Unlock()
	}
}

// ApplyFieldUpdate sets fields[key] on an existing record. The value is
// deep-copied on write. When the stored value already equals the new value
// under structural comparison the write is skipped, but subscribers are still
// notified so duplicate deliveries stay harmless.
func (store *DocumentStore) ApplyFieldUpdate(recordID RecordID, key FieldKey, value FieldValue) error {
	store.mu.Lock()
	record, ok := store.records[recordID]
	if !ok {
		store.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	store.writeFieldLocked(record, key, value)
	store.mu.Unlock()

	store.notify()
	return nil
}

// ApplyBatch applies a list of change events as one atomic transaction: all
// events are applied under a single critical section and subscribers are
// notified exactly once afterwards. This exists specifically to prevent
// visible flicker when many fields change together.
func (store *DocumentStore) ApplyBatch(events []ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	for _, event := range events {
		if err := event.Validate(); err != nil {
			return err
		}
	}

	store.mu.Lock()
	for _, event := range events {
		store.applyEventLocked(event)
	}
	store.mu.Unlock()

	store.notify()
	return nil
}

// CreateRecord inserts a new record. When position is nil the record is
// assigned the next integer after the current maximum explicit position.
func (store *DocumentStore) CreateRecord(recordID RecordID, name string, fields map[string]FieldValue, position *int64) error {
	store.mu.Lock()
	if _, ok := store.records[recordID]; ok {
		store.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRecordExists, recordID)
	}
	assigned := position
	if assigned == nil {
		assigned = positionValue(store.maxPositionLocked() + 1)
	} else {
		assigned = positionValue(*position)
	}
	record := &Record{
		ID:              recordID,
		Name:            name,
		Fields:          make(map[string]FieldValue, len(fields)),
		CreatedAtMillis: store.clock().UTC().UnixMilli(),
		Position:        assigned,
	}
	for key, value := range fields {
		record.Fields[key] = CopyValue(value)
	}
	store.records[recordID] = record
	store.mu.Unlock()

	store.notify()
	return nil
}

// DeleteRecord removes the record entirely. Deletion is immediate and final;
// the store keeps no tombstones because the durable store owns deletion
// authority.
func (store *DocumentStore) DeleteRecord(recordID RecordID) error {
	store.mu.Lock()
	if _, ok := store.records[recordID]; !ok {
		store.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	delete(store.records, recordID)
	store.mu.Unlock()

	store.notify()
	return nil
}

// removeField drops one field entry entirely. Rollback paths use it when the
// failed write introduced a key that did not exist before the mutation.
func (store *DocumentStore) removeField(recordID RecordID, key FieldKey) error {
	store.mu.Lock()
	record, ok := store.records[recordID]
	if !ok {
		store.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	delete(record.Fields, key.String())
	store.mu.Unlock()

	store.notify()
	return nil
}

// restoreRecord re-inserts a record with its original metadata. Rollback
// paths use it after a failed durable delete; CreateRecord would assign a
// fresh createdAt and position.
func (store *DocumentStore) restoreRecord(record Record) {
	cloned := record.Clone()
	store.mu.Lock()
	store.records[cloned.ID] = &cloned
	store.mu.Unlock()

	store.notify()
}

// Replace swaps the entire store content in one atomic step and notifies
// subscribers once. Used for full reloads and snapshot restores so the
// current view and the durable source are shape-identical, never a diff.
func (store *DocumentStore) Replace(records []Record) {
	replacement := make(map[RecordID]*Record, len(records))
	for _, record := range records {
		cloned := record.Clone()
		replacement[cloned.ID] = &cloned
	}

	store.mu.Lock()
	store.records = replacement
	store.mu.Unlock()

	store.notify()
}

// Snapshot returns the current records as deep copies in the shared row
// order.
func (store *DocumentStore) Snapshot() []Record {
	store.mu.RLock()
	records := make([]Record, 0, len(store.records))
	for _, record := range store.records {
		records = append(records, record.Clone())
	}
	store.mu.RUnlock()

	SortRecords(records)
	return records
}

// Get returns a deep copy of one record.
func (store *DocumentStore) Get(recordID RecordID) (Record, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	record, ok := store.records[recordID]
	if !ok {
		return Record{}, false
	}
	return record.Clone(), true
}

// FieldValue returns a deep copy of one field's current value. The reserved
// name key reads the record's first-class name.
func (store *DocumentStore) FieldValue(recordID RecordID, key FieldKey) (FieldValue, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	record, ok := store.records[recordID]
	if !ok {
		return nil, false
	}
	if key.String() == NameFieldKey {
		return record.Name, true
	}
	value, ok := record.Fields[key.String()]
	if !ok {
		return nil, false
	}
	return CopyValue(value), true
}

// Len reports the number of records currently held.
func (store *DocumentStore) Len() int {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return len(store.records)
}

func (store *DocumentStore) maxPositionLocked() int64 {
	var highest int64
	for _, record := range store.records {
		if record.Position != nil && *record.Position > highest {
			highest = *record.Position
		}
	}
	return highest
}

// writeFieldLocked applies one field write with the structural-equality gate.
// The reserved name key only accepts strings; a non-string name write is
// dropped outright, never stored as a shadowed field entry.
func (store *DocumentStore) writeFieldLocked(record *Record, key FieldKey, value FieldValue) {
	if key.String() == NameFieldKey {
		name, ok := value.(string)
		if !ok {
			store.logger.Debug("non-string name write dropped",
				zap.String("record_id", record.ID.String()))
			return
		}
		record.Name = name
		return
	}
	current, exists := record.Fields[key.String()]
	if exists && ValuesEqual(current, value) {
		return
	}
	if record.Fields == nil {
		record.Fields = make(map[string]FieldValue)
	}
	record.Fields[key.String()] = CopyValue(value)
}

// applyEventLocked applies one remote change event. Events targeting records
// the store no longer has are dropped: superseded deliveries are an expected
// concurrent-edit condition, not an error.
func (store *DocumentStore) applyEventLocked(event ChangeEvent) {
	switch event.Type {
	case EventFieldUpdate:
		record, ok := store.records[event.RecordID]
		if !ok {
			store.logger.Debug("field update for absent record dropped",
				zap.String("record_id", event.RecordID.String()),
				zap.String("key", event.Key.String()))
			return
		}
		store.writeFieldLocked(record, event.Key, event.NewValue)
	case EventRecordCreate:
		if _, ok := store.records[event.RecordID]; ok {
			return
		}
		createdAt := event.CreatedAtMillis
		if createdAt == 0 {
			createdAt = store.clock().UTC().UnixMilli()
		}
		record := &Record{
			ID:              event.RecordID,
			Name:            event.Name,
			Fields:          make(map[string]FieldValue, len(event.Fields)),
			CreatedAtMillis: createdAt,
		}
		if event.Position != nil {
			record.Position = positionValue(*event.Position)
		}
		for key, value := range event.Fields {
			record.Fields[key] = CopyValue(value)
		}
		store.records[event.RecordID] = record
	case EventRecordDelete:
		delete(store.records, event.RecordID)
	case EventBatchFieldUpdate:
		for _, write := range event.Writes {
			record, ok := store.records[write.RecordID]
			if !ok {
				continue
			}
			store.writeFieldLocked(record, write.Key, write.NewValue)
		}
	case EventOrderChanged:
		// Carried through the sync channel, which answers it with a full
		// reload. Nothing to apply locally.
	}
}

func (store *DocumentStore) notify() {
	store.mu.RLock()
	callbacks := make([]func(), 0, len(store.subscribers))
	for _, callback := range store.subscribers {
		callbacks = append(callbacks, callback)
	}
	store.mu.RUnlock()

	for _, callback := range callbacks {
		callback()
	}
}
