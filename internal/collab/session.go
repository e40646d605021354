package collab

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrDurableWrite indicates that a persistence bridge call was rejected. The
// local optimistic state has already been rolled back when this is returned.
var ErrDurableWrite = errors.New("collab: durable write failed")

// Bridge is the durable store contract consumed by a session. It is the only
// path to the relational store; sessions never construct SQL of their own.
type Bridge interface {
	LoadAll(ctx context.Context, collectionID CollectionID) ([]Record, error)
	Create(ctx context.Context, collectionID CollectionID, record Record) (RecordID, error)
	UpdateField(ctx context.Context, recordID RecordID, key FieldKey, value FieldValue) error
	UpdateFields(ctx context.Context, recordID RecordID, values map[string]FieldValue) error
	Delete(ctx context.Context, recordID RecordID) error
	DeleteMany(ctx context.Context, recordIDs []RecordID) error
	ShiftPositions(ctx context.Context, collectionID CollectionID, fromPosition int64, delta int64) error
	OverwriteFromSnapshot(ctx context.Context, collectionID CollectionID, records []Record) error
}

// IDProvider issues identifiers for newly created records.
type IDProvider interface {
	NewID() (string, error)
}

// SessionConfig describes the dependencies of one editing session.
type SessionConfig struct {
	Store        *DocumentStore
	Reconciler   *Reconciler
	Channel      *SyncChannel
	Bridge       Bridge
	CollectionID CollectionID
	IDProvider   IDProvider
	Logger       *zap.Logger
}

// Session is one client actor on a collection. It owns the local mutation
// flow: apply to the document store for instant feedback, persist through the
// bridge, then broadcast the confirmed delta. Remote deltas flow in through
// the sync channel, not through the session.
type Session struct {
	store      *DocumentStore
	reconciler *Reconciler
	channel    *SyncChannel
	bridge     Bridge
	collID     CollectionID
	ids        IDProvider
	logger     *zap.Logger
}

// NewSession validates the configuration and returns a Session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("collab: session requires a document store")
	}
	if cfg.Reconciler == nil {
		return nil, fmt.Errorf("collab: session requires a reconciler")
	}
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("collab: session requires a persistence bridge")
	}
	if cfg.CollectionID == "" {
		return nil, fmt.Errorf("%w: session collection id", ErrInvalidCollectionID)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Session{
		store:      cfg.Store,
		reconciler: cfg.Reconciler,
		channel:    cfg.Channel,
		bridge:     cfg.Bridge,
		collID:     cfg.CollectionID,
		ids:        cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Load replaces the document store content with the durable state. The bridge
// returns records in the shared row order, so a freshly loaded session and a
// long-running one converge on the same displayed sequence.
func (session *Session) Load(ctx context.Context) error {
	records, err := session.bridge.LoadAll(ctx, session.collID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDurableWrite, err)
	}
	session.store.Replace(records)
	return nil
}

// SetField applies one local field edit: instant store write, optimistic
// marker, durable write, then confirmed broadcast. A rejected durable write
// rolls the store back to the pre-mutation value and surfaces the error.
func (session *Session) SetField(ctx context.Context, recordID RecordID, key FieldKey, value FieldValue) error {
	previous, hadPrevious := session.store.FieldValue(recordID, key)
	if err := session.store.ApplyFieldUpdate(recordID, key, value); err != nil {
		return err
	}
	session.reconciler.Begin(recordID, key, value, previous, hadPrevious)

	if err := session.bridge.UpdateField(ctx, recordID, key, value); err != nil {
		if failErr := session.reconciler.Fail(recordID, key); failErr != nil {
			session.logger.Warn("optimistic rollback failed",
				zap.String("record_id", recordID.String()),
				zap.String("key", key.String()),
				zap.Error(failErr))
		}
		return fmt.Errorf("%w: %w", ErrDurableWrite, err)
	}

	session.reconciler.Confirm(recordID, key)
	session.broadcast(FieldUpdateEvent(recordID, key, value, previous))
	return nil
}

// SetFields applies several field edits on one record as a single atomic
// batch: one store notification, one durable call, one broadcast event.
func (session *Session) SetFields(ctx context.Context, recordID RecordID, values map[string]FieldValue) error {
	if len(values) == 0 {
		return nil
	}
	if _, ok := session.store.Get(recordID); !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}

	writes := make([]FieldWrite, 0, len(values))
	hadPrevious := make([]bool, 0, len(values))
	for rawKey, value := range values {
		key, err := NewFieldKey(rawKey)
		if err != nil {
			return err
		}
		previous, existed := session.store.FieldValue(recordID, key)
		writes = append(writes, FieldWrite{
			RecordID: recordID,
			Key:      key,
			NewValue: CopyValue(value),
			OldValue: previous,
		})
		hadPrevious = append(hadPrevious, existed)
	}

	batch := BatchFieldUpdateEvent(writes)
	if err := session.store.ApplyBatch([]ChangeEvent{batch}); err != nil {
		return err
	}
	for index, write := range writes {
		session.reconciler.Begin(write.RecordID, write.Key, write.NewValue, write.OldValue, hadPrevious[index])
	}

	if err := session.bridge.UpdateFields(ctx, recordID, values); err != nil {
		for _, write := range writes {
			if failErr := session.reconciler.Fail(write.RecordID, write.Key); failErr != nil {
				session.logger.Warn("optimistic rollback failed",
					zap.String("record_id", write.RecordID.String()),
					zap.String("key", write.Key.String()),
					zap.Error(failErr))
			}
		}
		return fmt.Errorf("%w: %w", ErrDurableWrite, err)
	}

	for _, write := range writes {
		session.reconciler.Confirm(write.RecordID, write.Key)
	}
	session.broadcast(batch)
	return nil
}

// CreateRecord inserts a new record locally and durably. With an explicit
// position the durable rows at and after it are shifted first to make room,
// and peers are told to re-derive order from the durable source; a plain
// append broadcasts the created record directly.
func (session *Session) CreateRecord(ctx context.Context, name string, fields map[string]FieldValue, position *int64) (RecordID, error) {
	rawID, err := session.newRecordID()
	if err != nil {
		return "", err
	}
	recordID, err := NewRecordID(rawID)
	if err != nil {
		return "", err
	}

	if position != nil {
		if err := session.bridge.ShiftPositions(ctx, session.collID, *position, 1); err != nil {
			return "", fmt.Errorf("%w: %w", ErrDurableWrite, err)
		}
	}
	if err := session.store.CreateRecord(recordID, name, fields, position); err != nil {
		return "", err
	}
	record, _ := session.store.Get(recordID)

	if _, err := session.bridge.Create(ctx, session.collID, record); err != nil {
		if rollbackErr := session.store.DeleteRecord(recordID); rollbackErr != nil {
			session.logger.Warn("create rollback failed",
				zap.String("record_id", recordID.String()),
				zap.Error(rollbackErr))
		}
		if position != nil {
			// Undo the shift that made room for the row that never landed.
			// Nothing was broadcast yet, so peers need no signal.
			if shiftErr := session.bridge.ShiftPositions(ctx, session.collID, *position, -1); shiftErr != nil {
				session.logger.Warn("position shift rollback failed",
					zap.String("record_id", recordID.String()),
					zap.Int64("position", *position),
					zap.Error(shiftErr))
			}
		}
		return "", fmt.Errorf("%w: %w", ErrDurableWrite, err)
	}

	if position != nil {
		// The durable shift moved rows this store never saw move. Re-derive
		// the local view the same way peers will.
		if reloaded, loadErr := session.bridge.LoadAll(ctx, session.collID); loadErr == nil {
			session.store.Replace(reloaded)
		} else {
			session.logger.Warn("post-insert reload failed",
				zap.String("record_id", recordID.String()),
				zap.Error(loadErr))
		}
		session.broadcast(OrderChangedEvent())
	} else {
		session.broadcast(RecordCreateEvent(record))
	}
	return recordID, nil
}

// DeleteRecord removes one record locally and durably.
func (session *Session) DeleteRecord(ctx context.Context, recordID RecordID) error {
	record, ok := session.store.Get(recordID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	if err := session.store.DeleteRecord(recordID); err != nil {
		return err
	}
	if err := session.bridge.Delete(ctx, recordID); err != nil {
		session.store.restoreRecord(record)
		return fmt.Errorf("%w: %w", ErrDurableWrite, err)
	}
	session.broadcast(RecordDeleteEvent(recordID, record.Name))
	return nil
}

// DeleteRecords removes several records in one durable round trip; the
// authorization cost on the durable side is amortized across the batch
// instead of repeated per record.
func (session *Session) DeleteRecords(ctx context.Context, recordIDs []RecordID) error {
	if len(recordIDs) == 0 {
		return nil
	}
	if len(recordIDs) == 1 {
		return session.DeleteRecord(ctx, recordIDs[0])
	}

	removed := make([]Record, 0, len(recordIDs))
	for _, recordID := range recordIDs {
		record, ok := session.store.Get(recordID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
		}
		removed = append(removed, record)
	}
	events := make([]ChangeEvent, 0, len(removed))
	for _, record := range removed {
		events = append(events, RecordDeleteEvent(record.ID, record.Name))
	}
	if err := session.store.ApplyBatch(events); err != nil {
		return err
	}

	if err := session.bridge.DeleteMany(ctx, recordIDs); err != nil {
		for _, record := range removed {
			session.store.restoreRecord(record)
		}
		return fmt.Errorf("%w: %w", ErrDurableWrite, err)
	}

	for _, event := range events {
		session.broadcast(event)
	}
	return nil
}

// RestoreSnapshot replaces the durable collection content and the local view
// in one step, then tells peers to reload. Used only after restoring a prior
// version, so current view and restored version are shape-identical.
func (session *Session) RestoreSnapshot(ctx context.Context, records []Record) error {
	if err := session.bridge.OverwriteFromSnapshot(ctx, session.collID, records); err != nil {
		return fmt.Errorf("%w: %w", ErrDurableWrite, err)
	}
	session.store.Replace(records)
	session.broadcast(OrderChangedEvent())
	return nil
}

// DisplayValue is the UI read path for one field: the optimistic pending
// value when a marker is live, otherwise the store's confirmed value.
func (session *Session) DisplayValue(recordID RecordID, key FieldKey) (FieldValue, bool) {
	if pending, ok := session.reconciler.PendingValue(recordID, key); ok {
		return pending, true
	}
	return session.store.FieldValue(recordID, key)
}

// Snapshot returns the ordered current records.
func (session *Session) Snapshot() []Record {
	return session.store.Snapshot()
}

func (session *Session) broadcast(event ChangeEvent) {
	if session.channel == nil {
		return
	}
	if err := session.channel.PublishConfirmed(event); err != nil {
		session.logger.Warn("confirmed broadcast failed", zap.Error(err))
	}
}

func (session *Session) newRecordID() (string, error) {
	if session.ids == nil {
		return "", fmt.Errorf("collab: session requires an id provider to create records")
	}
	return session.ids.NewID()
}
