package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tabulahq/tabula/backend/internal/collab"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrRowNotFound indicates that a durable mutation targeted a missing record.
	ErrRowNotFound = errors.New("records: row not found")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opLoadAll        = "records.load_all"
	opCreate         = "records.create"
	opUpdateField    = "records.update_field"
	opUpdateFields   = "records.update_fields"
	opDeleteMany     = "records.delete_many"
	opShiftPositions = "records.shift_positions"
	opOverwrite      = "records.overwrite_from_snapshot"

	queryRecordID      = "record_id = ?"
	queryRecordIDIn    = "record_id IN ?"
	queryCollectionID  = "collection_id = ?"
	orderCollectionRow = "(position IS NULL) ASC, position ASC, created_at_ms ASC, record_id ASC"
)

// StoreError carries an operation.reason code alongside its cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies required to build a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the persistence bridge: the only component allowed to read and
// write the durable copy of the shared table. It converts durable rows into
// collab records and back.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError("records.store.new", "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// LoadAll fetches every record of a collection and its field values in one
// pass, ordered identically to the in-memory row order comparator so freshly
// loaded and long-running clients display the same sequence.
func (store *Store) LoadAll(ctx context.Context, collectionID collab.CollectionID) ([]collab.Record, error) {
	var rows []Row
	if err := store.db.WithContext(ctx).
		Where(queryCollectionID, collectionID.String()).
		Order(orderCollectionRow).
		Find(&rows).Error; err != nil {
		store.logError(opLoadAll, "row_query_failed", err, zap.String("collection_id", collectionID.String()))
		return nil, newStoreError(opLoadAll, "row_query_failed", err)
	}
	if len(rows) == 0 {
		return []collab.Record{}, nil
	}

	recordIDs := make([]string, 0, len(rows))
	for _, row := range rows {
		recordIDs = append(recordIDs, row.RecordID)
	}
	var fields []RowField
	if err := store.db.WithContext(ctx).
		Where(queryRecordIDIn, recordIDs).
		Find(&fields).Error; err != nil {
		store.logError(opLoadAll, "field_query_failed", err, zap.String("collection_id", collectionID.String()))
		return nil, newStoreError(opLoadAll, "field_query_failed", err)
	}

	fieldsByRecord := make(map[string]map[string]collab.FieldValue, len(rows))
	for _, field := range fields {
		var value collab.FieldValue
		if err := json.Unmarshal([]byte(field.ValueJSON), &value); err != nil {
			store.logError(opLoadAll, "field_decode_failed", err,
				zap.String("record_id", field.RecordID),
				zap.String("field_key", field.FieldKey))
			return nil, newStoreError(opLoadAll, "field_decode_failed", err)
		}
		if fieldsByRecord[field.RecordID] == nil {
			fieldsByRecord[field.RecordID] = make(map[string]collab.FieldValue)
		}
		fieldsByRecord[field.RecordID][field.FieldKey] = value
	}

	loaded := make([]collab.Record, 0, len(rows))
	for _, row := range rows {
		recordID, err := collab.NewRecordID(row.RecordID)
		if err != nil {
			store.logError(opLoadAll, "record_id_invalid", err, zap.String("record_id", row.RecordID))
			return nil, newStoreError(opLoadAll, "record_id_invalid", err)
		}
		fieldMap := fieldsByRecord[row.RecordID]
		if fieldMap == nil {
			fieldMap = make(map[string]collab.FieldValue)
		}
		record := collab.Record{
			ID:              recordID,
			Name:            row.Name,
			Fields:          fieldMap,
			CreatedAtMillis: row.CreatedAtMillis,
		}
		if row.Position != nil {
			position := *row.Position
			record.Position = &position
		}
		loaded = append(loaded, record)
	}
	return loaded, nil
}

// Create writes a new durable row plus its field values in one transaction.
// A record whose field values cannot be retrieved is a worse failure mode
// than no record at all, so a failed field write rolls the row insert back.
func (store *Store) Create(ctx context.Context, collectionID collab.CollectionID, record collab.Record) (collab.RecordID, error) {
	if record.ID == "" {
		err := fmt.Errorf("%w: empty record id", collab.ErrInvalidRecordID)
		return "", newStoreError(opCreate, "record_id_invalid", err)
	}
	createdAt := record.CreatedAtMillis
	if createdAt == 0 {
		createdAt = store.clock().UTC().UnixMilli()
	}

	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := Row{
			RecordID:        record.ID.String(),
			CollectionID:    collectionID.String(),
			Name:            record.Name,
			CreatedAtMillis: createdAt,
		}
		if record.Position != nil {
			position := *record.Position
			row.Position = &position
		}
		if err := tx.Create(&row).Error; err != nil {
			return newStoreError(opCreate, "row_insert_failed", err)
		}
		for key, value := range record.Fields {
			field, err := encodeField(record.ID.String(), key, value)
			if err != nil {
				return newStoreError(opCreate, "field_encode_failed", err)
			}
			if err := tx.Create(&field).Error; err != nil {
				return newStoreError(opCreate, "field_insert_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		store.logError(opCreate, "transaction_failed", txErr,
			zap.String("collection_id", collectionID.String()),
			zap.String("record_id", record.ID.String()))
		return "", txErr
	}
	return record.ID, nil
}

// UpdateField writes one field value. Writes to the reserved name key update
// the row's name column instead of the field table.
func (store *Store) UpdateField(ctx context.Context, recordID collab.RecordID, key collab.FieldKey, value collab.FieldValue) error {
	return store.updateFieldWith(store.db.WithContext(ctx), opUpdateField, recordID, key, value)
}

// UpdateFields writes several field values of one record in one transaction.
func (store *Store) UpdateFields(ctx context.Context, recordID collab.RecordID, values map[string]collab.FieldValue) error {
	if len(values) == 0 {
		return nil
	}
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for rawKey, value := range values {
			key, err := collab.NewFieldKey(rawKey)
			if err != nil {
				return newStoreError(opUpdateFields, "field_key_invalid", err)
			}
			if err := store.updateFieldWith(tx, opUpdateFields, recordID, key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes one record and its field values.
func (store *Store) Delete(ctx context.Context, recordID collab.RecordID) error {
	return store.DeleteMany(ctx, []collab.RecordID{recordID})
}

// DeleteMany removes several records in one transaction. Preferred over N
// sequential deletes: fewer round trips, and the caller's authorization check
// is amortized across the batch.
func (store *Store) DeleteMany(ctx context.Context, recordIDs []collab.RecordID) error {
	if len(recordIDs) == 0 {
		return nil
	}
	raw := make([]string, 0, len(recordIDs))
	for _, recordID := range recordIDs {
		raw = append(raw, recordID.String())
	}
	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(queryRecordIDIn, raw).Delete(&RowField{}).Error; err != nil {
			return newStoreError(opDeleteMany, "field_delete_failed", err)
		}
		result := tx.Where(queryRecordIDIn, raw).Delete(&Row{})
		if result.Error != nil {
			return newStoreError(opDeleteMany, "row_delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newStoreError(opDeleteMany, "row_missing", ErrRowNotFound)
		}
		return nil
	})
	if txErr != nil {
		store.logError(opDeleteMany, "transaction_failed", txErr, zap.Int("records", len(recordIDs)))
		return txErr
	}
	return nil
}

// ShiftPositions moves every explicit position at or after fromPosition by
// delta, making room for an insert at a specific row.
func (store *Store) ShiftPositions(ctx context.Context, collectionID collab.CollectionID, fromPosition int64, delta int64) error {
	err := store.db.WithContext(ctx).
		Model(&Row{}).
		Where("collection_id = ? AND position IS NOT NULL AND position >= ?", collectionID.String(), fromPosition).
		Update("position", gorm.Expr("position + ?", delta)).Error
	if err != nil {
		store.logError(opShiftPositions, "update_failed", err,
			zap.String("collection_id", collectionID.String()),
			zap.Int64("from_position", fromPosition),
			zap.Int64("delta", delta))
		return newStoreError(opShiftPositions, "update_failed", err)
	}
	return nil
}

// OverwriteFromSnapshot replaces the entire collection content in one
// transaction, used only after restoring a prior version.
func (store *Store) OverwriteFromSnapshot(ctx context.Context, collectionID collab.CollectionID, snapshot []collab.Record) error {
	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existingIDs []string
		if err := tx.Model(&Row{}).
			Where(queryCollectionID, collectionID.String()).
			Pluck("record_id", &existingIDs).Error; err != nil {
			return newStoreError(opOverwrite, "row_query_failed", err)
		}
		if len(existingIDs) > 0 {
			if err := tx.Where(queryRecordIDIn, existingIDs).Delete(&RowField{}).Error; err != nil {
				return newStoreError(opOverwrite, "field_delete_failed", err)
			}
			if err := tx.Where(queryCollectionID, collectionID.String()).Delete(&Row{}).Error; err != nil {
				return newStoreError(opOverwrite, "row_delete_failed", err)
			}
		}

		for _, record := range snapshot {
			row := Row{
				RecordID:        record.ID.String(),
				CollectionID:    collectionID.String(),
				Name:            record.Name,
				CreatedAtMillis: record.CreatedAtMillis,
			}
			if record.Position != nil {
				position := *record.Position
				row.Position = &position
			}
			if err := tx.Create(&row).Error; err != nil {
				return newStoreError(opOverwrite, "row_insert_failed", err)
			}
			for key, value := range record.Fields {
				field, err := encodeField(record.ID.String(), key, value)
				if err != nil {
					return newStoreError(opOverwrite, "field_encode_failed", err)
				}
				if err := tx.Create(&field).Error; err != nil {
					return newStoreError(opOverwrite, "field_insert_failed", err)
				}
			}
		}
		return nil
	})
	if txErr != nil {
		store.logError(opOverwrite, "transaction_failed", txErr,
			zap.String("collection_id", collectionID.String()),
			zap.Int("records", len(snapshot)))
		return txErr
	}
	return nil
}

func (store *Store) updateFieldWith(db *gorm.DB, operation string, recordID collab.RecordID, key collab.FieldKey, value collab.FieldValue) error {
	var row Row
	err := db.Where(queryRecordID, recordID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newStoreError(operation, "row_missing", fmt.Errorf("%w: %s", ErrRowNotFound, recordID))
	}
	if err != nil {
		store.logError(operation, "row_lookup_failed", err, zap.String("record_id", recordID.String()))
		return newStoreError(operation, "row_lookup_failed", err)
	}

	if key.String() == collab.NameFieldKey {
		name, ok := value.(string)
		if !ok {
			// Keep the durable copy in step with the in-memory store, which
			// drops non-string name writes instead of shadowing the column.
			store.logError(operation, "name_not_string", nil, zap.String("record_id", recordID.String()))
			return nil
		}
		if err := db.Model(&Row{}).
			Where(queryRecordID, recordID.String()).
			Update("name", name).Error; err != nil {
			store.logError(operation, "name_update_failed", err, zap.String("record_id", recordID.String()))
			return newStoreError(operation, "name_update_failed", err)
		}
		return nil
	}

	field, err := encodeField(recordID.String(), key.String(), value)
	if err != nil {
		store.logError(operation, "field_encode_failed", err,
			zap.String("record_id", recordID.String()),
			zap.String("field_key", key.String()))
		return newStoreError(operation, "field_encode_failed", err)
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_id"}, {Name: "field_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value_json"}),
	}).Create(&field).Error; err != nil {
		store.logError(operation, "field_upsert_failed", err,
			zap.String("record_id", recordID.String()),
			zap.String("field_key", key.String()))
		return newStoreError(operation, "field_upsert_failed", err)
	}
	return nil
}

func encodeField(recordID string, key string, value collab.FieldValue) (RowField, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return RowField{}, err
	}
	return RowField{RecordID: recordID, FieldKey: key, ValueJSON: string(encoded)}, nil
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.logger.Error("records store error", attrs...)
}
