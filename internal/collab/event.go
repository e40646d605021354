package collab

import (
	"errors"
	"fmt"
)

// EventType enumerates the wire-transportable change event kinds.
type EventType string

const (
	// EventFieldUpdate carries one field write on an existing record.
	EventFieldUpdate EventType = "field-update"
	// EventRecordCreate carries a newly created record.
	EventRecordCreate EventType = "record-create"
	// EventRecordDelete carries a record removal.
	EventRecordDelete EventType = "record-delete"
	// EventBatchFieldUpdate carries an ordered list of field writes applied as one unit.
	EventBatchFieldUpdate EventType = "batch-field-update"
	// EventOrderChanged signals that row ordering must be re-derived from the
	// durable source. It carries no payload.
	EventOrderChanged EventType = "order-changed"
)

// ErrInvalidEvent indicates that a change event is malformed for its type.
var ErrInvalidEvent = errors.New("collab: invalid change event")

// FieldWrite is one (record, key, value) transition inside a field-update or
// batch event. OldValue is informational; application compares against the
// live store value, not against OldValue.
type FieldWrite struct {
	RecordID RecordID   `json:"record_id"`
	Key      FieldKey   `json:"key"`
	NewValue FieldValue `json:"new_value"`
	OldValue FieldValue `json:"old_value,omitempty"`
}

// ChangeEvent describes one state transition of the shared table. Events are
// idempotent: applying the same event twice leaves the store unchanged.
type ChangeEvent struct {
	Type            EventType             `json:"type"`
	RecordID        RecordID              `json:"record_id,omitempty"`
	Key             FieldKey              `json:"key,omitempty"`
	NewValue        FieldValue            `json:"new_value,omitempty"`
	OldValue        FieldValue            `json:"old_value,omitempty"`
	Name            string                `json:"name,omitempty"`
	Fields          map[string]FieldValue `json:"fields,omitempty"`
	Position        *int64                `json:"position,omitempty"`
	CreatedAtMillis int64                 `json:"created_at_ms,omitempty"`
	Writes          []FieldWrite          `json:"writes,omitempty"`
}

// Validate checks that the event carries the payload its type requires.
func (event ChangeEvent) Validate() error {
	switch event.Type {
	case EventFieldUpdate:
		if event.RecordID == "" || event.Key == "" {
			return fmt.Errorf("%w: field-update requires record id and key", ErrInvalidEvent)
		}
	case EventRecordCreate:
		if event.RecordID == "" {
			return fmt.Errorf("%w: record-create requires record id", ErrInvalidEvent)
		}
	case EventRecordDelete:
		if event.RecordID == "" {
			return fmt.Errorf("%w: record-delete requires record id", ErrInvalidEvent)
		}
	case EventBatchFieldUpdate:
		if len(event.Writes) == 0 {
			return fmt.Errorf("%w: batch requires at least one write", ErrInvalidEvent)
		}
		for _, write := range event.Writes {
			if write.RecordID == "" || write.Key == "" {
				return fmt.Errorf("%w: batch write requires record id and key", ErrInvalidEvent)
			}
		}
	case EventOrderChanged:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, event.Type)
	}
	return nil
}

// FieldUpdateEvent builds a field-update change event.
func FieldUpdateEvent(recordID RecordID, key FieldKey, newValue FieldValue, oldValue FieldValue) ChangeEvent {
	return ChangeEvent{
		Type:     EventFieldUpdate,
		RecordID: recordID,
		Key:      key,
		NewValue: CopyValue(newValue),
		OldValue: CopyValue(oldValue),
	}
}

// RecordCreateEvent builds a record-create change event from a record.
func RecordCreateEvent(record Record) ChangeEvent {
	cloned := record.Clone()
	return ChangeEvent{
		Type:            EventRecordCreate,
		RecordID:        cloned.ID,
		Name:            cloned.Name,
		Fields:          cloned.Fields,
		Position:        cloned.Position,
		CreatedAtMillis: cloned.CreatedAtMillis,
	}
}

// RecordDeleteEvent builds a record-delete change event.
func RecordDeleteEvent(recordID RecordID, name string) ChangeEvent {
	return ChangeEvent{
		Type:     EventRecordDelete,
		RecordID: recordID,
		Name:     name,
	}
}

// BatchFieldUpdateEvent builds a batch-field-update change event.
func BatchFieldUpdateEvent(writes []FieldWrite) ChangeEvent {
	copied := make([]FieldWrite, 0, len(writes))
	for _, write := range writes {
		copied = append(copied, FieldWrite{
			RecordID: write.RecordID,
			Key:      write.Key,
			NewValue: CopyValue(write.NewValue),
			OldValue: CopyValue(write.OldValue),
		})
	}
	return ChangeEvent{Type: EventBatchFieldUpdate, Writes: copied}
}

// OrderChangedEvent builds an order-changed signal event.
func OrderChangedEvent() ChangeEvent {
	return ChangeEvent{Type: EventOrderChanged}
}

// EventEnvelope tags a change event with its originating client and a
// monotonically increasing per-client sequence number. The sequence is used
// for duplicate detection only, never for cross-client ordering.
type EventEnvelope struct {
	Origin ClientID    `json:"origin"`
	Seq    int64       `json:"seq"`
	Event  ChangeEvent `json:"event"`
}
