package collab

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("collab: invalid record id")
	// ErrInvalidCollectionID indicates that a collection identifier is empty or exceeds storage bounds.
	ErrInvalidCollectionID = errors.New("collab: invalid collection id")
	// ErrInvalidFieldKey indicates that a field key is empty or exceeds storage bounds.
	ErrInvalidFieldKey = errors.New("collab: invalid field key")
	// ErrInvalidClientID indicates that a client identifier is empty or exceeds storage bounds.
	ErrInvalidClientID = errors.New("collab: invalid client id")
	// ErrRecordNotFound indicates that a mutation targeted a record absent from the store.
	ErrRecordNotFound = errors.New("collab: record not found")
	// ErrRecordExists indicates that a record identifier is already present in the store.
	ErrRecordExists = errors.New("collab: record already exists")
)

// RecordID represents a validated record identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// CollectionID represents a validated collection identifier.
type CollectionID string

// NewCollectionID validates raw input and returns a CollectionID.
func NewCollectionID(rawInput string) (CollectionID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCollectionID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCollectionID, maxIdentifierLength)
	}
	return CollectionID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CollectionID) String() string {
	return string(id)
}

// FieldKey represents a validated field key within a record.
type FieldKey string

// NewFieldKey validates raw input and returns a FieldKey.
func NewFieldKey(rawInput string) (FieldKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFieldKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFieldKey, maxIdentifierLength)
	}
	return FieldKey(trimmed), nil
}

// String returns the underlying string key.
func (key FieldKey) String() string {
	return string(key)
}

// ClientID identifies one connected editing session.
type ClientID string

// NewClientID validates raw input and returns a ClientID.
func NewClientID(rawInput string) (ClientID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidClientID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidClientID, maxIdentifierLength)
	}
	return ClientID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ClientID) String() string {
	return string(id)
}

// FieldValue holds one field's content: a JSON scalar (string, number,
// boolean, null) or a JSON-serializable structured value such as file
// metadata.
type FieldValue = any

// Record models one row of the shared collaborative table.
type Record struct {
	ID              RecordID
	Name            string
	Fields          map[string]FieldValue
	CreatedAtMillis int64
	Position        *int64
}

// Clone returns a deep copy of the record so callers never hold a live
// reference into store internals.
func (r Record) Clone() Record {
	copied := Record{
		ID:              r.ID,
		Name:            r.Name,
		CreatedAtMillis: r.CreatedAtMillis,
	}
	if r.Position != nil {
		position := *r.Position
		copied.Position = &position
	}
	if r.Fields != nil {
		copied.Fields = make(map[string]FieldValue, len(r.Fields))
		for key, value := range r.Fields {
			copied.Fields[key] = CopyValue(value)
		}
	}
	return copied
}

// CopyValue deep-copies a field value. Maps and slices are copied
// recursively; any other structured value is copied through a JSON round
// trip so the result never aliases the input.
func CopyValue(value FieldValue) FieldValue {
	switch typed := value.(type) {
	case nil, string, bool, float64, int, int64:
		return typed
	case map[string]FieldValue:
		copied := make(map[string]FieldValue, len(typed))
		for key, entry := range typed {
			copied[key] = CopyValue(entry)
		}
		return copied
	case []FieldValue:
		copied := make([]FieldValue, len(typed))
		for index, entry := range typed {
			copied[index] = CopyValue(entry)
		}
		return copied
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return typed
		}
		var decoded FieldValue
		if err := json.Unmarshal(encoded, &decoded); err != nil {
			return typed
		}
		return decoded
	}
}

// ValuesEqual reports structural equality between two field values. Both
// sides are compared through their canonical JSON encoding so numeric
// representation and map iteration order do not matter.
func ValuesEqual(left FieldValue, right FieldValue) bool {
	leftEncoded, leftErr := json.Marshal(left)
	rightEncoded, rightErr := json.Marshal(right)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return bytes.Equal(leftEncoded, rightEncoded)
}

func positionValue(position int64) *int64 {
	value := position
	return &value
}
