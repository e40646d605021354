package collab

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MarkerState enumerates the optimistic marker lifecycle.
type MarkerState string

const (
	// MarkerPending is the entry state, set the instant a local mutation is issued.
	MarkerPending MarkerState = "pending"
	// MarkerConfirming means the durable write is in flight and the store is
	// being polled for the confirmed value.
	MarkerConfirming MarkerState = "confirming"
	// MarkerResolved means the confirmed value matched and the marker is gone.
	MarkerResolved MarkerState = "resolved"
	// MarkerFailed means the durable write was rejected; the pre-mutation
	// value was restored and the marker is gone.
	MarkerFailed MarkerState = "failed"
	// MarkerExpired means the confirm budget ran out without an exact match;
	// the marker was force-removed so the edit cannot wedge the UI.
	MarkerExpired MarkerState = "expired"
)

const (
	defaultConfirmInterval = 50 * time.Millisecond
	defaultConfirmAttempts = 20
)

type markerKey struct {
	recordID RecordID
	key      FieldKey
}

type marker struct {
	state       MarkerState
	pending     FieldValue
	previous    FieldValue
	hadPrevious bool
	outcome     chan MarkerState
}

// ReconcilerConfig describes the inputs required to build a Reconciler.
type ReconcilerConfig struct {
	Store           *DocumentStore
	ConfirmInterval time.Duration
	ConfirmAttempts int
	Logger          *zap.Logger
}

// Reconciler tracks locally-applied-but-not-yet-confirmed edits per
// (record id, field key). The underlying store is asynchronous, so without
// the bounded confirm loop an edit could visibly revert after the user
// releases focus; without the expiry edge it could stay stuck forever on a
// missed notification.
type Reconciler struct {
	mu       sync.Mutex
	store    *DocumentStore
	markers  map[markerKey]*marker
	interval time.Duration
	attempts int
	logger   *zap.Logger
}

// NewReconciler constructs a Reconciler bound to a document store.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("collab: reconciler requires a document store")
	}
	interval := cfg.ConfirmInterval
	if interval <= 0 {
		interval = defaultConfirmInterval
	}
	attempts := cfg.ConfirmAttempts
	if attempts <= 0 {
		attempts = defaultConfirmAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconciler{
		store:    cfg.Store,
		markers:  make(map[markerKey]*marker),
		interval: interval,
		attempts: attempts,
		logger:   logger,
	}, nil
}

// Begin registers a pending marker the instant a local mutation is issued.
// The UI reads the pending value in preference to the store's value for as
// long as the marker lives. previousExisted distinguishes a field that held
// nil from a field that was absent, so rollback can remove a key the failed
// write introduced instead of leaving an explicit null behind.
func (r *Reconciler) Begin(recordID RecordID, key FieldKey, pendingValue FieldValue, previousValue FieldValue, previousExisted bool) {
	entry := &marker{
		state:       MarkerPending,
		pending:     CopyValue(pendingValue),
		previous:    CopyValue(previousValue),
		hadPrevious: previousExisted,
		outcome:     make(chan MarkerState, 1),
	}
	r.mu.Lock()
	r.markers[markerKey{recordID: recordID, key: key}] = entry
	r.mu.Unlock()
}

// PendingValue returns the marker's value when one is live for the key.
func (r *Reconciler) PendingValue(recordID RecordID, key FieldKey) (FieldValue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.markers[markerKey{recordID: recordID, key: key}]
	if !ok {
		return nil, false
	}
	return CopyValue(entry.pending), true
}

// State reports the live marker state for the key, if any.
func (r *Reconciler) State(recordID RecordID, key FieldKey) (MarkerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.markers[markerKey{recordID: recordID, key: key}]
	if !ok {
		return "", false
	}
	return entry.state, true
}

// Confirm transitions the marker to Confirming and polls the store at fixed
// intervals for a bounded number of attempts. The returned channel delivers
// the terminal state: Resolved when the confirmed value matched, Expired when
// the budget ran out (force-removed, treated as success). A marker superseded
// by a remote write simply never matches, expires, and is discarded rather
// than re-applied.
func (r *Reconciler) Confirm(recordID RecordID, key FieldKey) <-chan MarkerState {
	identifier := markerKey{recordID: recordID, key: key}
	r.mu.Lock()
	entry, ok := r.markers[identifier]
	if !ok {
		r.mu.Unlock()
		resolved := make(chan MarkerState, 1)
		resolved <- MarkerResolved
		return resolved
	}
	entry.state = MarkerConfirming
	r.mu.Unlock()

	go r.confirmLoop(identifier, entry)
	return entry.outcome
}

// Fail removes the marker immediately and restores the pre-mutation state to
// the store so the UI path shows the state the durable store still holds. A
// field the failed write introduced is deleted outright, not written back as
// null.
func (r *Reconciler) Fail(recordID RecordID, key FieldKey) error {
	identifier := markerKey{recordID: recordID, key: key}
	r.mu.Lock()
	entry, ok := r.markers[identifier]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.markers, identifier)
	r.mu.Unlock()

	entry.state = MarkerFailed
	entry.outcome <- MarkerFailed

	var restoreErr error
	if entry.hadPrevious {
		restoreErr = r.store.ApplyFieldUpdate(recordID, key, entry.previous)
	} else {
		restoreErr = r.store.removeField(recordID, key)
	}
	if restoreErr != nil {
		// The record can be legitimately gone by now (remote delete).
		if entry.hadPrevious {
			r.logger.Warn("optimistic rollback target missing",
				zap.String("record_id", recordID.String()),
				zap.String("key", key.String()),
				zap.Error(restoreErr))
		}
		return nil
	}
	return nil
}

func (r *Reconciler) confirmLoop(identifier markerKey, entry *marker) {
	for attempt := 0; attempt < r.attempts; attempt++ {
		confirmed, ok := r.store.FieldValue(identifier.recordID, identifier.key)
		if ok && ValuesEqual(confirmed, entry.pending) {
			if r.finish(identifier, entry, MarkerResolved) {
				return
			}
			return
		}
		time.Sleep(r.interval)
	}

	if r.finish(identifier, entry, MarkerExpired) {
		r.logger.Warn("optimistic marker expired without confirmation",
			zap.String("record_id", identifier.recordID.String()),
			zap.String("key", identifier.key.String()))
	}
}

// finish removes the marker and reports the terminal state. It returns false
// when the marker was already replaced or removed by a newer edit, in which
// case the loop must not touch it.
func (r *Reconciler) finish(identifier markerKey, entry *marker, terminal MarkerState) bool {
	r.mu.Lock()
	current, ok := r.markers[identifier]
	if !ok || current != entry {
		r.mu.Unlock()
		return false
	}
	delete(r.markers, identifier)
	r.mu.Unlock()

	entry.state = terminal
	entry.outcome <- terminal
	return true
}
