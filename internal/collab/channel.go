package collab

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultFlushDelay = 40 * time.Millisecond
	defaultFlushMax   = 200 * time.Millisecond
)

// Publisher carries confirmed change events to every other client on the same
// collection. Implementations must tolerate publish failures without blocking
// local mutation: broadcast is best-effort, the durable store is the
// tiebreaker of last resort.
type Publisher interface {
	Publish(collectionID CollectionID, envelope EventEnvelope)
}

// SyncChannelConfig describes the inputs required to build a SyncChannel.
type SyncChannelConfig struct {
	Store        *DocumentStore
	ClientID     ClientID
	CollectionID CollectionID
	Publisher    Publisher
	// Reload performs a full reload from the durable source. It answers
	// order-changed signals and reconnects, where local position hints are
	// insufficient to reconstruct state from peer deltas.
	Reload     func() error
	FlushDelay time.Duration
	FlushMax   time.Duration
	Logger     *zap.Logger
}

// SyncChannel turns local confirmed mutations into wire envelopes and
// incoming envelopes into document store mutations. Inbound events are queued
// behind a short flush timer so rapid multi-cell edits land as one batch and
// one UI update instead of one per event.
type SyncChannel struct {
	mu        sync.Mutex
	store     *DocumentStore
	clientID  ClientID
	collID    CollectionID
	publisher Publisher
	reload    func() error

	queue      []ChangeEvent
	timer      *time.Timer
	queuedAt   time.Time
	extended   bool
	flushDelay time.Duration
	flushMax   time.Duration

	outSeq   int64
	lastSeen map[ClientID]int64
	closed   bool
	logger   *zap.Logger
}

// NewSyncChannel constructs a SyncChannel for one client on one collection.
func NewSyncChannel(cfg SyncChannelConfig) (*SyncChannel, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("collab: sync channel requires a document store")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("%w: sync channel client id", ErrInvalidClientID)
	}
	if cfg.CollectionID == "" {
		return nil, fmt.Errorf("%w: sync channel collection id", ErrInvalidCollectionID)
	}
	flushDelay := cfg.FlushDelay
	if flushDelay <= 0 {
		flushDelay = defaultFlushDelay
	}
	flushMax := cfg.FlushMax
	if flushMax < flushDelay {
		flushMax = defaultFlushMax
		if flushMax < flushDelay {
			flushMax = flushDelay
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &SyncChannel{
		store:      cfg.Store,
		clientID:   cfg.ClientID,
		collID:     cfg.CollectionID,
		publisher:  cfg.Publisher,
		reload:     cfg.Reload,
		flushDelay: flushDelay,
		flushMax:   flushMax,
		lastSeen:   make(map[ClientID]int64),
		logger:     logger,
	}, nil
}

// PublishConfirmed broadcasts exactly one change event describing a
// now-confirmed state. Callers invoke it only after the durable write
// succeeded, never with an optimistic value.
func (channel *SyncChannel) PublishConfirmed(event ChangeEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	channel.mu.Lock()
	channel.outSeq++
	envelope := EventEnvelope{
		Origin: channel.clientID,
		Seq:    channel.outSeq,
		Event:  event,
	}
	publisher := channel.publisher
	channel.mu.Unlock()

	if publisher != nil {
		publisher.Publish(channel.collID, envelope)
	}
	return nil
}

// Receive accepts one inbound envelope from the transport. Own echoes and
// duplicate sequence numbers are dropped; order-changed signals trigger a
// full reload; everything else queues behind the coalescing flush timer.
func (channel *SyncChannel) Receive(envelope EventEnvelope) {
	if envelope.Origin == channel.clientID {
		return
	}

	channel.mu.Lock()
	if channel.closed {
		channel.mu.Unlock()
		return
	}
	if last, ok := channel.lastSeen[envelope.Origin]; ok && envelope.Seq <= last {
		channel.mu.Unlock()
		return
	}
	channel.lastSeen[envelope.Origin] = envelope.Seq

	if envelope.Event.Type == EventOrderChanged {
		// Queued deltas predate the reordering; the reload supersedes them.
		channel.queue = nil
		channel.stopTimerLocked()
		channel.mu.Unlock()
		channel.runReload("order_changed")
		return
	}

	channel.queue = append(channel.queue, envelope.Event)
	channel.scheduleFlushLocked()
	channel.mu.Unlock()
}

// Resync performs a full reload from the durable source. Called after a
// transport reconnect instead of trusting a partial backlog.
func (channel *SyncChannel) Resync() {
	channel.mu.Lock()
	channel.queue = nil
	channel.stopTimerLocked()
	channel.mu.Unlock()
	channel.runReload("reconnect")
}

// Close stops the flush timer and drops any queued events.
func (channel *SyncChannel) Close() {
	channel.mu.Lock()
	channel.closed = true
	channel.queue = nil
	channel.stopTimerLocked()
	channel.mu.Unlock()
}

// scheduleFlushLocked arms the flush timer on the first queued event. A
// second arrival extends the delay once to allow batching; the total wait is
// capped by flushMax measured from the first queued event.
func (channel *SyncChannel) scheduleFlushLocked() {
	if channel.timer == nil {
		channel.queuedAt = time.Now()
		channel.extended = false
		channel.timer = time.AfterFunc(channel.flushDelay, channel.flush)
		return
	}
	if channel.extended {
		return
	}
	channel.extended = true
	remaining := channel.flushMax - time.Since(channel.queuedAt)
	delay := channel.flushDelay
	if remaining < delay {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}
	channel.timer.Reset(delay)
}

func (channel *SyncChannel) stopTimerLocked() {
	if channel.timer != nil {
		channel.timer.Stop()
		channel.timer = nil
	}
}

func (channel *SyncChannel) flush() {
	channel.mu.Lock()
	events := channel.queue
	channel.queue = nil
	channel.timer = nil
	channel.extended = false
	channel.mu.Unlock()

	if len(events) == 0 {
		return
	}
	if err := channel.store.ApplyBatch(events); err != nil {
		channel.logger.Error("inbound batch apply failed",
			zap.String("collection_id", channel.collID.String()),
			zap.Int("events", len(events)),
			zap.Error(err))
	}
}

// runReload recovers locally and never surfaces an error to the caller:
// stale order is an expected condition, not a user-visible failure.
func (channel *SyncChannel) runReload(trigger string) {
	if channel.reload == nil {
		return
	}
	if err := channel.reload(); err != nil {
		channel.logger.Error("full reload failed",
			zap.String("collection_id", channel.collID.String()),
			zap.String("trigger", trigger),
			zap.Error(err))
	}
}
