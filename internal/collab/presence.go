package collab

import (
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	defaultPresenceTTL = 30 * time.Second
	presenceSweepRatio = 2
)

// User is the displayable identity attached to a presence entry.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// PresenceEntry is one client's last-broadcast editing focus. A zero
// RecordID/FieldKey pair means the client is connected but not editing
// anything.
type PresenceEntry struct {
	Client    ClientID  `json:"client_id"`
	User      User      `json:"user"`
	RecordID  RecordID  `json:"record_id,omitempty"`
	FieldKey  FieldKey  `json:"field_key,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PresenceTrackerConfig describes the inputs required to build a PresenceTracker.
type PresenceTrackerConfig struct {
	TTL   time.Duration
	Clock func() time.Time
}

// PresenceTracker holds ephemeral, non-authoritative per-client editing focus.
// Entries live only in memory and expire after a bounded period without a
// heartbeat; nothing here ever touches the durable store.
type PresenceTracker struct {
	entries *gocache.Cache
	clock   func() time.Time
	ttl     time.Duration
}

// NewPresenceTracker constructs a PresenceTracker with the given entry TTL.
func NewPresenceTracker(cfg PresenceTrackerConfig) *PresenceTracker {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &PresenceTracker{
		entries: gocache.New(ttl, ttl*presenceSweepRatio),
		clock:   clock,
		ttl:     ttl,
	}
}

// SetActiveField records which record and field the client is focused on and
// refreshes its heartbeat. Empty record and field ids mean "not editing
// anything" while keeping the client visible as connected.
func (tracker *PresenceTracker) SetActiveField(clientID ClientID, user User, recordID RecordID, fieldKey FieldKey) {
	tracker.entries.Set(clientID.String(), PresenceEntry{
		Client:    clientID,
		User:      user,
		RecordID:  recordID,
		FieldKey:  fieldKey,
		UpdatedAt: tracker.clock().UTC(),
	}, gocache.DefaultExpiration)
}

// Heartbeat refreshes the TTL of an existing entry without changing its focus.
func (tracker *PresenceTracker) Heartbeat(clientID ClientID) {
	stored, ok := tracker.entries.Get(clientID.String())
	if !ok {
		return
	}
	entry, ok := stored.(PresenceEntry)
	if !ok {
		return
	}
	entry.UpdatedAt = tracker.clock().UTC()
	tracker.entries.Set(clientID.String(), entry, gocache.DefaultExpiration)
}

// Clear drops the client's presence entry, e.g. on disconnect.
func (tracker *PresenceTracker) Clear(clientID ClientID) {
	tracker.entries.Delete(clientID.String())
}

// ActiveClients returns every unexpired presence entry, ordered by client id
// for deterministic output.
func (tracker *PresenceTracker) ActiveClients() []PresenceEntry {
	items := tracker.entries.Items()
	entries := make([]PresenceEntry, 0, len(items))
	for _, item := range items {
		entry, ok := item.Object.(PresenceEntry)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Client < entries[j].Client
	})
	return entries
}

// UsersEditingField returns the users of every other client whose
// last-broadcast active field matches the given record and field.
func (tracker *PresenceTracker) UsersEditingField(recordID RecordID, fieldKey FieldKey, exclude ClientID) []User {
	users := make([]User, 0)
	for _, entry := range tracker.ActiveClients() {
		if entry.Client == exclude {
			continue
		}
		if entry.RecordID != recordID || entry.FieldKey != fieldKey {
			continue
		}
		users = append(users, entry.User)
	}
	return users
}
