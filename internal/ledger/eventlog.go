package ledger

import (
	"fmt"
	"sort"
	"sync"

	"OptLedger/internal/event"

	"github.com/google/uuid"
)

// EventLog is the write boundary of the ledger's system of record. The
// interface deliberately exposes only append and replay: immutability is a
// property of the abstraction, not a runtime guard bolted on afterwards.
type EventLog interface {
	// Append writes one envelope exactly once. Reusing an existing sequence
	// fails with ImmutabilityViolation; reusing a non-empty owner-scoped
	// event key fails with ErrDuplicateEventKey.
	Append(env *event.Envelope) error

	// Replay returns a restartable cursor over the owner's envelopes,
	// optionally narrowed to specific groups, totally ordered by append
	// sequence. The fill feed may deliver out of business-time order, so
	// replaying by filled_at would fold closes before their opens; the
	// append sequence is the only order that reproduces applied state.
	Replay(ownerID uuid.UUID, groupIDs ...uuid.UUID) (*Cursor, error)

	// ByKey looks up the envelope appended under an owner-scoped event key.
	ByKey(ownerID uuid.UUID, eventKey string) (*event.Envelope, bool)
}

// Cursor iterates a finite, ordered replay. Reset rewinds to the start.
type Cursor struct {
	events []*event.Envelope
	pos    int
}

// NewCursor wraps an already ordered envelope slice, e.g. rows loaded from
// the durable log during startup recovery.
func NewCursor(events []*event.Envelope) *Cursor {
	return &Cursor{events: events}
}

// Next returns the next envelope, or false when exhausted.
func (c *Cursor) Next() (*event.Envelope, bool) {
	if c.pos >= len(c.events) {
		return nil, false
	}
	env := c.events[c.pos]
	c.pos++
	return env, true
}

// Reset rewinds the cursor for another pass.
func (c *Cursor) Reset() { c.pos = 0 }

// Len returns the number of envelopes in the replay.
func (c *Cursor) Len() int { return len(c.events) }

// MemoryEventLog is the in-process event log backing the engine. The
// persistence worker mirrors appended envelopes into Postgres; on restart
// the engine is rebuilt by replaying the durable copy back through here.
type MemoryEventLog struct {
	mu     sync.RWMutex
	events []*event.Envelope
	bySeq  map[int64]struct{}
	byKey  map[string]*event.Envelope // owner:event_key, keyed envelopes only
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{
		bySeq: make(map[int64]struct{}),
		byKey: make(map[string]*event.Envelope),
	}
}

// Append implements EventLog.
func (l *MemoryEventLog) Append(env *event.Envelope) error {
	if env == nil {
		return fmt.Errorf("event log: nil envelope")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.bySeq[env.Seq]; exists {
		return &ImmutabilityViolation{
			Seq:    env.Seq,
			Detail: "sequence already written; events are append-only and cannot be rewritten",
		}
	}
	stored := env.Clone()
	if env.EventKey != "" {
		key := ownerScopedKey(env.OwnerID, env.EventKey)
		if _, exists := l.byKey[key]; exists {
			return fmt.Errorf("append seq %d: %w", env.Seq, ErrDuplicateEventKey)
		}
		l.byKey[key] = stored
	}

	l.events = append(l.events, stored)
	l.bySeq[env.Seq] = struct{}{}
	return nil
}

// ByKey implements EventLog.
func (l *MemoryEventLog) ByKey(ownerID uuid.UUID, eventKey string) (*event.Envelope, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	env, ok := l.byKey[ownerScopedKey(ownerID, eventKey)]
	if !ok {
		return nil, false
	}
	return env.Clone(), true
}

// Replay implements EventLog. Envelopes are cloned so callers can never
// reach the stored records.
func (l *MemoryEventLog) Replay(ownerID uuid.UUID, groupIDs ...uuid.UUID) (*Cursor, error) {
	groupFilter := make(map[uuid.UUID]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		groupFilter[id] = struct{}{}
	}

	l.mu.RLock()
	matched := make([]*event.Envelope, 0, len(l.events))
	for _, env := range l.events {
		if env.OwnerID != ownerID {
			continue
		}
		if len(groupFilter) > 0 {
			if _, ok := groupFilter[env.GroupID]; !ok {
				continue
			}
		}
		matched = append(matched, env.Clone())
	}
	l.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Seq < matched[j].Seq
	})

	return &Cursor{events: matched}, nil
}

// Len returns the number of appended envelopes.
func (l *MemoryEventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

func ownerScopedKey(ownerID uuid.UUID, eventKey string) string {
	return ownerID.String() + ":" + eventKey
}
