// Package event defines the append-only ledger record and the typed
// payloads carried by it. Envelopes are written exactly once and never
// mutated; replaying a group's envelopes rebuilds its materialized state.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type discriminates envelope payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypeFill
	TypeAssignment
	TypeExercise
	TypeExpiration
	TypeCashAdjustment
	TypeCorporateAction
)

// Envelope is one row of the position event log.
//
// Seq is the insertion order assigned by the engine and breaks ordering ties
// between envelopes that share an AppliedAt timestamp. EventKey is the
// per-owner idempotency key; empty means unkeyed (uniqueness is enforced
// only when present). AppliedAt is a versioned input timestamp taken from
// the triggering fact, never wall-clock time read inside the engine.
type Envelope struct {
	Seq        int64
	EventID    uuid.UUID
	OwnerID    uuid.UUID
	GroupID    uuid.UUID
	LegID      *uuid.UUID
	FillID     *uuid.UUID
	Type       Type
	EventKey   string
	AmountCash decimal.Decimal
	QtyDelta   int64
	Metadata   map[string]string
	AppliedAt  time.Time
	Payload    json.RawMessage
}

func (t Type) String() string {
	switch t {
	case TypeFill:
		return "FILL"
	case TypeAssignment:
		return "ASSIGNMENT"
	case TypeExercise:
		return "EXERCISE"
	case TypeExpiration:
		return "EXPIRATION"
	case TypeCashAdjustment:
		return "CASH_ADJ"
	case TypeCorporateAction:
		return "CORP_ACTION"
	default:
		return "UNKNOWN"
	}
}

// ParseType converts a stored type string back into a Type.
func ParseType(s string) Type {
	switch s {
	case "FILL":
		return TypeFill
	case "ASSIGNMENT":
		return TypeAssignment
	case "EXERCISE":
		return TypeExercise
	case "EXPIRATION":
		return TypeExpiration
	case "CASH_ADJ":
		return TypeCashAdjustment
	case "CORP_ACTION":
		return TypeCorporateAction
	default:
		return TypeUnknown
	}
}

// Clone returns a deep copy of the envelope. The event log hands out clones
// so readers can never reach the stored record.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	if e.LegID != nil {
		id := *e.LegID
		cp.LegID = &id
	}
	if e.FillID != nil {
		id := *e.FillID
		cp.FillID = &id
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	if e.Payload != nil {
		cp.Payload = make(json.RawMessage, len(e.Payload))
		copy(cp.Payload, e.Payload)
	}
	return &cp
}
