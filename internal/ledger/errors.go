package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// The engine never silently repairs conflicting input: consistency,
// terminal-state, and immutability violations surface to the caller as
// typed failures. Duplicate fills are the one recovered condition: they
// return the prior result and are observable via metrics, not errors.

// ConsistencyError rejects a fill or lifecycle event that would misapply
// against leg state (over-close, direction flip, unknown leg).
type ConsistencyError struct {
	Op     string
	Symbol string
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation in %s (%s): %s", e.Op, e.Symbol, e.Detail)
}

// TerminalStateError rejects mutation of a CLOSED/ASSIGNED/EXPIRED group.
type TerminalStateError struct {
	GroupID uuid.UUID
	Status  GroupStatus
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("group %s is %s: terminal groups cannot be mutated, open a new group", e.GroupID, e.Status)
}

// ImmutabilityViolation reports an attempted modification of an already
// appended event. The event log exposes no update or delete operation, so
// this surfaces only from overwrite attempts at the write boundary (or from
// the database trigger guarding the events table).
type ImmutabilityViolation struct {
	Seq    int64
	Detail string
}

func (e *ImmutabilityViolation) Error() string {
	return fmt.Sprintf("immutability violation at seq %d: %s", e.Seq, e.Detail)
}

// ErrValuationUnavailable distinguishes "unknown P&L" from "$0 P&L" when a
// mark or cost basis is missing. A data-quality signal, not a hard failure.
var ErrValuationUnavailable = errors.New("valuation unavailable: missing mark or cost basis")

// ErrDuplicateEventKey is returned by the event log when an append reuses an
// owner-scoped event key. Producers deriving keys from content treat this as
// already-applied.
var ErrDuplicateEventKey = errors.New("event key already applied for owner")
