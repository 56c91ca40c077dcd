// Package reconcile compares the ledger's open exposure against broker
// position snapshots and records the differences as breaks. Reconciliation
// only reports; it never mutates ledger state. Operators repair real
// divergence by submitting correcting events.
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BreakType classifies one reconciliation difference.
type BreakType string

const (
	BreakQtyMismatch     BreakType = "QTY_MISMATCH"
	BreakMissingInLedger BreakType = "MISSING_IN_LEDGER"
	BreakMissingInBroker BreakType = "MISSING_IN_BROKER"
	BreakPriceMismatch   BreakType = "PRICE_MISMATCH"
)

// Break is one persisted reconciliation difference. QtyDiff is always
// ledger minus broker, so a positive diff means the ledger carries more
// exposure than the broker reports.
type Break struct {
	ID      uuid.UUID
	RunID   uuid.UUID
	OwnerID uuid.UUID
	Symbol  string
	Type    BreakType

	LedgerQty int64
	BrokerQty int64
	QtyDiff   int64

	LedgerCost *decimal.Decimal
	BrokerCost *decimal.Decimal

	GroupID *uuid.UUID
	LegID   *uuid.UUID

	DetectedAt time.Time
	Resolved   bool
	ResolvedAt *time.Time
	Note       string
}

// BrokerPosition is one symbol in a broker snapshot. Qty is signed the same
// way as ledger exposure: negative for short.
type BrokerPosition struct {
	Symbol  string
	Qty     int64
	AvgCost *decimal.Decimal
}

// Snapshot is a point-in-time broker statement for one owner.
type Snapshot struct {
	OwnerID   uuid.UUID
	TakenAt   time.Time
	Source    string
	Positions []BrokerPosition
}

// BreakStore persists and queries breaks. All breaks from one run share the
// run id, so a run's findings can be reviewed as a unit.
type BreakStore interface {
	SaveBreaks(ctx context.Context, breaks []*Break) error
	Unresolved(ctx context.Context, ownerID uuid.UUID) ([]*Break, error)
	Resolve(ctx context.Context, breakID uuid.UUID, note string, at time.Time) error
}
