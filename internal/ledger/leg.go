package ledger

import (
	"time"

	"OptLedger/internal/instrument"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionLeg is one instrument within a group. QtyOpened and QtyClosed are
// non-negative and monotonically non-decreasing; the signed current quantity
// is always derived, never stored, so it cannot drift from the open/close
// counters.
type PositionLeg struct {
	ID         uuid.UUID
	GroupID    uuid.UUID
	Instrument instrument.Instrument

	// Side is the leg's fixed orientation, set at the first fill and never
	// changed by later trade direction.
	Side instrument.Side

	QtyOpened    int64
	QtyClosed    int64
	AvgCostOpen  decimal.Decimal
	AvgCostClose decimal.Decimal

	// Cached latest mark for fast valuation reads. Superseded marks live in
	// the mark history store.
	LastMarkID  *uuid.UUID
	LastMarkMid *decimal.Decimal
	LastMarkAt  time.Time

	Version int64
}

// QtyCurrent returns the signed current quantity: positive for long legs,
// negative for short legs, zero when fully closed.
func (l *PositionLeg) QtyCurrent() int64 {
	open := l.QtyOpened - l.QtyClosed
	if l.Side == instrument.SideShort {
		return -open
	}
	return open
}

// RemainingOpen returns the unsigned quantity still open on the leg.
func (l *PositionLeg) RemainingOpen() int64 {
	return l.QtyOpened - l.QtyClosed
}

// IsFlat reports whether the leg has no remaining exposure.
func (l *PositionLeg) IsFlat() bool {
	return l.RemainingOpen() == 0
}

// applyOpen adds exposure and recomputes the quantity-weighted average open
// cost. Callers have already determined the fill is same-direction as Side.
func (l *PositionLeg) applyOpen(qty int64, price decimal.Decimal) {
	l.AvgCostOpen = weightedAverage(l.AvgCostOpen, l.QtyOpened, price, qty)
	l.QtyOpened += qty
	l.Version++
}

// applyClose reduces exposure and recomputes the quantity-weighted average
// close cost. A close beyond the remaining open quantity is a consistency
// violation: quantities are never clamped.
func (l *PositionLeg) applyClose(qty int64, price decimal.Decimal) error {
	if qty > l.RemainingOpen() {
		return &ConsistencyError{
			Op:     "close",
			Symbol: l.Instrument.Symbol,
			Detail: "close quantity exceeds remaining open exposure; direction-flipping fills must be split by the caller",
		}
	}
	l.AvgCostClose = weightedAverage(l.AvgCostClose, l.QtyClosed, price, qty)
	l.QtyClosed += qty
	l.Version++
	return nil
}

// RealizedPnL returns the leg's closed-quantity P&L before fees:
// (avg_cost_close − avg_cost_open) × sign(side) × qty_closed × multiplier.
func (l *PositionLeg) RealizedPnL() decimal.Decimal {
	if l.QtyClosed == 0 {
		return decimal.Zero
	}
	diff := l.AvgCostClose.Sub(l.AvgCostOpen)
	scale := decimal.NewFromInt(l.Side.Sign() * l.QtyClosed * l.Instrument.Multiplier)
	return diff.Mul(scale)
}

// Clone returns a deep copy for handing out of the engine.
func (l *PositionLeg) Clone() *PositionLeg {
	cp := *l
	if l.LastMarkID != nil {
		id := *l.LastMarkID
		cp.LastMarkID = &id
	}
	if l.LastMarkMid != nil {
		mid := *l.LastMarkMid
		cp.LastMarkMid = &mid
	}
	return &cp
}

// weightedAverage folds a new lot into an existing quantity-weighted average
// price. Exact decimal arithmetic, no rounding at this layer.
func weightedAverage(oldAvg decimal.Decimal, oldQty int64, price decimal.Decimal, qty int64) decimal.Decimal {
	total := oldQty + qty
	if total == 0 {
		return decimal.Zero
	}
	weighted := oldAvg.Mul(decimal.NewFromInt(oldQty)).Add(price.Mul(decimal.NewFromInt(qty)))
	return weighted.Div(decimal.NewFromInt(total))
}
