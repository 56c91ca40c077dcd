package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GroupStatus is the lifecycle state of a position group.
type GroupStatus int32

const (
	StatusOpen GroupStatus = iota
	StatusClosed
	StatusAssigned
	StatusExpired
)

func (s GroupStatus) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusClosed:
		return "CLOSED"
	case StatusAssigned:
		return "ASSIGNED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s GroupStatus) IsTerminal() bool {
	return s != StatusOpen
}

// CanTransitionTo validates status transitions. OPEN moves forward to any
// terminal status; terminal statuses never move again.
func (s GroupStatus) CanTransitionTo(next GroupStatus) bool {
	if s != StatusOpen {
		return false
	}
	switch next {
	case StatusClosed, StatusAssigned, StatusExpired:
		return true
	default:
		return false
	}
}

// PositionGroup is a strategy-level unit of one or more legs (e.g. a four
// leg iron condor). Groups are never physically deleted; terminal groups
// remain as queryable history.
//
// RealizedPnL, GrossPnL, and FeesPaid are materialized and recomputed on
// every applied event; the event log remains the authority for rebuilds.
type PositionGroup struct {
	ID              uuid.UUID
	OwnerID         uuid.UUID
	StrategyKey     string
	LegsFingerprint string
	Underlying      string
	Status          GroupStatus
	OpenedAt        time.Time
	ClosedAt        *time.Time

	RealizedPnL decimal.Decimal
	GrossPnL    decimal.Decimal
	FeesPaid    decimal.Decimal

	// cashAdjustments accumulates CASH_ADJ amounts folded into RealizedPnL.
	cashAdjustments decimal.Decimal

	Metadata map[string]string
	Legs     []*PositionLeg

	Version int64
}

// LegBySymbol returns the group's leg for a symbol, or nil.
func (g *PositionGroup) LegBySymbol(symbol string) *PositionLeg {
	for _, leg := range g.Legs {
		if leg.Instrument.Symbol == symbol {
			return leg
		}
	}
	return nil
}

// LegByID returns the group's leg by id, or nil.
func (g *PositionGroup) LegByID(id uuid.UUID) *PositionLeg {
	for _, leg := range g.Legs {
		if leg.ID == id {
			return leg
		}
	}
	return nil
}

// AllLegsFlat reports whether every leg's current quantity is zero.
func (g *PositionGroup) AllLegsFlat() bool {
	for _, leg := range g.Legs {
		if !leg.IsFlat() {
			return false
		}
	}
	return true
}

// recompute refreshes the materialized P&L columns from leg state, then
// transitions OPEN → CLOSED when every leg is flat. ASSIGNED and EXPIRED
// are driven explicitly by lifecycle events, never inferred here.
func (g *PositionGroup) recompute(asOf time.Time) {
	gross := decimal.Zero
	for _, leg := range g.Legs {
		gross = gross.Add(leg.RealizedPnL())
	}
	g.GrossPnL = gross
	g.RealizedPnL = gross.Add(g.cashAdjustments).Sub(g.FeesPaid)
	g.Version++

	if g.Status == StatusOpen && len(g.Legs) > 0 && g.AllLegsFlat() {
		g.transition(StatusClosed, asOf)
	}
}

// transition moves the group to a terminal status. Callers have already
// verified the transition is legal.
func (g *PositionGroup) transition(next GroupStatus, at time.Time) {
	g.Status = next
	t := at
	g.ClosedAt = &t
	g.Version++
}

// Clone returns a deep copy for handing out of the engine.
func (g *PositionGroup) Clone() *PositionGroup {
	cp := *g
	if g.ClosedAt != nil {
		t := *g.ClosedAt
		cp.ClosedAt = &t
	}
	cp.Metadata = make(map[string]string, len(g.Metadata))
	for k, v := range g.Metadata {
		cp.Metadata[k] = v
	}
	cp.Legs = make([]*PositionLeg, len(g.Legs))
	for i, leg := range g.Legs {
		cp.Legs[i] = leg.Clone()
	}
	return &cp
}
