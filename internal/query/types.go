package query

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LegView is one leg of a group as served to API clients. Monetary fields
// are decimal strings; quantities are signed contract counts.
type LegView struct {
	LegID        uuid.UUID        `json:"leg_id"`
	Symbol       string           `json:"symbol"`
	Underlying   string           `json:"underlying"`
	Right        string           `json:"right"`
	Strike       decimal.Decimal  `json:"strike"`
	Expiry       string           `json:"expiry,omitempty"` // YYYY-MM-DD, empty for shares
	Multiplier   int64            `json:"multiplier"`
	Side         string           `json:"side"`
	QtyOpened    int64            `json:"qty_opened"`
	QtyClosed    int64            `json:"qty_closed"`
	QtyCurrent   int64            `json:"qty_current"`
	AvgCostOpen  decimal.Decimal  `json:"avg_cost_open"`
	AvgCostClose decimal.Decimal  `json:"avg_cost_close"`
	LastMark     *decimal.Decimal `json:"last_mark,omitempty"`
	LastMarkAt   *time.Time       `json:"last_mark_at,omitempty"`
	Unrealized   *decimal.Decimal `json:"unrealized_pnl,omitempty"`
	MarkValue    *decimal.Decimal `json:"mark_value,omitempty"`
}

// GroupView is a position group with its legs and, when marks permit,
// valuation. ValuationPartial flags totals that exclude unmarked legs;
// absent valuation fields mean no open leg could be valued at all.
type GroupView struct {
	GroupID          uuid.UUID        `json:"group_id"`
	OwnerID          uuid.UUID        `json:"owner_id"`
	StrategyKey      string           `json:"strategy_key,omitempty"`
	Underlying       string           `json:"underlying"`
	Status           string           `json:"status"`
	OpenedAt         time.Time        `json:"opened_at"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty"`
	RealizedPnL      decimal.Decimal  `json:"realized_pnl"`
	GrossPnL         decimal.Decimal  `json:"gross_pnl"`
	FeesPaid         decimal.Decimal  `json:"fees_paid"`
	UnrealizedPnL    *decimal.Decimal `json:"unrealized_pnl,omitempty"`
	NetLiq           *decimal.Decimal `json:"net_liq,omitempty"`
	ValuationPartial bool             `json:"valuation_partial,omitempty"`
	Legs             []LegView        `json:"legs"`
	Version          int64            `json:"version"`
	AsOfSeq          int64            `json:"as_of_seq"`
}

// GroupsResponse lists an owner's groups.
type GroupsResponse struct {
	OwnerID uuid.UUID   `json:"owner_id"`
	Groups  []GroupView `json:"groups"`
	AsOfSeq int64       `json:"as_of_seq"`
}

// PnLResponse aggregates an owner's P&L across groups. Realized covers every
// group including terminal history; unrealized covers only markable open
// legs, with UnrealizedPartial set when any open leg was unmarked. NetLiq
// sums open groups' realized plus unrealized.
type PnLResponse struct {
	OwnerID           uuid.UUID       `json:"owner_id"`
	Realized          decimal.Decimal `json:"realized_pnl"`
	FeesPaid          decimal.Decimal `json:"fees_paid"`
	Unrealized        decimal.Decimal `json:"unrealized_pnl"`
	NetLiq            decimal.Decimal `json:"net_liq"`
	UnrealizedPartial bool            `json:"unrealized_partial,omitempty"`
	OpenGroups        int             `json:"open_groups"`
	TerminalGroups    int             `json:"terminal_groups"`
	AsOfSeq           int64           `json:"as_of_seq"`
}

// ExposureView is one symbol's signed open quantity for an owner.
type ExposureView struct {
	Symbol      string          `json:"symbol"`
	Qty         int64           `json:"qty"`
	AvgCostOpen decimal.Decimal `json:"avg_cost_open"`
	GroupID     uuid.UUID       `json:"group_id"`
}

// ExposureResponse is the ledger-side view a reconciliation run compares
// against a broker snapshot.
type ExposureResponse struct {
	OwnerID   uuid.UUID      `json:"owner_id"`
	Exposures []ExposureView `json:"exposures"`
	AsOfSeq   int64          `json:"as_of_seq"`
}

// AuditEvent is one event-log entry in an audit trail.
type AuditEvent struct {
	Seq        int64           `json:"seq"`
	EventID    uuid.UUID       `json:"event_id"`
	GroupID    uuid.UUID       `json:"group_id"`
	LegID      *uuid.UUID      `json:"leg_id,omitempty"`
	Type       string          `json:"type"`
	EventKey   string          `json:"event_key,omitempty"`
	AmountCash decimal.Decimal `json:"amount_cash"`
	QtyDelta   int64           `json:"qty_delta"`
	AppliedAt  time.Time       `json:"applied_at"`
}

// AuditResponse is the ordered event history for an owner or one group.
type AuditResponse struct {
	OwnerID uuid.UUID    `json:"owner_id"`
	GroupID *uuid.UUID   `json:"group_id,omitempty"`
	Events  []AuditEvent `json:"events"`
}

// BreakView is one reconciliation break as served to API clients.
type BreakView struct {
	BreakID    uuid.UUID        `json:"break_id"`
	RunID      uuid.UUID        `json:"run_id"`
	Symbol     string           `json:"symbol"`
	Type       string           `json:"type"`
	LedgerQty  int64            `json:"ledger_qty"`
	BrokerQty  int64            `json:"broker_qty"`
	QtyDiff    int64            `json:"qty_diff"`
	LedgerCost *decimal.Decimal `json:"ledger_cost,omitempty"`
	BrokerCost *decimal.Decimal `json:"broker_cost,omitempty"`
	GroupID    *uuid.UUID       `json:"group_id,omitempty"`
	DetectedAt time.Time        `json:"detected_at"`
	Note       string           `json:"note,omitempty"`
}

// BreaksResponse lists an owner's unresolved breaks.
type BreaksResponse struct {
	OwnerID uuid.UUID   `json:"owner_id"`
	Breaks  []BreakView `json:"breaks"`
}
