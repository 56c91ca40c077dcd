// Package valuation turns broker quotes into per-leg marks and computes
// unrealized P&L and net liquidation value from them. A missing mark yields
// "unavailable", never a silent zero.
package valuation

import (
	"time"

	"OptLedger/internal/instrument"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Quote is one inbound market observation for a symbol.
type Quote struct {
	Symbol   string
	Bid      *decimal.Decimal
	Ask      *decimal.Decimal
	Mid      *decimal.Decimal // optional, derived from bid/ask when absent
	Source   instrument.Source
	QuotedAt time.Time
}

// ResolveMid returns the usable mid price: the quoted mid when present,
// otherwise (bid+ask)/2 when both sides exist. Nil means the quote cannot
// value a leg; a one-sided or empty book is not worth zero.
func (q *Quote) ResolveMid() *decimal.Decimal {
	if q.Mid != nil {
		return q.Mid
	}
	if q.Bid != nil && q.Ask != nil {
		mid := q.Bid.Add(*q.Ask).Div(decimal.NewFromInt(2))
		return &mid
	}
	return nil
}

// LegMark is one mark-history row: the quote as applied to a specific leg.
// New marks supersede older ones for valuation, but history rows are never
// deleted.
type LegMark struct {
	ID       uuid.UUID
	GroupID  uuid.UUID
	LegID    uuid.UUID
	Symbol   string
	Bid      *decimal.Decimal
	Ask      *decimal.Decimal
	Mid      *decimal.Decimal
	Source   instrument.Source
	MarkedAt time.Time
}
