package valuation

import (
	"github.com/shopspring/decimal"

	"OptLedger/internal/instrument"
	"OptLedger/internal/ledger"
)

// LegUnrealized computes a leg's open-quantity P&L against its cached mark:
//
//	LONG:  (mid - avg_cost_open) * remaining * multiplier
//	SHORT: (avg_cost_open - mid) * remaining * multiplier
//
// A flat leg has no open exposure to value, so it is unavailable rather
// than zero, as is a leg without a usable mark.
func LegUnrealized(leg *ledger.PositionLeg) (decimal.Decimal, error) {
	if leg.IsFlat() || leg.LastMarkMid == nil {
		return decimal.Zero, ledger.ErrValuationUnavailable
	}

	diff := leg.LastMarkMid.Sub(leg.AvgCostOpen)
	if leg.Side == instrument.SideShort {
		diff = diff.Neg()
	}
	scale := decimal.NewFromInt(leg.RemainingOpen() * leg.Instrument.Multiplier)
	return diff.Mul(scale), nil
}

// LegMarkValue computes a leg's market value at its cached mark: positive
// for long exposure, negative for short (the cost of buying it back).
// Unavailable for flat or unmarked legs, matching LegUnrealized.
func LegMarkValue(leg *ledger.PositionLeg) (decimal.Decimal, error) {
	if leg.IsFlat() || leg.LastMarkMid == nil {
		return decimal.Zero, ledger.ErrValuationUnavailable
	}

	value := leg.LastMarkMid.Mul(decimal.NewFromInt(leg.RemainingOpen() * leg.Instrument.Multiplier))
	if leg.Side == instrument.SideShort {
		value = value.Neg()
	}
	return value, nil
}

// GroupValuation is the aggregate of a group's markable legs. Partial is set
// when at least one open leg lacked a mark and was excluded from the sums;
// callers surface that flag rather than presenting the totals as complete.
//
// NetLiq is realized plus unrealized P&L. Fees are already inside the
// group's realized figure and are not subtracted again.
type GroupValuation struct {
	Unrealized decimal.Decimal
	NetLiq     decimal.Decimal
	Partial    bool
}

// ValueGroup aggregates unrealized P&L and net liquidation value across a
// group's legs. When no open leg could be valued at all the valuation is
// unavailable rather than zero.
func ValueGroup(group *ledger.PositionGroup) (*GroupValuation, error) {
	out := &GroupValuation{}
	openLegs := 0
	valued := 0

	for _, leg := range group.Legs {
		if leg.IsFlat() {
			continue
		}
		openLegs++

		unrealized, err := LegUnrealized(leg)
		if err != nil {
			out.Partial = true
			continue
		}
		out.Unrealized = out.Unrealized.Add(unrealized)
		valued++
	}

	if openLegs > 0 && valued == 0 {
		return nil, ledger.ErrValuationUnavailable
	}
	out.NetLiq = group.RealizedPnL.Add(out.Unrealized)
	return out, nil
}
