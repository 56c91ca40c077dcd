package valuation_test

import (
	"errors"
	"testing"
	"time"

	"OptLedger/internal/instrument"
	"OptLedger/internal/ledger"
	"OptLedger/internal/valuation"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	testOwner  = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	testExpiry = time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC)
	baseTime   = time.Date(2026, 8, 3, 14, 30, 0, 0, time.UTC)
)

func newTestEngine() *ledger.Engine {
	return ledger.NewEngine(ledger.NewMemoryEventLog(), ledger.NewIdempotencyChecker(128, nil), nil, nil, zerolog.Nop())
}

func optionInst(symbol string, right instrument.Right, strike string) instrument.Instrument {
	return instrument.Instrument{
		Symbol:     symbol,
		Underlying: "SPY",
		Right:      right,
		Strike:     decimal.RequireFromString(strike),
		Expiry:     testExpiry,
		Multiplier: instrument.DefaultOptionMultiplier,
	}
}

func applyFill(t *testing.T, eng *ledger.Engine, execID string, inst instrument.Instrument, action instrument.Action, qty int64, price string) *ledger.FillResult {
	t.Helper()
	res, err := eng.ApplyFill(&ledger.Fill{
		OwnerID:      testOwner,
		BrokerExecID: execID,
		Instrument:   inst,
		Action:       action,
		Qty:          qty,
		Price:        decimal.RequireFromString(price),
		FilledAt:     baseTime,
		Source:       instrument.SourceLive,
	})
	if err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	return res
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func recordQuote(t *testing.T, svc *valuation.Service, symbol string, mid *decimal.Decimal) {
	t.Helper()
	if _, err := svc.RecordQuote(&valuation.Quote{
		Symbol:   symbol,
		Mid:      mid,
		Source:   instrument.SourceLive,
		QuotedAt: baseTime.Add(time.Minute),
	}); err != nil {
		t.Fatalf("RecordQuote(%s): %v", symbol, err)
	}
}

func TestLegUnrealized_LongCall(t *testing.T) {
	eng := newTestEngine()
	svc := valuation.NewService(eng, nil, nil, zerolog.Nop())
	inst := optionInst("SPY260918C00450000", instrument.RightCall, "450")

	res := applyFill(t, eng, "exec-1", inst, instrument.ActionBuy, 1, "2.00")
	recordQuote(t, svc, inst.Symbol, dec("3.00"))

	group, _ := eng.Group(res.GroupID)
	unrealized, err := valuation.LegUnrealized(group.LegBySymbol(inst.Symbol))
	if err != nil {
		t.Fatalf("LegUnrealized: %v", err)
	}
	// (3.00 - 2.00) * 1 * 100
	if !unrealized.Equal(decimal.RequireFromString("100")) {
		t.Errorf("unrealized = %s, want 100", unrealized)
	}
}

func TestLegUnrealized_ShortPutMovingAgainst(t *testing.T) {
	eng := newTestEngine()
	svc := valuation.NewService(eng, nil, nil, zerolog.Nop())
	inst := optionInst("SPY260918P00430000", instrument.RightPut, "430")

	res := applyFill(t, eng, "exec-1", inst, instrument.ActionSell, 2, "1.50")
	recordQuote(t, svc, inst.Symbol, dec("2.00"))

	group, _ := eng.Group(res.GroupID)
	unrealized, err := valuation.LegUnrealized(group.LegBySymbol(inst.Symbol))
	if err != nil {
		t.Fatalf("LegUnrealized: %v", err)
	}
	// Short: (1.50 - 2.00) * 2 * 100
	if !unrealized.Equal(decimal.RequireFromString("-100")) {
		t.Errorf("unrealized = %s, want -100", unrealized)
	}
}

func TestLegUnrealized_NoMarkIsUnavailableNotZero(t *testing.T) {
	eng := newTestEngine()
	inst := optionInst("SPY260918C00450000", instrument.RightCall, "450")

	res := applyFill(t, eng, "exec-1", inst, instrument.ActionBuy, 1, "2.00")

	group, _ := eng.Group(res.GroupID)
	_, err := valuation.LegUnrealized(group.LegBySymbol(inst.Symbol))
	if !errors.Is(err, ledger.ErrValuationUnavailable) {
		t.Fatalf("want ErrValuationUnavailable, got %v", err)
	}
}

func TestLegUnrealized_FlatLegIsUnavailable(t *testing.T) {
	eng := newTestEngine()
	inst := optionInst("SPY260918C00450000", instrument.RightCall, "450")

	applyFill(t, eng, "exec-1", inst, instrument.ActionBuy, 1, "2.00")
	res := applyFill(t, eng, "exec-2", inst, instrument.ActionSell, 1, "3.00")

	// A closed-out leg has no open exposure; "worth zero" would be a claim
	// about a position that no longer exists.
	group, _ := eng.Group(res.GroupID)
	_, err := valuation.LegUnrealized(group.LegBySymbol(inst.Symbol))
	if !errors.Is(err, ledger.ErrValuationUnavailable) {
		t.Fatalf("want ErrValuationUnavailable for flat leg, got %v", err)
	}
	_, err = valuation.LegMarkValue(group.LegBySymbol(inst.Symbol))
	if !errors.Is(err, ledger.ErrValuationUnavailable) {
		t.Fatalf("want ErrValuationUnavailable for flat leg mark value, got %v", err)
	}
}

func TestQuote_MidDerivedFromBidAsk(t *testing.T) {
	q := &valuation.Quote{Bid: dec("1.00"), Ask: dec("1.50")}
	mid := q.ResolveMid()
	if mid == nil || !mid.Equal(decimal.RequireFromString("1.25")) {
		t.Errorf("mid = %v, want 1.25", mid)
	}
}

func TestQuote_OneSidedBookHasNoMid(t *testing.T) {
	q := &valuation.Quote{Bid: dec("1.00")}
	if q.ResolveMid() != nil {
		t.Error("one-sided quote must not produce a mid")
	}
}

func TestRecordQuote_OneSidedMarksLegUnavailable(t *testing.T) {
	eng := newTestEngine()
	svc := valuation.NewService(eng, nil, nil, zerolog.Nop())
	inst := optionInst("SPY260918C00450000", instrument.RightCall, "450")

	res := applyFill(t, eng, "exec-1", inst, instrument.ActionBuy, 1, "2.00")

	// Two-sided quote first, then a one-sided update supersedes it.
	recordQuote(t, svc, inst.Symbol, dec("3.00"))
	if _, err := svc.RecordQuote(&valuation.Quote{
		Symbol:   inst.Symbol,
		Bid:      dec("2.80"),
		Source:   instrument.SourceLive,
		QuotedAt: baseTime.Add(2 * time.Minute),
	}); err != nil {
		t.Fatalf("RecordQuote: %v", err)
	}

	group, _ := eng.Group(res.GroupID)
	_, err := valuation.LegUnrealized(group.LegBySymbol(inst.Symbol))
	if !errors.Is(err, ledger.ErrValuationUnavailable) {
		t.Fatalf("stale mid survived one-sided update: %v", err)
	}
}

func TestRecordQuote_EmitsHistoryRows(t *testing.T) {
	marks := make(chan *valuation.LegMark, 8)
	eng := newTestEngine()
	svc := valuation.NewService(eng, marks, nil, zerolog.Nop())
	inst := optionInst("SPY260918C00450000", instrument.RightCall, "450")

	applyFill(t, eng, "exec-1", inst, instrument.ActionBuy, 1, "2.00")

	marked, err := svc.RecordQuote(&valuation.Quote{
		Symbol:   inst.Symbol,
		Bid:      dec("2.90"),
		Ask:      dec("3.10"),
		Source:   instrument.SourceLive,
		QuotedAt: baseTime.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("RecordQuote: %v", err)
	}
	if marked != 1 {
		t.Fatalf("marked %d legs, want 1", marked)
	}

	row := <-marks
	if row.Symbol != inst.Symbol {
		t.Errorf("history row symbol = %s", row.Symbol)
	}
	if row.Mid == nil || !row.Mid.Equal(decimal.RequireFromString("3.00")) {
		t.Errorf("history row mid = %v, want 3.00", row.Mid)
	}
}

func TestRecordQuote_UnheldSymbolIsDropped(t *testing.T) {
	eng := newTestEngine()
	svc := valuation.NewService(eng, nil, nil, zerolog.Nop())

	marked, err := svc.RecordQuote(&valuation.Quote{
		Symbol:   "SPY260918C00999000",
		Mid:      dec("0.05"),
		QuotedAt: baseTime,
	})
	if err != nil {
		t.Fatalf("RecordQuote: %v", err)
	}
	if marked != 0 {
		t.Errorf("marked %d legs for unheld symbol, want 0", marked)
	}
}

func TestValueGroup_PartialWhenOneLegUnmarked(t *testing.T) {
	eng := newTestEngine()
	svc := valuation.NewService(eng, nil, nil, zerolog.Nop())
	put := optionInst("SPY260918P00430000", instrument.RightPut, "430")
	call := optionInst("SPY260918C00470000", instrument.RightCall, "470")
	fp := instrument.Fingerprint([]instrument.Instrument{put, call})

	apply := func(execID string, inst instrument.Instrument) *ledger.FillResult {
		t.Helper()
		res, err := eng.ApplyFill(&ledger.Fill{
			OwnerID:         testOwner,
			BrokerExecID:    execID,
			Instrument:      inst,
			StrategyKey:     "strangle",
			LegsFingerprint: fp,
			Action:          instrument.ActionSell,
			Qty:             1,
			Price:           decimal.RequireFromString("1.50"),
			FilledAt:        baseTime,
			Source:          instrument.SourceLive,
		})
		if err != nil {
			t.Fatalf("ApplyFill: %v", err)
		}
		return res
	}

	res := apply("exec-1", put)
	apply("exec-2", call)

	// Only the put gets a mark.
	recordQuote(t, svc, put.Symbol, dec("1.00"))

	group, _ := eng.Group(res.GroupID)
	val, err := valuation.ValueGroup(group)
	if err != nil {
		t.Fatalf("ValueGroup: %v", err)
	}
	if !val.Partial {
		t.Error("valuation not flagged partial with an unmarked leg")
	}
	// Short put: (1.50 - 1.00) * 1 * 100
	if !val.Unrealized.Equal(decimal.RequireFromString("50")) {
		t.Errorf("unrealized = %s, want 50", val.Unrealized)
	}
	// Nothing realized yet, so net liq tracks the available unrealized sum.
	if !val.NetLiq.Equal(decimal.RequireFromString("50")) {
		t.Errorf("net_liq = %s, want 50", val.NetLiq)
	}

	// The short put leg itself liquidates at -mid.
	markValue, err := valuation.LegMarkValue(group.LegBySymbol(put.Symbol))
	if err != nil {
		t.Fatalf("LegMarkValue: %v", err)
	}
	if !markValue.Equal(decimal.RequireFromString("-100")) {
		t.Errorf("mark value = %s, want -100", markValue)
	}

	// Once both legs are marked the flag clears.
	recordQuote(t, svc, call.Symbol, dec("1.20"))
	group, _ = eng.Group(res.GroupID)
	val, err = valuation.ValueGroup(group)
	if err != nil {
		t.Fatalf("ValueGroup: %v", err)
	}
	if val.Partial {
		t.Error("valuation still partial after both legs marked")
	}
}

func TestValueGroup_AllUnmarkedIsUnavailable(t *testing.T) {
	eng := newTestEngine()
	inst := optionInst("SPY260918C00450000", instrument.RightCall, "450")

	res := applyFill(t, eng, "exec-1", inst, instrument.ActionBuy, 1, "2.00")

	group, _ := eng.Group(res.GroupID)
	_, err := valuation.ValueGroup(group)
	if !errors.Is(err, ledger.ErrValuationUnavailable) {
		t.Fatalf("want ErrValuationUnavailable, got %v", err)
	}
}
