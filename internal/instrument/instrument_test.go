package instrument_test

import (
	"OptLedger/internal/instrument"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func optionLeg(symbol string, right instrument.Right, strike string) instrument.Instrument {
	return instrument.Instrument{
		Symbol:     symbol,
		Underlying: "SPY",
		Right:      right,
		Strike:     decimal.RequireFromString(strike),
		Expiry:     time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC),
		Multiplier: instrument.DefaultOptionMultiplier,
	}
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	a := optionLeg("SPY260918C00450000", instrument.RightCall, "450")
	b := optionLeg("SPY260918P00420000", instrument.RightPut, "420")

	fp1 := instrument.Fingerprint([]instrument.Instrument{a, b})
	fp2 := instrument.Fingerprint([]instrument.Instrument{b, a})

	if fp1 != fp2 {
		t.Errorf("fingerprint should be order independent: %s != %s", fp1, fp2)
	}
	if len(fp1) != 64 {
		t.Errorf("expected hex sha256, got %q", fp1)
	}
}

func TestFingerprint_DistinguishesLegSets(t *testing.T) {
	a := optionLeg("SPY260918C00450000", instrument.RightCall, "450")
	b := optionLeg("SPY260918C00455000", instrument.RightCall, "455")

	if instrument.Fingerprint([]instrument.Instrument{a}) == instrument.Fingerprint([]instrument.Instrument{b}) {
		t.Error("different leg sets must not collide")
	}
}

func TestValidate_Option(t *testing.T) {
	leg := optionLeg("SPY260918C00450000", instrument.RightCall, "450")
	if err := leg.Validate(); err != nil {
		t.Fatalf("valid option rejected: %v", err)
	}

	leg.Strike = decimal.Zero
	if err := leg.Validate(); err == nil {
		t.Error("zero strike option should be rejected")
	}
}

func TestValidate_Share(t *testing.T) {
	leg := instrument.Instrument{
		Symbol:     "SPY",
		Underlying: "SPY",
		Right:      instrument.RightShare,
		Multiplier: 1,
	}
	if err := leg.Validate(); err != nil {
		t.Fatalf("valid share rejected: %v", err)
	}

	leg.Strike = decimal.RequireFromString("10")
	if err := leg.Validate(); err == nil {
		t.Error("share with strike should be rejected")
	}
}

func TestSideForOpeningAction(t *testing.T) {
	if instrument.SideForOpeningAction(instrument.ActionBuy) != instrument.SideLong {
		t.Error("BUY should open a long leg")
	}
	if instrument.SideForOpeningAction(instrument.ActionSell) != instrument.SideShort {
		t.Error("SELL should open a short leg")
	}
}

func TestParseRight(t *testing.T) {
	r, err := instrument.ParseRight("call")
	if err != nil || r != instrument.RightCall {
		t.Errorf("ParseRight(call) = %v, %v", r, err)
	}
	if _, err := instrument.ParseRight("swap"); err == nil {
		t.Error("unknown right should error")
	}
}

func TestSideSign(t *testing.T) {
	if instrument.SideLong.Sign() != 1 || instrument.SideShort.Sign() != -1 {
		t.Error("side sign convention broken")
	}
}
