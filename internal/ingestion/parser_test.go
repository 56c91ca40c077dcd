package ingestion

import (
	"strings"
	"testing"
	"time"

	"OptLedger/internal/event"
	"OptLedger/internal/instrument"

	"github.com/shopspring/decimal"
)

// ============================================================
// Fill parsing
// ============================================================

const validFillJSON = `{
	"owner_id": "7b9e3f7e-9b1a-4c6e-8f2d-0a1b2c3d4e5f",
	"broker_exec_id": "EXEC-1001",
	"symbol": "SPY250919C00450000",
	"underlying": "SPY",
	"right": "CALL",
	"strike": "450",
	"expiry": "2025-09-19",
	"action": "BUY",
	"qty": 2,
	"price": "1.35",
	"fee": "0.65",
	"filled_at_us": 1726000000000000
}`

func TestParseFill_Valid(t *testing.T) {
	fill, err := ParseFill([]byte(validFillJSON))
	if err != nil {
		t.Fatalf("ParseFill: %v", err)
	}
	if fill.BrokerExecID != "EXEC-1001" {
		t.Errorf("broker exec id = %q", fill.BrokerExecID)
	}
	if fill.Instrument.Right != instrument.RightCall {
		t.Errorf("right = %v, want CALL", fill.Instrument.Right)
	}
	if fill.Instrument.Multiplier != instrument.DefaultOptionMultiplier {
		t.Errorf("multiplier = %d, want default option multiplier", fill.Instrument.Multiplier)
	}
	if !fill.Instrument.Strike.Equal(decimal.NewFromInt(450)) {
		t.Errorf("strike = %s", fill.Instrument.Strike)
	}
	if fill.Instrument.Expiry != time.Date(2025, 9, 19, 0, 0, 0, 0, time.UTC) {
		t.Errorf("expiry = %v", fill.Instrument.Expiry)
	}
	if fill.Source != instrument.SourceLive {
		t.Errorf("source = %v, want LIVE default", fill.Source)
	}
	if !fill.FilledAt.Equal(time.UnixMicro(1726000000000000).UTC()) {
		t.Errorf("filled_at = %v", fill.FilledAt)
	}
}

func TestParseFill_ShareDefaultsMultiplierOne(t *testing.T) {
	raw := `{
		"owner_id": "7b9e3f7e-9b1a-4c6e-8f2d-0a1b2c3d4e5f",
		"symbol": "SPY",
		"underlying": "SPY",
		"right": "SHARE",
		"strike": "0",
		"action": "SELL",
		"qty": 100,
		"price": "447.12",
		"fee": "0",
		"filled_at_us": 1726000000000000
	}`
	fill, err := ParseFill([]byte(raw))
	if err != nil {
		t.Fatalf("ParseFill: %v", err)
	}
	if fill.Instrument.Multiplier != 1 {
		t.Errorf("share multiplier = %d, want 1", fill.Instrument.Multiplier)
	}
}

func TestParseFill_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{"bad json", func(s string) string { return s[:20] }, "parse fill"},
		{"bad owner", func(s string) string {
			return strings.Replace(s, "7b9e3f7e-9b1a-4c6e-8f2d-0a1b2c3d4e5f", "not-a-uuid", 1)
		}, "owner_id"},
		{"bad right", func(s string) string { return strings.Replace(s, `"CALL"`, `"SWAP"`, 1) }, "right"},
		{"bad action", func(s string) string { return strings.Replace(s, `"BUY"`, `"HOLD"`, 1) }, "action"},
		{"bad expiry", func(s string) string { return strings.Replace(s, "2025-09-19", "09/19/2025", 1) }, "expiry"},
		{"zero qty", func(s string) string { return strings.Replace(s, `"qty": 2`, `"qty": 0`, 1) }, "qty"},
		{"negative price", func(s string) string { return strings.Replace(s, `"1.35"`, `"-1.35"`, 1) }, "price"},
		{"missing filled_at", func(s string) string {
			return strings.Replace(s, `"filled_at_us": 1726000000000000`, `"filled_at_us": 0`, 1)
		}, "filled_at"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseFill([]byte(tc.mutate(validFillJSON)))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

// ============================================================
// Quote parsing
// ============================================================

func TestParseQuote_DerivesNothingItself(t *testing.T) {
	raw := `{"symbol": "SPY250919C00450000", "bid": "1.20", "ask": "1.30", "quoted_at_us": 1726000005000000}`
	q, err := ParseQuote([]byte(raw))
	if err != nil {
		t.Fatalf("ParseQuote: %v", err)
	}
	if q.Mid != nil {
		t.Error("parser should pass mid through untouched, resolution happens in valuation")
	}
	if q.Bid == nil || !q.Bid.Equal(decimal.RequireFromString("1.20")) {
		t.Errorf("bid = %v", q.Bid)
	}
	if mid := q.ResolveMid(); mid == nil || !mid.Equal(decimal.RequireFromString("1.25")) {
		t.Errorf("resolved mid = %v, want 1.25", mid)
	}
}

func TestParseQuote_RequiresSymbolAndTimestamp(t *testing.T) {
	if _, err := ParseQuote([]byte(`{"bid": "1.20", "quoted_at_us": 1}`)); err == nil {
		t.Error("missing symbol accepted")
	}
	if _, err := ParseQuote([]byte(`{"symbol": "SPY"}`)); err == nil {
		t.Error("missing quoted_at_us accepted")
	}
}

// ============================================================
// Lifecycle parsing
// ============================================================

const lifecycleBase = `{
	"kind": "%s",
	"owner_id": "7b9e3f7e-9b1a-4c6e-8f2d-0a1b2c3d4e5f",
	"group_id": "0c1d2e3f-4a5b-6c7d-8e9f-0a1b2c3d4e5f",
	"symbol": "SPY250919C00450000",
	"qty": 1,
	"price": "450",
	"occurred_at_us": 1726000010000000%s
}`

func lifecycleRaw(kind, extra string) []byte {
	raw := strings.Replace(lifecycleBase, "%s", kind, 1)
	return []byte(strings.Replace(raw, "%s", extra, 1))
}

func TestParseLifecycle_Kinds(t *testing.T) {
	for kind, want := range map[string]event.Type{
		"ASSIGNMENT": event.TypeAssignment,
		"EXERCISE":   event.TypeExercise,
		"EXPIRATION": event.TypeExpiration,
	} {
		msg, err := ParseLifecycle(lifecycleRaw(kind, ""))
		if err != nil {
			t.Fatalf("ParseLifecycle(%s): %v", kind, err)
		}
		if msg.Type != want {
			t.Errorf("%s parsed as %v", kind, msg.Type)
		}
		if msg.Lifecycle == nil || msg.CorpAction != nil {
			t.Errorf("%s: wrong payload population", kind)
		}
		if msg.Lifecycle.Qty != 1 || !msg.Lifecycle.Price.Equal(decimal.NewFromInt(450)) {
			t.Errorf("%s payload = %+v", kind, msg.Lifecycle)
		}
	}
}

func TestParseLifecycle_CorpAction(t *testing.T) {
	msg, err := ParseLifecycle(lifecycleRaw("CORP_ACTION",
		`, "corp_kind": "split", "ratio": "2", "new_multiplier": 200`))
	if err != nil {
		t.Fatalf("ParseLifecycle: %v", err)
	}
	if msg.Type != event.TypeCorporateAction || msg.CorpAction == nil {
		t.Fatalf("corp action not populated: %+v", msg)
	}
	if msg.CorpAction.Kind != "split" || msg.CorpAction.NewMultiplier != 200 {
		t.Errorf("corp action payload = %+v", msg.CorpAction)
	}
	if !msg.CorpAction.Ratio.Equal(decimal.NewFromInt(2)) {
		t.Errorf("ratio = %s", msg.CorpAction.Ratio)
	}
}

func TestParseLifecycle_CorpActionRequiresKind(t *testing.T) {
	if _, err := ParseLifecycle(lifecycleRaw("CORP_ACTION", `, "new_multiplier": 200`)); err == nil {
		t.Error("corp action without corp_kind accepted")
	}
}

func TestParseLifecycle_UnknownKind(t *testing.T) {
	if _, err := ParseLifecycle(lifecycleRaw("DIVIDEND", "")); err == nil {
		t.Error("unknown kind accepted")
	}
}

// ============================================================
// Cash parsing
// ============================================================

func TestParseCash(t *testing.T) {
	raw := `{
		"owner_id": "7b9e3f7e-9b1a-4c6e-8f2d-0a1b2c3d4e5f",
		"group_id": "0c1d2e3f-4a5b-6c7d-8e9f-0a1b2c3d4e5f",
		"amount": "-0.42",
		"category": "fee",
		"note": "exchange fee true-up",
		"occurred_at_us": 1726000020000000
	}`
	msg, err := ParseCash([]byte(raw))
	if err != nil {
		t.Fatalf("ParseCash: %v", err)
	}
	if !msg.Payload.Amount.Equal(decimal.RequireFromString("-0.42")) {
		t.Errorf("amount = %s", msg.Payload.Amount)
	}
	if msg.Payload.Category != "fee" {
		t.Errorf("category = %q", msg.Payload.Category)
	}

	if _, err := ParseCash([]byte(strings.Replace(raw, `"fee"`, `"rebate"`, 1))); err == nil {
		t.Error("unknown category accepted")
	}
}
