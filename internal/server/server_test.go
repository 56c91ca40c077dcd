package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"OptLedger/internal/instrument"
	"OptLedger/internal/ledger"
	"OptLedger/internal/observability"
	"OptLedger/internal/query"
	"OptLedger/internal/reconcile"
	"OptLedger/internal/server"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	testOwner  = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	testExpiry = time.Date(2026, 9, 18, 0, 0, 0, 0, time.UTC)
	baseTime   = time.Date(2026, 8, 3, 14, 30, 0, 0, time.UTC)

	// Prometheus collectors register globally, so one set serves the whole
	// test binary.
	testMetrics = observability.NewMetrics()
)

type testEnv struct {
	engine  *ledger.Engine
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	eng := ledger.NewEngine(
		ledger.NewMemoryEventLog(),
		ledger.NewIdempotencyChecker(1024, nil),
		nil,
		nil,
		zerolog.Nop(),
	)
	store := reconcile.NewMemoryBreakStore()
	rec := reconcile.NewReconciler(eng, store, decimal.RequireFromString("0.01"), nil, zerolog.Nop())
	queries := query.NewService(eng, store)
	health := observability.NewHealthChecker()
	health.SetReady(true)

	srv := server.NewServer(server.Config{Addr: ":0"}, queries, rec, health, testMetrics, zerolog.Nop())
	return &testEnv{engine: eng, handler: srv.Handler()}
}

func (env *testEnv) applyFill(t *testing.T, execID, symbol string, action instrument.Action, qty int64, price string) *ledger.FillResult {
	t.Helper()
	res, err := env.engine.ApplyFill(&ledger.Fill{
		OwnerID:      testOwner,
		BrokerExecID: execID,
		Instrument: instrument.Instrument{
			Symbol:     symbol,
			Underlying: "SPY",
			Right:      instrument.RightCall,
			Strike:     decimal.RequireFromString("450"),
			Expiry:     testExpiry,
			Multiplier: instrument.DefaultOptionMultiplier,
		},
		Action:   action,
		Qty:      qty,
		Price:    decimal.RequireFromString(price),
		Fee:      decimal.RequireFromString("0.65"),
		FilledAt: baseTime,
		Source:   instrument.SourceLive,
	})
	if err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	return res
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decode response: %v\nbody: %s", err, w.Body.String())
	}
}

func TestOwnerGroups(t *testing.T) {
	env := newTestEnv(t)
	res := env.applyFill(t, "exec-1", "SPY260918C00450000", instrument.ActionBuy, 2, "2.00")

	w := env.do(t, "GET", fmt.Sprintf("/api/v1/owners/%s/groups", testOwner), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}

	var resp query.GroupsResponse
	decodeBody(t, w, &resp)
	if len(resp.Groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(resp.Groups))
	}
	g := resp.Groups[0]
	if g.GroupID != res.GroupID {
		t.Errorf("group id = %s, want %s", g.GroupID, res.GroupID)
	}
	if g.Status != "OPEN" {
		t.Errorf("status = %q", g.Status)
	}
	if len(g.Legs) != 1 || g.Legs[0].QtyCurrent != 2 {
		t.Errorf("legs = %+v", g.Legs)
	}
}

func TestOwnerGroups_TerminalFiltered(t *testing.T) {
	env := newTestEnv(t)
	env.applyFill(t, "exec-1", "SPY260918C00450000", instrument.ActionBuy, 2, "2.00")
	env.applyFill(t, "exec-2", "SPY260918C00450000", instrument.ActionSell, 2, "2.50")

	w := env.do(t, "GET", fmt.Sprintf("/api/v1/owners/%s/groups", testOwner), nil)
	var resp query.GroupsResponse
	decodeBody(t, w, &resp)
	if len(resp.Groups) != 0 {
		t.Errorf("closed group returned without include_terminal: %+v", resp.Groups)
	}

	w = env.do(t, "GET", fmt.Sprintf("/api/v1/owners/%s/groups?include_terminal=true", testOwner), nil)
	decodeBody(t, w, &resp)
	if len(resp.Groups) != 1 || resp.Groups[0].Status != "CLOSED" {
		t.Errorf("terminal groups = %+v", resp.Groups)
	}
}

func TestGroupDetail_NotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/groups/"+uuid.NewString(), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestBadOwnerID(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/owners/not-a-uuid/groups", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestOwnerPnL(t *testing.T) {
	env := newTestEnv(t)
	// Round trip: buy 1 @ 2.00, sell 1 @ 2.50, fees 2 x 0.65.
	// Gross 0.50 x 100 = 50, realized 50 - 1.30 = 48.70.
	env.applyFill(t, "exec-1", "SPY260918C00450000", instrument.ActionBuy, 1, "2.00")
	env.applyFill(t, "exec-2", "SPY260918C00450000", instrument.ActionSell, 1, "2.50")

	w := env.do(t, "GET", fmt.Sprintf("/api/v1/owners/%s/pnl", testOwner), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp query.PnLResponse
	decodeBody(t, w, &resp)
	if !resp.Realized.Equal(decimal.RequireFromString("48.70")) {
		t.Errorf("realized = %s, want 48.70", resp.Realized)
	}
	if resp.TerminalGroups != 1 || resp.OpenGroups != 0 {
		t.Errorf("group counts = open %d terminal %d", resp.OpenGroups, resp.TerminalGroups)
	}
}

func TestOwnerAudit(t *testing.T) {
	env := newTestEnv(t)
	env.applyFill(t, "exec-1", "SPY260918C00450000", instrument.ActionBuy, 2, "2.00")
	env.applyFill(t, "exec-2", "SPY260918C00450000", instrument.ActionSell, 1, "2.50")

	w := env.do(t, "GET", fmt.Sprintf("/api/v1/owners/%s/audit", testOwner), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp query.AuditResponse
	decodeBody(t, w, &resp)
	if len(resp.Events) != 2 {
		t.Fatalf("got %d events, want 2", len(resp.Events))
	}
	if resp.Events[0].Seq >= resp.Events[1].Seq {
		t.Error("audit events out of sequence order")
	}
	if resp.Events[0].Type != "FILL" {
		t.Errorf("event type = %q", resp.Events[0].Type)
	}
}

func TestReconcileRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.applyFill(t, "exec-1", "SPY260918C00450000", instrument.ActionBuy, 2, "2.00")

	// Broker reports only 1 contract: one QTY_MISMATCH break.
	snap := map[string]interface{}{
		"owner_id":    testOwner.String(),
		"source":      "broker-api",
		"taken_at_us": baseTime.UnixMicro(),
		"positions": []map[string]interface{}{
			{"symbol": "SPY260918C00450000", "qty": 1, "avg_cost": "2.00"},
		},
	}
	w := env.do(t, "POST", "/api/v1/reconcile", snap)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile status = %d, body: %s", w.Code, w.Body.String())
	}

	var report struct {
		Breaks []query.BreakView `json:"breaks"`
	}
	decodeBody(t, w, &report)
	if len(report.Breaks) != 1 {
		t.Fatalf("got %d breaks, want 1", len(report.Breaks))
	}
	brk := report.Breaks[0]
	if brk.Type != "QTY_MISMATCH" || brk.QtyDiff != 1 {
		t.Errorf("break = %+v", brk)
	}

	// The break shows up as unresolved.
	w = env.do(t, "GET", fmt.Sprintf("/api/v1/owners/%s/breaks", testOwner), nil)
	var breaks query.BreaksResponse
	decodeBody(t, w, &breaks)
	if len(breaks.Breaks) != 1 {
		t.Fatalf("unresolved breaks = %d, want 1", len(breaks.Breaks))
	}

	// Resolve it and confirm the list empties.
	w = env.do(t, "POST", fmt.Sprintf("/api/v1/breaks/%s/resolve", brk.BreakID),
		map[string]string{"note": "manual correction submitted"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve status = %d, body: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", fmt.Sprintf("/api/v1/owners/%s/breaks", testOwner), nil)
	decodeBody(t, w, &breaks)
	if len(breaks.Breaks) != 0 {
		t.Errorf("breaks remain after resolve: %+v", breaks.Breaks)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, "GET", "/healthz", nil); w.Code != http.StatusOK {
		t.Errorf("healthz = %d", w.Code)
	}
	if w := env.do(t, "GET", "/readyz", nil); w.Code != http.StatusOK {
		t.Errorf("readyz = %d", w.Code)
	}
}
