package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"OptLedger/internal/ledger"
	"OptLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Reconciler runs snapshot comparisons against live ledger exposure.
type Reconciler struct {
	engine  *ledger.Engine
	store   BreakStore
	metrics *observability.Metrics
	logger  zerolog.Logger

	// priceTolerance bounds acceptable |ledger_cost - broker_cost| before a
	// PRICE_MISMATCH is raised. Brokers round average cost differently, so
	// exact comparison would flag every position.
	priceTolerance decimal.Decimal
}

// Report summarizes one reconciliation run.
type Report struct {
	RunID   uuid.UUID
	OwnerID uuid.UUID
	RanAt   time.Time
	Symbols int
	Breaks  []*Break
}

func NewReconciler(engine *ledger.Engine, store BreakStore, priceTolerance decimal.Decimal, metrics *observability.Metrics, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		engine:         engine,
		store:          store,
		metrics:        metrics,
		logger:         logger,
		priceTolerance: priceTolerance,
	}
}

// Run compares one broker snapshot against the owner's open ledger exposure
// and persists every break found. The context is checked between symbols so
// a shutdown does not stall behind a large statement.
func (r *Reconciler) Run(ctx context.Context, snap *Snapshot) (*Report, error) {
	if snap.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("reconcile: owner required")
	}
	start := time.Now()

	report := &Report{
		RunID:   uuid.New(),
		OwnerID: snap.OwnerID,
		RanAt:   snap.TakenAt,
	}
	if report.RanAt.IsZero() {
		report.RanAt = start
	}

	ledgerSide := r.engine.OpenExposure(snap.OwnerID)
	brokerSide := make(map[string]BrokerPosition, len(snap.Positions))
	for _, pos := range snap.Positions {
		brokerSide[pos.Symbol] = pos
	}

	symbols := unionSymbols(ledgerSide, brokerSide)
	report.Symbols = len(symbols)

	for _, symbol := range symbols {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		exp, inLedger := ledgerSide[symbol]
		pos, inBroker := brokerSide[symbol]

		switch {
		case inLedger && !inBroker:
			report.Breaks = append(report.Breaks, r.newBreak(report, symbol, BreakMissingInBroker, exp, pos))
		case !inLedger && inBroker:
			report.Breaks = append(report.Breaks, r.newBreak(report, symbol, BreakMissingInLedger, exp, pos))
		case exp.Qty != pos.Qty:
			report.Breaks = append(report.Breaks, r.newBreak(report, symbol, BreakQtyMismatch, exp, pos))
		case r.priceDiverges(exp, pos):
			report.Breaks = append(report.Breaks, r.newBreak(report, symbol, BreakPriceMismatch, exp, pos))
		}
	}

	if len(report.Breaks) > 0 && r.store != nil {
		if err := r.store.SaveBreaks(ctx, report.Breaks); err != nil {
			return nil, fmt.Errorf("save breaks for run %s: %w", report.RunID, err)
		}
	}

	if r.metrics != nil {
		r.metrics.ReconRuns.Inc()
		r.metrics.ReconDuration.Observe(time.Since(start).Seconds())
		for _, brk := range report.Breaks {
			r.metrics.ReconBreaks.WithLabelValues(string(brk.Type)).Inc()
		}
	}
	r.logger.Info().
		Str("run_id", report.RunID.String()).
		Str("owner", snap.OwnerID.String()).
		Int("symbols", report.Symbols).
		Int("breaks", len(report.Breaks)).
		Msg("reconciliation run complete")

	return report, nil
}

// Resolve marks one break resolved with an operator note.
func (r *Reconciler) Resolve(ctx context.Context, breakID uuid.UUID, note string) error {
	if r.store == nil {
		return fmt.Errorf("reconcile: no break store configured")
	}
	if err := r.store.Resolve(ctx, breakID, note, time.Now().UTC()); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.BreaksResolved.Inc()
	}
	return nil
}

// Unresolved returns the owner's open breaks.
func (r *Reconciler) Unresolved(ctx context.Context, ownerID uuid.UUID) ([]*Break, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.Unresolved(ctx, ownerID)
}

func (r *Reconciler) newBreak(report *Report, symbol string, t BreakType, exp *ledger.SymbolExposure, pos BrokerPosition) *Break {
	brk := &Break{
		ID:         uuid.New(),
		RunID:      report.RunID,
		OwnerID:    report.OwnerID,
		Symbol:     symbol,
		Type:       t,
		BrokerQty:  pos.Qty,
		BrokerCost: pos.AvgCost,
		DetectedAt: report.RanAt,
	}
	if exp != nil {
		brk.LedgerQty = exp.Qty
		cost := exp.AvgCostOpen
		brk.LedgerCost = &cost
		groupID, legID := exp.GroupID, exp.LegID
		brk.GroupID = &groupID
		brk.LegID = &legID
	}
	brk.QtyDiff = brk.LedgerQty - brk.BrokerQty
	return brk
}

func (r *Reconciler) priceDiverges(exp *ledger.SymbolExposure, pos BrokerPosition) bool {
	if pos.AvgCost == nil {
		return false
	}
	diff := exp.AvgCostOpen.Sub(*pos.AvgCost).Abs()
	return diff.GreaterThan(r.priceTolerance)
}

func unionSymbols(ledgerSide map[string]*ledger.SymbolExposure, brokerSide map[string]BrokerPosition) []string {
	seen := make(map[string]struct{}, len(ledgerSide)+len(brokerSide))
	for s := range ledgerSide {
		seen[s] = struct{}{}
	}
	for s := range brokerSide {
		seen[s] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
