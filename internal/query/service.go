// Package query is the read side of the ledger. It projects engine state,
// valuations, and reconciliation breaks into API response shapes. Every
// response carries as_of_seq so clients can reason about freshness.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"OptLedger/internal/ledger"
	"OptLedger/internal/reconcile"
	"OptLedger/internal/valuation"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound marks lookups for groups or owners the ledger does not know.
var ErrNotFound = errors.New("not found")

// Service answers read queries from engine state. All reads are served from
// memory; the engine hands out deep copies, so responses are stable even
// while fills keep applying.
type Service struct {
	engine *ledger.Engine
	breaks reconcile.BreakStore
}

func NewService(engine *ledger.Engine, breaks reconcile.BreakStore) *Service {
	return &Service{engine: engine, breaks: breaks}
}

// Groups returns an owner's position groups, newest first. Terminal groups
// are included only when requested; they remain queryable history forever.
func (s *Service) Groups(ownerID uuid.UUID, includeTerminal bool) *GroupsResponse {
	asOf := s.engine.NextSeq() - 1
	groups := s.engine.OwnerGroups(ownerID, includeTerminal)
	sort.Slice(groups, func(i, j int) bool {
		if !groups[i].OpenedAt.Equal(groups[j].OpenedAt) {
			return groups[i].OpenedAt.After(groups[j].OpenedAt)
		}
		return groups[i].ID.String() < groups[j].ID.String()
	})

	out := &GroupsResponse{
		OwnerID: ownerID,
		Groups:  make([]GroupView, 0, len(groups)),
		AsOfSeq: asOf,
	}
	for _, g := range groups {
		out.Groups = append(out.Groups, s.groupView(g, asOf))
	}
	return out
}

// Group returns one group with legs and valuation.
func (s *Service) Group(groupID uuid.UUID) (*GroupView, error) {
	group, ok := s.engine.Group(groupID)
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
	}
	view := s.groupView(group, s.engine.NextSeq()-1)
	return &view, nil
}

// PnL aggregates realized and unrealized P&L across all of an owner's
// groups. Unavailable valuations are excluded from the unrealized totals
// rather than counted as zero; UnrealizedPartial reports the gap.
func (s *Service) PnL(ownerID uuid.UUID) *PnLResponse {
	asOf := s.engine.NextSeq() - 1
	groups := s.engine.OwnerGroups(ownerID, true)

	out := &PnLResponse{
		OwnerID:    ownerID,
		Realized:   decimal.Zero,
		FeesPaid:   decimal.Zero,
		Unrealized: decimal.Zero,
		NetLiq:     decimal.Zero,
		AsOfSeq:    asOf,
	}
	for _, g := range groups {
		out.Realized = out.Realized.Add(g.RealizedPnL)
		out.FeesPaid = out.FeesPaid.Add(g.FeesPaid)
		if g.Status.IsTerminal() {
			out.TerminalGroups++
			continue
		}
		out.OpenGroups++

		val, err := valuation.ValueGroup(g)
		if err != nil {
			out.UnrealizedPartial = true
			continue
		}
		out.Unrealized = out.Unrealized.Add(val.Unrealized)
		out.NetLiq = out.NetLiq.Add(val.NetLiq)
		if val.Partial {
			out.UnrealizedPartial = true
		}
	}
	return out
}

// Exposure returns the owner's signed per-symbol open quantities, the same
// view a reconciliation run compares against a broker snapshot.
func (s *Service) Exposure(ownerID uuid.UUID) *ExposureResponse {
	asOf := s.engine.NextSeq() - 1
	exposures := s.engine.OpenExposure(ownerID)

	out := &ExposureResponse{
		OwnerID:   ownerID,
		Exposures: make([]ExposureView, 0, len(exposures)),
		AsOfSeq:   asOf,
	}
	for _, exp := range exposures {
		out.Exposures = append(out.Exposures, ExposureView{
			Symbol:      exp.Symbol,
			Qty:         exp.Qty,
			AvgCostOpen: exp.AvgCostOpen,
			GroupID:     exp.GroupID,
		})
	}
	sort.Slice(out.Exposures, func(i, j int) bool {
		return out.Exposures[i].Symbol < out.Exposures[j].Symbol
	})
	return out
}

// Audit returns the owner's event history in applied order, optionally
// narrowed to one group. This is the raw append-only trail: corrections
// appear as their own events, never as edits.
func (s *Service) Audit(ownerID uuid.UUID, groupID *uuid.UUID) (*AuditResponse, error) {
	var cur *ledger.Cursor
	var err error
	if groupID != nil {
		cur, err = s.engine.Replay(ownerID, *groupID)
	} else {
		cur, err = s.engine.Replay(ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("audit replay: %w", err)
	}

	out := &AuditResponse{
		OwnerID: ownerID,
		GroupID: groupID,
		Events:  make([]AuditEvent, 0, cur.Len()),
	}
	for {
		env, ok := cur.Next()
		if !ok {
			break
		}
		out.Events = append(out.Events, AuditEvent{
			Seq:        env.Seq,
			EventID:    env.EventID,
			GroupID:    env.GroupID,
			LegID:      env.LegID,
			Type:       env.Type.String(),
			EventKey:   env.EventKey,
			AmountCash: env.AmountCash,
			QtyDelta:   env.QtyDelta,
			AppliedAt:  env.AppliedAt,
		})
	}
	return out, nil
}

// UnresolvedBreaks lists the owner's open reconciliation breaks.
func (s *Service) UnresolvedBreaks(ctx context.Context, ownerID uuid.UUID) (*BreaksResponse, error) {
	breaks, err := s.breaks.Unresolved(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("unresolved breaks: %w", err)
	}

	out := &BreaksResponse{
		OwnerID: ownerID,
		Breaks:  make([]BreakView, 0, len(breaks)),
	}
	for _, b := range breaks {
		out.Breaks = append(out.Breaks, BreakView{
			BreakID:    b.ID,
			RunID:      b.RunID,
			Symbol:     b.Symbol,
			Type:       string(b.Type),
			LedgerQty:  b.LedgerQty,
			BrokerQty:  b.BrokerQty,
			QtyDiff:    b.QtyDiff,
			LedgerCost: b.LedgerCost,
			BrokerCost: b.BrokerCost,
			GroupID:    b.GroupID,
			DetectedAt: b.DetectedAt,
			Note:       b.Note,
		})
	}
	return out, nil
}

func (s *Service) groupView(g *ledger.PositionGroup, asOf int64) GroupView {
	view := GroupView{
		GroupID:     g.ID,
		OwnerID:     g.OwnerID,
		StrategyKey: g.StrategyKey,
		Underlying:  g.Underlying,
		Status:      g.Status.String(),
		OpenedAt:    g.OpenedAt,
		ClosedAt:    g.ClosedAt,
		RealizedPnL: g.RealizedPnL,
		GrossPnL:    g.GrossPnL,
		FeesPaid:    g.FeesPaid,
		Legs:        make([]LegView, 0, len(g.Legs)),
		Version:     g.Version,
		AsOfSeq:     asOf,
	}

	if !g.Status.IsTerminal() {
		if val, err := valuation.ValueGroup(g); err == nil {
			view.UnrealizedPnL = &val.Unrealized
			view.NetLiq = &val.NetLiq
			view.ValuationPartial = val.Partial
		}
	}

	for _, leg := range g.Legs {
		view.Legs = append(view.Legs, legView(leg))
	}
	return view
}

func legView(leg *ledger.PositionLeg) LegView {
	view := LegView{
		LegID:        leg.ID,
		Symbol:       leg.Instrument.Symbol,
		Underlying:   leg.Instrument.Underlying,
		Right:        leg.Instrument.Right.String(),
		Strike:       leg.Instrument.Strike,
		Multiplier:   leg.Instrument.Multiplier,
		Side:         leg.Side.String(),
		QtyOpened:    leg.QtyOpened,
		QtyClosed:    leg.QtyClosed,
		QtyCurrent:   leg.QtyCurrent(),
		AvgCostOpen:  leg.AvgCostOpen,
		AvgCostClose: leg.AvgCostClose,
		LastMark:     leg.LastMarkMid,
	}
	if !leg.Instrument.Expiry.IsZero() {
		view.Expiry = leg.Instrument.Expiry.Format("2006-01-02")
	}
	if !leg.LastMarkAt.IsZero() {
		at := leg.LastMarkAt
		view.LastMarkAt = &at
	}
	if !leg.IsFlat() {
		if unrealized, err := valuation.LegUnrealized(leg); err == nil {
			view.Unrealized = &unrealized
		}
		if markValue, err := valuation.LegMarkValue(leg); err == nil {
			view.MarkValue = &markValue
		}
	}
	return view
}
