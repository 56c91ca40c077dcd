package ledger

import (
	"fmt"
	"time"

	"OptLedger/internal/event"
	"OptLedger/internal/instrument"

	"github.com/google/uuid"
)

// ledgerState holds the materialized groups plus the open-group index used
// to route fills. Live application and replay both mutate state exclusively
// through fold, so a rebuild from the log lands on identical values,
// identifiers included.
type ledgerState struct {
	groups    map[uuid.UUID]*PositionGroup
	openIndex map[groupIndexKey]uuid.UUID
}

// groupIndexKey routes a fill to its OPEN group. Terminal groups leave the
// index, so a fill arriving after close starts a fresh group under the same
// strategy identity.
type groupIndexKey struct {
	OwnerID     uuid.UUID
	Fingerprint string
	StrategyKey string
}

func newLedgerState() *ledgerState {
	return &ledgerState{
		groups:    make(map[uuid.UUID]*PositionGroup),
		openIndex: make(map[groupIndexKey]uuid.UUID),
	}
}

// resolveFillIDs returns the group and leg ids a fill will land on,
// allocating fresh ids when the fill opens a new group or leg. The ids are
// stamped into the envelope before folding, which is what makes replayed
// state carry the same identifiers as the live run.
func (s *ledgerState) resolveFillIDs(fill *Fill, fingerprint string) (uuid.UUID, uuid.UUID) {
	key := groupIndexKey{OwnerID: fill.OwnerID, Fingerprint: fingerprint, StrategyKey: fill.StrategyKey}
	groupID, ok := s.openIndex[key]
	if !ok {
		return uuid.New(), uuid.New()
	}
	group := s.groups[groupID]
	if leg := group.LegBySymbol(fill.Instrument.Symbol); leg != nil {
		return groupID, leg.ID
	}
	return groupID, uuid.New()
}

// fold applies one envelope to state. Validation precedes any mutation, so a
// returned error leaves state untouched (group and leg creation excepted for
// fills, where creation can never be followed by a rejection).
func (s *ledgerState) fold(env *event.Envelope) error {
	switch env.Type {
	case event.TypeFill:
		return s.foldFill(env)
	case event.TypeAssignment, event.TypeExercise, event.TypeExpiration:
		return s.foldLifecycle(env)
	case event.TypeCashAdjustment:
		return s.foldCash(env)
	case event.TypeCorporateAction:
		return s.foldCorpAction(env)
	default:
		return fmt.Errorf("fold: unknown event type %d at seq %d", env.Type, env.Seq)
	}
}

func (s *ledgerState) foldFill(env *event.Envelope) error {
	p, err := event.DecodeFill(env)
	if err != nil {
		return err
	}
	action, err := instrument.ParseAction(p.Action)
	if err != nil {
		return err
	}
	inst, err := instrumentFromPayload(p)
	if err != nil {
		return err
	}

	group := s.groups[env.GroupID]
	if group == nil {
		group = &PositionGroup{
			ID:              env.GroupID,
			OwnerID:         env.OwnerID,
			StrategyKey:     env.Metadata["strategy_key"],
			LegsFingerprint: env.Metadata["legs_fingerprint"],
			Underlying:      p.Underlying,
			Status:          StatusOpen,
			OpenedAt:        env.AppliedAt,
			Metadata:        make(map[string]string),
		}
		s.groups[group.ID] = group
		s.openIndex[indexKeyFor(group)] = group.ID
	}
	if group.Status.IsTerminal() {
		return &TerminalStateError{GroupID: group.ID, Status: group.Status}
	}

	leg := group.LegBySymbol(p.Symbol)
	if leg == nil {
		legID := uuid.New()
		if env.LegID != nil {
			legID = *env.LegID
		}
		leg = &PositionLeg{
			ID:         legID,
			GroupID:    group.ID,
			Instrument: inst,
			Side:       instrument.SideForOpeningAction(action),
		}
		group.Legs = append(group.Legs, leg)
	}

	if opensLeg(leg.Side, action) {
		leg.applyOpen(p.Qty, p.Price)
	} else {
		if err := leg.applyClose(p.Qty, p.Price); err != nil {
			return err
		}
	}

	group.FeesPaid = group.FeesPaid.Add(p.Fee)
	group.recompute(env.AppliedAt)
	if group.Status.IsTerminal() {
		delete(s.openIndex, indexKeyFor(group))
	}
	return nil
}

func (s *ledgerState) foldLifecycle(env *event.Envelope) error {
	p, err := event.DecodeLifecycle(env)
	if err != nil {
		return err
	}

	group := s.groups[env.GroupID]
	if group == nil {
		return &ConsistencyError{
			Op:     env.Type.String(),
			Symbol: p.Symbol,
			Detail: fmt.Sprintf("unknown group %s", env.GroupID),
		}
	}
	if group.Status.IsTerminal() {
		return &TerminalStateError{GroupID: group.ID, Status: group.Status}
	}
	leg := group.LegBySymbol(p.Symbol)
	if leg == nil {
		return &ConsistencyError{
			Op:     env.Type.String(),
			Symbol: p.Symbol,
			Detail: "no leg for symbol in group",
		}
	}

	if err := leg.applyClose(lifecycleQty(leg, p.Qty), p.Price); err != nil {
		return err
	}

	group.transition(terminalStatusFor(env.Type), p.OccurredAt)
	group.recompute(env.AppliedAt)
	delete(s.openIndex, indexKeyFor(group))
	return nil
}

func (s *ledgerState) foldCash(env *event.Envelope) error {
	p, err := event.DecodeCash(env)
	if err != nil {
		return err
	}

	group := s.groups[env.GroupID]
	if group == nil {
		return &ConsistencyError{
			Op:     env.Type.String(),
			Detail: fmt.Sprintf("unknown group %s", env.GroupID),
		}
	}

	// Cash adjustments are corrections and are valid on terminal groups;
	// realized figures simply re-materialize with the adjustment folded in.
	if p.Category == "fee" {
		group.FeesPaid = group.FeesPaid.Add(p.Amount)
	} else {
		group.cashAdjustments = group.cashAdjustments.Add(p.Amount)
	}
	group.recompute(env.AppliedAt)
	return nil
}

func (s *ledgerState) foldCorpAction(env *event.Envelope) error {
	p, err := event.DecodeCorpAction(env)
	if err != nil {
		return err
	}

	group := s.groups[env.GroupID]
	if group == nil {
		return &ConsistencyError{
			Op:     env.Type.String(),
			Symbol: p.Symbol,
			Detail: fmt.Sprintf("unknown group %s", env.GroupID),
		}
	}
	if group.Status.IsTerminal() {
		return &TerminalStateError{GroupID: group.ID, Status: group.Status}
	}

	if p.NewMultiplier > 0 {
		leg := group.LegBySymbol(p.Symbol)
		if leg == nil {
			return &ConsistencyError{
				Op:     env.Type.String(),
				Symbol: p.Symbol,
				Detail: "no leg for symbol in group",
			}
		}
		leg.Instrument.Multiplier = p.NewMultiplier
		leg.Version++
	}
	group.Metadata["last_corp_action"] = p.Kind
	group.recompute(env.AppliedAt)
	return nil
}

// Rebuild folds a replay cursor into fresh state and returns the resulting
// groups. Used for audit comparison against live materialized state and by
// tests proving replay equivalence.
func Rebuild(cur *Cursor) (map[uuid.UUID]*PositionGroup, error) {
	state := newLedgerState()
	for {
		env, ok := cur.Next()
		if !ok {
			break
		}
		if err := state.fold(env); err != nil {
			return nil, fmt.Errorf("rebuild seq %d: %w", env.Seq, err)
		}
	}
	return state.groups, nil
}

// RebuildGroup folds a replay cursor and returns a single group by id.
func RebuildGroup(cur *Cursor, groupID uuid.UUID) (*PositionGroup, error) {
	groups, err := Rebuild(cur)
	if err != nil {
		return nil, err
	}
	group, ok := groups[groupID]
	if !ok {
		return nil, fmt.Errorf("rebuild: group %s not present in replay", groupID)
	}
	return group, nil
}

func indexKeyFor(g *PositionGroup) groupIndexKey {
	return groupIndexKey{
		OwnerID:     g.OwnerID,
		Fingerprint: g.LegsFingerprint,
		StrategyKey: g.StrategyKey,
	}
}

// opensLeg reports whether an action adds exposure in the leg's fixed
// direction (BUY on a long leg, SELL on a short leg).
func opensLeg(side instrument.Side, action instrument.Action) bool {
	return instrument.SideForOpeningAction(action) == side
}

func terminalStatusFor(t event.Type) GroupStatus {
	switch t {
	case event.TypeExpiration:
		return StatusExpired
	default:
		// Assignment and exercise both settle into ASSIGNED.
		return StatusAssigned
	}
}

func instrumentFromPayload(p *event.FillPayload) (instrument.Instrument, error) {
	right, err := instrument.ParseRight(p.Right)
	if err != nil {
		return instrument.Instrument{}, err
	}
	var expiry time.Time
	if p.Expiry != "" {
		expiry, err = time.Parse("2006-01-02", p.Expiry)
		if err != nil {
			return instrument.Instrument{}, fmt.Errorf("fill payload expiry %q: %w", p.Expiry, err)
		}
	}
	return instrument.Instrument{
		Symbol:     p.Symbol,
		Underlying: p.Underlying,
		Right:      right,
		Strike:     p.Strike,
		Expiry:     expiry,
		Multiplier: p.Multiplier,
	}, nil
}
