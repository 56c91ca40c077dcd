package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"OptLedger/internal/event"
	"OptLedger/internal/instrument"
	"OptLedger/internal/ledger"
	"OptLedger/internal/valuation"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wire formats use snake_case to match upstream producers. Prices are JSON
// strings (or numbers); shopspring decodes either without precision loss.

type fillJSON struct {
	OwnerID         string            `json:"owner_id"`
	BrokerExecID    string            `json:"broker_exec_id,omitempty"`
	OrderRef        string            `json:"order_ref,omitempty"`
	Symbol          string            `json:"symbol"`
	Underlying      string            `json:"underlying"`
	Right           string            `json:"right"`
	Strike          decimal.Decimal   `json:"strike"`
	Expiry          string            `json:"expiry,omitempty"` // YYYY-MM-DD, empty for shares
	Multiplier      int64             `json:"multiplier,omitempty"`
	StrategyKey     string            `json:"strategy_key,omitempty"`
	LegsFingerprint string            `json:"legs_fingerprint,omitempty"`
	Action          string            `json:"action"`
	Qty             int64             `json:"qty"`
	Price           decimal.Decimal   `json:"price"`
	Fee             decimal.Decimal   `json:"fee"`
	FilledAtUs      int64             `json:"filled_at_us"`
	Source          string            `json:"source,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ParseFill converts wire JSON into a validated engine fill.
func ParseFill(data []byte) (*ledger.Fill, error) {
	var j fillJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse fill: %w", err)
	}

	ownerID, err := uuid.Parse(j.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("parse owner_id: %w", err)
	}
	right, err := instrument.ParseRight(j.Right)
	if err != nil {
		return nil, fmt.Errorf("parse right: %w", err)
	}
	action, err := instrument.ParseAction(j.Action)
	if err != nil {
		return nil, fmt.Errorf("parse action: %w", err)
	}
	source, err := instrument.ParseSource(j.Source)
	if err != nil {
		return nil, fmt.Errorf("parse source: %w", err)
	}
	if j.FilledAtUs == 0 {
		return nil, fmt.Errorf("parse fill %s: filled_at_us required", j.Symbol)
	}

	var expiry time.Time
	if j.Expiry != "" {
		expiry, err = time.Parse("2006-01-02", j.Expiry)
		if err != nil {
			return nil, fmt.Errorf("parse expiry %q: %w", j.Expiry, err)
		}
	}

	multiplier := j.Multiplier
	if multiplier == 0 {
		switch right {
		case instrument.RightShare:
			multiplier = 1
		default:
			multiplier = instrument.DefaultOptionMultiplier
		}
	}

	fill := &ledger.Fill{
		OwnerID:      ownerID,
		BrokerExecID: j.BrokerExecID,
		OrderRef:     j.OrderRef,
		Instrument: instrument.Instrument{
			Symbol:     j.Symbol,
			Underlying: j.Underlying,
			Right:      right,
			Strike:     j.Strike,
			Expiry:     expiry,
			Multiplier: multiplier,
		},
		StrategyKey:     j.StrategyKey,
		LegsFingerprint: j.LegsFingerprint,
		Action:          action,
		Qty:             j.Qty,
		Price:           j.Price,
		Fee:             j.Fee,
		FilledAt:        time.UnixMicro(j.FilledAtUs).UTC(),
		Source:          source,
		Metadata:        j.Metadata,
	}
	return fill, fill.Validate()
}

type quoteJSON struct {
	Symbol     string           `json:"symbol"`
	Bid        *decimal.Decimal `json:"bid,omitempty"`
	Ask        *decimal.Decimal `json:"ask,omitempty"`
	Mid        *decimal.Decimal `json:"mid,omitempty"`
	Source     string           `json:"source,omitempty"`
	QuotedAtUs int64            `json:"quoted_at_us"`
}

// ParseQuote converts wire JSON into a valuation quote.
func ParseQuote(data []byte) (*valuation.Quote, error) {
	var j quoteJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse quote: %w", err)
	}
	if j.Symbol == "" {
		return nil, fmt.Errorf("parse quote: symbol required")
	}
	if j.QuotedAtUs == 0 {
		return nil, fmt.Errorf("parse quote %s: quoted_at_us required", j.Symbol)
	}
	source, err := instrument.ParseSource(j.Source)
	if err != nil {
		return nil, fmt.Errorf("parse source: %w", err)
	}

	return &valuation.Quote{
		Symbol:   j.Symbol,
		Bid:      j.Bid,
		Ask:      j.Ask,
		Mid:      j.Mid,
		Source:   source,
		QuotedAt: time.UnixMicro(j.QuotedAtUs).UTC(),
	}, nil
}

type lifecycleJSON struct {
	Kind          string          `json:"kind"` // ASSIGNMENT, EXERCISE, EXPIRATION, CORP_ACTION
	OwnerID       string          `json:"owner_id"`
	GroupID       string          `json:"group_id"`
	Symbol        string          `json:"symbol"`
	Qty           int64           `json:"qty,omitempty"` // 0 = full remaining
	Price         decimal.Decimal `json:"price"`
	OccurredAtUs  int64           `json:"occurred_at_us"`
	Note          string          `json:"note,omitempty"`
	CorpKind      string          `json:"corp_kind,omitempty"`      // corporate actions: split, reverse_split, symbol_change
	Ratio         decimal.Decimal `json:"ratio,omitempty"`          // corporate actions only
	NewMultiplier int64           `json:"new_multiplier,omitempty"` // corporate actions only
}

// LifecycleMessage is a parsed lifecycle-family message. Exactly one of
// Lifecycle or CorpAction is set.
type LifecycleMessage struct {
	Type       event.Type
	OwnerID    uuid.UUID
	GroupID    uuid.UUID
	Lifecycle  *event.LifecyclePayload
	CorpAction *event.CorpActionPayload
}

// ParseLifecycle converts wire JSON into a lifecycle or corporate-action
// message.
func ParseLifecycle(data []byte) (*LifecycleMessage, error) {
	var j lifecycleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse lifecycle: %w", err)
	}

	ownerID, err := uuid.Parse(j.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("parse owner_id: %w", err)
	}
	groupID, err := uuid.Parse(j.GroupID)
	if err != nil {
		return nil, fmt.Errorf("parse group_id: %w", err)
	}
	occurredAt := time.UnixMicro(j.OccurredAtUs).UTC()

	msg := &LifecycleMessage{OwnerID: ownerID, GroupID: groupID}
	switch j.Kind {
	case "ASSIGNMENT", "EXERCISE", "EXPIRATION":
		msg.Type = event.ParseType(j.Kind)
		msg.Lifecycle = &event.LifecyclePayload{
			Symbol:     j.Symbol,
			Qty:        j.Qty,
			Price:      j.Price,
			OccurredAt: occurredAt,
			Note:       j.Note,
		}
	case "CORP_ACTION":
		msg.Type = event.TypeCorporateAction
		if j.CorpKind == "" {
			return nil, fmt.Errorf("parse lifecycle: corp_kind required for CORP_ACTION")
		}
		msg.CorpAction = &event.CorpActionPayload{
			Kind:          j.CorpKind,
			Symbol:        j.Symbol,
			Ratio:         j.Ratio,
			NewMultiplier: j.NewMultiplier,
			OccurredAt:    occurredAt,
			Note:          j.Note,
		}
	default:
		return nil, fmt.Errorf("parse lifecycle: unknown kind %q", j.Kind)
	}
	return msg, nil
}

type cashJSON struct {
	OwnerID      string          `json:"owner_id"`
	GroupID      string          `json:"group_id"`
	Amount       decimal.Decimal `json:"amount"`
	Category     string          `json:"category"` // "adjustment" or "fee"
	Note         string          `json:"note,omitempty"`
	OccurredAtUs int64           `json:"occurred_at_us"`
}

// CashMessage is a parsed cash-adjustment message.
type CashMessage struct {
	OwnerID uuid.UUID
	GroupID uuid.UUID
	Payload event.CashPayload
}

// ParseCash converts wire JSON into a cash-adjustment message.
func ParseCash(data []byte) (*CashMessage, error) {
	var j cashJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse cash: %w", err)
	}

	ownerID, err := uuid.Parse(j.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("parse owner_id: %w", err)
	}
	groupID, err := uuid.Parse(j.GroupID)
	if err != nil {
		return nil, fmt.Errorf("parse group_id: %w", err)
	}
	switch j.Category {
	case "adjustment", "fee":
	default:
		return nil, fmt.Errorf("parse cash: unknown category %q", j.Category)
	}

	return &CashMessage{
		OwnerID: ownerID,
		GroupID: groupID,
		Payload: event.CashPayload{
			Amount:     j.Amount,
			Category:   j.Category,
			Note:       j.Note,
			OccurredAt: time.UnixMicro(j.OccurredAtUs).UTC(),
		},
	}, nil
}
