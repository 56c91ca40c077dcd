package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FillPayload is the replayable body of a FILL envelope. It carries the
// full instrument descriptor so a group can be rebuilt from envelopes alone,
// without consulting the materialized leg columns.
type FillPayload struct {
	BrokerExecID string          `json:"broker_exec_id,omitempty"`
	OrderRef     string          `json:"order_ref,omitempty"`
	Symbol       string          `json:"symbol"`
	Underlying   string          `json:"underlying"`
	Right        string          `json:"right"`
	Strike       decimal.Decimal `json:"strike"`
	Expiry       string          `json:"expiry,omitempty"` // YYYY-MM-DD, empty for shares
	Multiplier   int64           `json:"multiplier"`
	Action       string          `json:"action"`
	Qty          int64           `json:"qty"`
	Price        decimal.Decimal `json:"price"`
	Fee          decimal.Decimal `json:"fee"`
	FilledAt     time.Time       `json:"filled_at"`
	Source       string          `json:"source"`
}

// LifecyclePayload is the body of ASSIGNMENT, EXERCISE, and EXPIRATION
// envelopes. Qty is the number of contracts closed on the referenced leg;
// Price is the close price (zero for a worthless expiration).
type LifecyclePayload struct {
	Symbol     string          `json:"symbol"`
	Qty        int64           `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	OccurredAt time.Time       `json:"occurred_at"`
	Note       string          `json:"note,omitempty"`
}

// CashPayload is the body of a CASH_ADJ envelope.
type CashPayload struct {
	Amount     decimal.Decimal `json:"amount"`
	Category   string          `json:"category"` // "adjustment" or "fee"
	Note       string          `json:"note,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// CorpActionPayload is the body of a CORP_ACTION envelope. A non-zero
// NewMultiplier rewrites the referenced leg's contract multiplier (e.g.
// after a split); the rest is recorded context.
type CorpActionPayload struct {
	Kind          string          `json:"kind"` // e.g. "split", "symbol_change"
	Symbol        string          `json:"symbol,omitempty"`
	Ratio         decimal.Decimal `json:"ratio,omitempty"`
	NewMultiplier int64           `json:"new_multiplier,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Note          string          `json:"note,omitempty"`
}

// MarshalPayload serializes any payload for envelope storage.
func MarshalPayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return data, nil
}

// DecodeFill parses a FILL envelope's payload.
func DecodeFill(env *Envelope) (*FillPayload, error) {
	if env.Type != TypeFill {
		return nil, fmt.Errorf("decode fill: envelope is %s", env.Type)
	}
	var p FillPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode fill payload (seq %d): %w", env.Seq, err)
	}
	return &p, nil
}

// DecodeLifecycle parses an ASSIGNMENT/EXERCISE/EXPIRATION payload.
func DecodeLifecycle(env *Envelope) (*LifecyclePayload, error) {
	switch env.Type {
	case TypeAssignment, TypeExercise, TypeExpiration:
	default:
		return nil, fmt.Errorf("decode lifecycle: envelope is %s", env.Type)
	}
	var p LifecyclePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode lifecycle payload (seq %d): %w", env.Seq, err)
	}
	return &p, nil
}

// DecodeCash parses a CASH_ADJ payload.
func DecodeCash(env *Envelope) (*CashPayload, error) {
	if env.Type != TypeCashAdjustment {
		return nil, fmt.Errorf("decode cash: envelope is %s", env.Type)
	}
	var p CashPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode cash payload (seq %d): %w", env.Seq, err)
	}
	return &p, nil
}

// DecodeCorpAction parses a CORP_ACTION payload.
func DecodeCorpAction(env *Envelope) (*CorpActionPayload, error) {
	if env.Type != TypeCorporateAction {
		return nil, fmt.Errorf("decode corp action: envelope is %s", env.Type)
	}
	var p CorpActionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode corp action payload (seq %d): %w", env.Seq, err)
	}
	return &p, nil
}
