package ledger

import (
	"fmt"
	"time"

	"OptLedger/internal/instrument"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fill is one broker execution handed to the engine. BrokerExecID is the
// external idempotency key; when empty the fill is unkeyed and the event key
// falls back to a content hash of the execution itself.
//
// StrategyKey and LegsFingerprint identify the strategy group the fill
// belongs to. The fingerprint covers the strategy's intended full leg set,
// so fills for the same strategy merge into one group even when submitted
// separately; when empty, the fill's own instrument is fingerprinted
// (single-leg flows).
type Fill struct {
	OwnerID         uuid.UUID
	BrokerExecID    string
	OrderRef        string
	Instrument      instrument.Instrument
	StrategyKey     string
	LegsFingerprint string
	Action          instrument.Action
	Qty             int64
	Price           decimal.Decimal
	Fee             decimal.Decimal
	FilledAt        time.Time
	Source          instrument.Source
	Metadata        map[string]string
}

// Validate checks the fill's input constraints before any mutation.
func (f *Fill) Validate() error {
	if f.OwnerID == uuid.Nil {
		return fmt.Errorf("fill: owner required")
	}
	if f.Qty <= 0 {
		return fmt.Errorf("fill %s: qty must be positive, got %d", f.Instrument.Symbol, f.Qty)
	}
	if f.Action != instrument.ActionBuy && f.Action != instrument.ActionSell {
		return fmt.Errorf("fill %s: action must be BUY or SELL", f.Instrument.Symbol)
	}
	if f.Price.Sign() < 0 {
		return fmt.Errorf("fill %s: negative price", f.Instrument.Symbol)
	}
	if f.FilledAt.IsZero() {
		return fmt.Errorf("fill %s: filled_at required", f.Instrument.Symbol)
	}
	return f.Instrument.Validate()
}

// fingerprint resolves the group fingerprint for this fill.
func (f *Fill) fingerprint() string {
	if f.LegsFingerprint != "" {
		return f.LegsFingerprint
	}
	return instrument.Fingerprint([]instrument.Instrument{f.Instrument})
}

// FillResult reports the outcome of an applied (or deduplicated) fill.
// Duplicate results echo the prior application; state is unchanged.
type FillResult struct {
	GroupID     uuid.UUID
	LegID       uuid.UUID
	EventID     uuid.UUID
	EventKey    string
	Duplicate   bool
	QtyCurrent  int64
	GroupStatus GroupStatus
	RealizedPnL decimal.Decimal
}
