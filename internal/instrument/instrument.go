// Package instrument defines the tradable-leg value types shared by the
// ledger: option/share instruments, leg orientation, fill direction, and
// the stable fingerprint used to group legs into strategies.
package instrument

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Right identifies what kind of contract a leg is.
type Right int32

const (
	RightUnknown Right = iota
	RightCall
	RightPut
	RightShare
)

// Side is the leg's fixed orientation. It is set once, at the leg's first
// fill, and never altered by the direction of later fills.
type Side int32

const (
	SideUnknown Side = iota
	SideLong
	SideShort
)

// Action is the trade direction of a single execution, independent of the
// owning leg's Side.
type Action int32

const (
	ActionUnknown Action = iota
	ActionBuy
	ActionSell
)

// Source tags where a fill or mark came from.
type Source int32

const (
	SourceUnknown Source = iota
	SourceLive
	SourcePaper
	SourceBackfill
	SourceManual
)

// DefaultOptionMultiplier is the standard equity-option contract size.
const DefaultOptionMultiplier = 100

// Instrument describes one tradable leg: an option contract or a share lot.
// Strike and Expiry are zero-valued for shares.
type Instrument struct {
	Symbol     string
	Underlying string
	Right      Right
	Strike     decimal.Decimal
	Expiry     time.Time
	Multiplier int64
}

func (r Right) String() string {
	switch r {
	case RightCall:
		return "CALL"
	case RightPut:
		return "PUT"
	case RightShare:
		return "SHARE"
	default:
		return "UNKNOWN"
	}
}

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

// Sign returns +1 for long, -1 for short, 0 otherwise.
func (s Side) Sign() int64 {
	switch s {
	case SideLong:
		return 1
	case SideShort:
		return -1
	default:
		return 0
	}
}

func (a Action) String() string {
	switch a {
	case ActionBuy:
		return "BUY"
	case ActionSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

func (s Source) String() string {
	switch s {
	case SourceLive:
		return "LIVE"
	case SourcePaper:
		return "PAPER"
	case SourceBackfill:
		return "BACKFILL"
	case SourceManual:
		return "MANUAL"
	default:
		return "UNKNOWN"
	}
}

// ParseRight converts a wire string into a Right.
func ParseRight(s string) (Right, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CALL", "C":
		return RightCall, nil
	case "PUT", "P":
		return RightPut, nil
	case "SHARE", "STOCK", "EQUITY":
		return RightShare, nil
	default:
		return RightUnknown, fmt.Errorf("unknown right: %q", s)
	}
}

// ParseAction converts a wire string into an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return ActionBuy, nil
	case "SELL":
		return ActionSell, nil
	default:
		return ActionUnknown, fmt.Errorf("unknown action: %q", s)
	}
}

// ParseSource converts a wire string into a Source. Empty defaults to LIVE.
func ParseSource(s string) (Source, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LIVE", "":
		return SourceLive, nil
	case "PAPER":
		return SourcePaper, nil
	case "BACKFILL":
		return SourceBackfill, nil
	case "MANUAL":
		return SourceManual, nil
	default:
		return SourceUnknown, fmt.Errorf("unknown source: %q", s)
	}
}

// SideForOpeningAction returns the leg orientation implied by the first
// fill's direction: a BUY opens a long leg, a SELL opens a short leg.
func SideForOpeningAction(a Action) Side {
	switch a {
	case ActionBuy:
		return SideLong
	case ActionSell:
		return SideShort
	default:
		return SideUnknown
	}
}

// Validate checks structural consistency of the instrument.
func (i Instrument) Validate() error {
	if i.Symbol == "" {
		return fmt.Errorf("instrument: empty symbol")
	}
	if i.Underlying == "" {
		return fmt.Errorf("instrument %s: empty underlying", i.Symbol)
	}
	if i.Multiplier <= 0 {
		return fmt.Errorf("instrument %s: multiplier must be positive, got %d", i.Symbol, i.Multiplier)
	}
	switch i.Right {
	case RightCall, RightPut:
		if i.Strike.Sign() <= 0 {
			return fmt.Errorf("instrument %s: option strike must be positive", i.Symbol)
		}
		if i.Expiry.IsZero() {
			return fmt.Errorf("instrument %s: option expiry required", i.Symbol)
		}
	case RightShare:
		if i.Strike.Sign() != 0 || !i.Expiry.IsZero() {
			return fmt.Errorf("instrument %s: shares carry no strike/expiry", i.Symbol)
		}
	default:
		return fmt.Errorf("instrument %s: unknown right", i.Symbol)
	}
	return nil
}

// CanonicalDescriptor returns the stable string used for fingerprinting.
// Format: symbol|right|strike|expiry(YYYY-MM-DD, empty for shares).
func (i Instrument) CanonicalDescriptor() string {
	expiry := ""
	if !i.Expiry.IsZero() {
		expiry = i.Expiry.UTC().Format("2006-01-02")
	}
	return fmt.Sprintf("%s|%s|%s|%s", i.Symbol, i.Right, i.Strike.String(), expiry)
}

// Fingerprint computes the stable hash of a leg set. Descriptors are sorted
// before hashing so the fingerprint is independent of submission order,
// letting separately submitted fills merge into the same strategy group.
func Fingerprint(legs []Instrument) string {
	descriptors := make([]string, 0, len(legs))
	for _, leg := range legs {
		descriptors = append(descriptors, leg.CanonicalDescriptor())
	}
	sort.Strings(descriptors)

	h := sha256.New()
	for _, d := range descriptors {
		h.Write([]byte(d))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
