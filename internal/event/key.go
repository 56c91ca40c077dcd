package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Event keys are content hashes of the triggering fact, so a retried
// producer derives the identical key and the append is deduplicated
// per owner. Keys are scoped to the owner when checked, so the owner id
// is folded into the hash as well.

// FillKey derives the idempotency key for a FILL envelope. When the broker
// supplied an execution id that id is authoritative; otherwise the key is a
// hash of the fill's identifying content.
func FillKey(ownerID uuid.UUID, p *FillPayload) string {
	if p.BrokerExecID != "" {
		return hashKey("fill", ownerID.String(), p.BrokerExecID)
	}
	return hashKey("fill", ownerID.String(), p.Symbol, p.Action,
		fmt.Sprintf("%d", p.Qty), p.Price.String(), fmt.Sprintf("%d", p.FilledAt.UnixMicro()))
}

// LifecycleKey derives the idempotency key for an assignment, exercise, or
// expiration envelope.
func LifecycleKey(t Type, ownerID, groupID uuid.UUID, p *LifecyclePayload) string {
	return hashKey(t.String(), ownerID.String(), groupID.String(), p.Symbol,
		fmt.Sprintf("%d", p.Qty), fmt.Sprintf("%d", p.OccurredAt.UnixMicro()))
}

// CashKey derives the idempotency key for a CASH_ADJ envelope.
func CashKey(ownerID, groupID uuid.UUID, p *CashPayload) string {
	return hashKey("cash", ownerID.String(), groupID.String(), p.Category,
		p.Amount.String(), fmt.Sprintf("%d", p.OccurredAt.UnixMicro()), p.Note)
}

// CorpActionKey derives the idempotency key for a CORP_ACTION envelope.
func CorpActionKey(ownerID, groupID uuid.UUID, p *CorpActionPayload) string {
	return hashKey("corp", ownerID.String(), groupID.String(), p.Kind, p.Symbol,
		fmt.Sprintf("%d", p.OccurredAt.UnixMicro()))
}

func hashKey(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
