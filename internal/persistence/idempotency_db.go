package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// PostgresIdempotencyChecker is the durable tier of event-key dedup: keys
// that have aged out of the in-memory LRU are looked up against the events
// table itself.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate checks whether an owner-scoped event key was already
// persisted. Bounded by a short timeout; the caller treats an error as
// not-duplicate since the log's unique index is the final guard.
func (pic *PostgresIdempotencyChecker) IsDuplicate(ownerID uuid.UUID, eventKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM ledger.position_events
		WHERE owner_id = $1 AND event_key = $2
		LIMIT 1
	`, ownerID, eventKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
