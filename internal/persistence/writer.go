package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"OptLedger/internal/event"
	"OptLedger/internal/valuation"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventWriter mirrors applied envelopes and leg marks into Postgres using
// multi-row INSERT with ON CONFLICT DO NOTHING, so a redelivered batch after
// a crash is harmless. Switch to pgx CopyFrom if batch volume ever warrants.
type EventWriter struct {
	db *sql.DB
}

func NewEventWriter(db *sql.DB) *EventWriter {
	return &EventWriter{db: db}
}

// DB exposes the underlying handle for transaction management.
func (w *EventWriter) DB() *sql.DB {
	return w.db
}

// WriteEventBatch writes envelopes inside the caller's transaction.
func (w *EventWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []*event.Envelope) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO ledger.position_events
		(seq, event_id, owner_id, group_id, leg_id, fill_id, event_type, event_key,
		 amount_cash, qty_delta, metadata, payload, applied_at)
		VALUES `

	const cols = 13
	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)

	for i, env := range events {
		base := i * cols
		placeholders := make([]string, cols)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")

		metadata, err := json.Marshal(env.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata seq %d: %w", env.Seq, err)
		}
		args = append(args,
			env.Seq, env.EventID, env.OwnerID, env.GroupID,
			nullUUID(env.LegID), nullUUID(env.FillID),
			env.Type.String(), env.EventKey,
			env.AmountCash, env.QtyDelta,
			metadata, []byte(env.Payload), env.AppliedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (seq) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteMarkBatch writes leg-mark history rows inside the caller's
// transaction.
func (w *EventWriter) WriteMarkBatch(ctx context.Context, tx *sql.Tx, marks []*valuation.LegMark) error {
	if len(marks) == 0 {
		return nil
	}

	query := `INSERT INTO ledger.leg_marks
		(id, group_id, leg_id, symbol, bid, ask, mid, source, marked_at)
		VALUES `

	const cols = 9
	values := make([]string, 0, len(marks))
	args := make([]interface{}, 0, len(marks)*cols)

	for i, m := range marks {
		base := i * cols
		placeholders := make([]string, cols)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			m.ID, m.GroupID, m.LegID, m.Symbol,
			nullDecimal(m.Bid), nullDecimal(m.Ask), nullDecimal(m.Mid),
			m.Source.String(), m.MarkedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LoadEvents reads every stored envelope ordered by append sequence, the
// same total order the in-memory log replays. Startup recovery folds the
// result back through the engine, so any other order would diverge from the
// state the events produced when first applied.
func (w *EventWriter) LoadEvents(ctx context.Context) ([]*event.Envelope, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT seq, event_id, owner_id, group_id, leg_id, fill_id, event_type,
		       event_key, amount_cash, qty_delta, metadata, payload, applied_at
		FROM ledger.position_events
		ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*event.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// RecentEventKeys returns the newest owner-scoped composite keys for warming
// the idempotency LRU on startup.
func (w *EventWriter) RecentEventKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT owner_id, event_key
		FROM ledger.position_events
		WHERE event_key <> ''
		ORDER BY seq DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var ownerID uuid.UUID
		var eventKey string
		if err := rows.Scan(&ownerID, &eventKey); err != nil {
			return nil, err
		}
		keys = append(keys, ownerID.String()+":"+eventKey)
	}
	return keys, rows.Err()
}

func scanEnvelope(rows *sql.Rows) (*event.Envelope, error) {
	var (
		env       event.Envelope
		legID     uuid.NullUUID
		fillID    uuid.NullUUID
		eventType string
		metadata  []byte
		payload   []byte
	)
	if err := rows.Scan(
		&env.Seq, &env.EventID, &env.OwnerID, &env.GroupID,
		&legID, &fillID, &eventType, &env.EventKey,
		&env.AmountCash, &env.QtyDelta, &metadata, &payload, &env.AppliedAt,
	); err != nil {
		return nil, err
	}

	if legID.Valid {
		id := legID.UUID
		env.LegID = &id
	}
	if fillID.Valid {
		id := fillID.UUID
		env.FillID = &id
	}
	env.Type = event.ParseType(eventType)
	env.Payload = json.RawMessage(payload)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &env.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata seq %d: %w", env.Seq, err)
		}
	}
	env.AppliedAt = env.AppliedAt.UTC()
	return &env, nil
}

func nullUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func nullDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return *d
}
