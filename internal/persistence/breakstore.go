package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"OptLedger/internal/reconcile"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PostgresBreakStore persists reconciliation breaks.
type PostgresBreakStore struct {
	db *sql.DB
}

func NewPostgresBreakStore(db *sql.DB) *PostgresBreakStore {
	return &PostgresBreakStore{db: db}
}

// SaveBreaks implements reconcile.BreakStore.
func (s *PostgresBreakStore) SaveBreaks(ctx context.Context, breaks []*reconcile.Break) error {
	if len(breaks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ledger.recon_breaks
			(id, run_id, owner_id, symbol, break_type, ledger_qty, broker_qty,
			 qty_diff, ledger_cost, broker_cost, group_id, leg_id, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, brk := range breaks {
		if _, err := stmt.ExecContext(ctx,
			brk.ID, brk.RunID, brk.OwnerID, brk.Symbol, string(brk.Type),
			brk.LedgerQty, brk.BrokerQty, brk.QtyDiff,
			nullDecimal(brk.LedgerCost), nullDecimal(brk.BrokerCost),
			nullUUID(brk.GroupID), nullUUID(brk.LegID), brk.DetectedAt,
		); err != nil {
			return fmt.Errorf("insert break %s: %w", brk.ID, err)
		}
	}

	return tx.Commit()
}

// Unresolved implements reconcile.BreakStore.
func (s *PostgresBreakStore) Unresolved(ctx context.Context, ownerID uuid.UUID) ([]*reconcile.Break, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, owner_id, symbol, break_type, ledger_qty, broker_qty,
		       qty_diff, ledger_cost, broker_cost, group_id, leg_id, detected_at, note
		FROM ledger.recon_breaks
		WHERE owner_id = $1 AND NOT resolved
		ORDER BY detected_at, symbol
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*reconcile.Break
	for rows.Next() {
		var (
			brk        reconcile.Break
			breakType  string
			ledgerCost decimal.NullDecimal
			brokerCost decimal.NullDecimal
			groupID    uuid.NullUUID
			legID      uuid.NullUUID
		)
		if err := rows.Scan(
			&brk.ID, &brk.RunID, &brk.OwnerID, &brk.Symbol, &breakType,
			&brk.LedgerQty, &brk.BrokerQty, &brk.QtyDiff,
			&ledgerCost, &brokerCost, &groupID, &legID, &brk.DetectedAt, &brk.Note,
		); err != nil {
			return nil, err
		}
		brk.Type = reconcile.BreakType(breakType)
		if ledgerCost.Valid {
			d := ledgerCost.Decimal
			brk.LedgerCost = &d
		}
		if brokerCost.Valid {
			d := brokerCost.Decimal
			brk.BrokerCost = &d
		}
		if groupID.Valid {
			id := groupID.UUID
			brk.GroupID = &id
		}
		if legID.Valid {
			id := legID.UUID
			brk.LegID = &id
		}
		out = append(out, &brk)
	}
	return out, rows.Err()
}

// Resolve implements reconcile.BreakStore.
func (s *PostgresBreakStore) Resolve(ctx context.Context, breakID uuid.UUID, note string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger.recon_breaks
		SET resolved = TRUE, resolved_at = $2, note = $3
		WHERE id = $1 AND NOT resolved
	`, breakID, at, note)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("break %s not found or already resolved", breakID)
	}
	return nil
}
