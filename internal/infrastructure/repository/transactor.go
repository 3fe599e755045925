package repository

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/rideworks/ride-negotiation-backend/internal/service/negotiation"
)

// SQLTransactor runs engine operations inside a database transaction.
// It additionally takes a transaction-scoped advisory lock derived from
// the request id, serializing all writers of one request so the engine's
// multi-step operations (close request, accept bid, reject siblings)
// observe a stable view.
type SQLTransactor struct {
	db *sql.DB
}

// NewSQLTransactor creates a transactor over a connection pool.
func NewSQLTransactor(db *sql.DB) *SQLTransactor {
	return &SQLTransactor{db: db}
}

func (t *SQLTransactor) InRequestTx(ctx context.Context, requestID uuid.UUID, fn func(ctx context.Context, stores negotiation.TxStores) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback is a no-op after a successful commit.
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey(requestID)); err != nil {
		return fmt.Errorf("failed to take request lock: %w", err)
	}

	stores := negotiation.TxStores{
		Requests: NewRequestRepositoryWithTx(tx),
		Bids:     NewBidRepositoryWithTx(tx),
	}
	if err := fn(ctx, stores); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// advisoryKey folds a uuid into the signed 64-bit key space that
// pg_advisory_xact_lock expects.
func advisoryKey(id uuid.UUID) int64 {
	b := id[:]
	hi := binary.BigEndian.Uint64(b[:8])
	lo := binary.BigEndian.Uint64(b[8:])
	return int64(hi ^ lo)
}
