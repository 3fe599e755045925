package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rideworks/ride-negotiation-backend/internal/domain/bid"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/values"
	"github.com/rideworks/ride-negotiation-backend/internal/service/negotiation"
)

// bidRepository implements negotiation.BidStore using PostgreSQL.
// Driver uniqueness (one live bid per driver per request) is enforced by
// a partial unique index on (request_id, driver_id) excluding withdrawn
// rows, so InsertIfAbsent is a plain INSERT plus error classification.
type bidRepository struct {
	db dbtx
}

// NewBidRepository creates a bid store over a connection pool.
func NewBidRepository(db *sql.DB) negotiation.BidStore {
	return &bidRepository{db: db}
}

// NewBidRepositoryWithTx creates a bid store bound to a transaction.
func NewBidRepositoryWithTx(tx *sql.Tx) negotiation.BidStore {
	return &bidRepository{db: tx}
}

const bidColumns = `
	id, request_id, driver_id, price_offer, currency,
	proposed_at, message, status, expires_at, version, created_at, updated_at`

func (r *bidRepository) InsertIfAbsent(ctx context.Context, b *bid.Bid) error {
	query := `
		INSERT INTO bids (` + bidColumns + `
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12
		)
	`

	price, _ := b.PriceOffer.Value()
	_, err := r.db.ExecContext(ctx, query,
		b.ID, b.RequestID, b.DriverID, price, b.PriceOffer.Currency(),
		b.ProposedAt, b.Message, b.Status.String(), b.ExpiresAt, b.Version, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return negotiation.ErrDuplicateBid
		}
		return fmt.Errorf("failed to create bid: %w", err)
	}
	return nil
}

func (r *bidRepository) GetByID(ctx context.Context, id uuid.UUID) (*bid.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE id = $1`
	return r.scanBid(r.db.QueryRowContext(ctx, query, id))
}

func (r *bidRepository) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*bid.Bid, error) {
	query := `SELECT ` + bidColumns + `
		FROM bids WHERE request_id = $1 ORDER BY created_at ASC, id ASC`
	return r.queryBids(ctx, query, requestID)
}

func (r *bidRepository) UpdateFields(ctx context.Context, b *bid.Bid) error {
	price, _ := b.PriceOffer.Value()
	res, err := r.db.ExecContext(ctx, `
		UPDATE bids
		SET price_offer = $1, proposed_at = $2, message = $3, version = version + 1, updated_at = now()
		WHERE id = $4 AND status = 'pending' AND version = $5`,
		price, b.ProposedAt, b.Message, b.ID, b.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update bid: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return negotiation.ErrConflict
	}
	b.Version++
	return nil
}

func (r *bidRepository) TryTransition(ctx context.Context, id uuid.UUID, expected, next bid.Status) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bids
		SET status = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND status = $3`,
		next.String(), id, expected.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to transition bid: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		// Distinguish a lost CAS from a missing row.
		var exists bool
		if scanErr := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM bids WHERE id = $1)`, id).Scan(&exists); scanErr == nil && !exists {
			return negotiation.ErrNotFound
		}
		return negotiation.ErrConflict
	}
	return nil
}

func (r *bidRepository) TransitionAllPending(ctx context.Context, requestID uuid.UUID, next bid.Status, except *uuid.UUID) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE bids
		SET status = $1, version = version + 1, updated_at = now()
		WHERE request_id = $2 AND status = 'pending' AND ($3::uuid IS NULL OR id <> $3)`,
		next.String(), requestID, except,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to transition pending bids: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected, nil
}

func (r *bidRepository) ListOverduePending(ctx context.Context, now time.Time, limit int) ([]*bid.Bid, error) {
	query := `
		SELECT b.id, b.request_id, b.driver_id, b.price_offer, b.currency,
		       b.proposed_at, b.message, b.status, b.expires_at, b.version, b.created_at, b.updated_at
		FROM bids b
		JOIN requests r ON r.id = b.request_id
		WHERE b.status = 'pending' AND b.expires_at <= $1 AND r.status = 'open'
		ORDER BY b.expires_at ASC
		LIMIT $2`
	return r.queryBids(ctx, query, now, limit)
}

func (r *bidRepository) queryBids(ctx context.Context, query string, args ...interface{}) ([]*bid.Bid, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var out []*bid.Bid
	for rows.Next() {
		b, err := r.scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *bidRepository) scanBid(row rowScanner) (*bid.Bid, error) {
	var (
		b         bid.Bid
		statusStr string
		price     string
		currency  string
	)

	err := row.Scan(
		&b.ID, &b.RequestID, &b.DriverID, &price, &currency,
		&b.ProposedAt, &b.Message, &statusStr, &b.ExpiresAt, &b.Version, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, negotiation.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan bid: %w", err)
	}

	b.PriceOffer, err = values.NewMoneyFromString(price, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to scan price offer: %w", err)
	}
	b.Status, err = bid.ParseStatus(statusStr)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
