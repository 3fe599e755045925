package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rideworks/ride-negotiation-backend/internal/domain/request"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/values"
	"github.com/rideworks/ride-negotiation-backend/internal/service/negotiation"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so repositories can run
// standalone or inside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// requestRepository implements negotiation.RequestStore using PostgreSQL.
// Status changes ride on a version column: every transition is an UPDATE
// conditioned on (status, version), so a lost race affects zero rows.
type requestRepository struct {
	db dbtx
}

// NewRequestRepository creates a request store over a connection pool.
func NewRequestRepository(db *sql.DB) negotiation.RequestStore {
	return &requestRepository{db: db}
}

// NewRequestRepositoryWithTx creates a request store bound to a transaction.
func NewRequestRepositoryWithTx(tx *sql.Tx) negotiation.RequestStore {
	return &requestRepository{db: tx}
}

const requestColumns = `
	id, passenger_id, origin_city_id, destination_city_id,
	preferred_at, time_flexibility_secs, passenger_count,
	min_budget, max_budget, currency,
	status, accepted_bid_id, expires_at, version, created_at, updated_at`

func (r *requestRepository) Create(ctx context.Context, req *request.Request) error {
	query := `
		INSERT INTO requests (` + requestColumns + `
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14, $15, $16
		)
	`

	var minBudget, maxBudget interface{}
	currency := values.USD
	if req.MinBudget != nil {
		minBudget, _ = req.MinBudget.Value()
		currency = req.MinBudget.Currency()
	}
	if req.MaxBudget != nil {
		maxBudget, _ = req.MaxBudget.Value()
		currency = req.MaxBudget.Currency()
	}

	_, err := r.db.ExecContext(ctx, query,
		req.ID, req.PassengerID, req.OriginCityID, req.DestinationCityID,
		req.PreferredAt, int64(req.TimeFlexibility/time.Second), req.PassengerCount,
		minBudget, maxBudget, currency,
		req.Status.String(), req.AcceptedBidID, req.ExpiresAt, req.Version, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

func (r *requestRepository) GetByID(ctx context.Context, id uuid.UUID) (*request.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`
	return r.scanRequest(r.db.QueryRowContext(ctx, query, id))
}

func (r *requestRepository) ListByPassenger(ctx context.Context, passengerID uuid.UUID) ([]*request.Request, error) {
	query := `SELECT ` + requestColumns + `
		FROM requests WHERE passenger_id = $1 ORDER BY created_at DESC`
	return r.queryRequests(ctx, query, passengerID)
}

func (r *requestRepository) ListOpen(ctx context.Context, limit int) ([]*request.Request, error) {
	query := `SELECT ` + requestColumns + `
		FROM requests WHERE status = 'open' ORDER BY created_at DESC LIMIT $1`
	return r.queryRequests(ctx, query, limit)
}

func (r *requestRepository) ListOverdueOpen(ctx context.Context, now time.Time, limit int) ([]*request.Request, error) {
	query := `SELECT ` + requestColumns + `
		FROM requests WHERE status = 'open' AND expires_at <= $1 ORDER BY expires_at ASC LIMIT $2`
	return r.queryRequests(ctx, query, now, limit)
}

func (r *requestRepository) TryTransition(ctx context.Context, id uuid.UUID, expected, next request.Status, mutate func(*request.Request)) error {
	cur, err := r.scanRequest(r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}
	if cur.Status != expected {
		return negotiation.ErrConflict
	}

	prevVersion := cur.Version
	cur.Status = next
	if mutate != nil {
		mutate(cur)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE requests
		SET status = $1, accepted_bid_id = $2, version = version + 1, updated_at = now()
		WHERE id = $3 AND status = $4 AND version = $5`,
		cur.Status.String(), cur.AcceptedBidID, id, expected.String(), prevVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to transition request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return negotiation.ErrConflict
	}
	return nil
}

func (r *requestRepository) queryRequests(ctx context.Context, query string, args ...interface{}) ([]*request.Request, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var out []*request.Request
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *requestRepository) scanRequest(row rowScanner) (*request.Request, error) {
	var (
		req                  request.Request
		statusStr            string
		flexSecs             int64
		minBudget, maxBudget sql.NullString
		currency             string
		acceptedBidID        sql.NullString
	)

	err := row.Scan(
		&req.ID, &req.PassengerID, &req.OriginCityID, &req.DestinationCityID,
		&req.PreferredAt, &flexSecs, &req.PassengerCount,
		&minBudget, &maxBudget, &currency,
		&statusStr, &acceptedBidID, &req.ExpiresAt, &req.Version, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, negotiation.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan request: %w", err)
	}

	req.TimeFlexibility = time.Duration(flexSecs) * time.Second

	req.Status, err = request.ParseStatus(statusStr)
	if err != nil {
		return nil, err
	}

	if minBudget.Valid {
		m, err := values.NewMoneyFromString(minBudget.String, currency)
		if err != nil {
			return nil, fmt.Errorf("failed to scan min budget: %w", err)
		}
		req.MinBudget = &m
	}
	if maxBudget.Valid {
		m, err := values.NewMoneyFromString(maxBudget.String, currency)
		if err != nil {
			return nil, fmt.Errorf("failed to scan max budget: %w", err)
		}
		req.MaxBudget = &m
	}
	if acceptedBidID.Valid {
		id, err := uuid.Parse(acceptedBidID.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse accepted bid id: %w", err)
		}
		req.AcceptedBidID = &id
	}

	return &req, nil
}
