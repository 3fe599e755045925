package negotiation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rideworks/ride-negotiation-backend/internal/domain/bid"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/request"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/values"
)

// Storage-level sentinel errors. Both the postgres and the in-memory
// stores translate their native failures into these so the engine can
// decide how to surface them.
var (
	// ErrNotFound indicates an entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrConflict indicates a compare-and-swap transition found a
	// different status than expected and applied nothing.
	ErrConflict = errors.New("status conflict")
	// ErrDuplicateBid indicates the driver already holds a live bid on
	// the request.
	ErrDuplicateBid = errors.New("duplicate live bid")
)

// Service is the inbound interface the HTTP layer consumes.
type Service interface {
	// CreateRequest posts a new ride request for a passenger.
	CreateRequest(ctx context.Context, d request.Draft) (*request.Request, error)
	// GetRequest retrieves a request by id.
	GetRequest(ctx context.Context, id uuid.UUID) (*request.Request, error)
	// ListRequestsByPassenger returns a passenger's requests, newest first.
	ListRequestsByPassenger(ctx context.Context, passengerID uuid.UUID) ([]*request.Request, error)
	// ListOpenRequests returns open requests for the driver browse view.
	ListOpenRequests(ctx context.Context, limit int) ([]*request.Request, error)
	// CancelRequest cancels an open request and expires its pending bids.
	CancelRequest(ctx context.Context, requestID, passengerID uuid.UUID) error

	// SubmitBid places a driver's offer against an open request.
	SubmitBid(ctx context.Context, in SubmitBidInput) (*bid.Bid, error)
	// UpdateBid changes price, proposed time, or message of a pending bid.
	UpdateBid(ctx context.Context, in UpdateBidInput) (*bid.Bid, error)
	// WithdrawBid retires the driver's own pending bid.
	WithdrawBid(ctx context.Context, bidID, driverID uuid.UUID) error
	// AcceptBid closes the request on the chosen bid and rejects the rest.
	AcceptBid(ctx context.Context, bidID, passengerID uuid.UUID) (*bid.Bid, error)
	// RejectBid turns down one pending bid; the request stays open.
	RejectBid(ctx context.Context, bidID, passengerID uuid.UUID) error
	// GetBid retrieves a bid by id.
	GetBid(ctx context.Context, bidID uuid.UUID) (*bid.Bid, error)
	// ListBidsForRequest returns a request's bids ordered by creation time.
	ListBidsForRequest(ctx context.Context, requestID uuid.UUID) ([]*bid.Bid, error)
}

// RequestStore owns Request rows. All status changes go through
// TryTransition; nothing else may write the status column.
type RequestStore interface {
	// Create persists a new OPEN request.
	Create(ctx context.Context, r *request.Request) error
	// GetByID retrieves a request, ErrNotFound if missing.
	GetByID(ctx context.Context, id uuid.UUID) (*request.Request, error)
	// ListByPassenger returns the passenger's requests, newest first.
	ListByPassenger(ctx context.Context, passengerID uuid.UUID) ([]*request.Request, error)
	// ListOpen returns up to limit OPEN requests, newest first.
	ListOpen(ctx context.Context, limit int) ([]*request.Request, error)
	// ListOverdueOpen returns OPEN requests whose expiry has passed.
	ListOverdueOpen(ctx context.Context, now time.Time, limit int) ([]*request.Request, error)
	// TryTransition atomically moves the request from expected to next
	// status, applying mutate to the row in the same unit. Returns
	// ErrConflict without side effects when the expected status did not
	// hold at commit time.
	TryTransition(ctx context.Context, id uuid.UUID, expected, next request.Status, mutate func(*request.Request)) error
}

// BidStore owns Bid rows scoped to a request.
type BidStore interface {
	// InsertIfAbsent atomically checks that the driver holds no live bid
	// on the request and inserts a PENDING bid; ErrDuplicateBid otherwise.
	InsertIfAbsent(ctx context.Context, b *bid.Bid) error
	// GetByID retrieves a bid, ErrNotFound if missing.
	GetByID(ctx context.Context, id uuid.UUID) (*bid.Bid, error)
	// ListByRequest returns the request's bids ordered by created_at asc.
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*bid.Bid, error)
	// UpdateFields rewrites price, proposed time and message of a PENDING
	// bid under the same optimistic guard as status transitions; returns
	// ErrConflict if the bid moved underneath the caller.
	UpdateFields(ctx context.Context, b *bid.Bid) error
	// TryTransition has the same CAS contract as RequestStore.TryTransition.
	TryTransition(ctx context.Context, id uuid.UUID, expected, next bid.Status) error
	// TransitionAllPending moves every PENDING bid of the request to next,
	// skipping except when non-nil, and reports how many rows moved.
	TransitionAllPending(ctx context.Context, requestID uuid.UUID, next bid.Status, except *uuid.UUID) (int64, error)
	// ListOverduePending returns PENDING bids whose own expiry has passed.
	ListOverduePending(ctx context.Context, now time.Time, limit int) ([]*bid.Bid, error)
}

// TxStores bundles the two stores scoped to one transactional unit.
type TxStores struct {
	Requests RequestStore
	Bids     BidStore
}

// Transactor runs fn inside one logical transaction keyed by the request:
// a database transaction for the postgres stores, a per-request critical
// section for the in-memory ones.
type Transactor interface {
	InRequestTx(ctx context.Context, requestID uuid.UUID, fn func(ctx context.Context, stores TxStores) error) error
}

// EventKind names a lifecycle event delivered to the Notifier.
type EventKind string

const (
	EventRequestCreated   EventKind = "request.created"
	EventRequestCancelled EventKind = "request.cancelled"
	EventRequestClosed    EventKind = "request.closed"
	EventRequestExpired   EventKind = "request.expired"
	EventBidSubmitted     EventKind = "bid.submitted"
	EventBidUpdated       EventKind = "bid.updated"
	EventBidWithdrawn     EventKind = "bid.withdrawn"
	EventBidAccepted      EventKind = "bid.accepted"
	EventBidRejected      EventKind = "bid.rejected"
	EventBidExpired       EventKind = "bid.expired"
)

// Event is the payload handed to the Notifier after a commit.
type Event struct {
	Kind       EventKind  `json:"kind"`
	RequestID  uuid.UUID  `json:"request_id"`
	BidID      *uuid.UUID `json:"bid_id,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Notifier delivers lifecycle events out of band. Delivery is
// best-effort: implementations log failures and never block or fail the
// engine's operation, so there is no error return.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Identity describes a resolved user and the roles it may act in.
type Identity struct {
	ID          uuid.UUID
	IsDriver    bool
	IsPassenger bool
}

// IdentityResolver is the external identity collaborator; the engine uses
// it only to validate role-appropriate calls.
type IdentityResolver interface {
	Resolve(ctx context.Context, userID uuid.UUID) (Identity, error)
}

// RateLimiter bounds how often a driver may submit bids.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// NopRateLimiter allows everything; used when no redis is configured.
type NopRateLimiter struct{}

func (NopRateLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

// MetricsCollector records domain-level counters.
type MetricsCollector interface {
	RecordBidSubmitted(ctx context.Context, b *bid.Bid)
	RecordBidAccepted(ctx context.Context, b *bid.Bid)
	RecordBidsRejected(ctx context.Context, requestID uuid.UUID, count int64)
	RecordRequestExpired(ctx context.Context, requestID uuid.UUID)
	RecordSweep(ctx context.Context, requests, bids int)
}

// SubmitBidInput carries a driver's bid submission.
type SubmitBidInput struct {
	RequestID  uuid.UUID
	DriverID   uuid.UUID
	PriceOffer values.Money
	ProposedAt time.Time
	Message    string
}

// UpdateBidInput carries a partial update to a pending bid. Nil fields
// keep their current values.
type UpdateBidInput struct {
	BidID      uuid.UUID
	DriverID   uuid.UUID
	PriceOffer *values.Money
	ProposedAt *time.Time
	Message    *string
}
