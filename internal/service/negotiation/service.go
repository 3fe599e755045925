package negotiation

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rideworks/ride-negotiation-backend/internal/domain/bid"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/errors"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/request"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/validation"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/values"
)

// Error codes surfaced by the engine on top of the validator's codes.
const (
	CodeRequestNotOpen         = "REQUEST_NOT_OPEN"
	CodeRequestExpired         = "REQUEST_EXPIRED"
	CodeAlreadyBidOnRequest    = "ALREADY_BID_ON_REQUEST"
	CodeRequestAlreadyResolved = "REQUEST_ALREADY_RESOLVED"
	CodeBidNotPending          = "BID_NOT_PENDING"
	CodeRequestTerminal        = "REQUEST_ALREADY_TERMINAL"
	CodeRateLimited            = "BID_RATE_LIMITED"
)

// Config tunes the engine's lifetimes and rate limits.
type Config struct {
	// RequestLifetime is how long a new request stays OPEN before the
	// sweeper may expire it.
	RequestLifetime time.Duration
	// BidLifetime is how long a new bid stays PENDING before it may
	// expire, independently of its request.
	BidLifetime time.Duration
	// BidRateLimit caps bids per driver per BidRateWindow; zero disables.
	BidRateLimit  int
	BidRateWindow time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RequestLifetime: 24 * time.Hour,
		BidLifetime:     2 * time.Hour,
		BidRateLimit:    30,
		BidRateWindow:   time.Minute,
	}
}

type service struct {
	requests RequestStore
	bids     BidStore
	tx       Transactor
	notifier Notifier
	identity IdentityResolver
	limiter  RateLimiter
	metrics  MetricsCollector
	logger   *slog.Logger
	cfg      Config

	now func() time.Time
}

// NewService wires the negotiation engine. The notifier, limiter and
// metrics collector may be nil-object implementations but not nil.
func NewService(
	requests RequestStore,
	bids BidStore,
	tx Transactor,
	notifier Notifier,
	identity IdentityResolver,
	limiter RateLimiter,
	metrics MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) Service {
	return &service{
		requests: requests,
		bids:     bids,
		tx:       tx,
		notifier: notifier,
		identity: identity,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *service) CreateRequest(ctx context.Context, d request.Draft) (*request.Request, error) {
	if err := s.requireRole(ctx, d.PassengerID, rolePassenger); err != nil {
		return nil, err
	}
	if err := validation.ValidateNotPast(d.PreferredAt, s.now()); err != nil {
		return nil, err
	}

	r, err := request.NewRequest(d, s.cfg.RequestLifetime)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_REQUEST", err.Error())
	}
	if err := s.requests.Create(ctx, r); err != nil {
		return nil, errors.NewInternalError("failed to create request").WithCause(err)
	}

	s.notify(ctx, Event{Kind: EventRequestCreated, RequestID: r.ID, OccurredAt: s.now()})
	return r, nil
}

func (s *service) GetRequest(ctx context.Context, id uuid.UUID) (*request.Request, error) {
	r, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, s.mapReadError(err, "request")
	}
	return r, nil
}

func (s *service) ListRequestsByPassenger(ctx context.Context, passengerID uuid.UUID) ([]*request.Request, error) {
	return s.requests.ListByPassenger(ctx, passengerID)
}

func (s *service) ListOpenRequests(ctx context.Context, limit int) ([]*request.Request, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.requests.ListOpen(ctx, limit)
}

func (s *service) CancelRequest(ctx context.Context, requestID, passengerID uuid.UUID) error {
	var expired int64
	err := s.tx.InRequestTx(ctx, requestID, func(ctx context.Context, st TxStores) error {
		r, err := st.Requests.GetByID(ctx, requestID)
		if err != nil {
			return s.mapReadError(err, "request")
		}
		if r.PassengerID != passengerID {
			return errors.NewForbiddenError("request belongs to another passenger")
		}
		if err := st.Requests.TryTransition(ctx, requestID, request.StatusOpen, request.StatusCancelled, nil); err != nil {
			if stderrors.Is(err, ErrConflict) {
				return errors.NewConflictError(CodeRequestTerminal, "request is no longer open")
			}
			return errors.NewInternalError("failed to cancel request").WithCause(err)
		}
		expired, err = st.Bids.TransitionAllPending(ctx, requestID, bid.StatusExpired, nil)
		if err != nil {
			return errors.NewInternalError("failed to expire pending bids").WithCause(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "request cancelled",
		slog.String("request_id", requestID.String()),
		slog.Int64("bids_expired", expired))
	s.notify(ctx, Event{Kind: EventRequestCancelled, RequestID: requestID, OccurredAt: s.now()})
	return nil
}

func (s *service) SubmitBid(ctx context.Context, in SubmitBidInput) (*bid.Bid, error) {
	if err := s.requireRole(ctx, in.DriverID, roleDriver); err != nil {
		return nil, err
	}
	if err := s.checkBidRate(ctx, in.DriverID); err != nil {
		return nil, err
	}

	var placed *bid.Bid
	err := s.tx.InRequestTx(ctx, in.RequestID, func(ctx context.Context, st TxStores) error {
		r, err := st.Requests.GetByID(ctx, in.RequestID)
		if err != nil {
			return s.mapReadError(err, "request")
		}
		if !r.IsOpen() {
			return errors.NewConflictError(CodeRequestNotOpen, "request no longer accepts bids")
		}
		if r.IsExpired(s.now()) {
			return errors.NewConflictError(CodeRequestExpired, "request has expired")
		}
		if err := s.validateOffer(r, in.PriceOffer, in.ProposedAt); err != nil {
			return err
		}

		b, err := bid.NewBid(bid.Draft{
			RequestID:  in.RequestID,
			DriverID:   in.DriverID,
			PriceOffer: in.PriceOffer,
			ProposedAt: in.ProposedAt,
			Message:    in.Message,
		}, s.cfg.BidLifetime)
		if err != nil {
			return errors.NewValidationError("INVALID_BID", err.Error())
		}
		if err := st.Bids.InsertIfAbsent(ctx, b); err != nil {
			if stderrors.Is(err, ErrDuplicateBid) {
				return errors.NewConflictError(CodeAlreadyBidOnRequest, "driver already has a live bid on this request")
			}
			return errors.NewInternalError("failed to store bid").WithCause(err)
		}
		placed = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordBidSubmitted(ctx, placed)
	s.notify(ctx, Event{Kind: EventBidSubmitted, RequestID: placed.RequestID, BidID: &placed.ID, OccurredAt: s.now()})
	return placed, nil
}

func (s *service) UpdateBid(ctx context.Context, in UpdateBidInput) (*bid.Bid, error) {
	b, err := s.bids.GetByID(ctx, in.BidID)
	if err != nil {
		return nil, s.mapReadError(err, "bid")
	}
	if b.DriverID != in.DriverID {
		return nil, errors.NewForbiddenError("bid belongs to another driver")
	}

	var updated *bid.Bid
	err = s.tx.InRequestTx(ctx, b.RequestID, func(ctx context.Context, st TxStores) error {
		cur, err := st.Bids.GetByID(ctx, in.BidID)
		if err != nil {
			return s.mapReadError(err, "bid")
		}
		if !cur.IsPending() {
			return errors.NewConflictError(CodeBidNotPending, "bid is no longer pending")
		}
		r, err := st.Requests.GetByID(ctx, cur.RequestID)
		if err != nil {
			return s.mapReadError(err, "request")
		}
		if !r.IsOpen() {
			return errors.NewConflictError(CodeRequestNotOpen, "request no longer accepts bid changes")
		}

		if in.PriceOffer != nil {
			cur.PriceOffer = *in.PriceOffer
		}
		if in.ProposedAt != nil {
			cur.ProposedAt = in.ProposedAt.UTC()
		}
		if in.Message != nil {
			if len(*in.Message) > bid.MaxMessageLength {
				return errors.NewValidationError("INVALID_BID", fmt.Sprintf("message exceeds %d characters", bid.MaxMessageLength))
			}
			cur.Message = *in.Message
		}
		if err := s.validateOffer(r, cur.PriceOffer, cur.ProposedAt); err != nil {
			return err
		}

		if err := st.Bids.UpdateFields(ctx, cur); err != nil {
			if stderrors.Is(err, ErrConflict) {
				return errors.NewConflictError(CodeBidNotPending, "bid changed underneath the update")
			}
			return errors.NewInternalError("failed to update bid").WithCause(err)
		}
		updated = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, Event{Kind: EventBidUpdated, RequestID: updated.RequestID, BidID: &updated.ID, OccurredAt: s.now()})
	return updated, nil
}

func (s *service) WithdrawBid(ctx context.Context, bidID, driverID uuid.UUID) error {
	b, err := s.bids.GetByID(ctx, bidID)
	if err != nil {
		return s.mapReadError(err, "bid")
	}
	if b.DriverID != driverID {
		return errors.NewForbiddenError("bid belongs to another driver")
	}

	err = s.tx.InRequestTx(ctx, b.RequestID, func(ctx context.Context, st TxStores) error {
		if err := st.Bids.TryTransition(ctx, bidID, bid.StatusPending, bid.StatusWithdrawn); err != nil {
			if stderrors.Is(err, ErrConflict) {
				return errors.NewConflictError(CodeBidNotPending, "bid is no longer pending")
			}
			return errors.NewInternalError("failed to withdraw bid").WithCause(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.notify(ctx, Event{Kind: EventBidWithdrawn, RequestID: b.RequestID, BidID: &bidID, OccurredAt: s.now()})
	return nil
}

// AcceptBid is the critical atomic operation: the OPEN→CLOSED CAS on the
// request is the sole arbiter of which accept wins.
func (s *service) AcceptBid(ctx context.Context, bidID, passengerID uuid.UUID) (*bid.Bid, error) {
	b, err := s.bids.GetByID(ctx, bidID)
	if err != nil {
		return nil, s.mapReadError(err, "bid")
	}

	var accepted *bid.Bid
	var rejected int64
	err = s.tx.InRequestTx(ctx, b.RequestID, func(ctx context.Context, st TxStores) error {
		r, err := st.Requests.GetByID(ctx, b.RequestID)
		if err != nil {
			return s.mapReadError(err, "request")
		}
		if r.PassengerID != passengerID {
			return errors.NewForbiddenError("request belongs to another passenger")
		}

		// Exactly one of the racing accepts wins this CAS.
		err = st.Requests.TryTransition(ctx, r.ID, request.StatusOpen, request.StatusClosed, func(r *request.Request) {
			id := bidID
			r.AcceptedBidID = &id
		})
		if err != nil {
			if stderrors.Is(err, ErrConflict) {
				return errors.NewConflictError(CodeRequestAlreadyResolved, "request was already resolved")
			}
			return errors.NewInternalError("failed to close request").WithCause(err)
		}

		if err := st.Bids.TryTransition(ctx, bidID, bid.StatusPending, bid.StatusAccepted); err != nil {
			if stderrors.Is(err, ErrConflict) {
				// The bid was withdrawn or expired between the load and
				// the request CAS. Reopen the request so no CLOSED
				// request is left without an accepted bid.
				s.compensateReopen(ctx, st, r.ID)
				return errors.NewConflictError(CodeBidNotPending, "bid is no longer pending")
			}
			return errors.NewInternalError("failed to accept bid").WithCause(err)
		}

		rejected, err = st.Bids.TransitionAllPending(ctx, r.ID, bid.StatusRejected, &bidID)
		if err != nil {
			return errors.NewInternalError("failed to reject sibling bids").WithCause(err)
		}

		cur, err := st.Bids.GetByID(ctx, bidID)
		if err != nil {
			return s.mapReadError(err, "bid")
		}
		accepted = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordBidAccepted(ctx, accepted)
	s.metrics.RecordBidsRejected(ctx, accepted.RequestID, rejected)
	s.notify(ctx, Event{Kind: EventBidAccepted, RequestID: accepted.RequestID, BidID: &accepted.ID, OccurredAt: s.now()})
	s.notify(ctx, Event{Kind: EventRequestClosed, RequestID: accepted.RequestID, OccurredAt: s.now()})
	return accepted, nil
}

// compensateReopen undoes a won request CAS after the accepted bid turned
// out to be non-pending. Failure here means a CLOSED request with no
// accepted bid, which operators must reconcile by hand.
func (s *service) compensateReopen(ctx context.Context, st TxStores, requestID uuid.UUID) {
	err := st.Requests.TryTransition(ctx, requestID, request.StatusClosed, request.StatusOpen, func(r *request.Request) {
		r.AcceptedBidID = nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "INVARIANT VIOLATION: failed to reopen request after accept compensation",
			slog.String("request_id", requestID.String()),
			slog.Any("error", err))
		return
	}
	s.logger.ErrorContext(ctx, "accept raced a bid withdrawal; request reopened",
		slog.String("request_id", requestID.String()))
}

func (s *service) RejectBid(ctx context.Context, bidID, passengerID uuid.UUID) error {
	b, err := s.bids.GetByID(ctx, bidID)
	if err != nil {
		return s.mapReadError(err, "bid")
	}
	r, err := s.requests.GetByID(ctx, b.RequestID)
	if err != nil {
		return s.mapReadError(err, "request")
	}
	if r.PassengerID != passengerID {
		return errors.NewForbiddenError("request belongs to another passenger")
	}

	err = s.tx.InRequestTx(ctx, b.RequestID, func(ctx context.Context, st TxStores) error {
		if err := st.Bids.TryTransition(ctx, bidID, bid.StatusPending, bid.StatusRejected); err != nil {
			if stderrors.Is(err, ErrConflict) {
				return errors.NewConflictError(CodeBidNotPending, "bid is no longer pending")
			}
			return errors.NewInternalError("failed to reject bid").WithCause(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.notify(ctx, Event{Kind: EventBidRejected, RequestID: b.RequestID, BidID: &bidID, OccurredAt: s.now()})
	return nil
}

func (s *service) GetBid(ctx context.Context, bidID uuid.UUID) (*bid.Bid, error) {
	b, err := s.bids.GetByID(ctx, bidID)
	if err != nil {
		return nil, s.mapReadError(err, "bid")
	}
	return b, nil
}

func (s *service) ListBidsForRequest(ctx context.Context, requestID uuid.UUID) ([]*bid.Bid, error) {
	if _, err := s.requests.GetByID(ctx, requestID); err != nil {
		return nil, s.mapReadError(err, "request")
	}
	return s.bids.ListByRequest(ctx, requestID)
}

// validateOffer runs the constraint validator in submission order and
// propagates the first failure. No store state is touched when any of
// these fail.
func (s *service) validateOffer(r *request.Request, offer values.Money, proposedAt time.Time) error {
	if err := validation.ValidatePrice(r, offer); err != nil {
		return err
	}
	if err := validation.ValidateProposedTime(r, proposedAt); err != nil {
		return err
	}
	return validation.ValidateNotPast(proposedAt, s.now())
}

type role int

const (
	roleDriver role = iota
	rolePassenger
)

func (s *service) requireRole(ctx context.Context, userID uuid.UUID, want role) error {
	ident, err := s.identity.Resolve(ctx, userID)
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return errors.NewNotFoundError("user")
		}
		return errors.NewInternalError("failed to resolve user").WithCause(err)
	}
	switch want {
	case roleDriver:
		if !ident.IsDriver {
			return errors.NewForbiddenError("only drivers may submit bids")
		}
	case rolePassenger:
		if !ident.IsPassenger {
			return errors.NewForbiddenError("only passengers may post requests")
		}
	}
	return nil
}

func (s *service) checkBidRate(ctx context.Context, driverID uuid.UUID) error {
	if s.cfg.BidRateLimit <= 0 {
		return nil
	}
	allowed, err := s.limiter.Allow(ctx, "bid:"+driverID.String(), s.cfg.BidRateLimit, s.cfg.BidRateWindow)
	if err != nil {
		// Rate limiting is advisory; a broken limiter must not block bidding.
		s.logger.WarnContext(ctx, "bid rate limiter unavailable", slog.Any("error", err))
		return nil
	}
	if !allowed {
		return errors.NewBusinessError(CodeRateLimited, "too many bids, slow down")
	}
	return nil
}

func (s *service) mapReadError(err error, resource string) error {
	if stderrors.Is(err, ErrNotFound) {
		return errors.NewNotFoundError(resource)
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	return errors.NewInternalError(fmt.Sprintf("failed to load %s", resource)).WithCause(err)
}

func (s *service) notify(ctx context.Context, evt Event) {
	s.notifier.Notify(ctx, evt)
}
