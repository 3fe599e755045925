package negotiation

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/rideworks/ride-negotiation-backend/internal/domain/bid"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/request"
)

// Sweeper periodically transitions overdue OPEN requests and PENDING bids
// to EXPIRED. It uses the same CAS primitives as user-initiated
// transitions, so a sweep racing a concurrent accept or withdrawal never
// corrupts state: exactly one side wins each CAS and the loser moves on.
type Sweeper struct {
	requests RequestStore
	bids     BidStore
	tx       Transactor
	notifier Notifier
	metrics  MetricsCollector
	logger   *slog.Logger

	interval  time.Duration
	batchSize int

	now func() time.Time
}

// NewSweeper builds a sweeper ticking at interval, handling at most
// batchSize entities of each kind per pass.
func NewSweeper(
	requests RequestStore,
	bids BidStore,
	tx Transactor,
	notifier Notifier,
	metrics MetricsCollector,
	logger *slog.Logger,
	interval time.Duration,
	batchSize int,
) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		requests:  requests,
		bids:      bids,
		tx:        tx,
		notifier:  notifier,
		metrics:   metrics,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiration sweeper started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiration sweeper stopped")
			return
		case <-ticker.C:
			reqs, bids, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Error("sweep pass failed", slog.Any("error", err))
				continue
			}
			if reqs > 0 || bids > 0 {
				s.logger.Info("sweep pass completed",
					slog.Int("requests_expired", reqs),
					slog.Int("bids_expired", bids))
			}
		}
	}
}

// SweepOnce performs a single pass and reports how many requests and bids
// it expired. Re-running immediately is a no-op: every transition is a
// CAS, and a lost CAS is swallowed without a second notification.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, int, error) {
	now := s.now()

	requestsExpired, err := s.sweepRequests(ctx, now)
	if err != nil {
		return requestsExpired, 0, err
	}
	bidsExpired, err := s.sweepBids(ctx, now)
	if err != nil {
		return requestsExpired, bidsExpired, err
	}

	s.metrics.RecordSweep(ctx, requestsExpired, bidsExpired)
	return requestsExpired, bidsExpired, nil
}

func (s *Sweeper) sweepRequests(ctx context.Context, now time.Time) (int, error) {
	overdue, err := s.requests.ListOverdueOpen(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, r := range overdue {
		requestID := r.ID
		err := s.tx.InRequestTx(ctx, requestID, func(ctx context.Context, st TxStores) error {
			if err := st.Requests.TryTransition(ctx, requestID, request.StatusOpen, request.StatusExpired, nil); err != nil {
				return err
			}
			_, err := st.Bids.TransitionAllPending(ctx, requestID, bid.StatusExpired, nil)
			return err
		})
		if err != nil {
			if stderrors.Is(err, ErrConflict) {
				// A user action or an earlier sweep resolved it first.
				continue
			}
			s.logger.Error("failed to expire request",
				slog.String("request_id", requestID.String()),
				slog.Any("error", err))
			continue
		}
		expired++
		s.metrics.RecordRequestExpired(ctx, requestID)
		s.notifier.Notify(ctx, Event{Kind: EventRequestExpired, RequestID: requestID, OccurredAt: now})
	}
	return expired, nil
}

func (s *Sweeper) sweepBids(ctx context.Context, now time.Time) (int, error) {
	overdue, err := s.bids.ListOverduePending(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, b := range overdue {
		bidID := b.ID
		requestID := b.RequestID
		err := s.tx.InRequestTx(ctx, requestID, func(ctx context.Context, st TxStores) error {
			return st.Bids.TryTransition(ctx, bidID, bid.StatusPending, bid.StatusExpired)
		})
		if err != nil {
			if stderrors.Is(err, ErrConflict) {
				continue
			}
			s.logger.Error("failed to expire bid",
				slog.String("bid_id", bidID.String()),
				slog.Any("error", err))
			continue
		}
		expired++
		s.notifier.Notify(ctx, Event{Kind: EventBidExpired, RequestID: requestID, BidID: &bidID, OccurredAt: now})
	}
	return expired, nil
}
