package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rideworks/ride-negotiation-backend/internal/domain/bid"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/request"
	"github.com/rideworks/ride-negotiation-backend/internal/infrastructure/repository"
	"github.com/rideworks/ride-negotiation-backend/internal/service/negotiation"
	"github.com/rideworks/ride-negotiation-backend/internal/testutil"
)

func seedRequest(t *testing.T, m *repository.Memory) *request.Request {
	t.Helper()
	r := testutil.NewRequestBuilder().Build(t)
	require.NoError(t, m.Requests.Create(context.Background(), r))
	return r
}

func seedBid(t *testing.T, m *repository.Memory, r *request.Request) *bid.Bid {
	t.Helper()
	b := testutil.NewBidBuilder(t, r).Build(t)
	require.NoError(t, m.Bids.InsertIfAbsent(context.Background(), b))
	return b
}

func TestRequestTryTransition(t *testing.T) {
	ctx := context.Background()
	m := repository.NewMemory()
	r := seedRequest(t, m)

	err := m.Requests.TryTransition(ctx, r.ID, request.StatusOpen, request.StatusCancelled, nil)
	require.NoError(t, err)

	got, err := m.Requests.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusCancelled, got.Status)
	assert.Equal(t, r.Version+1, got.Version)

	// The status guard makes a repeat a conflict, not a double apply.
	err = m.Requests.TryTransition(ctx, r.ID, request.StatusOpen, request.StatusExpired, nil)
	assert.ErrorIs(t, err, negotiation.ErrConflict)

	err = m.Requests.TryTransition(ctx, uuid.New(), request.StatusOpen, request.StatusExpired, nil)
	assert.ErrorIs(t, err, negotiation.ErrNotFound)
}

func TestRequestTransitionMutate(t *testing.T) {
	ctx := context.Background()
	m := repository.NewMemory()
	r := seedRequest(t, m)
	winner := uuid.New()

	err := m.Requests.TryTransition(ctx, r.ID, request.StatusOpen, request.StatusClosed, func(r *request.Request) {
		id := winner
		r.AcceptedBidID = &id
	})
	require.NoError(t, err)

	got, err := m.Requests.GetByID(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AcceptedBidID)
	assert.Equal(t, winner, *got.AcceptedBidID)
	assert.NoError(t, got.Validate())
}

func TestBidInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := repository.NewMemory()
	r := seedRequest(t, m)
	driverID := uuid.New()

	first := testutil.NewBidBuilder(t, r).WithDriver(driverID).Build(t)
	require.NoError(t, m.Bids.InsertIfAbsent(ctx, first))

	dup := testutil.NewBidBuilder(t, r).WithDriver(driverID).Build(t)
	assert.ErrorIs(t, m.Bids.InsertIfAbsent(ctx, dup), negotiation.ErrDuplicateBid)

	// Rejected bids keep blocking; only withdrawal frees the slot.
	require.NoError(t, m.Bids.TryTransition(ctx, first.ID, bid.StatusPending, bid.StatusRejected))
	assert.ErrorIs(t, m.Bids.InsertIfAbsent(ctx, dup), negotiation.ErrDuplicateBid)

	other := seedRequest(t, m)
	onOther := testutil.NewBidBuilder(t, other).WithDriver(driverID).Build(t)
	assert.NoError(t, m.Bids.InsertIfAbsent(ctx, onOther), "uniqueness is per request")
}

func TestBidInsertAfterWithdraw(t *testing.T) {
	ctx := context.Background()
	m := repository.NewMemory()
	r := seedRequest(t, m)
	driverID := uuid.New()

	first := testutil.NewBidBuilder(t, r).WithDriver(driverID).Build(t)
	require.NoError(t, m.Bids.InsertIfAbsent(ctx, first))
	require.NoError(t, m.Bids.TryTransition(ctx, first.ID, bid.StatusPending, bid.StatusWithdrawn))

	second := testutil.NewBidBuilder(t, r).WithDriver(driverID).Build(t)
	assert.NoError(t, m.Bids.InsertIfAbsent(ctx, second))
}

func TestBidUpdateFields(t *testing.T) {
	ctx := context.Background()
	m := repository.NewMemory()
	r := seedRequest(t, m)
	b := seedBid(t, m, r)

	b.Message = "revised"
	require.NoError(t, m.Bids.UpdateFields(ctx, b))
	assert.Equal(t, int64(2), b.Version, "write-back carries the new version")

	stale := *b
	stale.Version = 1
	assert.ErrorIs(t, m.Bids.UpdateFields(ctx, &stale), negotiation.ErrConflict)

	require.NoError(t, m.Bids.TryTransition(ctx, b.ID, bid.StatusPending, bid.StatusWithdrawn))
	latest, err := m.Bids.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Bids.UpdateFields(ctx, latest), negotiation.ErrConflict)
}

func TestTransitionAllPending(t *testing.T) {
	ctx := context.Background()
	m := repository.NewMemory()
	r := seedRequest(t, m)

	keep := seedBid(t, m, r)
	reject1 := seedBid(t, m, r)
	reject2 := seedBid(t, m, r)
	withdrawn := seedBid(t, m, r)
	require.NoError(t, m.Bids.TryTransition(ctx, withdrawn.ID, bid.StatusPending, bid.StatusWithdrawn))

	count, err := m.Bids.TransitionAllPending(ctx, r.ID, bid.StatusRejected, &keep.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	for _, id := range []uuid.UUID{reject1.ID, reject2.ID} {
		got, err := m.Bids.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, bid.StatusRejected, got.Status)
	}
	kept, err := m.Bids.GetByID(ctx, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, bid.StatusPending, kept.Status)
	untouched, err := m.Bids.GetByID(ctx, withdrawn.ID)
	require.NoError(t, err)
	assert.Equal(t, bid.StatusWithdrawn, untouched.Status)
}

func TestListOverduePendingJoinsRequestStatus(t *testing.T) {
	ctx := context.Background()
	m := repository.NewMemory()
	now := time.Now().UTC()

	openReq := seedRequest(t, m)
	overdueOnOpen := testutil.NewBidBuilder(t, openReq).Build(t)
	overdueOnOpen.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, m.Bids.InsertIfAbsent(ctx, overdueOnOpen))

	seedBid(t, m, openReq)

	cancelledReq := seedRequest(t, m)
	overdueOnCancelled := testutil.NewBidBuilder(t, cancelledReq).Build(t)
	overdueOnCancelled.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, m.Bids.InsertIfAbsent(ctx, overdueOnCancelled))
	require.NoError(t, m.Requests.TryTransition(ctx, cancelledReq.ID, request.StatusOpen, request.StatusCancelled, nil))

	overdue, err := m.Bids.ListOverduePending(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, overdueOnOpen.ID, overdue[0].ID)
}

func TestGetByIDReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := repository.NewMemory()
	r := seedRequest(t, m)

	got, err := m.Requests.GetByID(ctx, r.ID)
	require.NoError(t, err)
	got.Status = request.StatusCancelled

	again, err := m.Requests.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusOpen, again.Status, "mutating a read must not leak into the store")
}
