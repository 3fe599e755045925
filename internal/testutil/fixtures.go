// Package testutil provides builders for domain fixtures used across
// package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rideworks/ride-negotiation-backend/internal/domain/bid"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/request"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/values"
)

// BaseTime is a fixed reference instant so tests are deterministic.
var BaseTime = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// Money parses an amount or fails the test.
func Money(t *testing.T, amount string) values.Money {
	t.Helper()
	m, err := values.NewMoneyFromString(amount, "USD")
	require.NoError(t, err)
	return m
}

// RequestBuilder assembles ride requests with sensible defaults.
type RequestBuilder struct {
	draft    request.Draft
	lifetime time.Duration
}

func NewRequestBuilder() *RequestBuilder {
	return &RequestBuilder{
		draft: request.Draft{
			PassengerID:       uuid.New(),
			OriginCityID:      uuid.New(),
			DestinationCityID: uuid.New(),
			PreferredAt:       BaseTime.Add(6 * time.Hour),
			TimeFlexibility:   2 * time.Hour,
			PassengerCount:    1,
		},
		lifetime: 24 * time.Hour,
	}
}

func (b *RequestBuilder) WithPassenger(id uuid.UUID) *RequestBuilder {
	b.draft.PassengerID = id
	return b
}

func (b *RequestBuilder) WithPreferredAt(at time.Time) *RequestBuilder {
	b.draft.PreferredAt = at
	return b
}

func (b *RequestBuilder) WithFlexibility(d time.Duration) *RequestBuilder {
	b.draft.TimeFlexibility = d
	return b
}

func (b *RequestBuilder) WithPassengerCount(n int) *RequestBuilder {
	b.draft.PassengerCount = n
	return b
}

func (b *RequestBuilder) WithBudget(t *testing.T, min, max string) *RequestBuilder {
	lo := Money(t, min)
	hi := Money(t, max)
	b.draft.MinBudget = &lo
	b.draft.MaxBudget = &hi
	return b
}

func (b *RequestBuilder) WithMaxBudgetOnly(t *testing.T, max string) *RequestBuilder {
	hi := Money(t, max)
	b.draft.MinBudget = nil
	b.draft.MaxBudget = &hi
	return b
}

func (b *RequestBuilder) WithLifetime(d time.Duration) *RequestBuilder {
	b.lifetime = d
	return b
}

func (b *RequestBuilder) Draft() request.Draft {
	return b.draft
}

func (b *RequestBuilder) Build(t *testing.T) *request.Request {
	t.Helper()
	r, err := request.NewRequest(b.draft, b.lifetime)
	require.NoError(t, err)
	return r
}

// BidBuilder assembles bids against a given request.
type BidBuilder struct {
	draft    bid.Draft
	lifetime time.Duration
}

func NewBidBuilder(t *testing.T, r *request.Request) *BidBuilder {
	t.Helper()
	return &BidBuilder{
		draft: bid.Draft{
			RequestID:  r.ID,
			DriverID:   uuid.New(),
			PriceOffer: Money(t, "50.00"),
			ProposedAt: r.PreferredAt,
		},
		lifetime: 2 * time.Hour,
	}
}

func (b *BidBuilder) WithDriver(id uuid.UUID) *BidBuilder {
	b.draft.DriverID = id
	return b
}

func (b *BidBuilder) WithPrice(t *testing.T, amount string) *BidBuilder {
	b.draft.PriceOffer = Money(t, amount)
	return b
}

func (b *BidBuilder) WithProposedAt(at time.Time) *BidBuilder {
	b.draft.ProposedAt = at
	return b
}

func (b *BidBuilder) WithMessage(msg string) *BidBuilder {
	b.draft.Message = msg
	return b
}

func (b *BidBuilder) WithLifetime(d time.Duration) *BidBuilder {
	b.lifetime = d
	return b
}

func (b *BidBuilder) Draft() bid.Draft {
	return b.draft
}

func (b *BidBuilder) Build(t *testing.T) *bid.Bid {
	t.Helper()
	placed, err := bid.NewBid(b.draft, b.lifetime)
	require.NoError(t, err)
	return placed
}
