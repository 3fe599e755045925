package rest

import (
	"time"

	"github.com/google/uuid"

	"github.com/rideworks/ride-negotiation-backend/internal/domain/bid"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/request"
)

// createRequestPayload is the body of POST /api/v1/requests.
type createRequestPayload struct {
	OriginCityID      uuid.UUID `json:"origin_city_id" validate:"required"`
	DestinationCityID uuid.UUID `json:"destination_city_id" validate:"required"`
	PreferredAt       time.Time `json:"preferred_at" validate:"required"`
	// TimeFlexibility is a Go duration string, e.g. "1h30m".
	TimeFlexibility string      `json:"time_flexibility,omitempty"`
	PassengerCount  int         `json:"passenger_count" validate:"required,min=1,max=8"`
	MinBudget       *moneyInput `json:"min_budget,omitempty"`
	MaxBudget       *moneyInput `json:"max_budget,omitempty"`
}

// submitBidPayload is the body of POST /api/v1/requests/{id}/bids.
type submitBidPayload struct {
	PriceOffer moneyInput `json:"price_offer" validate:"required"`
	ProposedAt time.Time  `json:"proposed_at" validate:"required"`
	Message    string     `json:"message,omitempty" validate:"max=500"`
}

// updateBidPayload is the body of PATCH /api/v1/bids/{id}. Absent fields
// keep their current values.
type updateBidPayload struct {
	PriceOffer *moneyInput `json:"price_offer,omitempty"`
	ProposedAt *time.Time  `json:"proposed_at,omitempty"`
	Message    *string     `json:"message,omitempty" validate:"omitempty,max=500"`
}

type moneyInput struct {
	Amount   string `json:"amount" validate:"required"`
	Currency string `json:"currency" validate:"required,len=3"`
}

type requestResponse struct {
	ID                uuid.UUID  `json:"id"`
	PassengerID       uuid.UUID  `json:"passenger_id"`
	OriginCityID      uuid.UUID  `json:"origin_city_id"`
	DestinationCityID uuid.UUID  `json:"destination_city_id"`
	PreferredAt       time.Time  `json:"preferred_at"`
	TimeFlexibility   string     `json:"time_flexibility"`
	PassengerCount    int        `json:"passenger_count"`
	MinBudget         *string    `json:"min_budget,omitempty"`
	MaxBudget         *string    `json:"max_budget,omitempty"`
	Status            string     `json:"status"`
	AcceptedBidID     *uuid.UUID `json:"accepted_bid_id,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type bidResponse struct {
	ID         uuid.UUID `json:"id"`
	RequestID  uuid.UUID `json:"request_id"`
	DriverID   uuid.UUID `json:"driver_id"`
	PriceOffer string    `json:"price_offer"`
	ProposedAt time.Time `json:"proposed_at"`
	Message    string    `json:"message,omitempty"`
	Status     string    `json:"status"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toRequestResponse(r *request.Request) requestResponse {
	resp := requestResponse{
		ID:                r.ID,
		PassengerID:       r.PassengerID,
		OriginCityID:      r.OriginCityID,
		DestinationCityID: r.DestinationCityID,
		PreferredAt:       r.PreferredAt,
		TimeFlexibility:   r.TimeFlexibility.String(),
		PassengerCount:    r.PassengerCount,
		Status:            r.Status.String(),
		AcceptedBidID:     r.AcceptedBidID,
		ExpiresAt:         r.ExpiresAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.MinBudget != nil {
		s := r.MinBudget.String()
		resp.MinBudget = &s
	}
	if r.MaxBudget != nil {
		s := r.MaxBudget.String()
		resp.MaxBudget = &s
	}
	return resp
}

func toBidResponse(b *bid.Bid) bidResponse {
	return bidResponse{
		ID:         b.ID,
		RequestID:  b.RequestID,
		DriverID:   b.DriverID,
		PriceOffer: b.PriceOffer.String(),
		ProposedAt: b.ProposedAt,
		Message:    b.Message,
		Status:     b.Status.String(),
		ExpiresAt:  b.ExpiresAt,
		CreatedAt:  b.CreatedAt,
		UpdatedAt:  b.UpdatedAt,
	}
}

func toBidResponses(bids []*bid.Bid) []bidResponse {
	out := make([]bidResponse, 0, len(bids))
	for _, b := range bids {
		out = append(out, toBidResponse(b))
	}
	return out
}

func toRequestResponses(requests []*request.Request) []requestResponse {
	out := make([]requestResponse, 0, len(requests))
	for _, r := range requests {
		out = append(out, toRequestResponse(r))
	}
	return out
}
