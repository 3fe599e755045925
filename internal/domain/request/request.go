package request

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rideworks/ride-negotiation-backend/internal/domain/values"
)

// Request is a passenger's posted need for a ride with budget and timing
// constraints. Drivers submit competing bids against it; exactly one bid
// can win before the request reaches a terminal status.
type Request struct {
	ID          uuid.UUID `json:"id"`
	PassengerID uuid.UUID `json:"passenger_id"`

	OriginCityID      uuid.UUID `json:"origin_city_id"`
	DestinationCityID uuid.UUID `json:"destination_city_id"`

	// PreferredAt is the passenger's preferred pickup instant;
	// TimeFlexibility widens it into a symmetric acceptance window.
	PreferredAt     time.Time     `json:"preferred_at"`
	TimeFlexibility time.Duration `json:"time_flexibility"`

	PassengerCount int `json:"passenger_count"`

	MinBudget *values.Money `json:"min_budget,omitempty"`
	MaxBudget *values.Money `json:"max_budget,omitempty"`

	Status        Status     `json:"status"`
	AcceptedBidID *uuid.UUID `json:"accepted_bid_id,omitempty"`

	ExpiresAt time.Time `json:"expires_at"`

	// Version backs the optimistic-concurrency check in the store layer.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Status int

const (
	StatusOpen Status = iota
	StatusClosed
	StatusCancelled
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ParseStatus converts a stored status string back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "open":
		return StatusOpen, nil
	case "closed":
		return StatusClosed, nil
	case "cancelled":
		return StatusCancelled, nil
	case "expired":
		return StatusExpired, nil
	default:
		return StatusOpen, fmt.Errorf("unknown request status: %q", s)
	}
}

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusCancelled || s == StatusExpired
}

func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("request status must be a string: %w", err)
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Draft carries the caller-supplied fields of a new request; identifiers,
// status and timestamps are assigned by NewRequest.
type Draft struct {
	PassengerID       uuid.UUID
	OriginCityID      uuid.UUID
	DestinationCityID uuid.UUID
	PreferredAt       time.Time
	TimeFlexibility   time.Duration
	PassengerCount    int
	MinBudget         *values.Money
	MaxBudget         *values.Money
}

// NewRequest validates a draft and returns an OPEN request expiring after
// the given lifetime.
func NewRequest(d Draft, lifetime time.Duration) (*Request, error) {
	if d.PassengerID == uuid.Nil {
		return nil, fmt.Errorf("passenger id is required")
	}
	if d.OriginCityID == uuid.Nil || d.DestinationCityID == uuid.Nil {
		return nil, fmt.Errorf("origin and destination cities are required")
	}
	if d.OriginCityID == d.DestinationCityID {
		return nil, fmt.Errorf("origin and destination must differ")
	}
	if d.PassengerCount < 1 {
		return nil, fmt.Errorf("passenger count must be positive")
	}
	if d.TimeFlexibility < 0 {
		return nil, fmt.Errorf("time flexibility cannot be negative")
	}
	if d.MinBudget != nil && !d.MinBudget.IsPositive() {
		return nil, fmt.Errorf("min budget must be positive")
	}
	if d.MaxBudget != nil && !d.MaxBudget.IsPositive() {
		return nil, fmt.Errorf("max budget must be positive")
	}
	if d.MinBudget != nil && d.MaxBudget != nil {
		c, err := d.MinBudget.Compare(*d.MaxBudget)
		if err != nil {
			return nil, fmt.Errorf("budget currencies must match: %w", err)
		}
		if c > 0 {
			return nil, fmt.Errorf("min budget exceeds max budget")
		}
	}
	if lifetime <= 0 {
		return nil, fmt.Errorf("request lifetime must be positive")
	}

	now := time.Now().UTC()
	return &Request{
		ID:                uuid.New(),
		PassengerID:       d.PassengerID,
		OriginCityID:      d.OriginCityID,
		DestinationCityID: d.DestinationCityID,
		PreferredAt:       d.PreferredAt.UTC(),
		TimeFlexibility:   d.TimeFlexibility,
		PassengerCount:    d.PassengerCount,
		MinBudget:         d.MinBudget,
		MaxBudget:         d.MaxBudget,
		Status:            StatusOpen,
		ExpiresAt:         now.Add(lifetime),
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// IsOpen reports whether the request still accepts bid activity.
func (r *Request) IsOpen() bool {
	return r.Status == StatusOpen
}

// IsExpired reports whether the request's own deadline has passed,
// regardless of whether the sweeper has transitioned it yet.
func (r *Request) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Validate checks the closed-request invariant: AcceptedBidID is set
// if and only if the request is CLOSED.
func (r *Request) Validate() error {
	if r.Status == StatusClosed && r.AcceptedBidID == nil {
		return fmt.Errorf("closed request %s has no accepted bid", r.ID)
	}
	if r.Status != StatusClosed && r.AcceptedBidID != nil {
		return fmt.Errorf("request %s has accepted bid but status %s", r.ID, r.Status)
	}
	return nil
}
