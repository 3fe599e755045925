package bid

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rideworks/ride-negotiation-backend/internal/domain/values"
)

// MaxMessageLength bounds the optional free-text message a driver can
// attach to a bid.
const MaxMessageLength = 500

// Bid is a driver's competing price offer against a ride request.
type Bid struct {
	ID        uuid.UUID `json:"id"`
	RequestID uuid.UUID `json:"request_id"`
	DriverID  uuid.UUID `json:"driver_id"`

	PriceOffer values.Money `json:"price_offer"`

	// ProposedAt is the pickup instant the driver offers; it must fall
	// inside the request's time-flexibility window.
	ProposedAt time.Time `json:"proposed_at"`

	Message string `json:"message,omitempty"`

	Status Status `json:"status"`

	// ExpiresAt is the bid's own deadline, independent of the request's.
	ExpiresAt time.Time `json:"expires_at"`

	// Version backs the optimistic-concurrency check in the store layer.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Status int

const (
	StatusPending Status = iota
	StatusAccepted
	StatusRejected
	StatusWithdrawn
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusWithdrawn:
		return "withdrawn"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ParseStatus converts a stored status string back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "accepted":
		return StatusAccepted, nil
	case "rejected":
		return StatusRejected, nil
	case "withdrawn":
		return StatusWithdrawn, nil
	case "expired":
		return StatusExpired, nil
	default:
		return StatusPending, fmt.Errorf("unknown bid status: %q", s)
	}
}

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s != StatusPending
}

func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("bid status must be a string: %w", err)
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Draft carries the driver-supplied fields of a new bid.
type Draft struct {
	RequestID  uuid.UUID
	DriverID   uuid.UUID
	PriceOffer values.Money
	ProposedAt time.Time
	Message    string
}

// NewBid validates a draft and returns a PENDING bid expiring after the
// given lifetime.
func NewBid(d Draft, lifetime time.Duration) (*Bid, error) {
	if d.RequestID == uuid.Nil {
		return nil, fmt.Errorf("request id is required")
	}
	if d.DriverID == uuid.Nil {
		return nil, fmt.Errorf("driver id is required")
	}
	if !d.PriceOffer.IsPositive() {
		return nil, fmt.Errorf("price offer must be positive")
	}
	msg := strings.TrimSpace(d.Message)
	if len(msg) > MaxMessageLength {
		return nil, fmt.Errorf("message exceeds %d characters", MaxMessageLength)
	}
	if lifetime <= 0 {
		return nil, fmt.Errorf("bid lifetime must be positive")
	}

	now := time.Now().UTC()
	return &Bid{
		ID:         uuid.New(),
		RequestID:  d.RequestID,
		DriverID:   d.DriverID,
		PriceOffer: d.PriceOffer,
		ProposedAt: d.ProposedAt.UTC(),
		Message:    msg,
		Status:     StatusPending,
		ExpiresAt:  now.Add(lifetime),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// IsPending reports whether the bid is still live.
func (b *Bid) IsPending() bool {
	return b.Status == StatusPending
}

// IsExpired reports whether the bid's own deadline has passed.
func (b *Bid) IsExpired(now time.Time) bool {
	return !now.Before(b.ExpiresAt)
}
