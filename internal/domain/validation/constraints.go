package validation

import (
	"fmt"
	"time"

	"github.com/rideworks/ride-negotiation-backend/internal/domain/errors"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/request"
	"github.com/rideworks/ride-negotiation-backend/internal/domain/values"
)

// Error codes surfaced to callers when a bid violates a request's
// declared constraints.
const (
	CodePriceOutOfRange   = "PRICE_OUT_OF_RANGE"
	CodeTimeOutsideWindow = "TIME_OUTSIDE_FLEXIBILITY_WINDOW"
	CodeInThePast         = "IN_THE_PAST"
)

// timeGranularity is the resolution of the zero-flexibility exact-match
// check: a request with no flexibility accepts any instant in the
// preferred minute.
const timeGranularity = time.Minute

// ValidatePrice checks a price offer against the request's budget range.
// Both bounds are inclusive; an absent bound does not constrain.
func ValidatePrice(r *request.Request, offer values.Money) error {
	if r.MinBudget != nil {
		c, err := offer.Compare(*r.MinBudget)
		if err != nil {
			return errors.NewValidationError(CodePriceOutOfRange,
				fmt.Sprintf("offer currency %s does not match budget currency %s",
					offer.Currency(), r.MinBudget.Currency()))
		}
		if c < 0 {
			return errors.NewValidationError(CodePriceOutOfRange,
				fmt.Sprintf("offer %s is below the minimum budget %s", offer, r.MinBudget))
		}
	}
	if r.MaxBudget != nil {
		c, err := offer.Compare(*r.MaxBudget)
		if err != nil {
			return errors.NewValidationError(CodePriceOutOfRange,
				fmt.Sprintf("offer currency %s does not match budget currency %s",
					offer.Currency(), r.MaxBudget.Currency()))
		}
		if c > 0 {
			return errors.NewValidationError(CodePriceOutOfRange,
				fmt.Sprintf("offer %s is above the maximum budget %s", offer, r.MaxBudget))
		}
	}
	return nil
}

// ValidateProposedTime checks that a proposed pickup time falls within the
// symmetric flexibility window around the request's preferred time. The
// window bounds are inclusive and compared at full precision; a second past
// the edge is outside. With zero flexibility the comparison relaxes to
// minute granularity, so "exactly the preferred time" means the same minute.
func ValidateProposedTime(r *request.Request, proposed time.Time) error {
	if r.TimeFlexibility == 0 {
		if proposed.Truncate(timeGranularity).Equal(r.PreferredAt.Truncate(timeGranularity)) {
			return nil
		}
		return errors.NewValidationError(CodeTimeOutsideWindow,
			fmt.Sprintf("proposed time %s does not match the preferred time %s",
				proposed.UTC().Format(time.RFC3339), r.PreferredAt.UTC().Format(time.RFC3339)))
	}

	diff := proposed.Sub(r.PreferredAt)
	if diff < 0 {
		diff = -diff
	}
	if diff > r.TimeFlexibility {
		return errors.NewValidationError(CodeTimeOutsideWindow,
			fmt.Sprintf("proposed time %s is outside the %s window around %s",
				proposed.UTC().Format(time.RFC3339), r.TimeFlexibility, r.PreferredAt.UTC().Format(time.RFC3339)))
	}
	return nil
}

// ValidateNotPast checks that an instant lies strictly in the future.
func ValidateNotPast(instant, now time.Time) error {
	if !instant.After(now) {
		return errors.NewValidationError(CodeInThePast,
			fmt.Sprintf("%s is not in the future", instant.UTC().Format(time.RFC3339)))
	}
	return nil
}
