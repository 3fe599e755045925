package values

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money represents a monetary amount with currency, backed by an exact
// decimal so budget comparisons never suffer float rounding.
type Money struct {
	amount   decimal.Decimal
	currency string
}

// Common currency codes (ISO 4217)
const (
	USD = "USD"
	EUR = "EUR"
	GBP = "GBP"
)

// NewMoney creates a Money value object.
func NewMoney(amount decimal.Decimal, currency string) (Money, error) {
	if err := validateCurrency(currency); err != nil {
		return Money{}, err
	}
	return Money{amount: amount, currency: strings.ToUpper(currency)}, nil
}

// NewMoneyFromString parses a decimal string amount, e.g. "120.50".
func NewMoneyFromString(amount, currency string) (Money, error) {
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount: %w", err)
	}
	return NewMoney(dec, currency)
}

// NewMoneyFromFloat creates Money from a float64 amount.
// Use with caution due to floating point precision issues.
func NewMoneyFromFloat(amount float64, currency string) (Money, error) {
	return NewMoney(decimal.NewFromFloat(amount), currency)
}

// MustNewMoneyFromFloat creates Money and panics on error (for tests).
func MustNewMoneyFromFloat(amount float64, currency string) Money {
	m, err := NewMoneyFromFloat(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Zero returns a zero Money value in the given currency.
func Zero(currency string) Money {
	m, err := NewMoney(decimal.Zero, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Amount returns the decimal amount.
func (m Money) Amount() decimal.Decimal { return m.amount }

// Currency returns the currency code.
func (m Money) Currency() string { return m.currency }

// String returns the amount with currency code, e.g. "120.50 USD".
func (m Money) String() string {
	return m.amount.StringFixed(2) + " " + m.currency
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.amount.IsZero() }

// IsPositive reports whether the amount is strictly positive.
func (m Money) IsPositive() bool { return m.amount.IsPositive() }

// Equal reports whether both amount and currency match.
func (m Money) Equal(other Money) bool {
	return m.currency == other.currency && m.amount.Equal(other.amount)
}

// Compare returns -1, 0, or 1. Returns an error on currency mismatch
// instead of silently comparing incompatible amounts.
func (m Money) Compare(other Money) (int, error) {
	if m.currency != other.currency {
		return 0, fmt.Errorf("cannot compare %s with %s", m.currency, other.currency)
	}
	return m.amount.Cmp(other.amount), nil
}

// LessThan reports m < other; false on currency mismatch.
func (m Money) LessThan(other Money) bool {
	c, err := m.Compare(other)
	return err == nil && c < 0
}

// GreaterThan reports m > other; false on currency mismatch.
func (m Money) GreaterThan(other Money) bool {
	c, err := m.Compare(other)
	return err == nil && c > 0
}

// Add adds two Money values of the same currency.
func (m Money) Add(other Money) (Money, error) {
	if m.currency != other.currency {
		return Money{}, fmt.Errorf("cannot add %s and %s", m.currency, other.currency)
	}
	return Money{amount: m.amount.Add(other.amount), currency: m.currency}, nil
}

// MarshalJSON emits {"amount":"120.50","currency":"USD"}.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}{
		Amount:   m.amount.String(),
		Currency: m.currency,
	})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var temp struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}
	money, err := NewMoneyFromString(temp.Amount, temp.Currency)
	if err != nil {
		return err
	}
	*m = money
	return nil
}

// Scan implements sql.Scanner. Amounts are stored as NUMERIC text; the
// currency column is scanned separately by the repositories.
func (m *Money) Scan(value interface{}) error {
	if value == nil {
		*m = Money{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return m.scanFromString(string(v))
	case string:
		return m.scanFromString(v)
	case float64:
		money, err := NewMoneyFromFloat(v, USD)
		if err != nil {
			return err
		}
		*m = money
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Money", value)
	}
}

// Value implements driver.Valuer, storing the bare decimal amount.
func (m Money) Value() (driver.Value, error) {
	if m.currency == "" {
		return nil, nil
	}
	return m.amount.String(), nil
}

func (m *Money) scanFromString(s string) error {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid money format: %w", err)
	}
	money, err := NewMoney(amount, USD)
	if err != nil {
		return err
	}
	*m = money
	return nil
}

func validateCurrency(currency string) error {
	if currency == "" {
		return fmt.Errorf("currency cannot be empty")
	}
	currency = strings.ToUpper(currency)
	if len(currency) != 3 {
		return fmt.Errorf("currency code must be 3 characters")
	}
	valid := map[string]bool{
		USD: true, EUR: true, GBP: true,
		"JPY": true, "CAD": true, "AUD": true, "CHF": true,
	}
	if !valid[currency] {
		return fmt.Errorf("unsupported currency: %s", currency)
	}
	return nil
}
