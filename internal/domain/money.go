package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is handled as exact decimals throughout; binary floating point is
// never used for balances or amounts. Two fractional digits, matching the
// NUMERIC(18,2) column the accounts table uses.

// ParseAmount parses a decimal string into an operation amount.
// The amount must be strictly positive with at most two decimal places.
func ParseAmount(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}

	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	if err := ValidateAmount(amount); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// ValidateAmount checks that an already-parsed amount is usable in a
// ledger operation: strictly positive, at most two decimal places.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.Exponent() < -2 {
		return fmt.Errorf("%w: more than two decimal places", ErrInvalidAmount)
	}
	return nil
}

// ParseBalance parses a balance string. Unlike operation amounts, a
// balance may be zero (a freshly created account).
func ParseBalance(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}

	balance, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if balance.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: balance cannot be negative", ErrInvalidAmount)
	}
	if balance.Exponent() < -2 {
		return decimal.Zero, fmt.Errorf("%w: more than two decimal places", ErrInvalidAmount)
	}
	return balance, nil
}
