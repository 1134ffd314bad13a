package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ValidateAmount checks that a transaction amount is strictly positive and
// carries at most two fractional digits.
func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if d.Exponent() < -2 {
		return fmt.Errorf("amount supports at most two decimal places")
	}
	return nil
}

// ValidateLimit checks that a usage ceiling is non-negative and carries at
// most two fractional digits. A zero limit disables the ceiling.
func ValidateLimit(d decimal.Decimal) error {
	if d.IsNegative() {
		return fmt.Errorf("limit must not be negative")
	}
	if d.Exponent() < -2 {
		return fmt.Errorf("limit supports at most two decimal places")
	}
	return nil
}

// NormalizeCurrency upper-cases and validates a 3-letter currency code.
func NormalizeCurrency(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != 3 {
		return "", fmt.Errorf("currency must be a 3-letter code")
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("currency must be a 3-letter code")
		}
	}
	return code, nil
}
