package limits

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Window names the usage ceiling a transaction is checked against.
type Window string

const (
	WindowDaily   Window = "DAILY"
	WindowMonthly Window = "MONTHLY"
)

// ExceededError reports a transaction that would push a wallet past one of
// its usage ceilings.
type ExceededError struct {
	WalletID  uuid.UUID
	Window    Window
	Limit     decimal.Decimal
	Usage     decimal.Decimal
	Requested decimal.Decimal
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded for wallet %s: usage %s + requested %s exceeds limit %s",
		strings.ToLower(string(e.Window)), e.WalletID, e.Usage, e.Requested, e.Limit)
}

// Limits holds the configured ceilings for one wallet. A zero ceiling
// disables that window.
type Limits struct {
	Daily   decimal.Decimal
	Monthly decimal.Decimal
}

// Usage holds the summed amounts of completed transactions touching a
// wallet inside each window, boundaries inclusive of now.
type Usage struct {
	Daily   decimal.Decimal
	Monthly decimal.Decimal
}

// StartOfDay returns midnight UTC for the calendar day containing t.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfMonth returns midnight UTC on the first day of the calendar month
// containing t.
func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Check rejects the requested amount if usage + amount would exceed either
// ceiling. The daily and monthly windows are independent and both must pass.
func Check(walletID uuid.UUID, lim Limits, usage Usage, amount decimal.Decimal) error {
	if lim.Daily.IsPositive() && usage.Daily.Add(amount).GreaterThan(lim.Daily) {
		return &ExceededError{WalletID: walletID, Window: WindowDaily, Limit: lim.Daily, Usage: usage.Daily, Requested: amount}
	}
	if lim.Monthly.IsPositive() && usage.Monthly.Add(amount).GreaterThan(lim.Monthly) {
		return &ExceededError{WalletID: walletID, Window: WindowMonthly, Limit: lim.Monthly, Usage: usage.Monthly, Requested: amount}
	}
	return nil
}
