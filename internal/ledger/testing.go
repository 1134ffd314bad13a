package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SeedDeposit funds a wallet by posting a completed deposit with no guard,
// keeping the ledger balanced. Intended for tests and dev fixtures.
func SeedDeposit(ctx context.Context, store Store, walletID uuid.UUID, currency string, amount decimal.Decimal) (Transaction, error) {
	dest := walletID
	txn := Transaction{
		IdempotencyKey: "seed-" + uuid.NewString(),
		Type:           TypeDeposit,
		Amount:         amount,
		Fee:            decimal.Zero,
		Currency:       currency,
		DestWalletID:   &dest,
	}
	created, _, err := store.CreatePosting(ctx, txn, nil, nil)
	return created, err
}
