package ledger

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// involvedWallets returns the distinct wallet ids a transaction touches, in
// ascending id order. Postings always lock wallets in this order so two
// concurrent transfers between the same pair cannot deadlock.
func involvedWallets(txn Transaction) []uuid.UUID {
	ids := make([]uuid.UUID, 0, 2)
	if txn.SourceWalletID != nil {
		ids = append(ids, *txn.SourceWalletID)
	}
	if txn.DestWalletID != nil && (txn.SourceWalletID == nil || *txn.DestWalletID != *txn.SourceWalletID) {
		ids = append(ids, *txn.DestWalletID)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

// buildEntries derives the double-entry legs for a transaction. Deposits move
// money from the cash account into the destination wallet, withdrawals the
// mirror, transfers move wallet to wallet. A positive fee adds a second
// debit on the charged wallet against the fee account.
func buildEntries(txn Transaction) ([]Entry, error) {
	switch txn.Type {
	case TypeDeposit:
		return appendFee(txn, []Entry{
			leg(txn.ID, nil, CashAccount, DirectionDebit, txn.Amount),
			leg(txn.ID, txn.DestWalletID, WalletAccount(*txn.DestWalletID), DirectionCredit, txn.Amount),
		}), nil
	case TypeWithdrawal:
		return appendFee(txn, []Entry{
			leg(txn.ID, txn.SourceWalletID, WalletAccount(*txn.SourceWalletID), DirectionDebit, txn.Amount),
			leg(txn.ID, nil, CashAccount, DirectionCredit, txn.Amount),
		}), nil
	case TypeTransfer:
		return appendFee(txn, []Entry{
			leg(txn.ID, txn.SourceWalletID, WalletAccount(*txn.SourceWalletID), DirectionDebit, txn.Amount),
			leg(txn.ID, txn.DestWalletID, WalletAccount(*txn.DestWalletID), DirectionCredit, txn.Amount),
		}), nil
	default:
		return nil, fmt.Errorf("unsupported transaction type %q", txn.Type)
	}
}

func leg(txnID uuid.UUID, walletID *uuid.UUID, account string, direction EntryDirection, amount decimal.Decimal) Entry {
	return Entry{
		TransactionID: txnID,
		WalletID:      walletID,
		Account:       account,
		Direction:     direction,
		Amount:        amount,
	}
}

// appendFee adds the fee pair for withdrawals and transfers. Deposits never
// carry a fee; the orchestrator rejects them upstream.
func appendFee(txn Transaction, entries []Entry) []Entry {
	if txn.Fee.IsPositive() && txn.Type != TypeDeposit {
		entries = append(entries,
			leg(txn.ID, txn.SourceWalletID, WalletAccount(*txn.SourceWalletID), DirectionDebit, txn.Fee),
			leg(txn.ID, nil, FeeAccount, DirectionCredit, txn.Fee),
		)
	}
	return entries
}

// Balanced reports whether total debits equal total credits. Every committed
// posting must satisfy this.
func Balanced(entries []Entry) bool {
	debits, credits := decimal.Zero, decimal.Zero
	for _, e := range entries {
		switch e.Direction {
		case DirectionDebit:
			debits = debits.Add(e.Amount)
		case DirectionCredit:
			credits = credits.Add(e.Amount)
		}
	}
	return debits.Equal(credits)
}
