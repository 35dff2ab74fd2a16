package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store is the transactional backing for the ledger. Every balance mutation
// goes through WithTransaction so the wallet lock and the ledger insert are
// one atomic unit.
type Store interface {
	// GetWallet is a read-only lookup outside any transaction.
	GetWallet(ctx context.Context, userID, currency string) (*Wallet, error)

	// GetTransactionByRef is a read-only lookup outside any transaction.
	GetTransactionByRef(ctx context.Context, externalRef string) (*Transaction, error)

	// EnsureWallet creates the wallet if it does not exist and returns it.
	EnsureWallet(ctx context.Context, userID, currency string, openingBalance decimal.Decimal) (*Wallet, error)

	// WithTransaction runs fn atomically; if fn returns an error nothing
	// it did is visible.
	WithTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside one atomic unit.
type Tx interface {
	// GetTransactionByRef returns ErrTransactionNotFound when absent.
	GetTransactionByRef(ctx context.Context, externalRef string) (*Transaction, error)

	// GetWalletForUpdate locks the wallet row for the rest of the unit.
	GetWalletForUpdate(ctx context.Context, userID, currency string) (*Wallet, error)

	UpdateWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal) error

	// InsertTransaction returns ErrDuplicateRef when the externalRef is
	// already recorded.
	InsertTransaction(ctx context.Context, trans *Transaction) error

	// MarkTransactionCancelled flips a CONFIRMED record to CANCELLED.
	MarkTransactionCancelled(ctx context.Context, id string) error
}
