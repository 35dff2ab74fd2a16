package ledger

import "errors"

var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrUserBlocked         = errors.New("user blocked")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateRef        = errors.New("duplicate external reference")
	ErrStorageConflict     = errors.New("storage conflict")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidType         = errors.New("invalid transaction type")
)
