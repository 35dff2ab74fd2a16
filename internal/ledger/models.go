package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TypeBet    TransactionType = "BET"
	TypeWin    TransactionType = "WIN"
	TypeRefund TransactionType = "REFUND"
)

func ParseTransactionType(s string) (TransactionType, error) {
	switch TransactionType(strings.ToUpper(s)) {
	case TypeBet:
		return TypeBet, nil
	case TypeWin:
		return TypeWin, nil
	case TypeRefund:
		return TypeRefund, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusConfirmed TransactionStatus = "CONFIRMED"
	StatusCancelled TransactionStatus = "CANCELLED"
)

type WalletStatus string

const (
	WalletActive  WalletStatus = "ACTIVE"
	WalletBlocked WalletStatus = "BLOCKED"
)

type Wallet struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Currency      string          `json:"currency"`
	Balance       decimal.Decimal `json:"balance"`
	LockedBalance decimal.Decimal `json:"locked_balance"`
	Status        WalletStatus    `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Transaction is one immutable ledger record. The only permitted mutation
// after insert is the CONFIRMED -> CANCELLED flip performed by Reverse.
type Transaction struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id"`
	WalletID      string            `json:"wallet_id"`
	Currency      string            `json:"currency"`
	Type          TransactionType   `json:"type"`
	Amount        decimal.Decimal   `json:"amount"`
	BalanceBefore decimal.Decimal   `json:"balance_before"`
	BalanceAfter  decimal.Decimal   `json:"balance_after"`
	ExternalRef   string            `json:"external_ref"`
	Status        TransactionStatus `json:"status"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
