package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Another request inserted the same externalRef while ours was in flight;
// the whole unit is rolled back and the winner's record is replayed.
var errDuplicateInsertRace = errors.New("duplicate ledger insert race")

// Service is the only code path allowed to mutate wallet balances.
type Service struct {
	store  Store
	logger zerolog.Logger
}

func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// Debit removes amount from the wallet, recording a BET transaction.
// A repeated call with the same externalRef replays the original result
// without touching the wallet again.
func (s *Service) Debit(ctx context.Context, userID, currency string, amount decimal.Decimal, externalRef string, metadata map[string]string) (decimal.Decimal, string, error) {
	return s.apply(ctx, userID, currency, amount, externalRef, TypeBet, metadata)
}

// Credit adds amount to the wallet, recording a WIN transaction.
func (s *Service) Credit(ctx context.Context, userID, currency string, amount decimal.Decimal, externalRef string, metadata map[string]string) (decimal.Decimal, string, error) {
	return s.apply(ctx, userID, currency, amount, externalRef, TypeWin, metadata)
}

func (s *Service) apply(ctx context.Context, userID, currency string, amount decimal.Decimal, externalRef string, typ TransactionType, metadata map[string]string) (decimal.Decimal, string, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, "", fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if externalRef == "" {
		return decimal.Zero, "", fmt.Errorf("%w: external reference required", ErrInvalidAmount)
	}

	var (
		newBalance decimal.Decimal
		txID       string
	)

	err := s.store.WithTransaction(ctx, func(tx Tx) error {
		existing, err := tx.GetTransactionByRef(ctx, externalRef)
		if err != nil && !errors.Is(err, ErrTransactionNotFound) {
			return fmt.Errorf("get transaction: %w", err)
		}
		if existing != nil {
			// Idempotent replay: return the prior result unchanged.
			newBalance = existing.BalanceAfter
			txID = existing.ID
			s.logger.Info().Str("external_ref", externalRef).Str("user_id", userID).Msg("transaction already processed")
			return nil
		}

		w, err := tx.GetWalletForUpdate(ctx, userID, currency)
		if err != nil {
			return err
		}
		if w.Status == WalletBlocked {
			return ErrUserBlocked
		}

		balance := w.Balance
		if typ == TypeBet {
			// Funds check and mutation share the wallet row lock so two
			// concurrent debits can never both pass a stale check.
			if balance.LessThan(amount) {
				return ErrInsufficientFunds
			}
			newBalance = balance.Sub(amount)
		} else {
			newBalance = balance.Add(amount)
		}

		if err := tx.UpdateWalletBalance(ctx, w.ID, newBalance); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		trans := &Transaction{
			ID:            uuid.NewString(),
			UserID:        userID,
			WalletID:      w.ID,
			Currency:      currency,
			Type:          typ,
			Amount:        amount,
			BalanceBefore: balance,
			BalanceAfter:  newBalance,
			ExternalRef:   externalRef,
			Status:        StatusConfirmed,
			Metadata:      metadata,
		}
		if err := tx.InsertTransaction(ctx, trans); err != nil {
			if errors.Is(err, ErrDuplicateRef) {
				return errDuplicateInsertRace
			}
			return fmt.Errorf("insert transaction: %w", err)
		}
		txID = trans.ID

		s.logger.Info().
			Str("external_ref", externalRef).
			Str("user_id", userID).
			Str("type", string(typ)).
			Str("amount", amount.String()).
			Str("new_balance", newBalance.StringFixed(2)).
			Msg("transaction processed")

		return nil
	})

	if errors.Is(err, errDuplicateInsertRace) {
		existing, getErr := s.store.GetTransactionByRef(ctx, externalRef)
		if getErr != nil {
			return decimal.Zero, "", fmt.Errorf("get transaction after duplicate: %w", getErr)
		}
		s.logger.Info().Str("external_ref", externalRef).Str("user_id", userID).Msg("transaction already processed (detected after rollback)")
		return existing.BalanceAfter, existing.ID, nil
	}
	if err != nil {
		return decimal.Zero, "", err
	}

	return newBalance, txID, nil
}

// Reverse restores the referenced transaction's recorded balance-before and
// flips it CONFIRMED -> CANCELLED. Reversing an already-cancelled
// transaction is a no-op returning the same restored balance.
func (s *Service) Reverse(ctx context.Context, externalRef string) (decimal.Decimal, string, error) {
	var (
		restored decimal.Decimal
		txID     string
	)

	err := s.store.WithTransaction(ctx, func(tx Tx) error {
		trans, err := tx.GetTransactionByRef(ctx, externalRef)
		if err != nil {
			return err
		}
		restored = trans.BalanceBefore
		txID = trans.ID

		if trans.Status == StatusCancelled {
			return nil
		}

		w, err := tx.GetWalletForUpdate(ctx, trans.UserID, trans.Currency)
		if err != nil {
			return err
		}
		if err := tx.UpdateWalletBalance(ctx, w.ID, trans.BalanceBefore); err != nil {
			return fmt.Errorf("restore balance: %w", err)
		}
		if err := tx.MarkTransactionCancelled(ctx, trans.ID); err != nil {
			return fmt.Errorf("cancel transaction: %w", err)
		}

		s.logger.Info().
			Str("external_ref", externalRef).
			Str("user_id", trans.UserID).
			Str("restored_balance", restored.StringFixed(2)).
			Msg("transaction reversed")

		return nil
	})
	if err != nil {
		return decimal.Zero, "", err
	}

	return restored, txID, nil
}

// GetBalance reads the current wallet balance.
func (s *Service) GetBalance(ctx context.Context, userID, currency string) (decimal.Decimal, error) {
	w, err := s.store.GetWallet(ctx, userID, currency)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}

// Deposit credits an opening or top-up amount, creating the wallet when
// missing. Used by the admin/dev surface, not by the round engine.
func (s *Service) Deposit(ctx context.Context, userID, currency string, amount decimal.Decimal) (decimal.Decimal, string, error) {
	if _, err := s.store.EnsureWallet(ctx, userID, currency, decimal.Zero); err != nil {
		return decimal.Zero, "", err
	}
	ref := fmt.Sprintf("deposit-%s-%d", userID, time.Now().UnixNano())
	return s.apply(ctx, userID, currency, amount, ref, TypeRefund, map[string]string{"source": "deposit"})
}

// ProcessTransaction is the idempotent external settlement contract: BET
// debits, WIN and REFUND credit, all deduplicated on externalTransactionID.
func (s *Service) ProcessTransaction(ctx context.Context, userID, externalTransactionID, typ, amount, currency string) (decimal.Decimal, string, error) {
	parsedType, err := ParseTransactionType(typ)
	if err != nil {
		return decimal.Zero, "", err
	}
	parsedAmount, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("%w: %s", ErrInvalidAmount, err.Error())
	}

	if parsedType == TypeBet {
		return s.apply(ctx, userID, currency, parsedAmount, externalTransactionID, TypeBet, nil)
	}
	return s.apply(ctx, userID, currency, parsedAmount, externalTransactionID, parsedType, nil)
}

// RollbackTransaction is the external alias for Reverse.
func (s *Service) RollbackTransaction(ctx context.Context, externalTransactionID string) (decimal.Decimal, string, error) {
	return s.Reverse(ctx, externalTransactionID)
}
