package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore backs the ledger with the wallets and ledger_transactions
// tables. Atomicity comes from one pgx transaction per unit with a
// SELECT ... FOR UPDATE on the wallet row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const transactionColumns = `id, user_id, wallet_id, currency, type, amount, balance_before, balance_after, external_ref, status, metadata, cancelled_at, created_at, updated_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	trans := &Transaction{}
	err := row.Scan(&trans.ID, &trans.UserID, &trans.WalletID, &trans.Currency, &trans.Type,
		&trans.Amount, &trans.BalanceBefore, &trans.BalanceAfter, &trans.ExternalRef,
		&trans.Status, &trans.Metadata, &trans.CancelledAt, &trans.CreatedAt, &trans.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}
	return trans, nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	query := `
        SELECT id, user_id, currency, balance, locked_balance, status, created_at, updated_at
        FROM wallets WHERE user_id = $1 AND currency = $2`

	w := &Wallet{}
	err := s.pool.QueryRow(ctx, query, userID, currency).
		Scan(&w.ID, &w.UserID, &w.Currency, &w.Balance, &w.LockedBalance, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) GetTransactionByRef(ctx context.Context, externalRef string) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE external_ref = $1`
	return scanTransaction(s.pool.QueryRow(ctx, query, externalRef))
}

func (s *PostgresStore) EnsureWallet(ctx context.Context, userID, currency string, openingBalance decimal.Decimal) (*Wallet, error) {
	query := `
        INSERT INTO wallets (id, user_id, currency, balance, locked_balance, status)
        VALUES ($1, $2, $3, $4, 0, 'ACTIVE')
        ON CONFLICT (user_id, currency) DO UPDATE SET updated_at = NOW()
        RETURNING id, user_id, currency, balance, locked_balance, status, created_at, updated_at`

	w := &Wallet{}
	err := s.pool.QueryRow(ctx, query, uuid.NewString(), userID, currency, openingBalance).
		Scan(&w.ID, &w.UserID, &w.Currency, &w.Balance, &w.LockedBalance, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure wallet: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) WithTransaction(ctx context.Context, fn func(tx Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = pgTx.Rollback(ctx)
		}
	}()

	if err = fn(&postgresTx{tx: pgTx}); err != nil {
		return mapConflict(err)
	}

	if err = pgTx.Commit(ctx); err != nil {
		return mapConflict(fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// mapConflict translates lock/serialization failures into the retryable
// sentinel the callers key on.
func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
			return fmt.Errorf("%w: %s", ErrStorageConflict, pgErr.Message)
		}
	}
	return err
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) GetTransactionByRef(ctx context.Context, externalRef string) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE external_ref = $1`
	return scanTransaction(t.tx.QueryRow(ctx, query, externalRef))
}

func (t *postgresTx) GetWalletForUpdate(ctx context.Context, userID, currency string) (*Wallet, error) {
	query := `
        SELECT id, user_id, currency, balance, locked_balance, status, created_at, updated_at
        FROM wallets WHERE user_id = $1 AND currency = $2 FOR UPDATE`

	w := &Wallet{}
	err := t.tx.QueryRow(ctx, query, userID, currency).
		Scan(&w.ID, &w.UserID, &w.Currency, &w.Balance, &w.LockedBalance, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return w, nil
}

func (t *postgresTx) UpdateWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal) error {
	query := `UPDATE wallets SET balance = $1, updated_at = NOW() WHERE id = $2`

	tag, err := t.tx.Exec(ctx, query, balance, walletID)
	if err != nil {
		var pgErr *pgconn.PgError
		// CONSTRAINT wallets_balance_non_negative CHECK (balance >= 0)
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (t *postgresTx) InsertTransaction(ctx context.Context, trans *Transaction) error {
	query := `
        INSERT INTO ledger_transactions (id, user_id, wallet_id, currency, type, amount, balance_before, balance_after, external_ref, status, metadata)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING created_at, updated_at`

	err := t.tx.QueryRow(ctx, query, trans.ID, trans.UserID, trans.WalletID, trans.Currency,
		trans.Type, trans.Amount, trans.BalanceBefore, trans.BalanceAfter, trans.ExternalRef,
		trans.Status, trans.Metadata).
		Scan(&trans.CreatedAt, &trans.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrDuplicateRef
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (t *postgresTx) MarkTransactionCancelled(ctx context.Context, id string) error {
	query := `
        UPDATE ledger_transactions
        SET status = $1, cancelled_at = NOW(), updated_at = NOW()
        WHERE id = $2 AND status = $3`

	tag, err := t.tx.Exec(ctx, query, StatusCancelled, id, StatusConfirmed)
	if err != nil {
		return fmt.Errorf("failed to cancel transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}
