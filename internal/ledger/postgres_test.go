package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testSchema = `
CREATE TABLE IF NOT EXISTS wallets (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    currency TEXT NOT NULL,
    balance NUMERIC(20,2) NOT NULL DEFAULT 0,
    locked_balance NUMERIC(20,2) NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'ACTIVE',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT wallets_user_currency_unique UNIQUE (user_id, currency),
    CONSTRAINT wallets_balance_non_negative CHECK (balance >= 0)
);
CREATE TABLE IF NOT EXISTS ledger_transactions (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    wallet_id UUID NOT NULL REFERENCES wallets(id),
    currency TEXT NOT NULL,
    type TEXT NOT NULL,
    amount NUMERIC(20,2) NOT NULL,
    balance_before NUMERIC(20,2) NOT NULL,
    balance_after NUMERIC(20,2) NOT NULL,
    external_ref TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'CONFIRMED',
    metadata JSONB,
    cancelled_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT ledger_transactions_external_ref_unique UNIQUE (external_ref)
);`

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	if os.Getenv("SKIP_INTEGRATION") != "" {
		os.Exit(0)
	}
	if os.Getenv("CI") == "" && !isDockerAvailable() {
		os.Exit(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(
		ctx,
		"postgres:latest",
		postgres.WithDatabase("ledger"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		os.Exit(0)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(context.Background())
		os.Exit(0)
	}

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(context.Background())
		os.Exit(0)
	}

	if _, err := testPool.Exec(ctx, testSchema); err != nil {
		container.Terminate(context.Background())
		os.Exit(1)
	}

	code := m.Run()

	testPool.Close()
	container.Terminate(context.Background())
	os.Exit(code)
}

func isDockerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

// The postgres store must satisfy the exact contract the memory store is
// unit-tested against.
func TestPostgresStore_Contract(t *testing.T) {
	ctx := context.Background()
	store := NewPostgresStore(testPool)
	svc := NewService(store, zerolog.Nop())

	_, err := store.EnsureWallet(ctx, "pg-user", "USDT", decimal.RequireFromString("100"))
	require.NoError(t, err)

	t.Run("debit and replay", func(t *testing.T) {
		first, firstID, err := svc.Debit(ctx, "pg-user", "USDT", decimal.RequireFromString("30"), "pg-bet-1", map[string]string{"round": "r1"})
		require.NoError(t, err)
		assert.True(t, first.Equal(decimal.RequireFromString("70")))

		second, secondID, err := svc.Debit(ctx, "pg-user", "USDT", decimal.RequireFromString("30"), "pg-bet-1", nil)
		require.NoError(t, err)
		assert.Equal(t, firstID, secondID)
		assert.True(t, second.Equal(first))
	})

	t.Run("insufficient funds leaves wallet untouched", func(t *testing.T) {
		_, _, err := svc.Debit(ctx, "pg-user", "USDT", decimal.RequireFromString("10000"), "pg-bet-2", nil)
		require.ErrorIs(t, err, ErrInsufficientFunds)

		balance, err := svc.GetBalance(ctx, "pg-user", "USDT")
		require.NoError(t, err)
		assert.True(t, balance.Equal(decimal.RequireFromString("70")))
	})

	t.Run("reverse is idempotent", func(t *testing.T) {
		restored, txID, err := svc.Reverse(ctx, "pg-bet-1")
		require.NoError(t, err)
		assert.True(t, restored.Equal(decimal.RequireFromString("100")))

		again, againID, err := svc.Reverse(ctx, "pg-bet-1")
		require.NoError(t, err)
		assert.Equal(t, txID, againID)
		assert.True(t, again.Equal(restored))
	})
}
