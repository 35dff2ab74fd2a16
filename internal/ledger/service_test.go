package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewService(store, zerolog.Nop()), store
}

func fundWallet(t *testing.T, store *MemoryStore, userID, currency, balance string) {
	t.Helper()
	_, err := store.EnsureWallet(context.Background(), userID, currency, decimal.RequireFromString(balance))
	require.NoError(t, err)
}

func TestDebit_Success(t *testing.T) {
	svc, store := newTestService(t)
	fundWallet(t, store, "u1", "USDT", "100")

	newBalance, txID, err := svc.Debit(context.Background(), "u1", "USDT", decimal.RequireFromString("30"), "bet-1", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, txID)
	assert.True(t, newBalance.Equal(decimal.RequireFromString("70")), "balance = %s", newBalance)
}

func TestDebit_InsufficientFunds(t *testing.T) {
	svc, store := newTestService(t)
	fundWallet(t, store, "u1", "USDT", "100")

	_, _, err := svc.Debit(context.Background(), "u1", "USDT", decimal.RequireFromString("500"), "bet-1", nil)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Wallet untouched and no ledger record written.
	balance, err := svc.GetBalance(context.Background(), "u1", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("100")))

	_, err = store.GetTransactionByRef(context.Background(), "bet-1")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestDebit_BlockedWallet(t *testing.T) {
	svc, store := newTestService(t)
	fundWallet(t, store, "u1", "USDT", "100")
	require.NoError(t, store.SetWalletStatus("u1", "USDT", WalletBlocked))

	_, _, err := svc.Debit(context.Background(), "u1", "USDT", decimal.RequireFromString("10"), "bet-1", nil)
	assert.ErrorIs(t, err, ErrUserBlocked)
}

func TestDebit_UnknownWallet(t *testing.T) {
	svc, _ := newTestService(t)

	_, _, err := svc.Debit(context.Background(), "ghost", "USDT", decimal.RequireFromString("10"), "bet-1", nil)
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestCredit_IdempotentReplay(t *testing.T) {
	svc, store := newTestService(t)
	fundWallet(t, store, "u1", "USDT", "100")

	first, firstID, err := svc.Credit(context.Background(), "u1", "USDT", decimal.RequireFromString("50"), "tx-1", nil)
	require.NoError(t, err)
	assert.True(t, first.Equal(decimal.RequireFromString("150")))

	// Same externalRef again: identical result, wallet mutated only once.
	second, secondID, err := svc.Credit(context.Background(), "u1", "USDT", decimal.RequireFromString("50"), "tx-1", nil)
	require.NoError(t, err)
	assert.Equal(t, firstID, secondID)
	assert.True(t, second.Equal(first))

	balance, err := svc.GetBalance(context.Background(), "u1", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("150")))
}

func TestReverse_RestoresAndIsIdempotent(t *testing.T) {
	svc, store := newTestService(t)
	fundWallet(t, store, "u1", "USDT", "100")

	_, _, err := svc.Debit(context.Background(), "u1", "USDT", decimal.RequireFromString("40"), "bet-1", nil)
	require.NoError(t, err)

	restored, txID, err := svc.Reverse(context.Background(), "bet-1")
	require.NoError(t, err)
	assert.NotEmpty(t, txID)
	assert.True(t, restored.Equal(decimal.RequireFromString("100")))

	trans, err := store.GetTransactionByRef(context.Background(), "bet-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, trans.Status)
	require.NotNil(t, trans.CancelledAt)

	// Second reverse is a no-op returning the same restored balance.
	restoredAgain, txIDAgain, err := svc.Reverse(context.Background(), "bet-1")
	require.NoError(t, err)
	assert.Equal(t, txID, txIDAgain)
	assert.True(t, restoredAgain.Equal(restored))

	balance, err := svc.GetBalance(context.Background(), "u1", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("100")))
}

func TestReverse_UnknownRef(t *testing.T) {
	svc, _ := newTestService(t)

	_, _, err := svc.Reverse(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestProcessTransaction_Contract(t *testing.T) {
	svc, store := newTestService(t)
	fundWallet(t, store, "u1", "USDT", "100")

	newBalance, txID, err := svc.ProcessTransaction(context.Background(), "u1", "tx-1", "WIN", "50", "USDT")
	require.NoError(t, err)
	assert.True(t, newBalance.Equal(decimal.RequireFromString("150")))

	// Duplicate submission returns the original txId without reprocessing.
	replayBalance, replayID, err := svc.ProcessTransaction(context.Background(), "u1", "tx-1", "WIN", "50", "USDT")
	require.NoError(t, err)
	assert.Equal(t, txID, replayID)
	assert.True(t, replayBalance.Equal(newBalance))

	_, _, err = svc.ProcessTransaction(context.Background(), "u1", "tx-2", "SPIN", "50", "USDT")
	assert.ErrorIs(t, err, ErrInvalidType)

	_, _, err = svc.ProcessTransaction(context.Background(), "u1", "tx-3", "BET", "abc", "USDT")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDebit_RejectsNonPositiveAmounts(t *testing.T) {
	svc, store := newTestService(t)
	fundWallet(t, store, "u1", "USDT", "100")

	_, _, err := svc.Debit(context.Background(), "u1", "USDT", decimal.Zero, "bet-1", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, _, err = svc.Debit(context.Background(), "u1", "USDT", decimal.RequireFromString("-5"), "bet-2", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestConcurrentDebits_NeverGoNegative(t *testing.T) {
	svc, store := newTestService(t)
	fundWallet(t, store, "u1", "USDT", "100")

	const workers = 50
	amount := decimal.RequireFromString("10")

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, err := svc.Debit(context.Background(), "u1", "USDT", amount, refForWorker(n), nil)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !assert.ErrorIs(t, err, ErrInsufficientFunds) {
				t.Errorf("unexpected debit error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// 100 / 10 = at most 10 debits can land.
	assert.Equal(t, 10, succeeded)

	balance, err := svc.GetBalance(context.Background(), "u1", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.GreaterThanOrEqual(decimal.Zero), "balance went negative: %s", balance)
	assert.True(t, balance.Equal(decimal.Zero))
}

func TestConcurrentSameRef_MutatesOnce(t *testing.T) {
	svc, store := newTestService(t)
	fundWallet(t, store, "u1", "USDT", "100")

	const workers = 20
	amount := decimal.RequireFromString("50")

	var wg sync.WaitGroup
	ids := make([]string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, txID, err := svc.Credit(context.Background(), "u1", "USDT", amount, "tx-shared", nil)
			if err != nil {
				t.Errorf("credit error: %v", err)
				return
			}
			ids[n] = txID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}

	balance, err := svc.GetBalance(context.Background(), "u1", "USDT")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("150")), "balance = %s", balance)
}

func refForWorker(n int) string {
	return fmt.Sprintf("bet-%d", n)
}
