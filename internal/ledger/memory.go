package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. One mutex serializes all atomic
// units, which gives the same isolation the postgres store gets from row
// locks. Used in tests and when the process runs without a database.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*Wallet      // userID|currency
	byID    map[string]*Wallet      // wallet id
	txByRef map[string]*Transaction // externalRef
	txByID  map[string]*Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		byID:    make(map[string]*Wallet),
		txByRef: make(map[string]*Transaction),
		txByID:  make(map[string]*Transaction),
	}
}

func walletKey(userID, currency string) string {
	return userID + "|" + currency
}

func copyWallet(w *Wallet) *Wallet {
	c := *w
	return &c
}

func copyTransaction(t *Transaction) *Transaction {
	c := *t
	return &c
}

func (s *MemoryStore) GetWallet(_ context.Context, userID, currency string) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletKey(userID, currency)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return copyWallet(w), nil
}

func (s *MemoryStore) GetTransactionByRef(_ context.Context, externalRef string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.txByRef[externalRef]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTransaction(t), nil
}

func (s *MemoryStore) EnsureWallet(_ context.Context, userID, currency string, openingBalance decimal.Decimal) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := walletKey(userID, currency)
	if w, ok := s.wallets[key]; ok {
		return copyWallet(w), nil
	}

	now := time.Now()
	w := &Wallet{
		ID:            uuid.NewString(),
		UserID:        userID,
		Currency:      currency,
		Balance:       openingBalance,
		LockedBalance: decimal.Zero,
		Status:        WalletActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.wallets[key] = w
	s.byID[w.ID] = w
	return copyWallet(w), nil
}

// SetWalletStatus flips a wallet between ACTIVE and BLOCKED.
func (s *MemoryStore) SetWalletStatus(userID, currency string, status WalletStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletKey(userID, currency)]
	if !ok {
		return ErrWalletNotFound
	}
	w.Status = status
	w.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:    s,
		balances: make(map[string]decimal.Decimal),
	}
	if err := fn(tx); err != nil {
		return err
	}

	// Commit staged work. Nothing below can fail, so the unit is atomic.
	now := time.Now()
	for id, balance := range tx.balances {
		if w, ok := s.byID[id]; ok {
			w.Balance = balance
			w.UpdatedAt = now
		}
	}
	for _, trans := range tx.inserted {
		trans.CreatedAt = now
		trans.UpdatedAt = now
		s.txByRef[trans.ExternalRef] = trans
		s.txByID[trans.ID] = trans
	}
	for _, id := range tx.cancelled {
		if t, ok := s.txByID[id]; ok {
			cancelledAt := now
			t.Status = StatusCancelled
			t.CancelledAt = &cancelledAt
			t.UpdatedAt = now
		}
	}
	return nil
}

// memTx stages all writes; they become visible only when the enclosing
// WithTransaction commits.
type memTx struct {
	store     *MemoryStore
	balances  map[string]decimal.Decimal // wallet id -> staged balance
	inserted  []*Transaction
	cancelled []string
}

func (tx *memTx) GetTransactionByRef(_ context.Context, externalRef string) (*Transaction, error) {
	for _, t := range tx.inserted {
		if t.ExternalRef == externalRef {
			return copyTransaction(t), nil
		}
	}
	t, ok := tx.store.txByRef[externalRef]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTransaction(t), nil
}

func (tx *memTx) GetWalletForUpdate(_ context.Context, userID, currency string) (*Wallet, error) {
	w, ok := tx.store.wallets[walletKey(userID, currency)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	c := copyWallet(w)
	if staged, ok := tx.balances[w.ID]; ok {
		c.Balance = staged
	}
	return c, nil
}

func (tx *memTx) UpdateWalletBalance(_ context.Context, walletID string, balance decimal.Decimal) error {
	if _, ok := tx.store.byID[walletID]; !ok {
		return ErrWalletNotFound
	}
	tx.balances[walletID] = balance
	return nil
}

func (tx *memTx) InsertTransaction(_ context.Context, trans *Transaction) error {
	if _, ok := tx.store.txByRef[trans.ExternalRef]; ok {
		return ErrDuplicateRef
	}
	for _, t := range tx.inserted {
		if t.ExternalRef == trans.ExternalRef {
			return ErrDuplicateRef
		}
	}
	tx.inserted = append(tx.inserted, copyTransaction(trans))
	return nil
}

func (tx *memTx) MarkTransactionCancelled(_ context.Context, id string) error {
	if _, ok := tx.store.txByID[id]; !ok {
		return ErrTransactionNotFound
	}
	tx.cancelled = append(tx.cancelled, id)
	return nil
}
