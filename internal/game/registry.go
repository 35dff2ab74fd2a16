package game

import (
	"errors"
	"fmt"
	"sync"
)

var ErrDuplicateBet = errors.New("bet already placed for this slot")

// BetRegistry indexes the current round's bets by user and slot. The map
// enforces the one-bet-per-user-per-track rule; settlement races are
// decided by each bet's own status CAS, not by the registry lock.
type BetRegistry struct {
	mu   sync.RWMutex
	bets map[string]*Bet
}

func NewBetRegistry() *BetRegistry {
	return &BetRegistry{bets: make(map[string]*Bet)}
}

func betKey(userID string, slot int) string {
	return fmt.Sprintf("%s:%d", userID, slot)
}

// Reserve claims the user's slot for the round. Fails when the slot is
// already taken, whatever state the existing bet is in.
func (r *BetRegistry) Reserve(bet *Bet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := betKey(bet.UserID, bet.Slot)
	if _, ok := r.bets[key]; ok {
		return ErrDuplicateBet
	}
	r.bets[key] = bet
	return nil
}

// Remove releases the slot, but only for the exact bet that reserved it.
func (r *BetRegistry) Remove(bet *Bet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := betKey(bet.UserID, bet.Slot)
	if r.bets[key] == bet {
		delete(r.bets, key)
	}
}

func (r *BetRegistry) Get(userID string, slot int) *Bet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bets[betKey(userID, slot)]
}

// Holds reports whether this exact bet still occupies its slot. Used to
// detect a round rollover that cleared the registry mid-placement.
func (r *BetRegistry) Holds(bet *Bet) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bets[betKey(bet.UserID, bet.Slot)] == bet
}

// Snapshot returns the bets currently registered on a slot.
func (r *BetRegistry) Snapshot(slot int) []*Bet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Bet
	for _, b := range r.bets {
		if b.Slot == slot {
			out = append(out, b)
		}
	}
	return out
}

func (r *BetRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bets)
}

func (r *BetRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bets = make(map[string]*Bet)
}
