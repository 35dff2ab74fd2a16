package game

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func activeBet(userID string, slot int) *Bet {
	bet := &Bet{ID: "bet-" + userID, RoundID: "R1-1", UserID: userID, Slot: slot, Amount: decimal.New(10, 0)}
	bet.status.Store(int32(BetActive))
	return bet
}

func TestRegistry_ReserveAndDuplicate(t *testing.T) {
	reg := NewBetRegistry()
	bet := activeBet("u1", 1)

	if err := reg.Reserve(bet); err != nil {
		t.Fatalf("Reserve() error: %v", err)
	}
	if err := reg.Reserve(activeBet("u1", 1)); err != ErrDuplicateBet {
		t.Errorf("duplicate Reserve() error = %v, want ErrDuplicateBet", err)
	}

	// Same user, other slot is allowed; other user, same slot too.
	if err := reg.Reserve(activeBet("u1", 2)); err != nil {
		t.Errorf("second slot Reserve() error: %v", err)
	}
	if err := reg.Reserve(activeBet("u2", 1)); err != nil {
		t.Errorf("other user Reserve() error: %v", err)
	}

	if got := reg.Get("u1", 1); got != bet {
		t.Error("Get() did not return the reserved bet")
	}
	if reg.Len() != 3 {
		t.Errorf("Len() = %d, want 3", reg.Len())
	}
}

func TestRegistry_RemoveOnlyOwnBet(t *testing.T) {
	reg := NewBetRegistry()
	first := activeBet("u1", 1)
	if err := reg.Reserve(first); err != nil {
		t.Fatal(err)
	}

	// Removing a different bet object for the same key is a no-op.
	impostor := activeBet("u1", 1)
	reg.Remove(impostor)
	if !reg.Holds(first) {
		t.Error("Remove() of a foreign bet evicted the reserved one")
	}

	reg.Remove(first)
	if reg.Get("u1", 1) != nil {
		t.Error("bet still present after Remove()")
	}
}

func TestRegistry_SnapshotPerSlot(t *testing.T) {
	reg := NewBetRegistry()
	reg.Reserve(activeBet("u1", 1))
	reg.Reserve(activeBet("u2", 1))
	reg.Reserve(activeBet("u3", 2))

	if got := len(reg.Snapshot(1)); got != 2 {
		t.Errorf("Snapshot(1) = %d bets, want 2", got)
	}
	if got := len(reg.Snapshot(2)); got != 1 {
		t.Errorf("Snapshot(2) = %d bets, want 1", got)
	}

	reg.Clear()
	if reg.Len() != 0 {
		t.Error("registry not empty after Clear()")
	}
}

func TestSettlement_ExactlyOneWinner(t *testing.T) {
	reg := NewBetRegistry()
	bet := activeBet("u1", 1)
	if err := reg.Reserve(bet); err != nil {
		t.Fatal(err)
	}

	// Many goroutines race to settle the same bet: some as a cashout,
	// some as a bust. Exactly one swap may land.
	const racers = 64
	var wg sync.WaitGroup
	wins := make(chan BetStatus, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			target := BetCashedOut
			if n%2 == 0 {
				target = BetBusted
			}
			if bet.transition(BetActive, target) {
				wins <- target
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var outcomes []BetStatus
	for w := range wins {
		outcomes = append(outcomes, w)
	}
	if len(outcomes) != 1 {
		t.Fatalf("got %d settlement winners, want exactly 1", len(outcomes))
	}
	if got := bet.Status(); got != outcomes[0] {
		t.Errorf("final status %s does not match winner %s", got, outcomes[0])
	}
}

func TestRegistry_ConcurrentReserve(t *testing.T) {
	reg := NewBetRegistry()

	const racers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	reserved := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.Reserve(activeBet("u1", 1)) == nil {
				mu.Lock()
				reserved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if reserved != 1 {
		t.Errorf("%d concurrent reservations landed, want 1", reserved)
	}
}
