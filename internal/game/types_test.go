package game

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testRound(state RoundStatus) *Round {
	return &Round{
		ID:             "R1-1",
		GameNumber:     1,
		State:          state,
		ServerSeed:     "secret_server_seed",
		ServerSeedHash: HashCommitment("secret_server_seed"),
		ClientSeed:     "client_seed",
		Nonce:          1,
		Tracks: []*Track{
			{Slot: 1, CrashPoint: 2.37, Multiplier: 1.42},
			{Slot: 2, CrashPoint: 3.10, Multiplier: 1.42},
		},
		CreatedAt: time.Now(),
	}
}

func TestSnapshot_HidesSecretsWhileLive(t *testing.T) {
	for _, state := range []RoundStatus{StateWaiting, StateRunning} {
		snap := testRound(state).snapshot()

		if snap.ServerSeed != "" {
			t.Errorf("state %s: server seed leaked", state)
		}
		if len(snap.CrashPoints) != 0 {
			t.Errorf("state %s: crash points leaked", state)
		}
		if snap.ServerSeedHash == "" {
			t.Errorf("state %s: commitment missing", state)
		}

		// The JSON form must not carry the secrets either.
		data, err := json.Marshal(snap)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if strings.Contains(string(data), "secret_server_seed") {
			t.Errorf("state %s: serialized snapshot leaks server seed", state)
		}
		if strings.Contains(string(data), "crash_points") {
			t.Errorf("state %s: serialized snapshot leaks crash points", state)
		}
	}
}

func TestSnapshot_RevealsAfterCrash(t *testing.T) {
	snap := testRound(StateCrashed).snapshot()

	if snap.ServerSeed != "secret_server_seed" {
		t.Error("server seed not revealed after crash")
	}
	if len(snap.CrashPoints) != 2 || snap.CrashPoints[0] != 2.37 || snap.CrashPoints[1] != 3.10 {
		t.Errorf("crash points = %v, want [2.37 3.10]", snap.CrashPoints)
	}
	if !VerifySeedHash(snap.ServerSeed, snap.ServerSeedHash) {
		t.Error("revealed seed does not match published commitment")
	}
}

func TestBetTransition_SingleWinner(t *testing.T) {
	bet := &Bet{ID: "b1", Amount: decimal.New(10, 0)}
	bet.status.Store(int32(BetActive))

	if !bet.transition(BetActive, BetCashedOut) {
		t.Fatal("first transition failed")
	}
	if bet.transition(BetActive, BetBusted) {
		t.Error("second transition succeeded on settled bet")
	}
	if got := bet.Status(); got != BetCashedOut {
		t.Errorf("status = %s, want CASHED_OUT", got)
	}
}

func TestConfigNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{
			name: "zero config gets defaults",
			in:   Config{},
			want: Config{
				HouseEdge: 0.01, InstantBust: 0, MaxWinCap: DefaultMaxWinCap,
				MinBet: decimal.New(1, 0), MaxBet: decimal.New(10000, 0),
				Currency: "USDT", Tracks: 1,
			},
		},
		{
			name: "out of range values clamped",
			in:   Config{HouseEdge: 0.5, InstantBust: 0.9, MaxWinCap: 100, Tracks: 7, Currency: "EUR"},
			want: Config{
				HouseEdge: 0.10, InstantBust: 0.05, MaxWinCap: 100,
				MinBet: decimal.New(1, 0), MaxBet: decimal.New(10000, 0),
				Currency: "EUR", Tracks: 2,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			if got.HouseEdge != tt.want.HouseEdge || got.InstantBust != tt.want.InstantBust ||
				got.MaxWinCap != tt.want.MaxWinCap || got.Tracks != tt.want.Tracks ||
				got.Currency != tt.want.Currency {
				t.Errorf("Normalize() = %+v, want %+v", got, tt.want)
			}
			if !got.MinBet.Equal(tt.want.MinBet) || !got.MaxBet.Equal(tt.want.MaxBet) {
				t.Errorf("bet limits = %s..%s, want %s..%s", got.MinBet, got.MaxBet, tt.want.MinBet, tt.want.MaxBet)
			}
		})
	}
}

func TestBetStatus_String(t *testing.T) {
	cases := map[BetStatus]string{
		BetPending:    "PENDING",
		BetActive:     "ACTIVE",
		BetCashedOut:  "CASHED_OUT",
		BetBusted:     "BUSTED",
		BetCancelled:  "CANCELLED",
		BetStatus(99): "UNKNOWN",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("BetStatus(%d).String() = %s, want %s", status, got, want)
		}
	}
}
