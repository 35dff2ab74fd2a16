package game

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

type RoundStatus string

const (
	StateWaiting RoundStatus = "WAITING"
	StateRunning RoundStatus = "RUNNING"
	StateCrashed RoundStatus = "CRASHED"
)

type BetStatus int32

const (
	BetPending BetStatus = iota
	BetActive
	BetCashedOut
	BetBusted
	BetCancelled
)

func (s BetStatus) String() string {
	switch s {
	case BetPending:
		return "PENDING"
	case BetActive:
		return "ACTIVE"
	case BetCashedOut:
		return "CASHED_OUT"
	case BetBusted:
		return "BUSTED"
	case BetCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Bet is one wager on one track of one round. The status field is the
// settlement guard: every terminal transition goes through a single
// compare-and-swap, so a bet reaches exactly one of CASHED_OUT, BUSTED or
// CANCELLED no matter how many goroutines race for it.
type Bet struct {
	ID            string
	RoundID       string
	UserID        string
	Slot          int
	Amount        decimal.Decimal
	Currency      string
	AutoCashoutAt float64 // 0 means no auto-cashout
	PlacedAt      time.Time

	// Written only by the goroutine that won the ACTIVE -> CASHED_OUT swap.
	CashoutMultiplier float64
	Profit            decimal.Decimal

	status atomic.Int32
}

func (b *Bet) Status() BetStatus {
	return BetStatus(b.status.Load())
}

func (b *Bet) transition(from, to BetStatus) bool {
	return b.status.CompareAndSwap(int32(from), int32(to))
}

// Track is one multiplier curve. Single-track rounds have one; the
// dual-outcome variant runs two on the same round clock.
type Track struct {
	Slot       int
	CrashPoint float64
	Multiplier float64
	Crashed    bool
	CrashedAt  time.Time
}

// Round is owned by the engine's tick loop. External callers only ever see
// a Snapshot of it.
type Round struct {
	ID             string
	GameNumber     int64
	State          RoundStatus
	ServerSeed     string
	ServerSeedHash string
	ClientSeed     string
	Nonce          int64
	Tracks         []*Track
	Config         Config
	CreatedAt      time.Time
	RunningAt      time.Time
	CrashedAt      time.Time
}

// RoundSnapshot is the public view of a round. The server seed and crash
// points stay empty until the round has crashed.
type RoundSnapshot struct {
	RoundID        string      `json:"round_id"`
	GameNumber     int64       `json:"game_number"`
	State          RoundStatus `json:"state"`
	ServerSeedHash string      `json:"server_seed_hash"`
	ClientSeed     string      `json:"client_seed"`
	Nonce          int64       `json:"nonce"`
	Multipliers    []float64   `json:"multipliers"`
	ServerSeed     string      `json:"server_seed,omitempty"`
	CrashPoints    []float64   `json:"crash_points,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

func (r *Round) snapshot() *RoundSnapshot {
	snap := &RoundSnapshot{
		RoundID:        r.ID,
		GameNumber:     r.GameNumber,
		State:          r.State,
		ServerSeedHash: r.ServerSeedHash,
		ClientSeed:     r.ClientSeed,
		Nonce:          r.Nonce,
		CreatedAt:      r.CreatedAt,
	}
	for _, tr := range r.Tracks {
		snap.Multipliers = append(snap.Multipliers, tr.Multiplier)
	}
	if r.State == StateCrashed {
		snap.ServerSeed = r.ServerSeed
		for _, tr := range r.Tracks {
			snap.CrashPoints = append(snap.CrashPoints, tr.CrashPoint)
		}
	}
	return snap
}

// Config is the per-round house configuration. The engine takes one
// snapshot at WAITING entry so odds cannot change under live bets.
type Config struct {
	HouseEdge   float64
	InstantBust float64
	MaxWinCap   float64
	MinBet      decimal.Decimal
	MaxBet      decimal.Decimal
	Currency    string
	Tracks      int
}

// Normalize clamps the snapshot into the supported ranges (house edge
// 1-10%, instant bust 0-5%, one or two tracks).
func (c Config) Normalize() Config {
	if c.HouseEdge < 0.01 {
		c.HouseEdge = 0.01
	}
	if c.HouseEdge > 0.10 {
		c.HouseEdge = 0.10
	}
	if c.InstantBust < 0 {
		c.InstantBust = 0
	}
	if c.InstantBust > 0.05 {
		c.InstantBust = 0.05
	}
	if c.MaxWinCap <= MinMultiplier {
		c.MaxWinCap = DefaultMaxWinCap
	}
	if c.MinBet.LessThanOrEqual(decimal.Zero) {
		c.MinBet = decimal.New(1, 0)
	}
	if c.MaxBet.LessThan(c.MinBet) {
		c.MaxBet = decimal.New(10000, 0)
	}
	if c.Tracks < 1 {
		c.Tracks = 1
	}
	if c.Tracks > 2 {
		c.Tracks = 2
	}
	if c.Currency == "" {
		c.Currency = "USDT"
	}
	return c
}

// ConfigPort supplies the house configuration, read once per round.
type ConfigPort interface {
	Snapshot() Config
}

type staticConfig struct {
	cfg Config
}

// NewStaticConfig wraps a fixed Config as a ConfigPort.
func NewStaticConfig(cfg Config) ConfigPort {
	return staticConfig{cfg: cfg}
}

func (s staticConfig) Snapshot() Config {
	return s.cfg
}

// Ledger is the engine's view of the wallet component. Every call is a
// storage round-trip; all three are idempotent on the external reference.
type Ledger interface {
	Debit(ctx context.Context, userID, currency string, amount decimal.Decimal, externalRef string, metadata map[string]string) (decimal.Decimal, string, error)
	Credit(ctx context.Context, userID, currency string, amount decimal.Decimal, externalRef string, metadata map[string]string) (decimal.Decimal, string, error)
	Reverse(ctx context.Context, externalRef string) (decimal.Decimal, string, error)
}

// Rejection codes returned to callers. Messages stay short and generic;
// the code is the machine-readable part.
const (
	CodeBettingClosed      = "betting_closed"
	CodeInvalidAmount      = "invalid_amount"
	CodeInvalidSlot        = "invalid_slot"
	CodeInvalidAutoCashout = "invalid_auto_cashout"
	CodeDuplicateBet       = "duplicate_bet"
	CodeInsufficientFunds  = "insufficient_funds"
	CodeUserBlocked        = "user_blocked"
	CodeWalletNotFound     = "wallet_not_found"
	CodeRoundNotRunning    = "round_not_running"
	CodeAlreadyCrashed     = "already_crashed"
	CodeNoActiveBet        = "no_active_bet"
	CodeAlreadySettled     = "already_settled"
	CodeStorageConflict    = "storage_conflict"
	CodeInternalError      = "internal_error"
)

type BetRequest struct {
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Slot          int             `json:"slot"`
	AutoCashoutAt float64         `json:"auto_cashout,omitempty"`
}

type BetResult struct {
	Success bool            `json:"success"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message"`
	BetID   string          `json:"bet_id,omitempty"`
	Balance decimal.Decimal `json:"balance"`
}

type CashoutResult struct {
	Success    bool            `json:"success"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message"`
	BetID      string          `json:"bet_id,omitempty"`
	Multiplier float64         `json:"multiplier,omitempty"`
	Payout     decimal.Decimal `json:"payout"`
	Profit     decimal.Decimal `json:"profit"`
	Balance    decimal.Decimal `json:"balance"`
}

// CrashRecord is one entry of the bounded display history.
type CrashRecord struct {
	GameNumber  int64     `json:"game_number"`
	CrashPoints []float64 `json:"crash_points"`
	At          time.Time `json:"at"`
}
