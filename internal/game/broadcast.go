package game

import "github.com/shopspring/decimal"

// Broadcaster is the engine's outbound port. The websocket hub implements
// it in production; tests plug in recorders. Implementations must not
// block the caller, which is usually the tick loop.
type Broadcaster interface {
	OnStateChange(e StateChangeEvent)
	OnTick(e TickEvent)
	OnBetPlaced(e BetPlacedEvent)
	OnCashout(e CashoutEvent)
	OnTrackCrashed(e TrackCrashedEvent)
}

type StateChangeEvent struct {
	RoundID        string      `json:"round_id"`
	GameNumber     int64       `json:"game_number"`
	State          RoundStatus `json:"state"`
	ServerSeedHash string      `json:"server_seed_hash"`
	ClientSeed     string      `json:"client_seed"`
	Nonce          int64       `json:"nonce"`
	Multipliers    []float64   `json:"multipliers"`
	ServerSeed     string      `json:"server_seed,omitempty"`
	CrashPoints    []float64   `json:"crash_points,omitempty"`
	WaitSeconds    float64     `json:"wait_seconds,omitempty"`
}

type TickEvent struct {
	RoundID     string    `json:"round_id"`
	Multipliers []float64 `json:"multipliers"`
	ElapsedMs   int64     `json:"elapsed_ms"`
}

type BetPlacedEvent struct {
	RoundID string          `json:"round_id"`
	BetID   string          `json:"bet_id"`
	UserID  string          `json:"user_id"`
	Slot    int             `json:"slot"`
	Amount  decimal.Decimal `json:"amount"`
}

type CashoutEvent struct {
	RoundID    string          `json:"round_id"`
	BetID      string          `json:"bet_id"`
	UserID     string          `json:"user_id"`
	Slot       int             `json:"slot"`
	Multiplier float64         `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
	Profit     decimal.Decimal `json:"profit"`
	Auto       bool            `json:"auto"`
}

type TrackCrashedEvent struct {
	RoundID    string  `json:"round_id"`
	GameNumber int64   `json:"game_number"`
	Slot       int     `json:"slot"`
	CrashPoint float64 `json:"crash_point"`
	BustedBets int     `json:"busted_bets"`
}

// NopBroadcaster drops every event. Default when no hub is wired.
type NopBroadcaster struct{}

func (NopBroadcaster) OnStateChange(StateChangeEvent)   {}
func (NopBroadcaster) OnTick(TickEvent)                 {}
func (NopBroadcaster) OnBetPlaced(BetPlacedEvent)       {}
func (NopBroadcaster) OnCashout(CashoutEvent)           {}
func (NopBroadcaster) OnTrackCrashed(TrackCrashedEvent) {}
