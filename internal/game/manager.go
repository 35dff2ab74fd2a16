package game

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crash/internal/cache"
	"crash/internal/ledger"
)

const (
	defaultTickInterval    = 100 * time.Millisecond
	defaultWaitingDuration = 10 * time.Second
	defaultCrashedDuration = 3 * time.Second
	defaultGrowthRate      = 0.10 // multiplier = e^(rate * seconds)
	defaultHistoryLength   = 20

	settleTimeout = 5 * time.Second
)

// Options tune the round clock. Zero values fall back to production
// defaults; tests shrink them to keep rounds fast.
type Options struct {
	TickInterval    time.Duration
	WaitingDuration time.Duration
	CrashedDuration time.Duration
	GrowthRate      float64
	HistoryLength   int
}

func (o Options) withDefaults() Options {
	if o.TickInterval <= 0 {
		o.TickInterval = defaultTickInterval
	}
	if o.WaitingDuration <= 0 {
		o.WaitingDuration = defaultWaitingDuration
	}
	if o.CrashedDuration <= 0 {
		o.CrashedDuration = defaultCrashedDuration
	}
	if o.GrowthRate <= 0 {
		o.GrowthRate = defaultGrowthRate
	}
	if o.HistoryLength <= 0 {
		o.HistoryLength = defaultHistoryLength
	}
	return o
}

// Manager drives the WAITING -> RUNNING -> CRASHED cycle. The tick loop is
// the only writer of round state; request goroutines read it under RLock
// and settle bets through per-bet status swaps, so a slow wallet call can
// never stall the multiplier.
type Manager struct {
	cfgPort ConfigPort
	wallet  Ledger
	bcast   Broadcaster
	cache   cache.Service
	logger  zerolog.Logger
	opts    Options

	mu         sync.RWMutex
	round      *Round
	history    []CrashRecord
	gameNumber int64

	registry *BetRegistry

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewManager(cfgPort ConfigPort, wallet Ledger, bcast Broadcaster, cacheSvc cache.Service, logger zerolog.Logger, opts Options) *Manager {
	if bcast == nil {
		bcast = NopBroadcaster{}
	}
	return &Manager{
		cfgPort:  cfgPort,
		wallet:   wallet,
		bcast:    bcast,
		cache:    cacheSvc,
		logger:   logger.With().Str("component", "engine").Logger(),
		opts:     opts.withDefaults(),
		registry: NewBetRegistry(),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (m *Manager) Start() {
	go m.run()
}

// Stop ends the round loop after the current phase wait returns. Safe to
// call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	<-m.done
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stopChan:
			m.logger.Info().Msg("round loop stopped")
			return
		default:
			if !m.runRound() {
				return
			}
		}
	}
}

// runRound executes one full cycle. Returns false when interrupted by Stop.
func (m *Manager) runRound() bool {
	cfg := m.cfgPort.Snapshot().Normalize()
	params := FairnessParams{HouseEdge: cfg.HouseEdge, InstantBust: cfg.InstantBust, MaxWinCap: cfg.MaxWinCap}

	serverSeed := GenerateSeed()
	clientSeed := GenerateSeed()

	m.mu.Lock()
	m.gameNumber++
	nonce := m.gameNumber

	tracks := make([]*Track, 0, cfg.Tracks)
	if cfg.Tracks >= 2 {
		cp1, cp2 := CrashPointPair(serverSeed, clientSeed, nonce, params)
		tracks = append(tracks,
			&Track{Slot: 1, CrashPoint: cp1, Multiplier: MinMultiplier},
			&Track{Slot: 2, CrashPoint: cp2, Multiplier: MinMultiplier})
	} else {
		cp := CrashPoint(serverSeed, clientSeed, nonce, params)
		tracks = append(tracks, &Track{Slot: 1, CrashPoint: cp, Multiplier: MinMultiplier})
	}

	round := &Round{
		ID:             fmt.Sprintf("R%d-%d", time.Now().Unix(), nonce),
		GameNumber:     nonce,
		State:          StateWaiting,
		ServerSeed:     serverSeed,
		ServerSeedHash: HashCommitment(serverSeed),
		ClientSeed:     clientSeed,
		Nonce:          nonce,
		Tracks:         tracks,
		Config:         cfg,
		CreatedAt:      time.Now(),
	}
	m.round = round
	m.registry.Clear()
	m.mu.Unlock()

	m.logger.Info().
		Str("round_id", round.ID).
		Int64("game", round.GameNumber).
		Str("commitment", round.ServerSeedHash[:16]+"...").
		Int("tracks", len(tracks)).
		Msg("round open for betting")

	m.publishState(round, m.opts.WaitingDuration.Seconds())

	if !m.sleep(m.opts.WaitingDuration) {
		return false
	}

	m.mu.Lock()
	round.State = StateRunning
	round.RunningAt = time.Now()
	m.mu.Unlock()
	m.publishState(round, 0)

	ticker := time.NewTicker(m.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m.tick(round) {
				m.finishRound(round)
				return m.sleep(m.opts.CrashedDuration)
			}
		case <-m.stopChan:
			return false
		}
	}
}

// tick advances every live track one step. Reports true once all tracks
// have crashed. Auto-cashout credits are dispatched on their own
// goroutines so wallet latency stays off the round clock.
func (m *Manager) tick(round *Round) bool {
	type autoHit struct {
		bet  *Bet
		mult float64
	}
	var (
		autoHits    []autoHit
		crashEvents []TrackCrashedEvent
	)

	m.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(round.RunningAt).Seconds()
	mult := growthMultiplier(elapsed, m.opts.GrowthRate)

	allCrashed := true
	for _, tr := range round.Tracks {
		if tr.Crashed {
			continue
		}

		// Auto targets inside (last multiplier, min(mult, crashPoint)]
		// fire before the crash check, so a threshold at or below the
		// crash point still pays even when both land on the same tick.
		effective := math.Min(mult, tr.CrashPoint)
		for _, bet := range m.registry.Snapshot(tr.Slot) {
			if bet.AutoCashoutAt > 0 && bet.AutoCashoutAt <= effective && bet.transition(BetActive, BetCashedOut) {
				autoHits = append(autoHits, autoHit{bet: bet, mult: bet.AutoCashoutAt})
			}
		}

		if mult >= tr.CrashPoint {
			tr.Multiplier = tr.CrashPoint
			tr.Crashed = true
			tr.CrashedAt = now
			busted := m.bustSlotLocked(tr.Slot)
			crashEvents = append(crashEvents, TrackCrashedEvent{
				RoundID:    round.ID,
				GameNumber: round.GameNumber,
				Slot:       tr.Slot,
				CrashPoint: tr.CrashPoint,
				BustedBets: busted,
			})
		} else {
			tr.Multiplier = mult
			allCrashed = false
		}
	}

	tickEvent := TickEvent{RoundID: round.ID, ElapsedMs: int64(elapsed * 1000)}
	for _, tr := range round.Tracks {
		tickEvent.Multipliers = append(tickEvent.Multipliers, tr.Multiplier)
	}
	m.mu.Unlock()

	for _, hit := range autoHits {
		go m.settleAuto(hit.bet, hit.mult)
	}
	for _, ev := range crashEvents {
		m.logger.Info().
			Str("round_id", ev.RoundID).
			Int("slot", ev.Slot).
			Float64("crash_point", ev.CrashPoint).
			Int("busted", ev.BustedBets).
			Msg("track crashed")
		m.bcast.OnTrackCrashed(ev)
	}
	m.bcast.OnTick(tickEvent)

	return allCrashed
}

// bustSlotLocked flips every still-active bet on the slot to BUSTED.
// Caller holds m.mu; the CAS means a concurrent manual cashout that
// already won keeps its win.
func (m *Manager) bustSlotLocked(slot int) int {
	busted := 0
	for _, bet := range m.registry.Snapshot(slot) {
		if bet.transition(BetActive, BetBusted) {
			busted++
		}
	}
	return busted
}

func (m *Manager) finishRound(round *Round) {
	m.mu.Lock()
	round.State = StateCrashed
	round.CrashedAt = time.Now()

	// Defensive sweep: a failed manual credit can put a bet back to
	// ACTIVE after its track crashed.
	leftovers := 0
	for _, tr := range round.Tracks {
		leftovers += m.bustSlotLocked(tr.Slot)
	}

	record := CrashRecord{GameNumber: round.GameNumber, At: round.CrashedAt}
	for _, tr := range round.Tracks {
		record.CrashPoints = append(record.CrashPoints, tr.CrashPoint)
	}
	m.history = append(m.history, record)
	if len(m.history) > m.opts.HistoryLength {
		m.history = m.history[len(m.history)-m.opts.HistoryLength:]
	}
	m.mu.Unlock()

	if leftovers > 0 {
		m.logger.Warn().Str("round_id", round.ID).Int("bets", leftovers).Msg("swept unsettled bets at round end")
	}

	m.logger.Info().
		Str("round_id", round.ID).
		Floats64("crash_points", record.CrashPoints).
		Msg("round ended, seed revealed")

	m.publishState(round, 0)

	if m.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.cache.PushCrashHistory(ctx, record, int64(m.opts.HistoryLength)); err != nil {
			m.logger.Warn().Err(err).Msg("failed to push crash history to cache")
		}
	}
}

// publishState broadcasts the phase change and mirrors the public
// snapshot into the cache, best effort.
func (m *Manager) publishState(round *Round, waitSeconds float64) {
	m.mu.RLock()
	snap := round.snapshot()
	m.mu.RUnlock()

	m.bcast.OnStateChange(StateChangeEvent{
		RoundID:        snap.RoundID,
		GameNumber:     snap.GameNumber,
		State:          snap.State,
		ServerSeedHash: snap.ServerSeedHash,
		ClientSeed:     snap.ClientSeed,
		Nonce:          snap.Nonce,
		Multipliers:    snap.Multipliers,
		ServerSeed:     snap.ServerSeed,
		CrashPoints:    snap.CrashPoints,
		WaitSeconds:    waitSeconds,
	})

	if m.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.cache.StoreRoundSnapshot(ctx, snap); err != nil {
			m.logger.Warn().Err(err).Msg("failed to store round snapshot in cache")
		}
	}
}

// sleep waits the duration unless Stop fires first.
func (m *Manager) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.stopChan:
		return false
	}
}

func growthMultiplier(elapsed, rate float64) float64 {
	return math.Floor(math.Exp(elapsed*rate)*100) / 100
}

// PlaceBet validates, reserves the user's slot, debits the wallet and
// activates the bet. Any failure after the debit reverses it, so the
// caller never ends up charged without a live bet.
func (m *Manager) PlaceBet(ctx context.Context, req BetRequest) BetResult {
	m.mu.RLock()
	round := m.round
	var (
		state  RoundStatus
		cfg    Config
		tracks int
	)
	if round != nil {
		state = round.State
		cfg = round.Config
		tracks = len(round.Tracks)
	}
	m.mu.RUnlock()

	if round == nil || state != StateWaiting {
		return BetResult{Code: CodeBettingClosed, Message: "Betting is closed"}
	}
	if req.Slot < 1 || req.Slot > tracks {
		return BetResult{Code: CodeInvalidSlot, Message: fmt.Sprintf("Slot must be between 1 and %d", tracks)}
	}
	if req.Amount.LessThan(cfg.MinBet) || req.Amount.GreaterThan(cfg.MaxBet) {
		return BetResult{
			Code:    CodeInvalidAmount,
			Message: fmt.Sprintf("Bet must be between %s and %s", cfg.MinBet.StringFixed(2), cfg.MaxBet.StringFixed(2)),
		}
	}
	if req.AutoCashoutAt != 0 && (req.AutoCashoutAt <= MinMultiplier || req.AutoCashoutAt > cfg.MaxWinCap) {
		return BetResult{Code: CodeInvalidAutoCashout, Message: "Auto-cashout must exceed 1.00"}
	}

	bet := &Bet{
		ID:            uuid.NewString(),
		RoundID:       round.ID,
		UserID:        req.UserID,
		Slot:          req.Slot,
		Amount:        req.Amount,
		Currency:      cfg.Currency,
		AutoCashoutAt: req.AutoCashoutAt,
		PlacedAt:      time.Now(),
	}

	if err := m.registry.Reserve(bet); err != nil {
		return BetResult{Code: CodeDuplicateBet, Message: "You already have a bet on this slot"}
	}

	balance, _, err := m.wallet.Debit(ctx, req.UserID, cfg.Currency, req.Amount, bet.ID, map[string]string{
		"round_id": round.ID,
		"slot":     fmt.Sprintf("%d", req.Slot),
	})
	if err != nil {
		m.registry.Remove(bet)
		return m.rejectBet(req.UserID, err)
	}

	// The debit is a storage round-trip; the round may have rolled over
	// underneath it. Activate only if this is still the same round and
	// the registry still holds this exact bet.
	m.mu.RLock()
	current := m.round != nil && m.round.ID == bet.RoundID && m.registry.Holds(bet)
	if current {
		current = bet.transition(BetPending, BetActive)
	}
	m.mu.RUnlock()

	if !current {
		m.registry.Remove(bet)
		if _, _, rerr := m.wallet.Reverse(ctx, bet.ID); rerr != nil {
			m.logger.Error().Err(rerr).Str("bet_id", bet.ID).Msg("failed to reverse debit for stale bet")
		}
		return BetResult{Code: CodeBettingClosed, Message: "Betting is closed"}
	}

	m.logger.Info().
		Str("bet_id", bet.ID).
		Str("user_id", req.UserID).
		Int("slot", req.Slot).
		Str("amount", req.Amount.StringFixed(2)).
		Msg("bet placed")

	m.bcast.OnBetPlaced(BetPlacedEvent{
		RoundID: round.ID,
		BetID:   bet.ID,
		UserID:  req.UserID,
		Slot:    req.Slot,
		Amount:  req.Amount,
	})

	return BetResult{Success: true, Message: "Bet placed", BetID: bet.ID, Balance: balance}
}

func (m *Manager) rejectBet(userID string, err error) BetResult {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return BetResult{Code: CodeInsufficientFunds, Message: "Insufficient balance"}
	case errors.Is(err, ledger.ErrUserBlocked):
		return BetResult{Code: CodeUserBlocked, Message: "Account is blocked"}
	case errors.Is(err, ledger.ErrWalletNotFound):
		return BetResult{Code: CodeWalletNotFound, Message: "Wallet not found"}
	case errors.Is(err, ledger.ErrStorageConflict):
		return BetResult{Code: CodeStorageConflict, Message: "Please retry"}
	default:
		m.logger.Error().Err(err).Str("user_id", userID).Msg("bet debit failed")
		return BetResult{Code: CodeInternalError, Message: "Bet failed"}
	}
}

// Cashout settles the caller's bet at the slot's current multiplier. The
// multiplier read and the status swap happen under the same read lock, so
// the value paid is the value the player saw and the bust sweep (which
// runs under the write lock) cannot interleave.
func (m *Manager) Cashout(ctx context.Context, userID string, slot int) CashoutResult {
	m.mu.RLock()
	round := m.round
	if round == nil || round.State != StateRunning {
		m.mu.RUnlock()
		return CashoutResult{Code: CodeRoundNotRunning, Message: "Cannot cashout now"}
	}
	if slot < 1 || slot > len(round.Tracks) {
		m.mu.RUnlock()
		return CashoutResult{Code: CodeInvalidSlot, Message: "Unknown slot"}
	}
	track := round.Tracks[slot-1]
	if track.Crashed {
		m.mu.RUnlock()
		return CashoutResult{Code: CodeAlreadyCrashed, Message: "Track already crashed"}
	}
	mult := track.Multiplier

	bet := m.registry.Get(userID, slot)
	if bet == nil || bet.RoundID != round.ID {
		m.mu.RUnlock()
		return CashoutResult{Code: CodeNoActiveBet, Message: "No active bet"}
	}
	won := bet.transition(BetActive, BetCashedOut)
	m.mu.RUnlock()

	if !won {
		return CashoutResult{Code: CodeAlreadySettled, Message: "Bet already settled"}
	}

	payout := bet.Amount.Mul(decimal.NewFromFloat(mult)).Round(2)
	balance, err := m.creditCashout(ctx, bet, mult, payout)
	if err != nil {
		// Put the bet back so the bust sweep can settle it as a loss if
		// the track crashes before a retry lands.
		bet.transition(BetCashedOut, BetActive)
		if errors.Is(err, ledger.ErrStorageConflict) {
			return CashoutResult{Code: CodeStorageConflict, Message: "Please retry"}
		}
		m.logger.Error().Err(err).Str("bet_id", bet.ID).Msg("cashout credit failed")
		return CashoutResult{Code: CodeInternalError, Message: "Cashout failed"}
	}

	profit := payout.Sub(bet.Amount)
	m.recordCashout(bet, mult, payout, profit, false)

	return CashoutResult{
		Success:    true,
		Message:    fmt.Sprintf("Cashed out at %.2fx", mult),
		BetID:      bet.ID,
		Multiplier: mult,
		Payout:     payout,
		Profit:     profit,
		Balance:    balance,
	}
}

func (m *Manager) creditCashout(ctx context.Context, bet *Bet, mult float64, payout decimal.Decimal) (decimal.Decimal, error) {
	balance, _, err := m.wallet.Credit(ctx, bet.UserID, bet.Currency, payout, bet.ID+":cashout", map[string]string{
		"round_id":   bet.RoundID,
		"bet_id":     bet.ID,
		"multiplier": fmt.Sprintf("%.2f", mult),
	})
	return balance, err
}

// settleAuto credits an auto-cashout off the tick goroutine. The CAS has
// already committed the win, so a credit failure gets one retry and is
// otherwise left for reconciliation rather than reverted.
func (m *Manager) settleAuto(bet *Bet, mult float64) {
	payout := bet.Amount.Mul(decimal.NewFromFloat(mult)).Round(2)

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	_, err := m.creditCashout(ctx, bet, mult, payout)
	if err != nil {
		time.Sleep(200 * time.Millisecond)
		_, err = m.creditCashout(ctx, bet, mult, payout)
	}
	if err != nil {
		m.logger.Error().Err(err).
			Str("bet_id", bet.ID).
			Str("user_id", bet.UserID).
			Str("payout", payout.StringFixed(2)).
			Msg("auto-cashout credit failed after retry")
		return
	}

	m.recordCashout(bet, mult, payout, payout.Sub(bet.Amount), true)
}

func (m *Manager) recordCashout(bet *Bet, mult float64, payout, profit decimal.Decimal, auto bool) {
	bet.CashoutMultiplier = mult
	bet.Profit = profit

	m.logger.Info().
		Str("bet_id", bet.ID).
		Str("user_id", bet.UserID).
		Float64("multiplier", mult).
		Str("payout", payout.StringFixed(2)).
		Bool("auto", auto).
		Msg("bet cashed out")

	m.bcast.OnCashout(CashoutEvent{
		RoundID:    bet.RoundID,
		BetID:      bet.ID,
		UserID:     bet.UserID,
		Slot:       bet.Slot,
		Multiplier: mult,
		Payout:     payout,
		Profit:     profit,
		Auto:       auto,
	})
}

// CurrentRound returns the public snapshot of the live round, nil before
// the first round opens.
func (m *Manager) CurrentRound() *RoundSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.round == nil {
		return nil
	}
	return m.round.snapshot()
}

// History returns the recent crash records, newest last.
func (m *Manager) History() []CrashRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CrashRecord, len(m.history))
	copy(out, m.history)
	return out
}

// Bet returns the caller's bet on a slot in the current round, nil when
// none exists.
func (m *Manager) Bet(userID string, slot int) *Bet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.round == nil {
		return nil
	}
	bet := m.registry.Get(userID, slot)
	if bet == nil || bet.RoundID != m.round.ID {
		return nil
	}
	return bet
}
