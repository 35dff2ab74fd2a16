package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"crash/internal/game"
	"crash/internal/ledger"
)

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"game": fiber.Map{
			"status":            "running",
			"connected_clients": s.hub.GetClientCount(),
		},
	}
	if s.db != nil {
		health["database"] = s.db.Health()
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	return c.JSON(health)
}

// Game handlers

func (s *FiberServer) gameStateHandler(c *fiber.Ctx) error {
	snap := s.engine.CurrentRound()
	if snap == nil {
		return c.Status(404).JSON(fiber.Map{
			"error": "No active game round",
		})
	}
	return c.JSON(snap)
}

func (s *FiberServer) gameHistoryHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"history": s.engine.History(),
	})
}

type verifyRequest struct {
	ServerSeed     string  `json:"server_seed"`
	ServerSeedHash string  `json:"server_seed_hash"`
	ClientSeed     string  `json:"client_seed"`
	Nonce          int64   `json:"nonce"`
	CrashPoint     float64 `json:"crash_point"`
	Tracks         int     `json:"tracks,omitempty"`

	// Optional overrides; the server's own parameters apply when zero.
	HouseEdge   float64 `json:"house_edge,omitempty"`
	InstantBust float64 `json:"instant_bust,omitempty"`
	MaxWinCap   float64 `json:"max_win_cap,omitempty"`
}

// verifyRoundHandler recomputes a revealed round so players can check the
// house did not move the crash point after the commitment.
func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.ServerSeed == "" || req.ClientSeed == "" || req.Nonce <= 0 {
		return c.Status(400).JSON(fiber.Map{
			"error": "server_seed, client_seed and nonce are required",
		})
	}

	params := s.fairnessParams()
	if req.HouseEdge > 0 {
		params.HouseEdge = req.HouseEdge
	}
	if req.InstantBust > 0 {
		params.InstantBust = req.InstantBust
	}
	if req.MaxWinCap > 0 {
		params.MaxWinCap = req.MaxWinCap
	}

	seedMatches := req.ServerSeedHash == "" || game.VerifySeedHash(req.ServerSeed, req.ServerSeedHash)

	var expected []float64
	if req.Tracks >= 2 {
		cp1, cp2 := game.CrashPointPair(req.ServerSeed, req.ClientSeed, req.Nonce, params)
		expected = []float64{cp1, cp2}
	} else {
		expected = []float64{game.CrashPoint(req.ServerSeed, req.ClientSeed, req.Nonce, params)}
	}

	valid := seedMatches
	if req.CrashPoint > 0 {
		valid = valid && math.Abs(expected[0]-req.CrashPoint) < 0.01
	}

	return c.JSON(fiber.Map{
		"valid":                valid,
		"seed_matches":         seedMatches,
		"expected_crash_point": expected,
	})
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req game.BetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.UserID == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}
	if req.Slot == 0 {
		req.Slot = 1
	}

	resp := s.engine.PlaceBet(c.Context(), req)
	if !resp.Success {
		return c.Status(400).JSON(resp)
	}
	return c.JSON(resp)
}

type cashoutRequest struct {
	UserID string `json:"user_id"`
	Slot   int    `json:"slot"`
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req cashoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.UserID == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}
	if req.Slot == 0 {
		req.Slot = 1
	}

	resp := s.engine.Cashout(c.Context(), req.UserID, req.Slot)
	if !resp.Success {
		return c.Status(400).JSON(resp)
	}
	return c.JSON(resp)
}

// Wallet handlers

func (s *FiberServer) walletBalanceHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	balance, err := s.wallet.GetBalance(c.Context(), userID, s.currency())
	if err != nil {
		return s.walletError(c, err)
	}

	return c.JSON(fiber.Map{
		"user_id":  userID,
		"currency": s.currency(),
		"balance":  balance,
	})
}

func (s *FiberServer) walletDepositHandler(c *fiber.Ctx) error {
	userID := c.Params("userId")
	if userID == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "User ID is required",
		})
	}

	var body struct {
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if body.Currency == "" {
		body.Currency = s.currency()
	}

	balance, txID, err := s.wallet.Deposit(c.Context(), userID, body.Currency, body.Amount)
	if err != nil {
		return s.walletError(c, err)
	}

	return c.JSON(fiber.Map{
		"user_id":        userID,
		"currency":       body.Currency,
		"balance":        balance,
		"transaction_id": txID,
	})
}

type walletTransactionRequest struct {
	UserID        string `json:"user_id"`
	TransactionID string `json:"transaction_id"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

// walletTransactionHandler is the external settlement surface: BET, WIN
// and REFUND, idempotent on transaction_id.
func (s *FiberServer) walletTransactionHandler(c *fiber.Ctx) error {
	var req walletTransactionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.UserID == "" || req.TransactionID == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "User ID and transaction ID are required",
		})
	}
	if req.Currency == "" {
		req.Currency = s.currency()
	}

	balance, txID, err := s.wallet.ProcessTransaction(c.Context(), req.UserID, req.TransactionID, req.Type, req.Amount, req.Currency)
	if err != nil {
		return s.walletError(c, err)
	}

	return c.JSON(fiber.Map{
		"user_id":        req.UserID,
		"balance":        balance,
		"transaction_id": txID,
	})
}

func (s *FiberServer) walletRollbackHandler(c *fiber.Ctx) error {
	var req struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.TransactionID == "" {
		return c.Status(400).JSON(fiber.Map{
			"error": "Transaction ID is required",
		})
	}

	balance, txID, err := s.wallet.RollbackTransaction(c.Context(), req.TransactionID)
	if err != nil {
		return s.walletError(c, err)
	}

	return c.JSON(fiber.Map{
		"balance":        balance,
		"transaction_id": txID,
	})
}

func (s *FiberServer) walletError(c *fiber.Ctx, err error) error {
	status := 500
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidType),
		errors.Is(err, ledger.ErrInsufficientFunds):
		status = 400
	case errors.Is(err, ledger.ErrUserBlocked):
		status = 403
	case errors.Is(err, ledger.ErrWalletNotFound), errors.Is(err, ledger.ErrTransactionNotFound):
		status = 404
	case errors.Is(err, ledger.ErrStorageConflict):
		status = 409
	default:
		s.logger.Error().Err(err).Msg("wallet operation failed")
		return c.Status(status).JSON(fiber.Map{"error": "Internal error"})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func (s *FiberServer) currency() string {
	if s.cfg != nil && s.cfg.Game.Currency != "" {
		return s.cfg.Game.Currency
	}
	return "USDT"
}

func (s *FiberServer) fairnessParams() game.FairnessParams {
	params := game.FairnessParams{HouseEdge: 0.04, InstantBust: 0.01, MaxWinCap: game.DefaultMaxWinCap}
	if s.cfg != nil {
		if s.cfg.Game.HouseEdge > 0 {
			params.HouseEdge = s.cfg.Game.HouseEdge
		}
		if s.cfg.Game.InstantBust > 0 {
			params.InstantBust = s.cfg.Game.InstantBust
		}
		if s.cfg.Game.MaxWinCap > 0 {
			params.MaxWinCap = s.cfg.Game.MaxWinCap
		}
	}
	return params
}

// WebSocket handler

func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id", "anonymous")

	s.logger.Info().Str("user_id", userID).Msg("websocket connection opened")

	client := s.hub.RegisterClient(conn, userID)
	client.SendInitialState(s.engine.CurrentRound())

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Str("user_id", userID).Msg("websocket read failed")
			s.hub.UnregisterClient(conn)
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var clientMsg map[string]interface{}
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			continue
		}
		msgType, ok := clientMsg["type"].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "place_bet":
			amount, _ := strconv.ParseFloat(fmt.Sprintf("%v", clientMsg["amount"]), 64)
			autoCashout, _ := strconv.ParseFloat(fmt.Sprintf("%v", clientMsg["auto_cashout"]), 64)
			slot, _ := strconv.Atoi(fmt.Sprintf("%v", clientMsg["slot"]))
			if slot == 0 {
				slot = 1
			}

			resp := s.engine.PlaceBet(context.Background(), game.BetRequest{
				UserID:        userID,
				Amount:        decimal.NewFromFloat(amount),
				Slot:          slot,
				AutoCashoutAt: autoCashout,
			})
			writeWS(conn, game.WSMessage{Type: "bet_result", Data: resp})

		case "cashout":
			slot, _ := strconv.Atoi(fmt.Sprintf("%v", clientMsg["slot"]))
			if slot == 0 {
				slot = 1
			}

			resp := s.engine.Cashout(context.Background(), userID, slot)
			writeWS(conn, game.WSMessage{Type: "cashout_result", Data: resp})

		case "ping":
			writeWS(conn, game.WSMessage{Type: "pong"})
		}
	}
}

func writeWS(conn *websocket.Conn, msg game.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}
