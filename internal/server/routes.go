package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	api.Get("/game/state", s.gameStateHandler)
	api.Get("/game/history", s.gameHistoryHandler)
	api.Post("/game/verify", s.verifyRoundHandler)
	api.Post("/game/bet", s.placeBetHandler)
	api.Post("/game/cashout", s.cashoutHandler)

	api.Get("/wallet/:userId/balance", s.walletBalanceHandler)
	api.Post("/wallet/:userId/deposit", s.walletDepositHandler)
	api.Post("/wallet/transaction", s.walletTransactionHandler)
	api.Post("/wallet/rollback", s.walletRollbackHandler)

	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}
