// handlers/wallet.go
package handlers

import (
	"table-settlement-system/middleware"
	"table-settlement-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupWalletRoutes(app *fiber.App, wallets *services.WalletService) {
	secured := app.Group("/wallet", middleware.UserContextMiddleware())

	secured.Post("/link/begin", wallets.BeginLinkHandler)
	secured.Post("/link/complete", wallets.CompleteLinkHandler)
	secured.Get("/link", wallets.GetLinkHandler)
}
