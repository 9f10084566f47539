// handlers/table.go
package handlers

import (
	"table-settlement-system/middleware"
	"table-settlement-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupTableRoutes(app *fiber.App, provision *services.ProvisionService, seats *services.SeatService, settlement *services.SettlementService) {
	// 🔓 Public routes — *no user context*, but **still require Gateway auth**
	app.Get("/tables/:id", seats.GetTable)
	app.Get("/tables/:id/seats/stream", seats.StreamSeats)

	// 🔐 Secured routes — require user context, enforced via middleware
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Post("/tables", provision.CreateTable)
	secured.Post("/tables/:id/seats/:position/claim", seats.ClaimSeat)
	secured.Post("/tables/:id/seats/:position/release", seats.ReleaseSeat)
	secured.Post("/tables/:id/settle", settlement.SubmitSettlement)
}
