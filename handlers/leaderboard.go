// handlers/leaderboard.go
package handlers

import (
	"table-settlement-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupLeaderboardRoutes(app *fiber.App, leaderboard *services.LeaderboardService) {
	// Public — Gateway auth only, no user context needed for reads.
	app.Get("/leaderboard", leaderboard.GetLeaderboard)
}
