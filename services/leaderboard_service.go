// services/leaderboard_service.go
package services

import (
	"strconv"

	"table-settlement-system/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type LeaderboardService struct {
	DB *gorm.DB
}

func NewLeaderboardService(db *gorm.DB) *LeaderboardService {
	return &LeaderboardService{DB: db}
}

// GetLeaderboard handles GET /leaderboard — entries ordered by total profit
// descending, ties broken by games played.
func (s *LeaderboardService) GetLeaderboard(c *fiber.Ctx) error {
	limitStr := c.Query("limit", "50")
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 || limit > 200 {
		limit = 50
	}

	var entries []models.LeaderboardEntry
	if err := s.DB.
		Order("total_profit DESC, games_played DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to load leaderboard", "details": err.Error()})
	}

	return c.JSON(entries)
}
