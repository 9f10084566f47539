package services

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"table-settlement-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLeaderboard_Ordering(t *testing.T) {
	db := newTestDB(t)
	svc := NewLeaderboardService(db)

	require.NoError(t, db.Create([]models.LeaderboardEntry{
		{IdentityID: "alice", TotalProfit: dec("3.0"), GamesPlayed: 2},
		{IdentityID: "bob", TotalProfit: dec("5.5"), GamesPlayed: 1},
		{IdentityID: "carol", TotalProfit: dec("3.0"), GamesPlayed: 4},
	}).Error)

	app := fiber.New()
	app.Get("/leaderboard", svc.GetLeaderboard)

	resp, err := app.Test(httptest.NewRequest("GET", "/leaderboard", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var entries []models.LeaderboardEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 3)

	// Profit descending, games played breaking the tie.
	assert.Equal(t, "bob", entries[0].IdentityID)
	assert.Equal(t, "carol", entries[1].IdentityID)
	assert.Equal(t, "alice", entries[2].IdentityID)
}

func TestGetLeaderboard_Limit(t *testing.T) {
	db := newTestDB(t)
	svc := NewLeaderboardService(db)

	for i := 0; i < 5; i++ {
		require.NoError(t, db.Create(&models.LeaderboardEntry{
			IdentityID:  string(rune('a' + i)),
			TotalProfit: dec("1.0"),
			GamesPlayed: 1,
		}).Error)
	}

	app := fiber.New()
	app.Get("/leaderboard", svc.GetLeaderboard)

	resp, err := app.Test(httptest.NewRequest("GET", "/leaderboard?limit=2", nil))
	require.NoError(t, err)

	var entries []models.LeaderboardEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.Len(t, entries, 2)

	// Garbage limits fall back to the default instead of erroring.
	resp, err = app.Test(httptest.NewRequest("GET", "/leaderboard?limit=bogus", nil))
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.Len(t, entries, 5)
}
