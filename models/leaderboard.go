// models/leaderboard.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LeaderboardEntry is the running per-identity tally across all settled
// tables. Mutated only inside the settlement finalize transaction; values
// only ever grow (profit by the winner's share, games by one per record).
type LeaderboardEntry struct {
	IdentityID  string          `gorm:"primaryKey" json:"identity_id"`
	TotalProfit decimal.Decimal `gorm:"type:decimal(38,18);not null" json:"total_profit"`
	GamesPlayed int64           `gorm:"not null;default:0" json:"games_played"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
