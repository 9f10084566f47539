// models/table.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SeatsPerTable is fixed for every table. Positions run [0, SeatsPerTable).
const SeatsPerTable = 10

const (
	TableStatusOpen             = "open"
	TableStatusSettled          = "settled"
	TableStatusSettlementFailed = "settlement_failed"
)

const (
	TokenETH  = "ETH"
	TokenUSDC = "USDC"
	TokenSOL  = "SOL"
)

// Table is a money-bearing game table bound 1:1 to a deployed escrow
// contract. A row only ever exists with a confirmed escrow address:
// provisioning that fails on-chain leaves no row behind.
type Table struct {
	ID       string `json:"id" gorm:"primaryKey"`
	Name     string `json:"name" gorm:"not null"`
	JoinSlug string `json:"join_slug" gorm:"index"`

	BuyIn decimal.Decimal `json:"buy_in" gorm:"type:decimal(38,18);not null"`
	Token string          `json:"token" gorm:"type:varchar(16);not null"`

	CreatorID string `json:"creator_id" gorm:"index;not null"`

	// EscrowAddress is set exactly once at creation and never changes.
	EscrowAddress string `json:"escrow_address" gorm:"type:varchar(128);uniqueIndex;not null"`

	// ProvisionRequestID is the client-supplied idempotency key. Retrying a
	// create with the same key converges to this row instead of deploying a
	// second contract.
	ProvisionRequestID string `json:"provision_request_id" gorm:"uniqueIndex;not null"`

	Status string `json:"status" gorm:"type:varchar(32);not null;default:'open'"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	Seats []Seat `json:"seats,omitempty" gorm:"foreignKey:TableID"`
}

// Seat is one of the fixed positions at a table. OccupantID is nil while the
// seat is free; the claim path flips it with a conditional UPDATE so exactly
// one concurrent claimant can win.
type Seat struct {
	ID         string    `json:"-" gorm:"primaryKey"`
	TableID    string    `json:"table_id" gorm:"index:idx_seat_position,unique;not null"`
	Position   int       `json:"position" gorm:"index:idx_seat_position,unique;not null"`
	OccupantID *string   `json:"occupant_id"`
	UpdatedAt  time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// IsHost reports whether the seat is held by the table creator.
func (s *Seat) IsHost(t *Table) bool {
	return s.OccupantID != nil && *s.OccupantID == t.CreatorID
}

// SeatOccupancy is an append-only record of every identity that ever held a
// seat at a table. It backs settlement validation (winners must have been
// seated) and the collected-pool cap, and survives seat releases.
type SeatOccupancy struct {
	ID         string    `gorm:"primaryKey" json:"-"`
	TableID    string    `gorm:"index:idx_occupancy,unique;not null" json:"table_id"`
	IdentityID string    `gorm:"index:idx_occupancy,unique;not null" json:"identity_id"`
	Position   int       `json:"position"`
	SeatedAt   time.Time `gorm:"autoCreateTime" json:"seated_at"`
}
