// models/settlement.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	// AttemptStatusSubmitted: payout call sent to the chain, receipt not yet
	// confirmed. Blocks any second submission for the same table.
	AttemptStatusSubmitted = "submitted"
	// AttemptStatusChainConfirmed: payout confirmed on-chain but the store
	// finalize has not landed yet. Funds have moved; the reconciler retries
	// the finalize until it converges.
	AttemptStatusChainConfirmed = "chain_confirmed"
	AttemptStatusFinalized      = "finalized"
)

// SettlementAttempt is the per-table in-flight marker for a payout. The
// unique index on TableID is what makes settlement one-shot across
// instances: only one attempt row can exist per table.
type SettlementAttempt struct {
	ID      string `gorm:"primaryKey" json:"id"`
	TableID string `gorm:"uniqueIndex;not null" json:"table_id"`

	// WinnersJSON / SharesJSON capture the exact inputs the chain call was
	// made with, so a retried finalize applies the same deltas.
	WinnersJSON string `gorm:"type:text;not null" json:"-"`
	SharesJSON  string `gorm:"type:text;not null" json:"-"`

	TxHash string `gorm:"type:varchar(128);index" json:"tx_hash,omitempty"`
	Status string `gorm:"type:varchar(32);not null" json:"status"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SettlementRecord is the immutable bookkeeping row for a confirmed payout.
// At most one exists per table; TxHash doubles as the idempotency key for
// retried store writes after the chain effect is already a fact.
type SettlementRecord struct {
	ID      string `gorm:"primaryKey" json:"id"`
	TableID string `gorm:"uniqueIndex;not null" json:"table_id"`

	WinnersJSON string `gorm:"type:text;not null" json:"-"`
	SharesJSON  string `gorm:"type:text;not null" json:"-"`

	TotalPaid decimal.Decimal `gorm:"type:decimal(38,18);not null" json:"total_paid"`
	TxHash    string          `gorm:"type:varchar(128);uniqueIndex;not null" json:"tx_hash"`

	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// OrphanedEscrow records a deployed escrow contract whose table row could not
// be written after store retries exhausted. Kept for manual reconciliation;
// never pointed at by a Table.
type OrphanedEscrow struct {
	ID                 string          `gorm:"primaryKey" json:"id"`
	EscrowAddress      string          `gorm:"type:varchar(128);uniqueIndex;not null" json:"escrow_address"`
	ProvisionRequestID string          `gorm:"index" json:"provision_request_id"`
	Token              string          `gorm:"type:varchar(16)" json:"token"`
	BuyIn              decimal.Decimal `gorm:"type:decimal(38,18)" json:"buy_in"`
	Reason             string          `gorm:"type:text" json:"reason"`
	ArchivedAt         *time.Time      `json:"archived_at,omitempty"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	DeletedAt          gorm.DeletedAt  `gorm:"index" json:"-"`
}
