// models/wallet_link.go
package models

import "time"

// WalletLink binds a persistent user identity to a signing key. PendingNonce
// is the outstanding challenge: nil means no link is in progress, and a
// successful completion clears it atomically with the verification so a
// nonce can never be consumed twice. Persisted (not in-process memory) so
// any instance can complete a challenge another instance began.
type WalletLink struct {
	IdentityID    string    `gorm:"primaryKey" json:"identity_id"`
	WalletAddress string    `gorm:"type:varchar(128);index" json:"wallet_address,omitempty"`
	PendingNonce  *string   `gorm:"type:varchar(128)" json:"-"`
	LinkedAt      *time.Time `json:"linked_at,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
