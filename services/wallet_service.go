// services/wallet_service.go
package services

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"table-settlement-system/models"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/sha3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WalletService binds a persistent identity to a signing key via a
// nonce/signature challenge. The pending nonce lives on the identity's
// WalletLink row, so any instance can complete a challenge another began,
// and check-and-clear is atomic with the verification.
type WalletService struct {
	DB *gorm.DB
}

func NewWalletService(db *gorm.DB) *WalletService {
	return &WalletService{DB: db}
}

// challengePrefix frames the signed message so wallets show users what they
// are approving and the signature cannot be replayed as a transaction.
const challengePrefix = "Link your wallet by signing this one-time code: "

// BeginLinkHandler handles POST /wallet/link/begin.
func (s *WalletService) BeginLinkHandler(c *fiber.Ctx) error {
	identity := c.Locals("user_id").(string)

	nonce, err := s.BeginLink(identity)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create challenge"})
	}
	return c.JSON(fiber.Map{
		"nonce":   nonce,
		"message": challengePrefix + nonce,
	})
}

// CompleteLinkHandler handles POST /wallet/link/complete.
func (s *WalletService) CompleteLinkHandler(c *fiber.Ctx) error {
	identity := c.Locals("user_id").(string)

	var req struct {
		WalletAddress string `json:"wallet_address"`
		Signature     string `json:"signature"`
	}
	if err := c.BodyParser(&req); err != nil || req.Signature == "" || req.WalletAddress == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "wallet_address and signature are required"})
	}

	address, err := s.CompleteLink(identity, req.WalletAddress, req.Signature)
	if err != nil {
		return errJSON(c, err)
	}
	return c.JSON(fiber.Map{"wallet_address": address})
}

// GetLinkHandler handles GET /wallet/link.
func (s *WalletService) GetLinkHandler(c *fiber.Ctx) error {
	identity := c.Locals("user_id").(string)

	var link models.WalletLink
	if err := s.DB.First(&link, "identity_id = ?", identity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || link.WalletAddress == "" {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no wallet linked"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load link"})
	}
	if link.WalletAddress == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no wallet linked"})
	}
	return c.JSON(link)
}

// BeginLink issues a fresh single-use nonce for the identity, overwriting
// any prior pending challenge — only the most recent one is valid.
func (s *WalletService) BeginLink(identity string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce generation failed: %w", err)
	}
	nonce := hex.EncodeToString(buf)

	link := models.WalletLink{IdentityID: identity, PendingNonce: &nonce}
	if err := s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity_id"}},
		DoUpdates: clause.Assignments(map[string]any{"pending_nonce": nonce}),
	}).Create(&link).Error; err != nil {
		return "", err
	}
	return nonce, nil
}

// CompleteLink verifies signature over the identity's pending nonce, checks
// the recovered signer against the claimed walletAddress, stores it and
// consumes the nonce — all in one transaction, so the nonce can never be
// used twice. The address comparison is what actually binds the signature to
// this challenge: ecrecover yields *some* valid address for any well-formed
// signature, and only a signature by the claimed key over this exact nonce
// recovers the claimed address. Failure leaves state unchanged; the caller
// may retry.
func (s *WalletService) CompleteLink(identity, walletAddress, signature string) (string, error) {
	var address string
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var link models.WalletLink
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&link, "identity_id = ?", identity).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoPendingChallenge
		}
		if err != nil {
			return err
		}
		if link.PendingNonce == nil {
			return ErrNoPendingChallenge
		}

		recovered, err := RecoverSigner(challengePrefix+*link.PendingNonce, signature)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		if !strings.EqualFold(recovered, walletAddress) {
			return fmt.Errorf("%w: signature does not match the claimed wallet", ErrInvalidSignature)
		}
		address = recovered

		now := time.Now().UTC()
		return tx.Model(&link).Updates(map[string]any{
			"wallet_address": address,
			"pending_nonce":  nil,
			"linked_at":      now,
		}).Error
	})
	if err != nil {
		return "", err
	}

	log.Printf("✅ [WALLET] identity %s linked to %s", identity, address)
	return address, nil
}

// RecoverSigner recovers the EVM address that produced a
// personal-sign signature (65-byte r||s||v hex) over message.
func RecoverSigner(message, signature string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return "", fmt.Errorf("signature is not hex: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	v := sig[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return "", fmt.Errorf("invalid recovery id %d", sig[64])
	}

	// RecoverCompact wants the recovery flag first: [v || r || s].
	compact := make([]byte, 65)
	compact[0] = v
	copy(compact[1:], sig[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, personalHash(message))
	if err != nil {
		return "", fmt.Errorf("recovery failed: %w", err)
	}

	// Address = last 20 bytes of keccak256 of the uncompressed public key
	// without its 0x04 prefix.
	h := sha3.NewLegacyKeccak256()
	h.Write(pub.SerializeUncompressed()[1:])
	return "0x" + hex.EncodeToString(h.Sum(nil)[12:]), nil
}

// personalHash applies the EVM personal-message envelope before hashing, the
// same framing wallets use for eth_personalSign.
func personalHash(message string) []byte {
	h := sha3.NewLegacyKeccak256()
	fmt.Fprintf(h, "\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return h.Sum(nil)
}
