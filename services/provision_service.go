// services/provision_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"table-settlement-system/chain"
	"table-settlement-system/models"
	"table-settlement-system/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ProvisionService creates tables: a two-phase commit across the chain
// (escrow deployment) and the store (table + seat rows). The chain side goes
// first — a table row must never exist without a confirmed escrow address.
type ProvisionService struct {
	DB      *gorm.DB
	Gateway chain.Gateway

	// StoreRetries bounds the post-confirmation store writes before the
	// deployed contract is declared orphaned.
	StoreRetries int
	RetryDelay   time.Duration
}

func NewProvisionService(db *gorm.DB, gw chain.Gateway) *ProvisionService {
	return &ProvisionService{
		DB:           db,
		Gateway:      gw,
		StoreRetries: 3,
		RetryDelay:   500 * time.Millisecond,
	}
}

type createTableRequest struct {
	Name      string          `json:"name"`
	BuyIn     decimal.Decimal `json:"buy_in"`
	Token     string          `json:"token"`
	RequestID string          `json:"request_id"` // client-supplied idempotency key
}

// CreateTable handles POST /tables.
func (s *ProvisionService) CreateTable(c *fiber.Ctx) error {
	creatorID := c.Locals("user_id").(string)

	var req createTableRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "name is required"})
	}
	if !req.BuyIn.IsPositive() {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "buy_in must be positive"})
	}
	switch req.Token {
	case models.TokenETH, models.TokenUSDC, models.TokenSOL:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unsupported token"})
	}
	if req.RequestID == "" {
		req.RequestID = c.Get("X-Idempotency-Key")
	}
	if req.RequestID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "request_id is required"})
	}

	table, err := s.Provision(c.Context(), req.Name, req.BuyIn, req.Token, creatorID, req.RequestID)
	if err != nil {
		return errJSON(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"table_id":       table.ID,
		"escrow_address": table.EscrowAddress,
		"join_slug":      table.JoinSlug,
		"status":         table.Status,
	})
}

// Provision deploys the escrow and persists the table. Idempotent by
// requestID: a retry after a confirmed deployment converges to the existing
// row instead of deploying a second contract.
func (s *ProvisionService) Provision(ctx context.Context, name string, buyIn decimal.Decimal, token, creatorID, requestID string) (*models.Table, error) {
	// Replayed request: the first attempt already got a contract confirmed
	// and a row written.
	if existing, err := s.byRequestID(requestID); err == nil {
		return existing, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	receipt, err := s.Gateway.Deploy(ctx, requestID, token, buyIn.String())
	if err != nil {
		log.Printf("❌ [PROVISION] deploy failed for request %s: %v", requestID, err)
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}
	if receipt.ContractAddress == "" {
		return nil, fmt.Errorf("%w: confirmed receipt carried no contract address", ErrProvisioningFailed)
	}

	table := &models.Table{
		ID:                 uuid.NewString(),
		Name:               name,
		JoinSlug:           slug.Make(name),
		BuyIn:              buyIn,
		Token:              token,
		CreatorID:          creatorID,
		EscrowAddress:      receipt.ContractAddress,
		ProvisionRequestID: requestID,
		Status:             models.TableStatusOpen,
	}

	var lastErr error
	for attempt := 0; attempt <= s.StoreRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.RetryDelay)
		}
		lastErr = s.writeTable(table)
		if lastErr == nil {
			log.Printf("✅ [PROVISION] table %s open at escrow %s", table.ID, table.EscrowAddress)
			return table, nil
		}
		// A concurrent retry of the same request may have won the race on
		// the unique request id — that is convergence, not failure. This
		// call's own deployment lost, so its contract address must be kept
		// as an orphan before converging.
		if existing, err := s.byRequestID(requestID); err == nil {
			if existing.EscrowAddress != table.EscrowAddress {
				s.recordOrphan(table, fmt.Errorf("lost provision race to table %s", existing.ID))
			}
			return existing, nil
		}
		log.Printf("⚠️  [PROVISION] store write attempt %d failed for table %s: %v", attempt+1, table.ID, lastErr)
	}

	// The contract exists on-chain but the table row never landed. Record
	// the orphan for manual reconciliation; one orphaned escrow is an
	// acceptable degraded outcome, a second contract for the same logical
	// table is not.
	s.recordOrphan(table, lastErr)
	return nil, fmt.Errorf("%w: store write exhausted after confirmed deployment: %v", ErrProvisioningFailed, lastErr)
}

func (s *ProvisionService) byRequestID(requestID string) (*models.Table, error) {
	var t models.Table
	if err := s.DB.Where("provision_request_id = ?", requestID).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// writeTable persists the table and its fixed seat array in one transaction.
func (s *ProvisionService) writeTable(table *models.Table) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(table).Error; err != nil {
			return err
		}
		seats := make([]models.Seat, models.SeatsPerTable)
		for i := range seats {
			seats[i] = models.Seat{
				ID:       uuid.NewString(),
				TableID:  table.ID,
				Position: i,
			}
		}
		return tx.Create(&seats).Error
	})
}

func (s *ProvisionService) recordOrphan(table *models.Table, cause error) {
	orphan := &models.OrphanedEscrow{
		ID:                 uuid.NewString(),
		EscrowAddress:      table.EscrowAddress,
		ProvisionRequestID: table.ProvisionRequestID,
		Token:              table.Token,
		BuyIn:              table.BuyIn,
		Reason:             fmt.Sprintf("table write failed: %v", cause),
	}
	if err := s.DB.Create(orphan).Error; err != nil {
		// Store is down hard. Last resort: push the orphan record to the
		// audit bucket so the address is never lost.
		log.Printf("❌ [PROVISION] could not record orphaned escrow %s: %v", table.EscrowAddress, err)
		if key, aerr := utils.ArchiveJSON("orphans/"+orphan.EscrowAddress+".json", orphan); aerr != nil {
			log.Printf("❌ [PROVISION] orphan archive also failed for %s: %v", table.EscrowAddress, aerr)
		} else {
			log.Printf("📦 [PROVISION] orphaned escrow %s archived at %s", table.EscrowAddress, key)
		}
		return
	}
	log.Printf("⚠️  [PROVISION] recorded orphaned escrow %s for manual reconciliation", table.EscrowAddress)
}
