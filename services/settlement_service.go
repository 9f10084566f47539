// services/settlement_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"table-settlement-system/chain"
	"table-settlement-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettlementService executes the one-shot end-of-game payout. The two sides
// of the operation cannot be rolled back together: once the chain call is
// confirmed the payout is a fact, and the store bookkeeping is retried to
// convergence (keyed by the confirmed tx hash) rather than ever resubmitting
// the chain call.
type SettlementService struct {
	DB      *gorm.DB
	Gateway chain.Gateway
	Hub     *SeatHub

	FinalizeRetries int
	RetryDelay      time.Duration
}

func NewSettlementService(db *gorm.DB, gw chain.Gateway, hub *SeatHub) *SettlementService {
	return &SettlementService{
		DB:              db,
		Gateway:         gw,
		Hub:             hub,
		FinalizeRetries: 3,
		RetryDelay:      500 * time.Millisecond,
	}
}

type settleRequest struct {
	Winners []string          `json:"winners"`
	Shares  []decimal.Decimal `json:"shares"`
}

// SettleResult distinguishes "payout confirmed, books closed" from "payout
// confirmed, books still catching up". Both are success to the caller.
type SettleResult struct {
	TxHash             string `json:"tx_hash"`
	BookkeepingPending bool   `json:"bookkeeping_pending"`
}

// SubmitSettlement handles POST /tables/:id/settle. Host-only.
func (s *SettlementService) SubmitSettlement(c *fiber.Ctx) error {
	callerID := c.Locals("user_id").(string)

	var req settleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}

	result, err := s.Settle(c.Context(), c.Params("id"), callerID, req.Winners, req.Shares)
	if err != nil {
		return errJSON(c, err)
	}

	status := fiber.StatusOK
	if result.BookkeepingPending {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(fiber.Map{
		"settled":             true,
		"tx_hash":             result.TxHash,
		"bookkeeping_pending": result.BookkeepingPending,
	})
}

// Settle validates, submits the payout and finalizes the store. Strictly
// one-shot per table: a Settled table always answers ErrAlreadySettled, and
// an attempt still waiting on confirmation answers ErrSettlementPending
// instead of risking a double payout.
func (s *SettlementService) Settle(ctx context.Context, tableID, callerID string, winners []string, shares []decimal.Decimal) (*SettleResult, error) {
	table, err := s.loadForSettlement(tableID, callerID)
	if err != nil {
		return nil, err
	}
	if err := s.validate(table, winners, shares); err != nil {
		return nil, err
	}

	winnersJSON, sharesJSON, err := encodePayout(winners, shares)
	if err != nil {
		return nil, err
	}

	// In-flight guard: the unique TableID index admits exactly one attempt
	// row per table, across all instances.
	attempt := &models.SettlementAttempt{
		ID:          uuid.NewString(),
		TableID:     table.ID,
		WinnersJSON: winnersJSON,
		SharesJSON:  sharesJSON,
		Status:      models.AttemptStatusSubmitted,
	}
	if err := s.DB.Create(attempt).Error; err != nil {
		return s.resumeExisting(table)
	}

	// The attempt id doubles as the chain idempotency key: if the outcome of
	// this call is ever lost, replaying under the same key cannot produce a
	// second payout.
	receipt, err := s.Gateway.Call(ctx, attempt.ID, table.EscrowAddress, "endGame", fiber.Map{
		"winners": winners,
		"shares":  decimalStrings(shares),
	})
	if err != nil {
		return s.handleChainFailure(table, attempt, receipt, err)
	}

	if err := s.DB.Model(attempt).Updates(map[string]any{
		"tx_hash": receipt.TxHash,
		"status":  models.AttemptStatusChainConfirmed,
	}).Error; err != nil {
		// Funds moved; the attempt row still says submitted. The reconciler
		// re-polls the receipt and picks the finalize up from there.
		log.Printf("❌ [SETTLE] confirmed tx %s but attempt update failed: %v", receipt.TxHash, err)
		return &SettleResult{TxHash: receipt.TxHash, BookkeepingPending: true}, nil
	}

	if err := s.finalizeWithRetry(table.ID, receipt.TxHash, winnersJSON, sharesJSON); err != nil {
		// Never reported as failure: the payout is confirmed. The
		// reconciler keeps retrying until the books converge.
		log.Printf("❌ [SETTLE] finalize pending for table %s (tx %s): %v", table.ID, receipt.TxHash, err)
		return &SettleResult{TxHash: receipt.TxHash, BookkeepingPending: true}, nil
	}

	log.Printf("✅ [SETTLE] table %s settled, tx %s", table.ID, receipt.TxHash)
	return &SettleResult{TxHash: receipt.TxHash}, nil
}

func (s *SettlementService) loadForSettlement(tableID, callerID string) (*models.Table, error) {
	var table models.Table
	if err := s.DB.First(&table, "id = ?", tableID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTableNotFound
		}
		return nil, err
	}
	if table.Status == models.TableStatusSettled {
		return nil, ErrAlreadySettled
	}
	// settlement_failed stays retriable; only Settled is terminal.
	if callerID != "" && table.CreatorID != callerID {
		return nil, ErrNotHost
	}
	return &table, nil
}

func (s *SettlementService) validate(table *models.Table, winners []string, shares []decimal.Decimal) error {
	if len(winners) == 0 {
		return fmt.Errorf("%w: winners must not be empty", ErrValidation)
	}
	if len(winners) != len(shares) {
		return fmt.Errorf("%w: winners and shares must have the same length", ErrValidation)
	}

	total := decimal.Zero
	for _, share := range shares {
		if share.IsNegative() {
			return fmt.Errorf("%w: shares must be non-negative", ErrValidation)
		}
		total = total.Add(share)
	}

	var seated []string
	if err := s.DB.Model(&models.SeatOccupancy{}).
		Where("table_id = ?", table.ID).
		Distinct().Pluck("identity_id", &seated).Error; err != nil {
		return err
	}
	seatedSet := make(map[string]struct{}, len(seated))
	for _, id := range seated {
		seatedSet[id] = struct{}{}
	}
	for _, w := range winners {
		if _, ok := seatedSet[w]; !ok {
			return fmt.Errorf("%w: winner %s never occupied a seat at this table", ErrValidation, w)
		}
	}

	// Collected pool: buy-in per identity ever seated. Conservative N-seat
	// cap only if the occupancy history is somehow empty.
	occupied := int64(len(seated))
	if occupied == 0 {
		occupied = models.SeatsPerTable
	}
	pool := table.BuyIn.Mul(decimal.NewFromInt(occupied))
	if total.GreaterThan(pool) {
		return fmt.Errorf("%w: payout %s exceeds collected pool %s", ErrValidation, total, pool)
	}
	return nil
}

// resumeExisting handles a Settle call that lost the attempt-row race: a
// chain_confirmed attempt gets its finalize retried (same tx hash, never a
// second chain call); a submitted one is still waiting on confirmation.
func (s *SettlementService) resumeExisting(table *models.Table) (*SettleResult, error) {
	var existing models.SettlementAttempt
	if err := s.DB.Where("table_id = ?", table.ID).First(&existing).Error; err != nil {
		return nil, fmt.Errorf("%w: attempt lookup: %v", ErrSettlementFailed, err)
	}

	switch existing.Status {
	case models.AttemptStatusFinalized:
		return nil, ErrAlreadySettled
	case models.AttemptStatusChainConfirmed:
		if err := s.finalizeWithRetry(table.ID, existing.TxHash, existing.WinnersJSON, existing.SharesJSON); err != nil {
			return &SettleResult{TxHash: existing.TxHash, BookkeepingPending: true}, nil
		}
		return &SettleResult{TxHash: existing.TxHash}, nil
	default:
		return nil, ErrSettlementPending
	}
}

func (s *SettlementService) handleChainFailure(table *models.Table, attempt *models.SettlementAttempt, receipt *chain.Receipt, callErr error) (*SettleResult, error) {
	switch {
	case errors.Is(callErr, chain.ErrTimeout):
		// The transaction may still land. Keep the attempt as the in-flight
		// marker (with the hash when we have one) and let the reconciler
		// resolve it; a retry meanwhile answers ErrSettlementPending.
		if receipt != nil && receipt.TxHash != "" {
			s.DB.Model(attempt).Update("tx_hash", receipt.TxHash)
		}
		log.Printf("⚠️  [SETTLE] confirmation timeout for table %s, attempt parked", table.ID)
		return nil, fmt.Errorf("%w: confirmation timed out", ErrSettlementPending)

	case errors.Is(callErr, chain.ErrReverted):
		// Terminal on-chain rejection: no funds moved, table stays as it
		// was, retry with corrected inputs is permitted.
		s.DB.Delete(attempt)
		log.Printf("❌ [SETTLE] payout reverted for table %s: %v", table.ID, callErr)
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, callErr)

	default:
		// Transport failure before submission; safe to clear and retry.
		s.DB.Delete(attempt)
		log.Printf("❌ [SETTLE] chain call failed for table %s: %v", table.ID, callErr)
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, callErr)
	}
}

func (s *SettlementService) finalizeWithRetry(tableID, txHash, winnersJSON, sharesJSON string) error {
	var lastErr error
	for attempt := 0; attempt <= s.FinalizeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.RetryDelay)
		}
		lastErr = s.Finalize(tableID, txHash, winnersJSON, sharesJSON)
		if lastErr == nil {
			return nil
		}
		log.Printf("⚠️  [SETTLE] finalize attempt %d failed for table %s: %v", attempt+1, tableID, lastErr)
	}
	return lastErr
}

// Finalize applies the post-confirmation store update as one transaction:
// status flip, settlement record, leaderboard deltas, attempt closure.
// Idempotent by tx hash — replaying after a partial failure converges to a
// single record and a single set of deltas, never duplicates.
func (s *SettlementService) Finalize(tableID, txHash, winnersJSON, sharesJSON string) error {
	winners, shares, err := decodePayout(winnersJSON, sharesJSON)
	if err != nil {
		return err
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		var table models.Table
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&table, "id = ?", tableID).Error; err != nil {
			return err
		}
		if table.Status == models.TableStatusSettled {
			// A previous finalize already landed in full.
			return nil
		}

		total := decimal.Zero
		for _, share := range shares {
			total = total.Add(share)
		}

		record := models.SettlementRecord{
			ID:          uuid.NewString(),
			TableID:     tableID,
			WinnersJSON: winnersJSON,
			SharesJSON:  sharesJSON,
			TotalPaid:   total,
			TxHash:      txHash,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}

		if err := tx.Model(&table).Update("status", models.TableStatusSettled).Error; err != nil {
			return err
		}

		for i, winner := range winners {
			var entry models.LeaderboardEntry
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&entry, "identity_id = ?", winner).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				entry = models.LeaderboardEntry{
					IdentityID:  winner,
					TotalProfit: shares[i],
					GamesPlayed: 1,
				}
				if err := tx.Create(&entry).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				if err := tx.Model(&entry).Updates(map[string]any{
					"total_profit": entry.TotalProfit.Add(shares[i]),
					"games_played": entry.GamesPlayed + 1,
				}).Error; err != nil {
					return err
				}
			}
		}

		return tx.Model(&models.SettlementAttempt{}).
			Where("table_id = ?", tableID).
			Update("status", models.AttemptStatusFinalized).Error
	})
	if err != nil {
		return err
	}

	// Observers watching the seat stream learn the table is closed through
	// one final snapshot.
	s.publishClosed(tableID)
	return nil
}

func (s *SettlementService) publishClosed(tableID string) {
	if s.Hub == nil {
		return
	}
	_ = s.Hub.Mutate(tableID, func() (*SeatSnapshot, error) {
		var table models.Table
		if err := s.DB.First(&table, "id = ?", tableID).Error; err != nil {
			return nil, nil
		}
		var seats []models.Seat
		if err := s.DB.Where("table_id = ?", tableID).Order("position ASC").Find(&seats).Error; err != nil {
			return nil, nil
		}
		views := make([]SeatView, len(seats))
		for i := range seats {
			views[i] = SeatView{
				Position:   seats[i].Position,
				OccupantID: seats[i].OccupantID,
				IsHost:     seats[i].IsHost(&table),
			}
		}
		return &SeatSnapshot{TableID: table.ID, Status: table.Status, Seats: views}, nil
	})
}

// ResubmitAttempt replays a parked attempt whose submission outcome was lost
// before a tx hash came back. The attempt id is the idempotency key the
// original call went out under, so the signer either answers with the
// already-submitted transaction's receipt or submits exactly once — never a
// second payout.
func (s *SettlementService) ResubmitAttempt(ctx context.Context, attempt *models.SettlementAttempt) error {
	var table models.Table
	if err := s.DB.First(&table, "id = ?", attempt.TableID).Error; err != nil {
		return err
	}
	winners, shares, err := decodePayout(attempt.WinnersJSON, attempt.SharesJSON)
	if err != nil {
		return err
	}

	receipt, err := s.Gateway.Call(ctx, attempt.ID, table.EscrowAddress, "endGame", fiber.Map{
		"winners": winners,
		"shares":  decimalStrings(shares),
	})
	switch {
	case err == nil:
		if err := s.DB.Model(attempt).Updates(map[string]any{
			"tx_hash": receipt.TxHash,
			"status":  models.AttemptStatusChainConfirmed,
		}).Error; err != nil {
			return err
		}
		return s.Finalize(attempt.TableID, receipt.TxHash, attempt.WinnersJSON, attempt.SharesJSON)

	case errors.Is(err, chain.ErrReverted):
		return s.MarkFailed(attempt.TableID)

	case errors.Is(err, chain.ErrTimeout):
		// At least the hash may be known now; park it for the receipt
		// re-poll.
		if receipt != nil && receipt.TxHash != "" {
			s.DB.Model(attempt).Update("tx_hash", receipt.TxHash)
		}
		return err

	default:
		return err
	}
}

// MarkFailed flips a table to settlement_failed after an async attempt
// resolved to a revert. The table stays settleable (only Settled is
// terminal) but seat mutation remains closed.
func (s *SettlementService) MarkFailed(tableID string) error {
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Table{}).
			Where("id = ? AND status = ?", tableID, models.TableStatusOpen).
			Update("status", models.TableStatusSettlementFailed).Error; err != nil {
			return err
		}
		return tx.Where("table_id = ?", tableID).Delete(&models.SettlementAttempt{}).Error
	})
	if err != nil {
		return err
	}
	s.publishClosed(tableID)
	return nil
}

func encodePayout(winners []string, shares []decimal.Decimal) (string, string, error) {
	w, err := json.Marshal(winners)
	if err != nil {
		return "", "", err
	}
	sh, err := json.Marshal(shares)
	if err != nil {
		return "", "", err
	}
	return string(w), string(sh), nil
}

func decodePayout(winnersJSON, sharesJSON string) ([]string, []decimal.Decimal, error) {
	var winners []string
	if err := json.Unmarshal([]byte(winnersJSON), &winners); err != nil {
		return nil, nil, fmt.Errorf("bad winners payload: %w", err)
	}
	var shares []decimal.Decimal
	if err := json.Unmarshal([]byte(sharesJSON), &shares); err != nil {
		return nil, nil, fmt.Errorf("bad shares payload: %w", err)
	}
	return winners, shares, nil
}

func decimalStrings(shares []decimal.Decimal) []string {
	out := make([]string, len(shares))
	for i := range shares {
		out[i] = shares[i].String()
	}
	return out
}
