// workers/reconcile_worker.go
package workers

import (
	"context"
	"errors"
	"log"
	"time"

	"table-settlement-system/chain"
	"table-settlement-system/models"
	"table-settlement-system/services"
	"table-settlement-system/utils"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"
)

// Reconciler is the background convergence loop for the two-plane state:
// it pushes stuck post-payout bookkeeping through, resolves payouts whose
// confirmation wait timed out, and ships audit records to the archive
// bucket. A confirmed chain effect is never dropped — only retried.
type Reconciler struct {
	DB         *gorm.DB
	Gateway    chain.Gateway
	Settlement *services.SettlementService

	// StuckAfter is how long a chain_confirmed attempt may sit before the
	// sweep retries its finalize.
	StuckAfter time.Duration
	// SubmittedAfter is how long a submitted attempt may wait before its
	// receipt is re-polled.
	SubmittedAfter time.Duration

	sched gocron.Scheduler
}

func NewReconciler(db *gorm.DB, gw chain.Gateway, settlement *services.SettlementService) *Reconciler {
	return &Reconciler{
		DB:             db,
		Gateway:        gw,
		Settlement:     settlement,
		StuckAfter:     30 * time.Second,
		SubmittedAfter: 2 * time.Minute,
	}
}

// Start registers the sweeps and runs them until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	sched, _ := gocron.NewScheduler()
	r.sched = sched

	_, _ = sched.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(r.RetryStuckFinalizes),
	)
	_, _ = sched.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(func() { r.ResolveSubmitted(ctx) }),
	)
	_, _ = sched.NewJob(
		gocron.DurationJob(5*time.Minute),
		gocron.NewTask(r.ArchiveAuditRecords),
	)

	sched.Start()
	log.Println("✅ Reconciler running (finalize retry 30s, receipt re-poll 30s, archive 5m)")

	go func() {
		<-ctx.Done()
		_ = sched.Shutdown()
		log.Println("Reconciler stopped.")
	}()
}

// RetryStuckFinalizes drives chain_confirmed attempts to finalized. These
// represent funds already moved on-chain with bookkeeping not yet caught up,
// so they are retried every sweep until they land.
func (r *Reconciler) RetryStuckFinalizes() {
	cutoff := time.Now().Add(-r.StuckAfter)

	var attempts []models.SettlementAttempt
	if err := r.DB.Where("status = ? AND updated_at < ?", models.AttemptStatusChainConfirmed, cutoff).
		Find(&attempts).Error; err != nil {
		log.Printf("[Reconciler] stuck-finalize query failed: %v", err)
		return
	}

	for _, a := range attempts {
		if err := r.Settlement.Finalize(a.TableID, a.TxHash, a.WinnersJSON, a.SharesJSON); err != nil {
			log.Printf("[Reconciler] finalize still failing for table %s (tx %s): %v", a.TableID, a.TxHash, err)
			continue
		}
		log.Printf("✅ [Reconciler] converged bookkeeping for table %s (tx %s)", a.TableID, a.TxHash)
	}
}

// ResolveSubmitted re-polls receipts for attempts whose original wait timed
// out. Confirmation promotes the attempt and finalizes; a revert frees the
// table for another settlement attempt.
func (r *Reconciler) ResolveSubmitted(ctx context.Context) {
	cutoff := time.Now().Add(-r.SubmittedAfter)

	var attempts []models.SettlementAttempt
	if err := r.DB.Where("status = ? AND updated_at < ?", models.AttemptStatusSubmitted, cutoff).
		Find(&attempts).Error; err != nil {
		log.Printf("[Reconciler] submitted-attempt query failed: %v", err)
		return
	}

	for _, a := range attempts {
		if a.TxHash == "" {
			// Submission outcome unknown: the call may have reached the
			// signer and the payout may still confirm. Replay under the
			// attempt's idempotency key — the signer dedupes, so this
			// resolves the attempt without ever paying twice.
			if err := r.Settlement.ResubmitAttempt(ctx, &a); err != nil {
				log.Printf("[Reconciler] resubmission unresolved for table %s: %v", a.TableID, err)
			} else {
				log.Printf("✅ [Reconciler] resubmission resolved attempt for table %s", a.TableID)
			}
			continue
		}

		receipt, err := r.Gateway.WaitForReceipt(ctx, a.TxHash)
		switch {
		case err == nil && receipt.Status == chain.ReceiptStatusSuccess:
			if err := r.DB.Model(&a).Update("status", models.AttemptStatusChainConfirmed).Error; err != nil {
				log.Printf("[Reconciler] promote failed for table %s: %v", a.TableID, err)
				continue
			}
			if err := r.Settlement.Finalize(a.TableID, a.TxHash, a.WinnersJSON, a.SharesJSON); err != nil {
				log.Printf("[Reconciler] finalize deferred for table %s: %v", a.TableID, err)
			} else {
				log.Printf("✅ [Reconciler] late confirmation settled table %s (tx %s)", a.TableID, a.TxHash)
			}

		case errors.Is(err, chain.ErrReverted):
			if err := r.Settlement.MarkFailed(a.TableID); err != nil {
				log.Printf("[Reconciler] mark-failed error for table %s: %v", a.TableID, err)
				continue
			}
			log.Printf("❌ [Reconciler] payout reverted for table %s, settlement may be retried", a.TableID)

		default:
			// Still pending or unreachable; try again next sweep.
			log.Printf("[Reconciler] receipt for table %s not resolvable yet: %v", a.TableID, err)
		}
	}
}

// ArchiveAuditRecords ships orphaned escrows and finalized settlement
// records to the R2 audit bucket. Skipped entirely when the archiver is not
// configured.
func (r *Reconciler) ArchiveAuditRecords() {
	if !utils.ArchiverEnabled() {
		return
	}
	now := time.Now().UTC()

	var orphans []models.OrphanedEscrow
	if err := r.DB.Where("archived_at IS NULL").Find(&orphans).Error; err == nil {
		for _, o := range orphans {
			if _, err := utils.ArchiveJSON("orphans/"+o.EscrowAddress+".json", o); err != nil {
				log.Printf("[Reconciler] orphan archive failed for %s: %v", o.EscrowAddress, err)
				continue
			}
			r.DB.Model(&o).Update("archived_at", now)
		}
	}

	var records []models.SettlementRecord
	if err := r.DB.Where("archived_at IS NULL").Find(&records).Error; err == nil {
		for _, rec := range records {
			if _, err := utils.ArchiveJSON("settlements/"+rec.TableID+".json", rec); err != nil {
				log.Printf("[Reconciler] settlement archive failed for table %s: %v", rec.TableID, err)
				continue
			}
			r.DB.Model(&rec).Update("archived_at", now)
		}
	}
}
