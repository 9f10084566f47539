// services/seat_service.go
package services

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"table-settlement-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SeatService owns seat occupancy and its real-time fan-out. All mutations
// for a table pass through the hub's writer role; the chain is never touched
// from here, so the writer is only ever held across store round trips.
type SeatService struct {
	DB  *gorm.DB
	Hub *SeatHub
}

func NewSeatService(db *gorm.DB, hub *SeatHub) *SeatService {
	return &SeatService{DB: db, Hub: hub}
}

// GetTable handles GET /tables/:id — table plus current seat array.
func (s *SeatService) GetTable(c *fiber.Ctx) error {
	var table models.Table
	if err := s.DB.Preload("Seats", func(db *gorm.DB) *gorm.DB {
		return db.Order("position ASC")
	}).First(&table, "id = ?", c.Params("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errJSON(c, ErrTableNotFound)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load table"})
	}

	views := make([]SeatView, len(table.Seats))
	for i := range table.Seats {
		views[i] = SeatView{
			Position:   table.Seats[i].Position,
			OccupantID: table.Seats[i].OccupantID,
			IsHost:     table.Seats[i].IsHost(&table),
		}
	}
	return c.JSON(fiber.Map{"table": table, "seats": views})
}

// ClaimSeat handles POST /tables/:id/seats/:position/claim.
func (s *SeatService) ClaimSeat(c *fiber.Ctx) error {
	identity := c.Locals("user_id").(string)
	position, err := strconv.Atoi(c.Params("position"))
	if err != nil || position < 0 || position >= models.SeatsPerTable {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid seat position"})
	}

	if err := s.Claim(c.Params("id"), position, identity); err != nil {
		return errJSON(c, err)
	}
	return c.JSON(fiber.Map{"claimed": true, "position": position})
}

// ReleaseSeat handles POST /tables/:id/seats/:position/release.
func (s *SeatService) ReleaseSeat(c *fiber.Ctx) error {
	identity := c.Locals("user_id").(string)
	position, err := strconv.Atoi(c.Params("position"))
	if err != nil || position < 0 || position >= models.SeatsPerTable {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid seat position"})
	}

	if err := s.Release(c.Params("id"), position, identity); err != nil {
		return errJSON(c, err)
	}
	return c.JSON(fiber.Map{"released": true, "position": position})
}

// Claim seats identity at position. Under concurrent claims for the same
// position exactly one caller wins; the rest observe ErrSeatTaken. The
// occupant flip is a conditional UPDATE, so even another instance that
// bypasses this hub cannot produce a double occupancy.
func (s *SeatService) Claim(tableID string, position int, identity string) error {
	return s.Hub.Mutate(tableID, func() (*SeatSnapshot, error) {
		table, err := s.openTable(tableID)
		if err != nil {
			return nil, err
		}

		rows, err := s.claimSeatRow(tableID, position, identity)
		if err != nil {
			return nil, fmt.Errorf("seat claim failed: %w", err)
		}
		if rows == 0 {
			// Either the seat is held or the table closed between the
			// status read and the flip; re-check to answer the right error.
			if _, err := s.openTable(tableID); err != nil {
				return nil, err
			}
			return nil, ErrSeatTaken
		}

		// Occupancy history is first-claim-wins per identity; replays after
		// a release are no-ops.
		occ := models.SeatOccupancy{
			ID:         uuid.NewString(),
			TableID:    tableID,
			IdentityID: identity,
			Position:   position,
		}
		if err := s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&occ).Error; err != nil {
			log.Printf("⚠️  [SEATS] occupancy record failed for %s@%s: %v", identity, tableID, err)
		}

		return s.snapshot(table)
	})
}

// Release frees a seat held by identity. Best-effort: racing a concurrent
// release is not an error worth surfacing beyond the conflict code.
func (s *SeatService) Release(tableID string, position int, identity string) error {
	return s.Hub.Mutate(tableID, func() (*SeatSnapshot, error) {
		table, err := s.openTable(tableID)
		if err != nil {
			return nil, err
		}

		rows, err := s.releaseSeatRow(tableID, position, identity)
		if err != nil {
			return nil, fmt.Errorf("seat release failed: %w", err)
		}
		if rows == 0 {
			if _, err := s.openTable(tableID); err != nil {
				return nil, err
			}
			return nil, ErrSeatNotHeld
		}

		return s.snapshot(table)
	})
}

// claimSeatRow flips the occupant with the open-table predicate folded into
// the same statement, so a claim racing the settlement finalize cannot land
// after the table closes.
func (s *SeatService) claimSeatRow(tableID string, position int, identity string) (int64, error) {
	res := s.DB.Model(&models.Seat{}).
		Where("table_id = ? AND position = ? AND occupant_id IS NULL", tableID, position).
		Where("EXISTS (SELECT 1 FROM tables WHERE tables.id = seats.table_id AND tables.status = ?)",
			models.TableStatusOpen).
		Update("occupant_id", identity)
	return res.RowsAffected, res.Error
}

func (s *SeatService) releaseSeatRow(tableID string, position int, identity string) (int64, error) {
	res := s.DB.Model(&models.Seat{}).
		Where("table_id = ? AND position = ? AND occupant_id = ?", tableID, position, identity).
		Where("EXISTS (SELECT 1 FROM tables WHERE tables.id = seats.table_id AND tables.status = ?)",
			models.TableStatusOpen).
		Update("occupant_id", nil)
	return res.RowsAffected, res.Error
}

func (s *SeatService) openTable(tableID string) (*models.Table, error) {
	var table models.Table
	if err := s.DB.First(&table, "id = ?", tableID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTableNotFound
		}
		return nil, err
	}
	if table.Status != models.TableStatusOpen {
		return nil, ErrTableClosed
	}
	return &table, nil
}

func (s *SeatService) snapshot(table *models.Table) (*SeatSnapshot, error) {
	var seats []models.Seat
	if err := s.DB.Where("table_id = ?", table.ID).Order("position ASC").Find(&seats).Error; err != nil {
		return nil, err
	}
	views := make([]SeatView, len(seats))
	for i := range seats {
		views[i] = SeatView{
			Position:   seats[i].Position,
			OccupantID: seats[i].OccupantID,
			IsHost:     seats[i].IsHost(table),
		}
	}
	return &SeatSnapshot{TableID: table.ID, Status: table.Status, Seats: views}, nil
}

// StreamSeats handles GET /tables/:id/seats/stream — an SSE stream of seat
// snapshots. Late subscribers get a fresh full snapshot first; client
// disconnect cancels the stream and releases the hub registration.
func (s *SeatService) StreamSeats(c *fiber.Ctx) error {
	tableID := c.Params("id")

	var table models.Table
	if err := s.DB.First(&table, "id = ?", tableID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errJSON(c, ErrTableNotFound)
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load table"})
	}

	// Make sure the hub can serve the initial snapshot even if no mutation
	// has been published since boot.
	if snap, err := s.snapshot(&table); err == nil {
		s.Hub.Prime(tableID, snap)
	}

	updates, cancel := s.Hub.Subscribe(tableID)

	// SSE headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	ctx := c.Context()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer s.Hub.Drop(tableID)

		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()

		// Initial keepalive (comment event)
		w.WriteString(":\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case snap, ok := <-updates:
				if !ok {
					// Dropped as a slow consumer; end the stream so the
					// client reconnects for fresh state.
					return
				}
				payload, _ := json.Marshal(snap)
				fmt.Fprintf(w, "event: seats\ndata: %s\n\n", payload)
				if err := w.Flush(); err != nil {
					// Client disconnected
					return
				}

			case <-keepalive.C:
				w.WriteString(":\n\n")
				if err := w.Flush(); err != nil {
					return
				}

			case <-ctx.Done():
				// Client closed connection
				return
			}
		}
	})

	return nil
}
