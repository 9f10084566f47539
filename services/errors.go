// services/errors.go
package services

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// Reason codes surfaced to the presentation layer. Validation and conflict
// errors return immediately; chain errors come back distinguishable from
// success; a store failure after a confirmed payout is never reported as a
// failed settlement (the chain effect is already a fact).
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotHost            = errors.New("caller is not the table host")
	ErrTableNotFound      = errors.New("table not found")
	ErrTableClosed        = errors.New("table closed")
	ErrSeatTaken          = errors.New("seat taken")
	ErrSeatNotHeld        = errors.New("seat not held by caller")
	ErrAlreadySettled     = errors.New("already settled")
	ErrSettlementPending  = errors.New("settlement in flight")
	ErrProvisioningFailed = errors.New("provisioning failed")
	ErrSettlementFailed   = errors.New("settlement failed")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrNoPendingChallenge = errors.New("no pending challenge")
)

// statusFor maps a service error onto an HTTP status. Anything unmapped is a
// 500 so persistence faults never masquerade as client mistakes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, ErrNotHost):
		return fiber.StatusForbidden
	case errors.Is(err, ErrTableNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, ErrSeatTaken),
		errors.Is(err, ErrTableClosed),
		errors.Is(err, ErrAlreadySettled),
		errors.Is(err, ErrSettlementPending),
		errors.Is(err, ErrSeatNotHeld):
		return fiber.StatusConflict
	case errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrNoPendingChallenge):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, ErrProvisioningFailed),
		errors.Is(err, ErrSettlementFailed):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

func errJSON(c *fiber.Ctx, err error) error {
	return c.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
}
