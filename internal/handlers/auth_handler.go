package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/services"
	"github.com/saeid-a/DocAvailableBack/internal/session"
)

// AuthHandler serves the caller's own account. Tokens are issued elsewhere;
// this service only validates them.
type AuthHandler struct {
	service accountApplicationService
}

type accountApplicationService interface {
	GetAccount(ctx context.Context, userID int64) (*models.Account, error)
	SessionCharges(ctx context.Context, actorID int64, kind session.Kind, sessionID int64) ([]models.WalletTransaction, error)
}

func NewAuthHandler(service *services.AccountService) *AuthHandler {
	return &AuthHandler{service: service}
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	userID, err := actor(c)
	if err != nil {
		return fail(c, err)
	}

	account, err := h.service.GetAccount(c.Context(), userID)
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			return respondError(c, fiber.StatusNotFound, "User not found")
		}
		return respondError(c, fiber.StatusInternalServerError, "Failed to fetch user")
	}
	return respond(c, fiber.StatusOK, account)
}

func (h *AuthHandler) SessionCharges(kind session.Kind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := actor(c, models.RolePatient, models.RoleDoctor)
		if err != nil {
			return fail(c, err)
		}
		sessionID, ok := parsePathID(c)
		if !ok {
			return respondError(c, fiber.StatusBadRequest, "Invalid session id")
		}

		charges, err := h.service.SessionCharges(c.Context(), userID, kind, sessionID)
		if err != nil {
			return mapSessionError(c, err)
		}
		return respond(c, fiber.StatusOK, fiber.Map{"charges": charges, "units": len(charges)})
	}
}
