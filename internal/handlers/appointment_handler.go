package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/services"
)

type AppointmentHandler struct {
	service appointmentApplicationService
}

type appointmentApplicationService interface {
	EndAppointment(ctx context.Context, actorID, appointmentID int64) (*models.Appointment, error)
	GetSessionStatus(ctx context.Context, actorID, appointmentID int64) (*models.AppointmentSessionStatus, error)
}

func NewAppointmentHandler(service *services.AppointmentService) *AppointmentHandler {
	return &AppointmentHandler{service: service}
}

// EndAppointment is the legacy end endpoint. Session-backed appointments are
// answered with SESSION_BILLING_REQUIRED.
func (h *AppointmentHandler) EndAppointment(c *fiber.Ctx) error {
	userID, err := actor(c, models.RolePatient, models.RoleDoctor)
	if err != nil {
		return fail(c, err)
	}
	appointmentID, ok := parsePathID(c)
	if !ok {
		return respondError(c, fiber.StatusBadRequest, "Invalid appointment id")
	}

	appointment, err := h.service.EndAppointment(c.Context(), userID, appointmentID)
	if err != nil {
		return mapSessionError(c, err)
	}
	return respond(c, fiber.StatusOK, appointment)
}

func (h *AppointmentHandler) GetSessionStatus(c *fiber.Ctx) error {
	userID, err := actor(c, models.RolePatient, models.RoleDoctor)
	if err != nil {
		return fail(c, err)
	}
	appointmentID, ok := parsePathID(c)
	if !ok {
		return respondError(c, fiber.StatusBadRequest, "Invalid appointment id")
	}

	status, err := h.service.GetSessionStatus(c.Context(), userID, appointmentID)
	if err != nil {
		return mapSessionError(c, err)
	}
	return respond(c, fiber.StatusOK, status)
}
