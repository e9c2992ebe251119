package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/DocAvailableBack/internal/billing"
	"github.com/saeid-a/DocAvailableBack/internal/models"
	"github.com/saeid-a/DocAvailableBack/internal/services"
	"github.com/saeid-a/DocAvailableBack/internal/session"
)

type SessionHandler struct {
	service sessionApplicationService
}

type sessionApplicationService interface {
	StartSession(ctx context.Context, patientID int64, input services.StartSessionInput) (*session.Session, error)
	GetSession(ctx context.Context, actorID int64, kind session.Kind, sessionID int64) (*session.Session, error)
	ActivateTextSession(ctx context.Context, doctorID, sessionID int64) (*session.Session, error)
	AnswerCall(ctx context.Context, doctorID, sessionID int64) (*session.Session, error)
	DeclineSession(ctx context.Context, doctorID int64, kind session.Kind, sessionID int64) (*session.Session, error)
	FailCall(ctx context.Context, actorID, sessionID int64, reason string) (*session.Session, error)
	EndSession(ctx context.Context, actorID int64, kind session.Kind, sessionID int64) (*models.SessionEndResult, error)
	CheckDoctorResponse(ctx context.Context, patientID, sessionID int64) (*models.DoctorResponseStatus, error)
}

func NewSessionHandler(service *services.SessionService) *SessionHandler {
	return &SessionHandler{service: service}
}

type startTextSessionRequest struct {
	DoctorID      int64  `json:"doctor_id" validate:"required,gt=0"`
	AppointmentID *int64 `json:"appointment_id" validate:"omitempty,gt=0"`
}

type startCallSessionRequest struct {
	DoctorID      int64  `json:"doctor_id" validate:"required,gt=0"`
	CallType      string `json:"call_type" validate:"required,oneof=voice video"`
	AppointmentID *int64 `json:"appointment_id" validate:"omitempty,gt=0"`
}

type failCallRequest struct {
	Reason string `json:"reason" validate:"max=64"`
}

func (h *SessionHandler) StartTextSession(c *fiber.Ctx) error {
	patientID, err := actor(c, models.RolePatient)
	if err != nil {
		return fail(c, err)
	}

	var req startTextSessionRequest
	if msg, ok := parseBody(c, &req); !ok {
		return respondError(c, fiber.StatusBadRequest, msg)
	}

	started, err := h.service.StartSession(c.Context(), patientID, services.StartSessionInput{
		Kind:          session.KindText,
		DoctorID:      req.DoctorID,
		Modality:      session.ModalityText,
		AppointmentID: req.AppointmentID,
	})
	if err != nil {
		return mapSessionError(c, err)
	}
	return respond(c, fiber.StatusCreated, started)
}

func (h *SessionHandler) StartCallSession(c *fiber.Ctx) error {
	patientID, err := actor(c, models.RolePatient)
	if err != nil {
		return fail(c, err)
	}

	var req startCallSessionRequest
	if msg, ok := parseBody(c, &req); !ok {
		return respondError(c, fiber.StatusBadRequest, msg)
	}

	started, err := h.service.StartSession(c.Context(), patientID, services.StartSessionInput{
		Kind:          session.KindCall,
		DoctorID:      req.DoctorID,
		Modality:      session.Modality(req.CallType),
		AppointmentID: req.AppointmentID,
	})
	if err != nil {
		return mapSessionError(c, err)
	}
	return respond(c, fiber.StatusCreated, started)
}

func (h *SessionHandler) GetSession(kind session.Kind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := actor(c, models.RolePatient, models.RoleDoctor)
		if err != nil {
			return fail(c, err)
		}
		sessionID, ok := parsePathID(c)
		if !ok {
			return respondError(c, fiber.StatusBadRequest, "Invalid session id")
		}

		current, err := h.service.GetSession(c.Context(), userID, kind, sessionID)
		if err != nil {
			return mapSessionError(c, err)
		}
		return respond(c, fiber.StatusOK, current)
	}
}

func (h *SessionHandler) ActivateTextSession(c *fiber.Ctx) error {
	doctorID, err := actor(c, models.RoleDoctor)
	if err != nil {
		return fail(c, err)
	}
	sessionID, ok := parsePathID(c)
	if !ok {
		return respondError(c, fiber.StatusBadRequest, "Invalid session id")
	}

	activated, err := h.service.ActivateTextSession(c.Context(), doctorID, sessionID)
	if err != nil {
		return mapSessionError(c, err)
	}
	return respond(c, fiber.StatusOK, activated)
}

func (h *SessionHandler) CheckDoctorResponse(c *fiber.Ctx) error {
	patientID, err := actor(c, models.RolePatient)
	if err != nil {
		return fail(c, err)
	}
	sessionID, ok := parsePathID(c)
	if !ok {
		return respondError(c, fiber.StatusBadRequest, "Invalid session id")
	}

	status, err := h.service.CheckDoctorResponse(c.Context(), patientID, sessionID)
	if err != nil {
		return mapSessionError(c, err)
	}
	return respond(c, fiber.StatusOK, status)
}

func (h *SessionHandler) AnswerCall(c *fiber.Ctx) error {
	doctorID, err := actor(c, models.RoleDoctor)
	if err != nil {
		return fail(c, err)
	}
	sessionID, ok := parsePathID(c)
	if !ok {
		return respondError(c, fiber.StatusBadRequest, "Invalid session id")
	}

	answered, err := h.service.AnswerCall(c.Context(), doctorID, sessionID)
	if err != nil {
		return mapSessionError(c, err)
	}
	return respond(c, fiber.StatusOK, answered)
}

func (h *SessionHandler) DeclineSession(kind session.Kind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		doctorID, err := actor(c, models.RoleDoctor)
		if err != nil {
			return fail(c, err)
		}
		sessionID, ok := parsePathID(c)
		if !ok {
			return respondError(c, fiber.StatusBadRequest, "Invalid session id")
		}

		declined, err := h.service.DeclineSession(c.Context(), doctorID, kind, sessionID)
		if err != nil {
			return mapSessionError(c, err)
		}
		return respond(c, fiber.StatusOK, declined)
	}
}

func (h *SessionHandler) FailCall(c *fiber.Ctx) error {
	userID, err := actor(c, models.RolePatient, models.RoleDoctor)
	if err != nil {
		return fail(c, err)
	}
	sessionID, ok := parsePathID(c)
	if !ok {
		return respondError(c, fiber.StatusBadRequest, "Invalid session id")
	}

	var req failCallRequest
	if msg, ok := parseBody(c, &req); !ok {
		return respondError(c, fiber.StatusBadRequest, msg)
	}

	failed, err := h.service.FailCall(c.Context(), userID, sessionID, strings.TrimSpace(req.Reason))
	if err != nil {
		return mapSessionError(c, err)
	}
	return respond(c, fiber.StatusOK, failed)
}

func (h *SessionHandler) EndSession(kind session.Kind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := actor(c, models.RolePatient, models.RoleDoctor)
		if err != nil {
			return fail(c, err)
		}
		sessionID, ok := parsePathID(c)
		if !ok {
			return respondError(c, fiber.StatusBadRequest, "Invalid session id")
		}

		result, err := h.service.EndSession(c.Context(), userID, kind, sessionID)
		if err != nil {
			return mapSessionError(c, err)
		}
		return respond(c, fiber.StatusOK, result)
	}
}

func mapSessionError(c *fiber.Ctx, err error) error {
	var guardErr *billing.GuardrailError
	switch {
	case errors.As(err, &guardErr):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"code":    guardErr.Code,
			"message": "This appointment is billed through its session; end the session instead",
		})
	case errors.Is(err, services.ErrInvalidInput):
		return respondError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrNoSubscription):
		return respondError(c, fiber.StatusPaymentRequired, "No active subscription")
	case errors.Is(err, services.ErrInsufficientQuota):
		return respondError(c, fiber.StatusPaymentRequired, "No sessions remaining for this consultation type")
	case errors.Is(err, services.ErrForbidden):
		return respondError(c, fiber.StatusForbidden, "Forbidden")
	case errors.Is(err, services.ErrAppointmentLinked):
		return respondError(c, fiber.StatusConflict, "Appointment is closed or already has a session")
	case errors.Is(err, services.ErrConflict):
		return respondError(c, fiber.StatusConflict, "An open session with this doctor already exists")
	case errors.Is(err, services.ErrInvalidStateTransition):
		return respondError(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, services.ErrDoctorNotFound):
		return respondError(c, fiber.StatusNotFound, "Doctor not found")
	case errors.Is(err, services.ErrAppointmentNotFound):
		return respondError(c, fiber.StatusNotFound, "Appointment not found")
	case errors.Is(err, services.ErrSessionNotFound), errors.Is(err, pgx.ErrNoRows):
		return respondError(c, fiber.StatusNotFound, "Session not found")
	default:
		return respondError(c, fiber.StatusInternalServerError, "Failed to process session request")
	}
}
