package routes

import (
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/saeid-a/DocAvailableBack/internal/bootstrap"
	"github.com/saeid-a/DocAvailableBack/internal/config"
	"github.com/saeid-a/DocAvailableBack/internal/handlers"
	"github.com/saeid-a/DocAvailableBack/internal/middleware"
	"github.com/saeid-a/DocAvailableBack/internal/queue"
	"github.com/saeid-a/DocAvailableBack/internal/services"
	"github.com/saeid-a/DocAvailableBack/internal/session"
	sessionws "github.com/saeid-a/DocAvailableBack/internal/websocket"
	"go.uber.org/zap"
)

// RegisterRoutes mounts the API. When the fallback poller is enabled it is
// installed ahead of every route and returned so the caller can wait for
// an in-flight drain on shutdown.
func RegisterRoutes(app *fiber.App, cfg *config.Config, deps *bootstrap.Components, hub *sessionws.Hub, logger *zap.Logger) *queue.Poller {
	var poller *queue.Poller
	if cfg.QueueFallbackPoller {
		poller = queue.NewPoller(deps.Executor, cfg.QueuePollerInterval, cfg.QueuePollerBatch, cfg.QueueJobTimeout, logger.Named("poller"))
		app.Use(poller.Middleware())
		logger.Warn("degraded-mode queue poller enabled", zap.Duration("interval", cfg.QueuePollerInterval))
	}

	sessionService := services.NewSessionService(
		deps.DB,
		deps.Sessions,
		deps.Users,
		deps.Manager,
		deps.Clock,
		services.SessionServiceConfig{DoctorResponseWindow: cfg.DoctorResponseWindow},
		logger.Named("sessions"),
	)
	appointmentService := services.NewAppointmentService(
		deps.Tx,
		deps.Appointments,
		deps.Sessions,
		deps.Engine,
		deps.Manager,
		logger.Named("appointments"),
	)

	accountService := services.NewAccountService(deps.DB, deps.Users, deps.Sessions)

	authHandler := handlers.NewAuthHandler(accountService)
	sessionHandler := handlers.NewSessionHandler(sessionService)
	appointmentHandler := handlers.NewAppointmentHandler(appointmentService)
	eventsHandler := handlers.NewEventsHandler(hub, cfg.JWTSecret)

	api := app.Group("/api")

	api.Get("/auth/me", middleware.AuthRequired(cfg.JWTSecret), authHandler.Me)

	api.Use("/v1/ws", eventsHandler.WebSocketAuth)
	api.Get("/v1/ws", websocket.New(eventsHandler.HandleWebSocket))

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	text := authProtected.Group("/text-sessions")
	text.Post("/start", sessionHandler.StartTextSession)
	text.Get("/:id", sessionHandler.GetSession(session.KindText))
	text.Get("/:id/check-response", sessionHandler.CheckDoctorResponse)
	text.Post("/:id/activate", sessionHandler.ActivateTextSession)
	text.Post("/:id/decline", sessionHandler.DeclineSession(session.KindText))
	text.Post("/:id/end", sessionHandler.EndSession(session.KindText))
	text.Get("/:id/charges", authHandler.SessionCharges(session.KindText))

	calls := authProtected.Group("/call-sessions")
	calls.Post("/start", sessionHandler.StartCallSession)
	calls.Get("/:id", sessionHandler.GetSession(session.KindCall))
	calls.Post("/:id/answer", sessionHandler.AnswerCall)
	calls.Post("/:id/decline", sessionHandler.DeclineSession(session.KindCall))
	calls.Post("/:id/fail", sessionHandler.FailCall)
	calls.Post("/:id/end", sessionHandler.EndSession(session.KindCall))
	calls.Get("/:id/charges", authHandler.SessionCharges(session.KindCall))

	appointments := authProtected.Group("/appointments")
	appointments.Get("/:id/session-status", appointmentHandler.GetSessionStatus)
	appointments.Post("/:id/end", appointmentHandler.EndAppointment)

	return poller
}
