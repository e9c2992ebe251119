// Package bootstrap assembles the lifecycle graph shared by the API server
// and the worker process.
package bootstrap

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/saeid-a/DocAvailableBack/internal/billing"
	"github.com/saeid-a/DocAvailableBack/internal/config"
	"github.com/saeid-a/DocAvailableBack/internal/lifecycle"
	"github.com/saeid-a/DocAvailableBack/internal/notify"
	"github.com/saeid-a/DocAvailableBack/internal/queue"
	"github.com/saeid-a/DocAvailableBack/internal/repository"
	"github.com/saeid-a/DocAvailableBack/internal/session"
	"go.uber.org/zap"
)

type Components struct {
	DB    *pgxpool.Pool
	Tx    *repository.Transactor
	Clock session.Clock

	Sessions     *repository.SessionRepository
	Users        *repository.UserRepository
	Appointments *repository.AppointmentRepository
	Store        lifecycle.Store

	Engine     *billing.Engine
	Dispatcher *queue.Dispatcher
	Executor   *queue.Executor
	Manager    *lifecycle.Manager
}

func Build(cfg *config.Config, db *pgxpool.Pool, logger *zap.Logger) *Components {
	clock := session.SystemClock{}
	tx := repository.NewTransactor(db)

	sessions := repository.NewSessionRepository(db)
	users := repository.NewUserRepository(db)
	jobs := repository.NewJobRepository(db, tx, cfg.NotifyChannelJobs)

	engine := billing.NewEngine(
		repository.NewLedgerStore(tx, db),
		sessions,
		users,
		billing.NewGuardrail(cfg.BillingGuardrailEnforce, logger.Named("guardrail")),
		clock,
		logger.Named("billing"),
	)

	opts := queue.DefaultOptions()
	opts.MaxTries = cfg.QueueMaxTries
	opts.Timeout = cfg.QueueJobTimeout
	opts.RetryAfter = cfg.QueueRetryAfter
	opts.Backoff = cfg.QueueBackoff

	dispatcher := queue.NewDispatcher(jobs, clock, logger.Named("queue"))
	executor := queue.NewExecutor(jobs, opts, clock, logger.Named("queue"))

	store := lifecycle.NewPostgresStore(tx, db)
	manager := lifecycle.NewManager(
		store,
		engine,
		dispatcher,
		notify.NewPublisher(db, cfg.NotifyChannelEvents),
		clock,
		lifecycle.Config{PromotionGrace: cfg.CallPromotionGrace},
		logger.Named("lifecycle"),
	)
	manager.Register(executor)

	return &Components{
		DB:           db,
		Tx:           tx,
		Clock:        clock,
		Sessions:     sessions,
		Users:        users,
		Appointments: repository.NewAppointmentRepository(db),
		Store:        store,
		Engine:       engine,
		Dispatcher:   dispatcher,
		Executor:     executor,
		Manager:      manager,
	}
}
