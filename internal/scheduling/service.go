package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/medrex/clinic-scheduling/pkg/auth"
	"github.com/medrex/clinic-scheduling/pkg/clock"
	"github.com/medrex/clinic-scheduling/pkg/config"
	"github.com/medrex/clinic-scheduling/pkg/database"
	"github.com/medrex/clinic-scheduling/pkg/interfaces"
	"github.com/medrex/clinic-scheduling/pkg/logger"
	"github.com/medrex/clinic-scheduling/pkg/monitoring"
	"github.com/medrex/clinic-scheduling/pkg/mq"
)

const (
	serviceName    = "scheduling-service"
	serviceVersion = "1.0.0"
)

// Service wires the booking ledger, slot calendar and reminder scheduler
// behind the HTTP API
type Service struct {
	config *config.Config
	logger *logger.Logger
	clock  clock.Clock

	repo          interfaces.SchedulingRepository
	db            *database.DB
	calendar      *SlotCalendar
	reminders     *ReminderScheduler
	recovery      *RecoveryLoader
	notifications *NotificationService
	publisher     mq.EventPublisher
	tokens        *auth.TokenValidator
	limiter       *RateLimiter

	metrics *monitoring.MetricsCollector
	tracing *monitoring.TracingManager
	monitor *monitoring.MonitoringMiddleware
	health  *monitoring.HealthManager

	server *http.Server
}

// Dependencies lets callers supply pre-built collaborators. Nil fields are
// built from the configuration.
type Dependencies struct {
	Repository interfaces.SchedulingRepository
	DB         *database.DB
	Publisher  mq.EventPublisher
	Clock      clock.Clock
	Tracing    *monitoring.TracingManager
}

// New creates a scheduling service from configuration, connecting to the
// configured storage and event bus
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Service, error) {
	deps := Dependencies{Clock: clock.NewSystem()}

	tracing, err := monitoring.NewTracingManager(ctx, &monitoring.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Endpoint:       cfg.Monitoring.Tracing.Endpoint,
		Environment:    cfg.Monitoring.Tracing.Environment,
		SamplingRate:   cfg.Monitoring.Tracing.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	deps.Tracing = tracing

	if cfg.Database.Driver == "postgres" {
		db, err := database.NewConnection(&cfg.Database, log)
		if err != nil {
			return nil, err
		}
		if err := db.CreateSchema(ctx); err != nil {
			db.Close()
			return nil, err
		}
		deps.DB = db
	}

	if cfg.Messaging.Enabled {
		publisher, err := mq.NewPublisher(cfg.Messaging.URL, cfg.Messaging.Exchange)
		if err != nil {
			if deps.DB != nil {
				deps.DB.Close()
			}
			return nil, err
		}
		deps.Publisher = publisher
	}

	return NewWithDependencies(cfg, log, deps)
}

// NewWithDependencies assembles the service around the given collaborators
func NewWithDependencies(cfg *config.Config, log *logger.Logger, deps Dependencies) (*Service, error) {
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if deps.Publisher == nil {
		deps.Publisher = mq.NoopPublisher{}
	}
	if deps.Tracing == nil {
		deps.Tracing = monitoring.NewNoopTracingManager(serviceName)
	}

	metrics := monitoring.NewMetricsCollector(serviceName)
	monitor := monitoring.NewMonitoringMiddleware(metrics, deps.Tracing, log)

	repo := deps.Repository
	if repo == nil {
		if deps.DB != nil {
			repo = NewRepository(deps.DB, monitor, log)
		} else {
			repo = NewMemoryRepository(deps.Clock)
		}
	}

	calendar, err := NewSlotCalendar(cfg.Scheduling, repo, deps.Clock)
	if err != nil {
		return nil, fmt.Errorf("invalid slot grid: %w", err)
	}

	notifications := NewNotificationService(repo, deps.Publisher, deps.Clock, log)
	reminders := NewReminderScheduler(ReminderOptions{
		LeadTime:    cfg.Scheduling.ReminderLeadTime,
		FireTimeout: cfg.Scheduling.FireTimeout,
		Calendar:    calendar,
		Clock:       deps.Clock,
		Deliverer:   NewReminderNotifier(repo, notifications, log),
		Metrics:     metrics,
		Tracing:     deps.Tracing,
		Logger:      log,
	})

	s := &Service{
		config:        cfg,
		logger:        log,
		clock:         deps.Clock,
		repo:          repo,
		db:            deps.DB,
		calendar:      calendar,
		reminders:     reminders,
		recovery:      NewRecoveryLoader(repo, reminders, calendar, metrics, log),
		notifications: notifications,
		publisher:     deps.Publisher,
		tokens:        auth.NewTokenValidator(cfg.JWT.SecretKey, cfg.JWT.Issuer, time.Duration(cfg.JWT.AccessTokenTTL)*time.Second),
		metrics:       metrics,
		tracing:       deps.Tracing,
		monitor:       monitor,
		health:        monitoring.NewHealthManager(serviceName, serviceVersion),
	}

	if cfg.Server.RateLimit > 0 {
		s.limiter = NewRateLimiter(cfg.Server.RateLimit, rateLimitPeriod(cfg), deps.Clock)
	}

	if deps.DB != nil {
		s.health.RegisterChecker("database", monitoring.NewDatabaseHealthChecker(deps.DB.DB))
	}
	s.health.RegisterChecker("reminders", monitoring.HealthCheckFunc(s.checkReminders))

	// Built up front so Stop can shut it down even before Start reaches the listener
	s.server = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	return s, nil
}

// Reminders exposes the reminder scheduler
func (s *Service) Reminders() *ReminderScheduler {
	return s.reminders
}

// Handler builds the HTTP handler with every route and middleware attached
func (s *Service) Handler() http.Handler {
	router := mux.NewRouter()
	s.setupRoutes(router)
	return s.securityHeadersMiddleware(s.corsMiddleware(router))
}

func rateLimitPeriod(cfg *config.Config) time.Duration {
	if cfg.Server.RateLimitPeriod <= 0 {
		return time.Minute
	}
	return time.Duration(cfg.Server.RateLimitPeriod) * time.Second
}

// pruneRateLimits drops idle client buckets until ctx is done
func (s *Service) pruneRateLimits(ctx context.Context) {
	period := rateLimitPeriod(s.config)
	ticker := time.NewTicker(10 * period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.limiter.Prune(10 * period); n > 0 {
				s.logger.WithComponent("http").WithField("buckets", n).Debug("Pruned idle rate limit buckets")
			}
		}
	}
}

// Start re-arms persisted reminders and then serves HTTP until Stop is
// called. It returns http.ErrServerClosed after a graceful stop, including
// when Stop ran first.
func (s *Service) Start(ctx context.Context) error {
	recovered := s.recovery.RecoverAll(ctx)
	s.logger.WithComponent("service").WithField("reminders", recovered).Info("Reminder timers restored")

	if s.limiter != nil {
		go s.pruneRateLimits(ctx)
	}

	s.logger.WithComponent("service").Infof("Starting Scheduling Service on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop shuts the HTTP server down, cancels pending reminders and releases
// the event bus and database
func (s *Service) Stop(ctx context.Context) error {
	s.logger.WithComponent("service").Info("Stopping Scheduling Service")

	var errs []error
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	s.reminders.Stop()

	if err := s.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("publisher close: %w", err))
	}
	if err := s.tracing.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) checkReminders(ctx context.Context) monitoring.HealthCheck {
	return monitoring.HealthCheck{
		Status:  monitoring.HealthStatusHealthy,
		Message: "reminder scheduler running",
		Details: map[string]interface{}{"armed": s.reminders.ActiveCount()},
	}
}
