package di

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/cache"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/config"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/database"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/handler"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/inference"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/middleware"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/repository"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/service"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/storage"
	"github.com/nuhmanudheent/hosp-connect-attention-service/internal/utils"
)

// App holds every long-lived component of the service.
type App struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Pool    *database.Pool
	Service service.AppointmentService

	httpServer *http.Server
	grpcServer *grpc.Server
	listener   net.Listener
	health     *health.Server
	scheduler  *cron.Cron
	producer   *KafkaProducer
	redis      redis.UniversalClient
}

// Build wires the service from cfg. On error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}
	if err := app.build(ctx); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger

	var err error
	a.Pool, err = config.InitDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}

	if cfg.Database.AutoMigrate {
		if err := config.MigrateSchema(ctx, cfg.Database, logger); err != nil {
			return err
		}
	}

	appointmentRepo := repository.NewAppointmentRepository(a.Pool)
	catalogRepo := a.catalog(ctx, repository.NewCatalogRepository(a.Pool))

	detector, err := inference.NewDetector(cfg.Inference, logger)
	if err != nil {
		return err
	}

	store, err := storage.NewImageStore(cfg.Storage.UploadDir)
	if err != nil {
		return err
	}

	a.Service = service.NewAppointmentService(appointmentRepo, catalogRepo, detector, store, a.notifier(), logger, service.Options{
		InferenceTimeout: cfg.Inference.Timeout,
		Concurrency:      cfg.Inference.Concurrency,
		NotifyTimeout:    cfg.Kafka.NotifyTimeout,
	})

	a.httpServer = &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           a.router(handler.NewAppointmentHandler(a.Service, logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.listener, a.grpcServer, a.health, err = GRPCSetup(cfg.GRPCPort)
	if err != nil {
		return err
	}

	a.scheduler, err = utils.StartCronScheduler(utils.SchedulerConfig{
		ReminderSpec: cfg.Scheduler.ReminderSpec,
		HealthSpec:   cfg.Scheduler.HealthSpec,
		ProbeTimeout: cfg.Database.ProbeTimeout,
	}, a.Service, a.Pool, a.health, logger)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"Function":  "Build",
		"Detector":  detector.Name(),
		"HTTPPort":  cfg.HTTPPort,
		"GRPCPort":  cfg.GRPCPort,
		"UploadDir": store.Dir(),
	}).Info("Service wired")
	return nil
}

// catalog puts the Redis cache in front of the repository when Redis is configured.
func (a *App) catalog(ctx context.Context, repo repository.CatalogRepository) repository.CatalogRepository {
	if a.Config.Redis.Addr == "" {
		return repo
	}
	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{a.Config.Redis.Addr},
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		a.Logger.WithFields(logrus.Fields{
			"Function": "catalog",
			"Addr":     a.Config.Redis.Addr,
			"Error":    err,
		}).Warn("Redis unreachable, catalog cache will fall back to the database")
	}
	return cache.NewCatalogCache(repo, a.redis, a.Config.Redis.TTL, a.Logger)
}

// notifier publishes to Kafka when a broker is configured and logs otherwise.
func (a *App) notifier() service.Notifier {
	if a.Config.Kafka.Broker == "" {
		return LogNotifier{Logger: a.Logger}
	}
	if err := EnsureTopicExists(a.Config.Kafka.Broker, a.Config.Kafka.Topic); err != nil {
		a.Logger.WithFields(logrus.Fields{
			"Function": "notifier",
			"Topic":    a.Config.Kafka.Topic,
			"Error":    err,
		}).Warn("Could not ensure kafka topic")
	}
	a.producer = NewKafkaProducer(a.Config.Kafka.Broker, a.Config.Kafka.Topic, a.Logger)
	return a.producer
}

func (a *App) router(h *handler.AppointmentHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(a.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: false,
	}))
	r.GET("/healthz", func(c *gin.Context) {
		if err := a.Pool.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		stats := a.Pool.Stats()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "pool": stats})
	})
	h.Register(r, middleware.AuthMiddleware([]byte(a.Config.Auth.JWTSecret)))
	return r
}

// Run serves HTTP and gRPC until ctx is cancelled or a server fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() {
		a.Logger.WithField("Port", a.Config.HTTPPort).Info("HTTP server is running")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		a.Logger.WithField("Port", a.Config.GRPCPort).Info("gRPC server is running")
		if err := a.grpcServer.Serve(a.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting work, waits for in-flight requests and
// notifications, then releases every resource.
func (a *App) Shutdown(ctx context.Context) error {
	a.health.Shutdown()
	err := a.httpServer.Shutdown(ctx)

	stopped := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		a.grpcServer.Stop()
	}

	<-a.scheduler.Stop().Done()
	a.Service.Wait()
	a.close()
	return err
}

func (a *App) close() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.Logger.WithField("Error", err).Warn("Failed to close kafka producer")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.grpcServer != nil {
		a.grpcServer.Stop()
	} else if a.listener != nil {
		_ = a.listener.Close()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
