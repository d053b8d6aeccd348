package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/fernhq/clover/config"
	"github.com/fernhq/clover/internal/platform/database"
	"github.com/fernhq/clover/internal/platform/middleware"
	"github.com/fernhq/clover/internal/platform/startup"
	"github.com/fernhq/clover/internal/platform/tracing"
	"github.com/fernhq/clover/internal/platform/tracing/exporters"
	"github.com/fernhq/clover/internal/repositories/audit"
	"github.com/fernhq/clover/internal/repositories/entity"
	"github.com/fernhq/clover/internal/repositories/matchcandidate"
	"github.com/fernhq/clover/internal/repositories/notification"
	"github.com/fernhq/clover/internal/repositories/reference"
	"github.com/fernhq/clover/pkg/events"
	"github.com/fernhq/clover/pkg/identity"
	"github.com/fernhq/clover/pkg/kafka"
	"github.com/fernhq/clover/pkg/merging"
	auditroutes "github.com/fernhq/clover/pkg/routes/audit"
	"github.com/fernhq/clover/pkg/routes/duplicates"
	"github.com/fernhq/clover/pkg/routes/entities"
	"github.com/fernhq/clover/pkg/routes/health"
	"github.com/fernhq/clover/pkg/routes/identify"
	"github.com/fernhq/clover/pkg/routes/notifications"
	"github.com/fernhq/clover/pkg/scanner"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	ctx := context.Background()

	shutdownTracing, err := initTracing(ctx, cfg)
	if err != nil {
		fatal(logger, err, "failed to initialize tracing")
	}
	defer shutdownTracing(ctx)

	sqlDB, err := connectDatabase(cfg)
	if err != nil {
		fatal(logger, err, "failed to connect to database")
	}
	defer sqlDB.Close()

	if err := runMigrations(cfg, logger, sqlDB); err != nil {
		fatal(logger, err, "failed to run migrations")
	}

	db := database.NewDatabaseInstance(sqlDB, logger)

	// Repositories
	entityRepo := entity.NewRepository(db, logger)
	candidateRepo := matchcandidate.NewRepository(db, logger)
	referenceRepo := reference.NewRepository(db, logger)
	auditRepo := audit.NewRepository(db, logger)
	notificationRepo := notification.NewRepository(db, logger)

	// Event pipeline
	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaOutputTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, logger)
	defer producer.Close()
	emitter := events.NewEmitter(producer, logger)

	// Services
	resolver := identity.NewResolver(entityRepo, auditRepo, notificationRepo, emitter, logger, identity.Config{
		DefaultCountryCode: cfg.DefaultCountryCode,
		SyntheticDomain:    cfg.SyntheticDomain,
	})
	scan := scanner.NewScanner(entityRepo, candidateRepo, emitter, logger, scanner.Config{
		ScoreThreshold: cfg.ScanScoreThreshold,
		BatchSize:      cfg.ScanBatchSize,
	})
	coordinator := merging.NewCoordinator(db, entityRepo, candidateRepo, referenceRepo, auditRepo, emitter, logger)

	if err := registerDependencies(logger, entityRepo, candidateRepo, auditRepo, notificationRepo, resolver, scan, coordinator); err != nil {
		fatal(logger, err, "failed to register dependencies")
	}

	var consumer *kafka.Consumer
	if cfg.KafkaConsumerEnabled {
		consumer = kafka.NewConsumer(cfg, logger, func(ctx context.Context, msg *kafka.IncomingMessage) error {
			if msg.ChannelEvent == nil {
				return nil
			}
			_, err := resolver.Resolve(ctx, msg.GetTenantID(), msg.ChannelEvent)
			return err
		})
	}

	e := newServer(cfg, logger)

	checker := health.NewChecker(sqlDB, healthCheck(consumer), version)
	checker.RegisterRoutes(e)

	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	if consumer != nil {
		boot.AddDependency(&dependency{
			name:  "kafka-consumer",
			start: consumer.Start,
			stop:  func(context.Context) error { return consumer.Stop() },
		})
	}
	boot.AddDependency(&dependency{
		name:    "http-server",
		depends: consumerName(consumer),
		start: func(context.Context) error {
			go func() {
				addr := fmt.Sprintf(":%d", cfg.Port)
				if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
					logger.WithError(err).Error("http server stopped")
					os.Exit(1)
				}
			}()
			return nil
		},
		stop: e.Shutdown,
	})

	if err := boot.Start(ctx); err != nil {
		fatal(logger, err, "failed to start")
	}
	checker.SetReady(true)
	logger.WithFields(map[string]any{"port": cfg.Port, "version": version}).Info("clover is up")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	checker.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := boot.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown did not complete cleanly")
	}
}

func newLogger(cfg config.Config) ectologger.Logger {
	var zapLogger *zap.Logger
	var err error
	if cfg.PrettyLogs {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func initTracing(ctx context.Context, cfg config.Config) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter
	if cfg.TracingEnabled {
		otlp, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
			Endpoint: cfg.TracingOTLPEndpoint,
			Protocol: cfg.TracingOTLPProtocol,
			Insecure: true,
			Timeout:  10 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		exporter = otlp
	} else {
		exporter = &exporters.ConsoleExporter{}
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.AppName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracing.SetTracer(tp.Tracer(cfg.AppName))

	return tp.Shutdown, nil
}

func connectDatabase(cfg config.Config) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword,
		cfg.DatabaseName, cfg.DatabaseSSLMode)

	db, err := sqlx.Connect(cfg.DatabaseDriver, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)
	return db, nil
}

func runMigrations(cfg config.Config, logger ectologger.Logger, db *sqlx.DB) error {
	driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
	if err != nil {
		return err
	}

	ms := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
	})
	return ms.Migrate(cfg.DatabaseName, driver)
}

func registerDependencies(
	logger ectologger.Logger,
	entityRepo *entity.Repository,
	candidateRepo *matchcandidate.Repository,
	auditRepo *audit.Repository,
	notificationRepo *notification.Repository,
	resolver *identity.Resolver,
	scan *scanner.Scanner,
	coordinator *merging.Coordinator,
) error {
	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		return err
	}

	if err := ectoinject.RegisterInstance[ectologger.Logger](container, logger); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*entity.Repository](container, entityRepo); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*matchcandidate.Repository](container, candidateRepo); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*audit.Repository](container, auditRepo); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*notification.Repository](container, notificationRepo); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*identity.Resolver](container, resolver); err != nil {
		return err
	}
	if err := ectoinject.RegisterInstance[*scanner.Scanner](container, scan); err != nil {
		return err
	}
	return ectoinject.RegisterInstance[*merging.Coordinator](container, coordinator)
}

func newServer(cfg config.Config, logger ectologger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes

	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	e.HTTPErrorHandler = middleware.Error(logger)

	api := e.Group("/api/v1")
	identify.Register(api.Group("/identify"))
	entities.Register(api.Group("/entities"))
	duplicates.Register(api.Group("/duplicates"))
	auditroutes.Register(api.Group("/audit"))
	notifications.Register(api.Group("/notifications"))

	return e
}

// healthCheck narrows a possibly-nil consumer into the checker's
// interface without handing it a typed nil.
func healthCheck(c *kafka.Consumer) interface{ Health() error } {
	if c == nil {
		return nil
	}
	return c
}

func consumerName(c *kafka.Consumer) []string {
	if c == nil {
		return nil
	}
	return []string{"kafka-consumer"}
}

// dependency adapts start/stop funcs to the startup manager
type dependency struct {
	name    string
	depends []string
	start   func(ctx context.Context) error
	stop    func(ctx context.Context) error
}

func (d *dependency) GetName() string     { return d.name }
func (d *dependency) DependsOn() []string { return d.depends }

func (d *dependency) Start(ctx context.Context) error {
	if d.start == nil {
		return nil
	}
	return d.start(ctx)
}

func (d *dependency) Stop(ctx context.Context) error {
	if d.stop == nil {
		return nil
	}
	return d.stop(ctx)
}

func fatal(logger ectologger.Logger, err error, msg string) {
	logger.WithError(err).Error(msg)
	os.Exit(1)
}
