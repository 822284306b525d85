package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "spsh/backend/internal/auth/jwt"
	"spsh/backend/internal/broker"
	"spsh/backend/internal/config"
	"spsh/backend/internal/events"
	"spsh/backend/internal/health"
	"spsh/backend/internal/keycloak"
	"spsh/backend/internal/ldap"
	"spsh/backend/internal/logger"
	"spsh/backend/internal/monitoring"
	"spsh/backend/internal/ox"
	"spsh/backend/internal/pool"
	"spsh/backend/internal/service"
	"spsh/backend/internal/storage"
	"spsh/backend/internal/storage/hybrid"
	"spsh/backend/internal/storage/memory"
	"spsh/backend/internal/storage/postgres"
	httptransport "spsh/backend/internal/transport/http"
)

const version = "1.4.0"

// inboundEvents are consumed from the broker. Everything else is produced here.
var inboundEvents = []string{
	events.PersonenkontextUpdated,
	events.RolleUpdated,
	events.PersonRenamed,
	events.PersonDeleted,
}

// backend is the selected storage with its optional capabilities.
type backend struct {
	store  storage.Store
	locker storage.PersonLocker
	pinger health.Pinger
	conns  monitoring.ConnStats
	close  func()
}

// main runs the HTTP API, the event consumer and the e-mail cron in one process.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting spsh email service",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer be.close()

	if n, err := service.SeedEmailDomains(ctx, be.store, cfg.Email.Domains, log); err != nil {
		log.Fatal("failed to seed email domains", zap.Error(err))
	} else if n > 0 {
		log.Info("email domains seeded", zap.Int("count", n))
	}

	metrics := monitoring.NewMetrics(nil)

	eventPool := pool.NewWorkerPool(1, cfg.Events.QueueSize, log.Named("event-pool"))
	bus := events.NewBus(log.Named("bus"), events.WithPool(eventPool), events.WithObserver(metrics))

	oxClient := ox.NewClient(ox.Config{
		Endpoint:          cfg.OX.Endpoint,
		Username:          cfg.OX.Username,
		Password:          cfg.OX.Password,
		ContextID:         cfg.OX.ContextID,
		ContextName:       cfg.OX.ContextName,
		Timeout:           cfg.OX.Timeout,
		RequestsPerSecond: cfg.OX.RequestsPerSecond,
		Burst:             cfg.OX.Burst,
	}, metrics, log.Named("ox"))
	ldapClient := ldap.NewClient(ldap.Config{
		URL:          cfg.LDAP.URL,
		BindDN:       cfg.LDAP.BindDN,
		BindPassword: cfg.LDAP.BindPassword,
		BaseDN:       cfg.LDAP.BaseDN,
		RootOUs:      cfg.LDAP.RootOUs,
		Timeout:      cfg.LDAP.Timeout,
	}, log.Named("ldap"))
	keycloakClient := keycloak.NewClient(keycloak.Config{
		BaseURL:      cfg.Keycloak.BaseURL,
		Realm:        cfg.Keycloak.Realm,
		AdminRealm:   cfg.Keycloak.AdminRealm,
		ClientID:     cfg.Keycloak.ClientID,
		ClientSecret: cfg.Keycloak.ClientSecret,
		Timeout:      cfg.Keycloak.Timeout,
	}, log.Named("keycloak"))

	generator := service.NewEmailAddressGenerator(be.store, cfg.Email.GeneratorMaxAttempts)
	setEmail := service.NewSetEmailAddressForSpshPersonService(
		be.store, be.locker, generator, oxClient, ldapClient, cfg.Email, metrics, log.Named("set-email"))

	emailEvents := service.NewEmailEventHandler(be.store, be.locker, generator, bus, metrics, cfg.Email.LockTTL, log)
	oxService := service.NewOxEventService(oxClient, cfg.OX.TeacherGroupPrefix, log)
	oxEvents := service.NewOxEventHandler(be.store, oxService, bus, metrics, log)
	keycloakEvents := service.NewKeycloakEventHandler(be.store, keycloakClient, bus, log)
	ldapEvents := service.NewLdapEventHandler(be.store, ldapClient, log)

	emailEvents.Register(bus)
	oxEvents.Register(bus)
	keycloakEvents.Register(bus)
	ldapEvents.Register(bus)

	cron := service.NewEmailCronService(be.store, emailEvents, bus, cfg.Email, log)

	checker := health.NewChecker(3*time.Second, log)
	if be.pinger != nil {
		checker.AddReadiness("database", be.pinger)
	}
	checker.AddAsyncReadiness("ldap", ldapClient, 30*time.Second)

	var (
		amqpClient *broker.Client
		consumer   *broker.Consumer
	)
	if cfg.AMQP.URL != "" {
		amqpClient, err = broker.NewClient(cfg.AMQP.URL, log.Named("amqp"))
		if err != nil {
			log.Fatal("failed to connect to broker", zap.Error(err))
		}
		defer func() { _ = amqpClient.Close() }()

		if err := broker.NewTopology(amqpClient, cfg.AMQP.Exchange, cfg.AMQP.Queue, log).Setup(inboundEvents); err != nil {
			log.Fatal("failed to declare broker topology", zap.Error(err))
		}
		bus.SubscribeAll(broker.NewForwarder(amqpClient, cfg.AMQP.Exchange, log).Handle)
		consumer = broker.NewConsumer(amqpClient, events.DefaultRegistry(), bus, log)
		checker.AddReadiness("amqp", health.PingerFunc(func(context.Context) error { return amqpClient.Ping() }))
		log.Info("broker enabled", zap.String("exchange", cfg.AMQP.Exchange), zap.String("queue", cfg.AMQP.Queue))
	} else {
		log.Info("no broker configured, events stay in process")
	}

	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alertManager.AddRule(monitoring.HighMemoryUsageRule(512))
	alertManager.AddRule(monitoring.FailedAddressesRule(be.store, 50))
	if be.pinger != nil {
		alertManager.AddRule(monitoring.DatabaseConnectionRule(be.pinger))
	}
	collector := monitoring.NewCollector(metrics, be.store, be.conns, log)

	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, time.Hour)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:      cfg,
		Provisioner: setEmail,
		Reader:      be.store,
		JWTManager:  jwtManager,
		Metrics:     metrics,
		Health:      checker,
		Logger:      log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// provisioning calls OX and LDAP with retries
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	eventPool.Start(groupCtx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	if consumer != nil {
		group.Go(func() error {
			return consumer.Consume(groupCtx, cfg.AMQP.Queue)
		})
	}

	group.Go(func() error {
		cron.Run(groupCtx, cfg.Email.CronInterval)
		return nil
	})

	group.Go(func() error {
		return alertManager.StartMonitoring(groupCtx, time.Minute)
	})

	group.Go(func() error {
		return collector.Run(groupCtx, 30*time.Second)
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		eventPool.Stop()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// openBackend selects the storage. No database type keeps everything in memory,
// a Redis address puts the domain cache and the person lock into Redis, plain
// PostgreSQL locks with advisory locks.
func openBackend(cfg *config.Config, log *zap.Logger) (*backend, error) {
	if cfg.Database.Type == "" {
		log.Warn("using memory storage (development mode)")
		mem := memory.NewStore()
		return &backend{store: mem, locker: mem, close: func() {}}, nil
	}

	if cfg.Redis.Address != "" {
		store, err := hybrid.Open(&cfg.Database, &cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		log.Info("using database storage with redis", zap.String("type", cfg.Database.Type))
		return &backend{
			store:  store,
			locker: store,
			pinger: store,
			conns:  store,
			close:  func() { _ = store.Close() },
		}, nil
	}

	var (
		store *postgres.Store
		err   error
	)
	switch cfg.Database.Type {
	case "mysql":
		store, err = postgres.NewMySQLStore(cfg.Database.DSN)
	default:
		store, err = postgres.NewStore(cfg.Database.DSN)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Database.Type == "mysql" {
		log.Warn("mysql without redis locks persons in process only")
		return &backend{
			store:  store,
			locker: memory.NewStore(),
			pinger: store,
			conns:  store,
			close:  func() { _ = store.Close() },
		}, nil
	}

	client, err := postgres.New(&cfg.Database, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	log.Info("using database storage", zap.String("type", cfg.Database.Type))
	return &backend{
		store:  store,
		locker: client,
		pinger: store,
		conns:  store,
		close: func() {
			client.Close()
			_ = store.Close()
		},
	}, nil
}
