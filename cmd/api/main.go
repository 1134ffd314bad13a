package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nyotapay/nyotapay/internal/config"
	"github.com/nyotapay/nyotapay/internal/customer"
	"github.com/nyotapay/nyotapay/internal/events"
	"github.com/nyotapay/nyotapay/internal/identity"
	"github.com/nyotapay/nyotapay/internal/infra"
	"github.com/nyotapay/nyotapay/internal/ledger"
	"github.com/nyotapay/nyotapay/internal/lock"
	"github.com/nyotapay/nyotapay/internal/logging"
	"github.com/nyotapay/nyotapay/internal/metrics"
	"github.com/nyotapay/nyotapay/internal/notification"
	"github.com/nyotapay/nyotapay/internal/reconcile"
	"github.com/nyotapay/nyotapay/internal/routes"
	"github.com/nyotapay/nyotapay/internal/server"
	"github.com/nyotapay/nyotapay/internal/transaction"
	"github.com/nyotapay/nyotapay/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()
	runCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	// Durable backends are optional in dev only; config.Load enforces them
	// everywhere else.
	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
	} else {
		logger.Warn("DATABASE_URL not set, running on in-memory stores")
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	} else {
		logger.Warn("REDIS_URL not set, locks and caching run in-process")
	}

	// Event transport. Without a broker the in-process bus keeps the whole
	// pipeline running for local development.
	var (
		publisher  events.Publisher
		subscriber events.Subscriber
	)
	if cfg.RabbitURL != "" {
		conn, err := infra.NewRabbitConn(cfg.RabbitURL)
		if err != nil {
			logger.Error("connect rabbitmq", "error", err)
			os.Exit(1)
		}
		defer conn.Close()

		rabbitPub, err := events.NewRabbitPublisher(conn)
		if err != nil {
			logger.Error("open rabbitmq publisher", "error", err)
			os.Exit(1)
		}
		defer rabbitPub.Close()

		rabbitSub := events.NewRabbitConsumer(conn, cfg.QueuePrefix, logging.Component(logger, "consumer"))
		defer rabbitSub.Close()

		publisher, subscriber = rabbitPub, rabbitSub
	} else {
		logger.Warn("RABBITMQ_URL not set, using in-process event bus")
		bus := events.NewBus()
		publisher, subscriber = bus, bus
	}

	// Stores. The memory ledger reads wallet rows through the same repository
	// the updater writes, so dev mode exercises the full posting path.
	var (
		store        ledger.Store
		walletRepo   wallet.Repository
		customerRepo customer.Repository
	)
	if db != nil {
		store = ledger.NewPostgresStore(db)
		walletRepo = wallet.NewPostgresRepository(db)
		customerRepo = customer.NewPostgresRepository(db)
	} else {
		memWallets := wallet.NewMemoryRepository()
		walletRepo = memWallets
		store = ledger.NewMemoryStore(memWallets)
		customerRepo = customer.NewMemoryRepository()
	}

	var locker lock.Locker
	if cache != nil {
		locker = lock.NewRedisLocker(cache)
	} else {
		locker = lock.NewMemoryLocker()
	}

	var balanceCache *wallet.Cache
	if cache != nil {
		balanceCache = wallet.NewCache(cache, cfg.BalanceCacheTTL)
	}

	// Services.
	defaults := wallet.Defaults{
		Currency:     cfg.DefaultCurrency,
		DailyLimit:   cfg.DefaultDailyLimit,
		MonthlyLimit: cfg.DefaultMonthlyLimit,
	}
	walletSvc := wallet.NewService(walletRepo, balanceCache, publisher, defaults, logging.Component(logger, "wallet"))
	txnSvc := transaction.NewService(store, walletRepo, logging.Component(logger, "transaction"))
	directory := customer.NewDirectory(customerRepo)
	projector := customer.NewProjector(directory, walletSvc, publisher, logging.Component(logger, "customer"))
	updater := wallet.NewUpdater(walletRepo, balanceCache, locker, logging.Component(logger, "wallet-updater"))
	updater.SetLockTTL(cfg.LockTTL)
	notifier := notification.NewLoggerNotifier(logging.Component(logger, "notifier"))
	notifications := notification.NewConsumer(notifier, walletRepo, logging.Component(logger, "notifications"))
	reconciler := reconcile.NewService(walletRepo, store, logging.Component(logger, "reconcile"))

	// Consumers. Every name gets its own queue, so each consumer sees the
	// full stream and retries independently of the others.
	subscriptions := []struct {
		topic    string
		consumer string
		handler  events.Handler
	}{
		{events.TopicTransactionEvents, "wallet-updater", updater.HandleTransactionEvent},
		{events.TopicTransactionEvents, "notifications", notifications.HandleTransactionEvent},
		{events.TopicUserEvents, "customer-projector", projector.HandleUserEvent},
		{events.TopicCustomerEvents, "wallet-provisioner", projector.HandleCustomerEvent},
		{events.TopicKYCEvents, "kyc-projector", projector.HandleKYCEvent},
		{events.TopicKYCEvents, "kyc-notifications", notifications.HandleKYCEvent},
	}
	for _, sub := range subscriptions {
		if err := subscriber.Subscribe(runCtx, sub.topic, sub.consumer, sub.handler); err != nil {
			logger.Error("subscribe failed", "topic", sub.topic, "consumer", sub.consumer, "error", err)
			os.Exit(1)
		}
	}

	dispatcher := events.NewDispatcher(store, publisher, logging.Component(logger, "outbox"), cfg.OutboxInterval, cfg.OutboxBatchSize)
	go dispatcher.Run(runCtx)

	scheduler := reconcile.NewScheduler(reconciler, cfg.ReconcileSchedule, logging.Component(logger, "reconcile"))
	if err := scheduler.Start(); err != nil {
		logger.Error("start reconciliation scheduler", "error", err)
		os.Exit(1)
	}

	if addr := cfg.MetricsAddress(); addr != "" {
		go func() {
			if err := metrics.Serve(addr); err != nil {
				logger.Error("metrics server", "error", err)
			}
		}()
	}

	srv, err := server.New(routes.Deps{
		Cfg:            cfg,
		DB:             db,
		Cache:          cache,
		Logger:         logger,
		Verifier:       identity.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		Wallets:        wallet.NewHandler(walletSvc, directory, store),
		Transactions:   transaction.NewHandler(txnSvc, directory),
		Customers:      customer.NewHandler(directory),
		Reconciliation: reconcile.NewHandler(reconciler),
	})
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	stopWorkers()
	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("scheduler stop timed out")
	}

	logger.Info("server exited cleanly")
}
