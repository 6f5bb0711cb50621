package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"mailship/internal/handlers"
	"mailship/internal/payments"
	"mailship/internal/session"
	"mailship/pkg/clients"
	packetclient "mailship/pkg/clients/packet"
	"mailship/pkg/config"
	"mailship/pkg/crypto"
	"mailship/pkg/logging"
	"mailship/pkg/middleware"
	"mailship/pkg/monitoring"
	"mailship/pkg/redis"
	"mailship/pkg/server"
	"mailship/pkg/version"
	"mailship/pkg/wallet"
	"mailship/pkg/walletstore"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("yeoman")

	// Load environment variables
	config.LoadEnv(logger)

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
	}).Info("Starting Yeoman (Wallet Session Agent)")

	packetURL := config.GetEnv("PACKET_API_URL", "http://localhost:8000")
	bridgeURL := config.GetEnv("YEOMAN_BRIDGE_URL", "")
	stateDir := config.GetEnv("YEOMAN_STATE_DIR", ".yeoman")
	controlToken := config.GetEnv("YEOMAN_CONTROL_TOKEN", "")
	keystorePath := config.GetEnv("YEOMAN_KEYSTORE_PATH", filepath.Join(stateDir, "keystore.json"))
	keystorePassphrase := config.GetEnv("YEOMAN_KEYSTORE_PASSPHRASE", "")

	// Session store backend
	store := buildStore(logger, stateDir)

	// Packet backend client with a named breaker so a dead backend fails
	// fast instead of stacking retries
	breaker := clients.DefaultCircuitBreakerConfig()
	breaker.Name = "packet_api"
	breaker.Logger = logger
	breaker.OnStateChange = clients.CircuitBreakerMetricsCallback("packet_api")
	executorConfig := clients.DefaultHTTPExecutorConfig()
	executorConfig.Breaker = &breaker
	client := packetclient.NewClient(packetURL, packetclient.WithHTTPExecutorConfig(executorConfig))

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("yeoman", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("yeoman", version.Version, version.GitCommit)

	// Create session metrics
	sessionState, handshakes, handshakeDuration := metricsCollector.CreateSessionMetrics()
	providerEvents := metricsCollector.CreateProviderMetrics()
	cacheEvents := metricsCollector.CreateCacheMetrics()
	paymentPolls, pollAttempts := metricsCollector.CreatePaymentMetrics()

	poller := payments.NewPoller(payments.Config{
		Client:       client,
		Logger:       logger,
		Polls:        paymentPolls,
		AttemptsUsed: pollAttempts,
	})

	ctrl := session.NewController(session.Config{
		Client: client,
		Store:  store,
		Logger: logger,
		Detect: wallet.DetectConfig{
			BridgeURL:          bridgeURL,
			KeystorePath:       keystorePath,
			KeystorePassphrase: keystorePassphrase,
			Logger:             logger,
		},
		Poller: poller,
		Metrics: session.Metrics{
			SessionState:      sessionState,
			Handshakes:        handshakes,
			HandshakeDuration: handshakeDuration,
			ProviderEvents:    providerEvents,
			CacheEvents:       cacheEvents,
		},
	})
	defer func() {
		if err := ctrl.Close(); err != nil {
			logger.WithError(err).Warn("Controller shutdown failed")
		}
	}()

	// Add health checks
	healthChecker.AddCheck("session_store", monitoring.StoreHealthCheck(store))
	healthChecker.AddCheck("packet_api", monitoring.HTTPServiceHealthCheck("packet", packetURL+"/api/health"))
	healthChecker.AddCheck("wallet_link", monitoring.WalletBridgeHealthCheck(walletLink{ctrl}))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"PACKET_API_URL": packetURL,
	}))

	// Initialize handlers
	handlers.Init(ctrl, logger)

	// Pick up a persisted session from a previous run
	restoreCtx, restoreCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := ctrl.Restore(restoreCtx); err != nil {
		logger.WithError(err).Warn("Session restore failed")
	}
	restoreCancel()

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "yeoman", healthChecker, metricsCollector)

	// Control API (local callers only; token optional)
	v1 := router.Group("/v1")
	v1.Use(middleware.ControlAuthMiddleware(controlToken), handlers.SessionTag)
	{
		v1.POST("/connect", handlers.Connect)
		v1.POST("/disconnect", handlers.Disconnect)
		v1.POST("/authenticate", handlers.Authenticate)
		v1.POST("/chain/switch", handlers.SwitchChain)
		v1.GET("/session", handlers.GetSession)
		v1.GET("/profile", handlers.GetProfile)
		v1.GET("/notifications", handlers.GetNotifications)

		v1.GET("/tiers", handlers.GetTiers)
		v1.GET("/credits/packages", handlers.GetCreditPackages)
		v1.POST("/payments/checkout", handlers.StartCheckout)
		v1.POST("/payments/return", handlers.PaymentReturn)

		v1.POST("/emails/send", handlers.SendEmail)
		v1.GET("/emails", handlers.ListEmails)
		v1.GET("/emails/:id", handlers.GetEmail)
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("yeoman", "18090")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}

// buildStore selects the session store backend from the environment.
// The file backend is the default: a desktop agent must survive restarts
// without external services.
func buildStore(logger logging.Logger, stateDir string) walletstore.Store {
	switch backend := config.GetEnv("YEOMAN_SESSION_BACKEND", "file"); backend {
	case "memory":
		logger.Info("Using in-memory session store")
		return walletstore.NewMemoryStore()

	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var redisClient goredis.UniversalClient
		var err error
		if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
			redisClient, err = redis.NewClientFromURL(ctx, redisURL)
		} else {
			redisClient, err = redis.NewUniversalClient(ctx, redis.Config{
				Addrs:      strings.Split(config.GetEnv("REDIS_ADDRESS", "localhost:6379"), ","),
				MasterName: config.GetEnv("REDIS_MASTER_NAME", ""),
				Password:   config.GetEnv("REDIS_PASSWORD", ""),
			})
		}
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to redis")
		}
		logger.Info("Using redis session store")
		return walletstore.NewRedisStore(redisClient, config.GetEnv("YEOMAN_SESSION_KEY", ""), 0, logger)

	case "file":
		if err := os.MkdirAll(stateDir, 0o700); err != nil {
			logger.WithError(err).Fatal("Failed to create state directory")
		}

		var encryptor *crypto.FieldEncryptor
		if secret := config.GetEnv("YEOMAN_STATE_SECRET", ""); secret != "" {
			fe, err := crypto.DeriveFieldEncryptor([]byte(secret), "session-token")
			if err != nil {
				logger.WithError(err).Fatal("Failed to derive state encryption key")
			}
			encryptor = fe
			logger.Info("Session token encryption at rest enabled")
		} else {
			logger.Warn("YEOMAN_STATE_SECRET not set; session token stored in plaintext")
		}

		store, err := walletstore.NewFileStore(filepath.Join(stateDir, "session.json"), encryptor, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open session store")
		}
		logger.WithField("state_dir", stateDir).Info("Using file session store")
		return store

	default:
		logger.WithField("backend", backend).Fatal("Unknown YEOMAN_SESSION_BACKEND")
		return nil
	}
}

// walletLink adapts the controller to the wallet bridge health check.
type walletLink struct{ ctrl *session.Controller }

func (w walletLink) Connected() bool { return w.ctrl.ProviderConnected() }
