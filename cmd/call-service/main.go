package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	callHandler "callrelay-backend/internal/handler/http/call"
	wsHandler "callrelay-backend/internal/handler/ws"
	"callrelay-backend/internal/middleware"
	"callrelay-backend/internal/repository/cassandra"
	"callrelay-backend/internal/repository/cockroach"
	"callrelay-backend/internal/repository/memory"
	redisRepo "callrelay-backend/internal/repository/redis"
	callService "callrelay-backend/internal/service/call"
	"callrelay-backend/pkg/config"
	"callrelay-backend/pkg/constants"
	"callrelay-backend/pkg/database"
	"callrelay-backend/pkg/jwt"
	"callrelay-backend/pkg/logger"
	"callrelay-backend/pkg/metrics"
	"callrelay-backend/pkg/push"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		logger.InitDefault()
	}
	defer logger.Sync()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	productionMode := cfg.Server.Environment == "production"

	// 1. JWT
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)

	// 2. Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 3. CockroachDB: conversations, users and call history
	db, err := connectWithRetry("CockroachDB", func() (*database.CockroachDB, error) {
		return database.NewCockroachDB(ctx, &cfg.Database)
	})
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer db.Close()

	conversationRepo := cockroach.NewConversationRepository(db.Pool, appMetrics)
	userRepo := cockroach.NewUserRepository(db.Pool, appMetrics)
	callRepo := cockroach.NewCallRepository(db.Pool, appMetrics)

	// 4. Cassandra: conversation messages
	cass, err := connectWithRetry("Cassandra", func() (*database.CassandraDB, error) {
		return database.NewCassandraDB(&cfg.Cassandra)
	})
	if err != nil {
		logger.Fatal("Failed to connect to Cassandra", zap.Error(err))
	}
	defer cass.Close()

	messageRepo := cassandra.NewMessageRepository(cass.Session)

	// 5. Redis with degraded mode support. Optional unless the session
	// registry lives in it.
	redisDB, err := database.NewRedisDB(&cfg.Redis)
	if err != nil {
		if cfg.Call.RegistryBackend == "redis" {
			logger.Fatal("Redis is required for the redis session registry", zap.Error(err))
		}
		logger.Warn("Redis unavailable, running single instance without push", zap.Error(err))
		redisDB = nil
	} else {
		defer redisDB.Close()
		go redisDB.StartHealthCheck(ctx, 10*time.Second)
		logger.Info("Connected to Redis")
	}

	// 6. Session registry
	var registry callService.SessionRegistry
	switch cfg.Call.RegistryBackend {
	case "redis":
		registry = redisRepo.NewCallSessionRepository(redisDB, cfg.Call.SessionTTL)
	default:
		registry = memory.NewSessionRegistry()
	}
	logger.Info("Call session registry ready", zap.String("backend", cfg.Call.RegistryBackend))

	// 7. Push notifications
	var pushSvc *push.Service
	if redisDB != nil {
		if cfg.Push.Provider == string(push.ProviderTypeMock) && productionMode {
			logger.Fatal("PUSH_PROVIDER=mock is not allowed in production")
		}
		provider, err := push.NewProvider(ctx, &cfg.Push)
		if err != nil {
			logger.Fatal("Failed to initialize push provider", zap.Error(err))
		}
		pushSvc = push.NewService(provider, redisRepo.NewPushTokenRepository(redisDB), appMetrics)
	}

	// 8. Signaling hub and relay
	hubCfg := wsHandler.HubConfig{
		Redis:          redisDB,
		Metrics:        appMetrics,
		MaxConnections: cfg.Call.MaxConnections,
		AllowedOrigins: cfg.Call.AllowedOrigins,
	}
	if redisDB != nil {
		hubCfg.Presence = redisRepo.NewPresenceRepository(redisDB)
	}
	hub := wsHandler.NewSignalingHub(hubCfg)
	defer hub.Close()

	var publisher callService.MessagePublisher
	if redisDB != nil {
		publisher = redisRepo.NewChatPublisher(redisDB)
	}
	logWriter := callService.NewLogWriter(messageRepo, publisher, callRepo, userRepo, time.UTC)

	deps := callService.Deps{
		Conversations: conversationRepo,
		Registry:      registry,
		Logs:          logWriter,
		Notifier:      hub,
		Directory:     userRepo,
		Metrics:       appMetrics,
	}
	var tokens callHandler.TokenRegistrar
	if pushSvc != nil {
		deps.Push = pushSvc
		tokens = pushSvc
	}
	relay := callService.NewRelay(deps, callService.Config{
		SidechatCap:    cfg.Call.SidechatCap,
		StaleAfter:     cfg.Call.StaleAfter,
		ReaperInterval: cfg.Call.ReaperInterval,
	})
	hub.SetDispatcher(relay)
	go relay.RunReaper(ctx)

	// 9. Router
	if productionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())
	router.Use(middleware.CORSMiddleware(cfg.Call.AllowedOrigins))

	router.GET("/health", middleware.HealthCheck(cfg.Server.ServiceName))
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	var revocation middleware.RevocationChecker
	if redisDB != nil {
		revocation = middleware.NewRedisRevocationChecker(redisDB)
	}
	auth := middleware.AuthMiddleware(jwtManager, revocation)
	limiter := middleware.NewRateLimiter(redisDB, constants.DefaultRateLimitRequests, constants.DefaultRateLimitWindow)

	handler := callHandler.NewHandler(relay, callRepo, tokens)

	calls := router.Group("/v1/calls")
	calls.Use(auth)
	{
		// WebSocket endpoint for call signaling
		calls.GET("/ws/signaling", hub.ServeWS)
	}
	rest := calls.Group("")
	rest.Use(limiter.Middleware())

	pushGroup := router.Group("/v1/push")
	pushGroup.Use(auth, limiter.Middleware())

	handler.RegisterRoutes(rest, pushGroup)

	// 10. Serve with graceful shutdown
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("signaling", "/v1/calls/ws/signaling"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stop()
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

// connectWithRetry retries connect with exponential backoff
func connectWithRetry[T any](name string, connect func() (T, error)) (T, error) {
	const (
		maxRetries = 5
		baseDelay  = 1 * time.Second
		maxDelay   = 30 * time.Second
	)

	conn, err := connect()
	for attempt := 2; err != nil && attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("Connection attempt failed, retrying",
			zap.String("backend", name),
			zap.Int("attempt", attempt-1),
			zap.Duration("delay", delay),
			zap.Error(err))
		time.Sleep(delay)
		conn, err = connect()
	}
	if err != nil {
		return conn, fmt.Errorf("%s: giving up after %d attempts: %w", name, maxRetries, err)
	}
	logger.Info("Connected", zap.String("backend", name))
	return conn, nil
}
