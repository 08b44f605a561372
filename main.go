package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"dm-service/internal/config"
	"dm-service/internal/db"
	grpcserver "dm-service/internal/grpc"
	"dm-service/internal/handlers"
	"dm-service/internal/middleware"
	"dm-service/internal/observability"
	"dm-service/internal/rabbitmq"
	"dm-service/internal/repositories"
	"dm-service/internal/services"
	"dm-service/internal/telemetry"
	"dm-service/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// stores bundles the selected storage backend.
type stores struct {
	messages repositories.MessageRepository
	users    repositories.UserRepository
	ping     func(ctx context.Context) error
	close    func() error
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverBadger:
		bdb, err := db.OpenBadger(cfg.BadgerPath, logger)
		if err != nil {
			return nil, err
		}
		messages, err := repositories.NewBadgerMessageRepo(bdb)
		if err != nil {
			_ = bdb.Close()
			return nil, err
		}
		return &stores{
			messages: messages,
			users:    repositories.NewBadgerUserRepo(bdb),
			ping:     badgerPing(bdb),
			close: func() error {
				_ = messages.Close()
				return bdb.Close()
			},
		}, nil
	default:
		database, err := db.Connect(ctx, cfg.DBDriver, cfg.DBDSN, logger)
		if err != nil {
			return nil, err
		}
		return &stores{
			messages: repositories.NewMessageRepo(database),
			users:    repositories.NewUserRepo(database),
			ping:     sqlPing(database),
			close:    database.Close,
		}, nil
	}
}

func badgerPing(bdb *badger.DB) func(context.Context) error {
	return func(context.Context) error {
		if bdb.IsClosed() {
			return errors.New("badger is closed")
		}
		return nil
	}
}

func sqlPing(database *sqlx.DB) func(context.Context) error {
	return database.PingContext
}

func newFanout(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ws.Fanout, func(), error) {
	if cfg.Fanout != config.FanoutRedis {
		return nil, func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis fanout enabled", zap.String("channel", ws.RedisChannel))
	return ws.NewRedisFanout(client, logger), func() { _ = client.Close() }, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.ServiceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = shutdownTracer(sctx)
	}()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.close() }()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer func() { _ = publisher.Close() }()
	logger.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	audit := telemetry.NewAuditEmitter(publisher, cfg.ServiceName, cfg.Env, logger)

	fanout, closeFanout, err := newFanout(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeFanout()

	hub := ws.NewHub(fanout, publisher, logger)
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	messageService := services.NewMessageService(st.messages, st.users, hub, audit, logger)
	messageHandler := handlers.NewMessageHandler(messageService)
	userHandler := handlers.NewUserHandler(st.users)
	wsHandler := ws.NewHandler(hub, messageService, cfg.JWTSecret, cfg.WSSendBuffer, allowOrigin(cfg.FrontendURL), logger)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		gin.Recovery(),
		observability.RequestID(),
		otelgin.Middleware(cfg.ServiceName),
		observability.HTTPMetricsMiddleware(),
		observability.RequestLogger(logger),
		cors.New(cors.Config{
			AllowOrigins:     []string{cfg.FrontendURL},
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-Id", "X-Device-Id"},
			ExposeHeaders:    []string{"X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}),
	)

	router.GET("/healthz", handlers.Healthz(st.ping))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", wsHandler.Handle)
	handlers.RegisterDebugRoutes(router, cfg.JWTSecret, audit, hub, cfg.DebugRoutes)

	authed := router.Group("/", middleware.AuthMiddleware(cfg.JWTSecret))
	authed.GET("/history/:userA/:userB", messageHandler.GetHistory)
	authed.POST("/messages", messageHandler.PostMessage)
	authed.GET("/conversations", messageHandler.ListConversations)
	authed.GET("/users/:id", userHandler.GetUser)
	authed.PUT("/users/me", userHandler.PutMe)

	legacy := authed.Group("/api/chats")
	legacy.GET("/:userA/:userB", messageHandler.GetHistory)
	legacy.POST("", messageHandler.PostMessage)

	healthServer := grpcserver.NewHealthServer(st.ping, logger)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go func() {
		if err := healthServer.Serve(ctx, lis); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting dm-service",
			zap.String("port", cfg.Port),
			zap.String("grpc_port", cfg.GRPCPort),
			zap.String("store", cfg.StoreDriver),
			zap.String("fanout", cfg.Fanout),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	hub.Shutdown()
	healthServer.Stop()
	return nil
}

// allowOrigin accepts same-origin and non-browser clients plus the configured frontend.
func allowOrigin(frontendURL string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || origin == frontendURL
	}
}
