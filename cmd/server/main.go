package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vedran77/pulsesync/internal/config"
	"github.com/vedran77/pulsesync/internal/database"
	"github.com/vedran77/pulsesync/internal/logging"
	"github.com/vedran77/pulsesync/internal/metrics"
	"github.com/vedran77/pulsesync/internal/repository"
	"github.com/vedran77/pulsesync/internal/repository/memory"
	mongorepo "github.com/vedran77/pulsesync/internal/repository/mongo"
	postgresrepo "github.com/vedran77/pulsesync/internal/repository/postgres"
	"github.com/vedran77/pulsesync/internal/service"
	"github.com/vedran77/pulsesync/internal/transport/http/handlers"
	"github.com/vedran77/pulsesync/internal/transport/http/middleware"
	"github.com/vedran77/pulsesync/internal/transport/ws"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Store
	store, closeStore, err := openStore(ctx, g, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Services
	users := service.NewUserDirectory(store, logger, cfg.DefaultAvatarURL)
	if err := users.Start(); err != nil {
		return fmt.Errorf("starting user directory: %w", err)
	}
	defer users.Close()

	policy := service.CreatorPolicy{DeleteRequiresCreator: cfg.DeleteRequiresCreator}
	ordering := service.DefaultOrdering
	ordering.ThreadFanout = service.ParseSortOrder(cfg.ThreadFanoutOrder)

	messages := service.NewMessageService(store, users, policy, cfg.DefaultAvatarURL, logger)
	channels := service.NewChannelRegistry(store, logger)
	defer channels.Close()
	core := service.NewCore(store, users, messages, ordering, logger)
	authService := service.NewAuthService(store, users, cfg.JWTSecret, cfg.DefaultAvatarURL, logger)

	// Handlers
	authHandler := handlers.NewAuthHandler(authService, logger)
	channelHandler := handlers.NewChannelHandler(channels, users, logger)
	messageHandler := handlers.NewMessageHandler(messages, channels, logger)
	userHandler := handlers.NewUserHandler(users, logger)

	hub := ws.NewHub(users, logger)

	// Auth middleware
	auth := middleware.Auth(cfg.JWTSecret)

	// Routes
	mux := http.NewServeMux()

	// Public
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /api/v1/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/v1/auth/login", authHandler.Login)

	// Protected - Channels
	mux.Handle("POST /api/v1/channels", auth(http.HandlerFunc(channelHandler.Create)))
	mux.Handle("GET /api/v1/channels", auth(http.HandlerFunc(channelHandler.List)))
	mux.Handle("POST /api/v1/channels/private", auth(http.HandlerFunc(channelHandler.OpenPrivate)))
	mux.Handle("PATCH /api/v1/channels/{id}", auth(http.HandlerFunc(channelHandler.Update)))
	mux.Handle("GET /api/v1/channels/{id}/creator", auth(http.HandlerFunc(channelHandler.Creator)))

	// Protected - Messages
	mux.Handle("POST /api/v1/channels/{id}/messages", auth(http.HandlerFunc(messageHandler.Send)))
	mux.Handle("PATCH /api/v1/messages/{id}", auth(http.HandlerFunc(messageHandler.Edit)))
	mux.Handle("DELETE /api/v1/messages/{id}", auth(http.HandlerFunc(messageHandler.Delete)))
	mux.Handle("POST /api/v1/messages/{id}/reactions", auth(http.HandlerFunc(messageHandler.React)))

	// Protected - Users
	mux.Handle("GET /api/v1/users", auth(http.HandlerFunc(userHandler.List)))

	// WebSocket (auth via query param)
	mux.HandleFunc("GET /ws", ws.ServeWS(hub, core, cfg.JWTSecret, logger))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: middleware.CORS(mux),
	}

	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore connects the configured backend. Background work the backend
// needs runs in g.
func openStore(ctx context.Context, g *errgroup.Group, cfg *config.Config, logger *zap.Logger) (repository.DocumentStore, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := database.Connect(cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logger.Info("connected to postgres", zap.String("host", cfg.DBHost), zap.String("db", cfg.DBName))

		store := postgresrepo.NewDocumentStore(pool, logger)
		g.Go(func() error {
			return store.Listen(ctx)
		})
		return store, pool.Close, nil

	case "mongo":
		client, err := database.ConnectMongo(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		store := mongorepo.NewDocumentStore(client, cfg.MongoDB, logger)
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		logger.Info("connected to mongo", zap.String("db", cfg.MongoDB))
		return store, func() { _ = client.Disconnect(context.Background()) }, nil

	case "memory":
		logger.Warn("using the in-memory store, data is lost on exit")
		return memory.New(logger), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
}
