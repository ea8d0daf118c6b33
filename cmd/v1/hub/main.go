package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/caldera-live/caldera/backend/go/internal/v1/account"
	"github.com/caldera-live/caldera/backend/go/internal/v1/bus"
	"github.com/caldera-live/caldera/backend/go/internal/v1/channel"
	"github.com/caldera-live/caldera/backend/go/internal/v1/chatlog"
	"github.com/caldera-live/caldera/backend/go/internal/v1/config"
	"github.com/caldera-live/caldera/backend/go/internal/v1/fabric"
	"github.com/caldera-live/caldera/backend/go/internal/v1/health"
	"github.com/caldera-live/caldera/backend/go/internal/v1/logging"
	"github.com/caldera-live/caldera/backend/go/internal/v1/metrics"
	"github.com/caldera-live/caldera/backend/go/internal/v1/middleware"
	"github.com/caldera-live/caldera/backend/go/internal/v1/presence"
	"github.com/caldera-live/caldera/backend/go/internal/v1/ratelimit"
	"github.com/caldera-live/caldera/backend/go/internal/v1/session"
	"github.com/caldera-live/caldera/backend/go/internal/v1/streamauth"
	"github.com/caldera-live/caldera/backend/go/internal/v1/transport"
)

const maintenanceInterval = 60 * time.Second

func main() {
	// Load .env for local development. Try multiple paths to handle different
	// ways of running the app.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()
	if cfg.DevelopmentMode {
		logging.Warn(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Redis mirror (optional) ---
	var busService *bus.Service
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running without the mirror", zap.Error(err))
			busService = nil
		} else {
			redisClient = busService.Client()
			logging.Info(ctx, "Redis mirror initialized", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logging.Info(ctx, "Running in single-instance mode (Redis disabled)")
	}

	// --- Registries ---
	accounts, err := account.NewStore(account.Options{
		DataDir:    cfg.DataDir,
		SessionTTL: cfg.SessionTTL,
		BcryptCost: cfg.BcryptCost,
		KDFWorkers: cfg.KDFWorkers,
		Mirror:     busService,
	})
	if err != nil {
		logging.Fatal(ctx, "Failed to load account store", zap.Error(err))
	}

	channels := channel.NewRegistry(channel.Options{
		MaxChannels:       cfg.MaxChannels,
		MaxChannelMembers: cfg.MaxChannelMembers,
	})
	chat := chatlog.NewLog(cfg.ChatHistoryLength)
	users := presence.NewRegistry()

	limiter, err := ratelimit.New(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Failed to build rate limiters", zap.Error(err))
	}

	// The fabric drops slow subscribers through the hub; the hub doesn't exist
	// yet, so the closure binds late.
	var hub *transport.Hub
	fab := fabric.New(func(connID, reason string) {
		hub.CloseConn(connID, reason)
	})

	hub = transport.NewHub(session.Deps{
		Accounts:         accounts,
		Channels:         channels,
		Chat:             chat,
		Presence:         users,
		Fabric:           fab,
		Limits:           limiter,
		MaxMessageLength: cfg.MaxMessageLength,
	}, transport.ParseAllowedOrigins(cfg.AllowedOrigins))

	seedDefaults(ctx, channels)
	metrics.ActiveChannels.Set(float64(channels.Count()))

	// --- Periodic maintenance ---
	maintenanceDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				if n := users.SweepExpiredBans(now); n > 0 {
					logging.Info(ctx, "Expired bans swept", zap.Int("count", n))
				}
				if n := accounts.SweepExpiredSessions(); n > 0 {
					logging.Info(ctx, "Expired sessions swept", zap.Int("count", n))
				}
			case <-maintenanceDone:
				return
			}
		}
	}()

	// --- HTTP surface ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	if origins := transport.ParseAllowedOrigins(cfg.AllowedOrigins); len(origins) > 0 {
		corsConfig.AllowOrigins = origins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(corsConfig))

	router.GET("/ws", limiter.WebSocketMiddleware(), hub.ServeWs)

	streamauth.NewHandler(accounts, channels, fab, limiter).Register(router)
	health.NewHandler(cfg.GoEnv, channels, users, chat, busService).Register(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Hub server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	close(maintenanceDone)
	hub.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	if err := accounts.Close(); err != nil {
		logging.Error(ctx, "Failed to flush account snapshots", zap.Error(err))
	}
	if busService != nil {
		if err := busService.Close(); err != nil {
			logging.Error(ctx, "Failed to close Redis connection", zap.Error(err))
		}
	}
	logging.Info(ctx, "Server exiting")
}

// seedDefaults creates the boot channels and groups on an empty registry.
// Create is idempotent enough here: a name collision means a prior boot (or a
// snapshot restore) already seeded, and is ignored.
func seedDefaults(ctx context.Context, channels *channel.Registry) {
	text := channels.EnsureGroup("Text", channel.KindText, false)
	voice := channels.EnsureGroup("Voice", channel.KindVoice, false)
	live := channels.EnsureGroup("Live", channel.KindStream, false)

	seed := []struct {
		name    string
		kind    channel.Kind
		groupID string
	}{
		{"general", channel.KindText, text.GroupID},
		{"random", channel.KindText, text.GroupID},
		{"lounge", channel.KindVoice, voice.GroupID},
		{"gaming", channel.KindVoice, voice.GroupID},
		{"broadcast", channel.KindStream, live.GroupID},
		{"screens", channel.KindScreenshare, live.GroupID},
	}
	for _, s := range seed {
		if _, err := channels.Create(s.name, s.kind, s.groupID, channel.PermissionsInput{}); err != nil {
			logging.Warn(ctx, "Skipping default channel", zap.String("name", s.name), zap.Error(err))
			continue
		}
		logging.Info(ctx, "Seeded default channel",
			zap.String("name", s.name), zap.String("type", string(s.kind)))
	}
}
