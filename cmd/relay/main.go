// Command relay starts the room-scoped file relay: the WebSocket connection
// manager, the HTTP fallback surface, and the periodic janitor.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FabeYT/smartshare/internal/bus"
	"github.com/FabeYT/smartshare/internal/config"
	"github.com/FabeYT/smartshare/internal/device"
	"github.com/FabeYT/smartshare/internal/httpapi"
	"github.com/FabeYT/smartshare/internal/janitor"
	"github.com/FabeYT/smartshare/internal/logging"
	"github.com/FabeYT/smartshare/internal/middleware"
	"github.com/FabeYT/smartshare/internal/presence"
	"github.com/FabeYT/smartshare/internal/ratelimit"
	"github.com/FabeYT/smartshare/internal/room"
	"github.com/FabeYT/smartshare/internal/store"
	"github.com/FabeYT/smartshare/internal/transfer"
	"github.com/FabeYT/smartshare/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	for _, path := range []string{".env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			slog.Info("loaded environment", "path", path)
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	development := cfg.GoEnv != "production"
	if err := logging.Initialize(development); err != nil {
		slog.Error("failed to initialize logger", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	var busService *bus.Service
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Warn(ctx, "redis bus unavailable, continuing single-instance")
			busService = nil
		} else {
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		}
	}

	limiter, err := ratelimit.New(cfg, redisClient)
	if err != nil {
		logging.Error(ctx, "failed to build rate limiter")
		os.Exit(1)
	}

	persistence := store.New(cfg.DataDir)

	devices := device.NewRegistry(persistence)
	devices.LoadSnapshots(persistence.LoadDevices())

	rooms := room.NewRegistry(persistence)
	rooms.LoadSnapshots(persistence.LoadRooms())

	gov := transfer.NewGovernor(
		int64(cfg.MaxMemoryMB)*1024*1024,
		int64(cfg.WarningMB)*1024*1024,
		cfg.MaxTransfers,
	)

	router := transport.NewRouter(devices, rooms, nil)
	hub := transport.NewHub(devices, rooms, gov, router, cfg.AllowedOrigins)
	hub.SetLimiter(limiter)
	router.SetHub(hub)

	engine := transfer.NewEngine(devices, rooms, gov, hub)
	router.SetEngine(engine)
	hub.SetEngine(engine)
	engine.SetConnectionReaper(hub)

	broadcaster := presence.New(devices, rooms, hub, busService)
	hub.SetPresence(broadcaster)

	j := janitor.New(devices, rooms, engine, broadcaster, hub, cfg.UploadDir)
	j.Start(ctx)

	api := httpapi.New(devices, rooms, engine, gov, cfg.UploadDir, "web", limiter)

	gin.SetMode(gin.ReleaseMode)
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())
	ginEngine.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*"
	if !corsCfg.AllowAllOrigins {
		corsCfg.AllowOrigins = []string{cfg.AllowedOrigins}
	}
	ginEngine.Use(cors.New(corsCfg))
	if limiter != nil {
		ginEngine.Use(limiter.Global())
	}

	ginEngine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	ginEngine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	ginEngine.GET("/ws", hub.ServeWs)
	api.Register(ginEngine)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: ginEngine,
	}

	go func() {
		logging.Info(ctx, "relay listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	j.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "graceful shutdown failed")
	}

	hub.Shutdown()
	time.Sleep(1 * time.Second)

	if busService != nil {
		busService.Close()
	}
	logging.Info(ctx, "exited")
}
