package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/otagate/cmd/ota-server/middleware"
	"github.com/lgulliver/otagate/cmd/ota-server/routes"
	"github.com/lgulliver/otagate/internal/common"
	"github.com/lgulliver/otagate/internal/fetch"
	"github.com/lgulliver/otagate/internal/flash"
	"github.com/lgulliver/otagate/internal/history"
	"github.com/lgulliver/otagate/internal/metrics"
	"github.com/lgulliver/otagate/internal/storage"
	"github.com/lgulliver/otagate/internal/updater"
	"github.com/lgulliver/otagate/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	cfg := config.LoadFromEnv()

	// Setup logging
	setupLogging(cfg.Logging)

	logrus.Info("Starting OTA update server")

	// Initialize database
	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(); err != nil {
		logrus.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize metrics
	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		reg = metrics.InitRegistry()
	}
	updateMetrics := metrics.NewUpdateMetrics(reg)

	// Initialize reboot scheduling
	reboots := updater.NewRebootScheduler(updater.NewCommandRebooter(cfg.Flash.RebootCommand))
	reboots.OnReboot(func(reason string) {
		logrus.WithField("reason", reason).Warn("Rebooting device")
	})

	// Initialize slot storage and the write engine
	slots, err := storage.NewLocalStorage(cfg.Flash.Path)
	if err != nil {
		logrus.Fatalf("Failed to initialize slot storage: %v", err)
	}

	flashEngine := flash.NewEngine(db.DB, slots, cfg.Flash.MaxImageSize)
	err = flashEngine.Open(context.Background(), func(reason string) {
		if reboots.RebootAfter(cfg.Update.RevertDelay, reason) {
			updateMetrics.RecordReboot(reason)
		}
	})
	if err != nil {
		logrus.Fatalf("Failed to open flash state: %v", err)
	}
	defer flashEngine.Close()

	// Initialize services
	fetcher := fetch.NewHTTPFetcher(&http.Client{}, cfg.Update.FetchRetries)
	svc := updater.NewService(&cfg.Update, flashEngine, fetcher, reboots, updateMetrics)

	historyStore := history.NewStore(db.DB)
	svc.Recorder = historyStore
	if _, err := historyStore.Prune(context.Background(), cfg.Update.HistoryKeep); err != nil {
		logrus.Warnf("Failed to prune update history: %v", err)
	}

	// Status fan-out is optional
	var statusCache routes.StatusCache
	if cfg.Redis.Enabled() {
		cache, err := common.NewCache(&cfg.Redis)
		if err != nil {
			logrus.Warnf("Status publishing disabled, Redis unavailable: %v", err)
		} else {
			defer cache.Close()
			svc.Publisher = cache
			statusCache = cache
		}
	}

	// Setup HTTP server
	router := setupRouter(cfg, svc, historyStore, flashEngine, statusCache)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		logrus.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	} else {
		logrus.Info("Server shutdown complete")
	}

	// A pull may still be writing flash.
	svc.Wait()
	if reboots.Stop() {
		logrus.Info("Cancelled scheduled reboot")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Internal packages log through zerolog
	zerolog.SetGlobalLevel(zerologLevels[level])
}

var zerologLevels = map[logrus.Level]zerolog.Level{
	logrus.PanicLevel: zerolog.PanicLevel,
	logrus.FatalLevel: zerolog.FatalLevel,
	logrus.ErrorLevel: zerolog.ErrorLevel,
	logrus.WarnLevel:  zerolog.WarnLevel,
	logrus.InfoLevel:  zerolog.InfoLevel,
	logrus.DebugLevel: zerolog.DebugLevel,
	logrus.TraceLevel: zerolog.TraceLevel,
}

func setupRouter(cfg *config.Config, svc *updater.Service, historyStore routes.HistoryLister, flashState routes.FlashStateReader, statusCache routes.StatusCache) *gin.Engine {
	// Set Gin mode based on environment
	if logrus.GetLevel() == logrus.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Logger())
	router.Use(middleware.Recovery())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"service":     "ota-server",
			"time":        time.Now().UTC(),
			"in_progress": svc.Registry.Current() != nil,
			"metrics":     metrics.IsEnabled(),
		})
	})

	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(metrics.Handler()))
	}

	api := router.Group("")
	if cfg.Auth.JWTSecret != "" {
		api.Use(middleware.AuthMiddleware(middleware.JWTValidator{Secret: cfg.Auth.JWTSecret}))
	}
	routes.UpdateRoutes(api, svc, historyStore, flashState, statusCache)

	return router
}
