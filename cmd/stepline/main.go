package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/stepline/internal/api"
	"github.com/nidhogg/stepline/internal/config"
	"github.com/nidhogg/stepline/internal/notify"
	"github.com/nidhogg/stepline/internal/orchestrator"
	"github.com/nidhogg/stepline/internal/scheduler"
	"github.com/nidhogg/stepline/internal/store"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Stepline...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/stepline.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Initialize PostgreSQL store
	st, err := store.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("PostgreSQL unavailable", zap.Error(err))
	}
	if err := st.Migrate(context.Background(), "migrations"); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Notification sinks. Redis is optional: the engine keeps running
	// without an event stream if it is down.
	var sinks []notify.Dispatcher
	var redisDispatcher *notify.RedisDispatcher
	if cfg.Database.Redis.URL != "" {
		rd, redisErr := notify.NewRedisDispatcher(cfg.Database.Redis.URL, logger)
		if redisErr != nil {
			logger.Warn("Redis unavailable, running without event stream", zap.Error(redisErr))
		} else {
			redisDispatcher = rd
			sinks = append(sinks, rd)
		}
	}
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		sinks = append(sinks, notify.NewSlackSink(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger))
	}
	var dispatcher notify.Dispatcher = notify.NopDispatcher{}
	if len(sinks) > 0 {
		dispatcher = notify.NewFanout(logger, sinks...)
	}

	coordinator := orchestrator.New(st, dispatcher, logger)

	// Delay sweep: resumes suspended workflows whose delay expired
	sweeper := scheduler.New(cfg.Scheduler.Interval(), coordinator.Sweep, logger)
	sweeper.Start(context.Background())

	// Build HTTP handler
	handler := api.NewHandler(coordinator, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Stepline listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Stepline...")
	sweeper.Stop()
	srv.Shutdown(context.Background())
	if redisDispatcher != nil {
		redisDispatcher.Close()
	}
	st.Close()
}
