package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"riskengine/internal/challenge"
	"riskengine/internal/config"
	"riskengine/internal/database"
	"riskengine/internal/logger"
	"riskengine/internal/models"
	"riskengine/internal/notify"
	"riskengine/internal/quotes"
	"riskengine/internal/risk"
	"riskengine/internal/server"
	"riskengine/internal/valuation"

	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(&cfg)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Load the instrument table for the valuator
	var instruments []models.Instrument
	if err := db.Where("enabled = ?", true).Find(&instruments).Error; err != nil {
		log.Fatal("Failed to load instrument table", zap.Error(err))
	}
	valuator := valuation.NewValuator(instruments)
	log.Info("Instrument table loaded", zap.Int("count", len(instruments)))

	// Quote source and notifier
	quoteClient := quotes.NewRestClient(&cfg.Quotes, log)
	notifier := notify.New(&cfg.Notify, log)

	// Engines share one per-account lock registry so a sweep and a
	// live valuation for the same account never interleave.
	locks := risk.NewAccountLocks()
	monitor := risk.NewMonitor(db, valuator, quoteClient, notifier, log, locks, cfg.Risk.StopOutLevel)
	engine := challenge.NewEngine(db, valuator, quoteClient, notifier, log, locks, &cfg)
	sweeper := challenge.NewSweeper(engine, log, cfg.Challenge.InactivityDays)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Scheduled sweeps run alongside the on-demand endpoint.
	go sweeper.Run(ctx, time.Duration(cfg.Challenge.SweepInterval)*time.Second)

	apiServer := server.NewServer(cfg.Server.Port, monitor, engine, sweeper, log)
	apiServer.Start()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}

	log.Info("Risk engine has been shut down.")
}
