package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/xpanvictor/xarvis-realtime/internal/app"
	"github.com/xpanvictor/xarvis-realtime/internal/config"
	"github.com/xpanvictor/xarvis-realtime/internal/database"
	"github.com/xpanvictor/xarvis-realtime/internal/server"
	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
)

// This is the main entry point for the realtime voice server.
// Loads in all system components
// Exposes /ws plus health, stats and metrics
func main() {
	// fetch cfg
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	// load global logger
	logger := Logger.New(cfg.Server.Debug)
	defer logger.Sync()
	logger.Info("Logger initialized")

	// optional presence directory
	rc, err := database.NewRedis(cfg.Redis)
	if err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}

	a, err := app.NewApp(cfg, logger, rc)
	if err != nil {
		logger.Fatalf("Failed to build app: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := a.Start(ctx); err != nil {
		logger.Fatalf("Failed to start app: %v", err)
	}

	// compose router
	router := server.NewRouter(cfg.Server.Debug, server.NewServerDependencies(a))

	// listen with graceful exit
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router.Handler(),
	}
	go func() {
		logger.Infof("Listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Server exiting: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	// 10 secs then cancel
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// hijacked websockets are not tracked by Shutdown; App.Stop closes them
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Shutdown err %v", err)
	}
	if err := a.Stop(shutdownCtx); err != nil {
		logger.Errorf("App stop err %v", err)
	}
	logger.Info("Shutdown system")
}
