package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akshad-exe/AirSense/internal/api"
	"github.com/akshad-exe/AirSense/internal/core"
	"github.com/akshad-exe/AirSense/internal/infrastructure"
	"github.com/akshad-exe/AirSense/internal/metrics"
	"github.com/akshad-exe/AirSense/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the AirSense API server",
	Long: `Launches the HTTP server for device registration, reading ingestion,
history queries and WebSocket live updates. MQTT ingestion, the Redis device
cache and Service Bus forwarding start when configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.WithField("version", utils.Version).Info("Initializing AirSense service...")

	// --- Infrastructure Setup ---
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	m := metrics.New(metrics.Registry)

	var cache core.Cache
	if cfg.Redis.Addr != "" {
		logger.Info("Connecting to cache...")
		redisCache, err := infrastructure.NewCache(cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Cache unavailable, continuing without it")
		} else {
			cache = redisCache
			defer redisCache.Close()
		}
	}

	var publisher core.EventPublisher
	if cfg.ServiceBus.ConnectionString != "" {
		logger.Info("Connecting to messaging service...")
		messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, continuing without it")
		} else {
			publisher = messaging
			defer messaging.Close()
		}
	}

	// --- Service Layer Setup ---
	services, err := newServiceRegistry(db, cache, publisher, m)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services.Liveness.Start(ctx)

	// --- MQTT ingestion ---
	var subscriber *infrastructure.MQTTSubscriber
	var deadLetters *infrastructure.WAL
	if cfg.MQTT.BrokerURL != "" {
		deadLetters, err = openDeadLetters()
		if err != nil {
			services.Liveness.Stop()
			return fmt.Errorf("failed to open dead-letter log: %w", err)
		}
		defer deadLetters.Close()

		subscriber, err = infrastructure.NewMQTTSubscriber(mqttConfig(), logger)
		if err != nil {
			services.Liveness.Stop()
			return fmt.Errorf("invalid MQTT configuration: %w", err)
		}
		subscriber.RegisterHandler(infrastructure.MessageTypeReadings,
			infrastructure.NewReadingHandler(services.Ingestion, deadLetters, logger, m))

		if err := subscriber.Start(); err != nil {
			logger.WithError(err).Warn("MQTT broker unavailable, continuing with HTTP ingestion only")
			subscriber = nil
		}
	}

	// --- API Layer Setup ---
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(services, apiOptions(), logger, m)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":        serverAddr,
			"environment": cfg.Server.Environment,
			"aqi_profile": cfg.AQI.Profile,
		}).Info("AirSense API listening")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// --- Graceful Shutdown ---
	var runErr error
	select {
	case <-ctx.Done():
		logger.Warn("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		logger.WithError(err).Error("HTTP server failed")
		runErr = fmt.Errorf("http server: %w", err)
	}

	// Stop producers of events first, then the consumers.
	services.Liveness.Stop()
	if subscriber != nil {
		subscriber.Stop()
	}
	services.Hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server shutdown failed")
	} else {
		logger.Info("Server stopped gracefully")
	}

	services.Ingestion.Wait()

	logger.Info("AirSense service shutdown complete")
	return runErr
}
