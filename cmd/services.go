package cmd

import (
	"fmt"

	"github.com/akshad-exe/AirSense/internal/api"
	"github.com/akshad-exe/AirSense/internal/core"
	"github.com/akshad-exe/AirSense/internal/infrastructure"
	"github.com/akshad-exe/AirSense/internal/metrics"
	"github.com/sirupsen/logrus"
)

// newServiceRegistry wires the domain services on top of db. cache and
// publisher are optional.
func newServiceRegistry(db *infrastructure.Database, cache core.Cache, publisher core.EventPublisher, m *metrics.Metrics) (*core.ServiceRegistry, error) {
	profile, err := cfg.Profile()
	if err != nil {
		return nil, fmt.Errorf("failed to load AQI profile: %w", err)
	}

	repo := core.NewRepository(db.DB)
	devices := core.NewDeviceRegistry(repo, cache, cfg.Redis.DeviceTTL, logger)
	readings := core.NewReadingStore(repo, profile, core.ReadingStoreOptions{
		StoreTimeout: cfg.Ingestion.StoreTimeout,
		MaxPageSize:  cfg.Ingestion.MaxPageSize,
	}, logger)
	hub := core.NewHub(cfg.Broadcast.BufferSize, logger, m)

	return &core.ServiceRegistry{
		Repository: repo,
		Devices:    devices,
		Readings:   readings,
		Hub:        hub,
		Ingestion:  core.NewIngestionPipeline(devices, readings, hub, publisher, logger, m),
		Liveness: core.NewLivenessMonitor(devices, hub,
			cfg.Liveness.CheckInterval, cfg.Liveness.OfflineThreshold, logger, m),
	}, nil
}

func apiOptions() api.Options {
	return api.Options{
		Production:         cfg.IsProduction(),
		DefaultPageSize:    cfg.Ingestion.DefaultPageSize,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		WSWriteTimeout:     cfg.Broadcast.WriteTimeout,
		WSPingInterval:     cfg.Broadcast.PingInterval,
	}
}

func mqttConfig() infrastructure.MQTTConfig {
	return infrastructure.MQTTConfig{
		BrokerURL:         cfg.MQTT.BrokerURL,
		ClientID:          cfg.MQTT.ClientID,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		QoS:               cfg.MQTT.QoS,
		CleanSession:      cfg.MQTT.CleanSession,
		Topics:            cfg.MQTT.Topics,
		KeepAlive:         cfg.MQTT.KeepAlive,
		ConnectTimeout:    cfg.MQTT.ConnectTimeout,
		MaxReconnectDelay: cfg.MQTT.MaxReconnectDelay,
	}
}

// openDeadLetters opens the dead-letter log and drops lines left unreadable
// by a crash mid-write.
func openDeadLetters() (*infrastructure.WAL, error) {
	wal, err := infrastructure.NewWAL(cfg.Storage.DeadLetterPath, infrastructure.WALOptions{
		MaxRetries: cfg.Storage.DeadLetterMaxRetries,
	})
	if err != nil {
		return nil, err
	}
	if err := wal.Compact(); err != nil {
		wal.Close()
		return nil, fmt.Errorf("failed to compact dead-letter log: %w", err)
	}

	logger.WithFields(logrus.Fields(wal.Stats())).Info("Dead-letter log ready")
	return wal, nil
}
