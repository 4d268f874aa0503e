package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/akshad-exe/AirSense/internal/aqi"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AIRSENSE_SERVER_PORT.
const EnvPrefix = "AIRSENSE"

// Config holds the complete configuration for the service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ServiceBus ServiceBusConfig `mapstructure:"service_bus"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Storage    StorageConfig    `mapstructure:"storage"`
	AQI        AQIConfig        `mapstructure:"aqi"`
	Ingestion  IngestionConfig  `mapstructure:"ingestion"`
	Liveness   LivenessConfig   `mapstructure:"liveness"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port               int           `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	Environment        string        `mapstructure:"environment"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	AllowedOrigins     []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// RedisConfig holds the Redis connection settings. An empty Addr disables
// the device cache.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	DeviceTTL    time.Duration `mapstructure:"device_ttl"`
}

// ServiceBusConfig holds the Azure Service Bus settings. An empty connection
// string disables event forwarding.
type ServiceBusConfig struct {
	ConnectionString string        `mapstructure:"connection_string"`
	QueueName        string        `mapstructure:"queue_name"`
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
}

// MQTTConfig holds MQTT broker settings for reading ingestion. An empty
// BrokerURL disables MQTT.
type MQTTConfig struct {
	BrokerURL         string        `mapstructure:"broker_url"`
	ClientID          string        `mapstructure:"client_id"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	QoS               byte          `mapstructure:"qos"`
	CleanSession      bool          `mapstructure:"clean_session"`
	Topics            []string      `mapstructure:"topics"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
}

// StorageConfig holds settings for local spooling and retention.
type StorageConfig struct {
	DeadLetterPath       string `mapstructure:"dead_letter_path"`
	DeadLetterMaxRetries int    `mapstructure:"dead_letter_max_retries"`
	RetentionDays        int    `mapstructure:"retention_days"`
}

// AQIConfig selects the sensor profile.
type AQIConfig struct {
	Profile string `mapstructure:"profile"`
}

// IngestionConfig bounds reading ingestion and queries.
type IngestionConfig struct {
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	DefaultPageSize int           `mapstructure:"default_page_size"`
	MaxPageSize     int           `mapstructure:"max_page_size"`
}

// LivenessConfig controls the offline sweep.
type LivenessConfig struct {
	CheckInterval    time.Duration `mapstructure:"check_interval"`
	OfflineThreshold time.Duration `mapstructure:"offline_threshold"`
}

// BroadcastConfig controls live update fan-out.
type BroadcastConfig struct {
	BufferSize   int           `mapstructure:"buffer_size"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// LoggingConfig controls the service logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// IsProduction reports whether internal error details must be hidden.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}

// Profile returns the configured sensor profile.
func (c *Config) Profile() (aqi.Profile, error) {
	return aqi.Lookup(c.AQI.Profile)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("server.rate_limit_per_minute must not be negative"))
	}
	if _, err := c.Profile(); err != nil {
		errs = append(errs, fmt.Errorf("aqi.profile %q: %w (known: %s)", c.AQI.Profile, err, strings.Join(aqi.ProfileNames(), ", ")))
	}

	positive := map[string]time.Duration{
		"ingestion.store_timeout":    c.Ingestion.StoreTimeout,
		"liveness.check_interval":    c.Liveness.CheckInterval,
		"liveness.offline_threshold": c.Liveness.OfflineThreshold,
		"broadcast.write_timeout":    c.Broadcast.WriteTimeout,
		"broadcast.ping_interval":    c.Broadcast.PingInterval,
	}
	for _, key := range slices.Sorted(maps.Keys(positive)) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}

	if c.Ingestion.MaxPageSize <= 0 {
		errs = append(errs, errors.New("ingestion.max_page_size must be positive"))
	}
	if c.Ingestion.DefaultPageSize <= 0 || c.Ingestion.DefaultPageSize > c.Ingestion.MaxPageSize {
		errs = append(errs, errors.New("ingestion.default_page_size must be between 1 and ingestion.max_page_size"))
	}
	if c.Broadcast.BufferSize <= 0 {
		errs = append(errs, errors.New("broadcast.buffer_size must be positive"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS))
	}

	return errors.Join(errs...)
}

// Load reads configuration from a file and environment variables. A missing
// config file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.rate_limit_per_minute", 120)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.dsn", "host=localhost user=airsense password=airsense dbname=airsense port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.conn_max_idle_time", "10m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.device_ttl", "5m")

	v.SetDefault("service_bus.connection_string", "")
	v.SetDefault("service_bus.queue_name", "airsense-readings")
	v.SetDefault("service_bus.send_timeout", "5s")

	v.SetDefault("mqtt.broker_url", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.clean_session", false)
	v.SetDefault("mqtt.topics", []string{"airsense/devices/+/readings"})
	v.SetDefault("mqtt.keep_alive", "30s")
	v.SetDefault("mqtt.connect_timeout", "10s")
	v.SetDefault("mqtt.max_reconnect_delay", "2m")

	v.SetDefault("storage.dead_letter_path", "./data/dead_letter.log")
	v.SetDefault("storage.dead_letter_max_retries", 5)
	v.SetDefault("storage.retention_days", 30)

	v.SetDefault("aqi.profile", aqi.MQ135.Name)

	v.SetDefault("ingestion.store_timeout", "5s")
	v.SetDefault("ingestion.default_page_size", 100)
	v.SetDefault("ingestion.max_page_size", 1000)

	v.SetDefault("liveness.check_interval", "30s")
	v.SetDefault("liveness.offline_threshold", "60s")

	v.SetDefault("broadcast.buffer_size", 64)
	v.SetDefault("broadcast.write_timeout", "10s")
	v.SetDefault("broadcast.ping_interval", "30s")

	v.SetDefault("logging.level", "info")
}

// isMissingFile matches the error viper returns for an explicit config path
// that does not exist.
func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
