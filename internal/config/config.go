package config

import (
	"os"
	"strconv"
	"time"
)

// DatabaseConfig holds the PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN builds the lib/pq connection string.
func (c *DatabaseConfig) GetDSN() string {
	return "host=" + c.Host +
		" port=" + strconv.Itoa(c.Port) +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.Database +
		" sslmode=" + c.SSLMode
}

// RedisConfig holds the Redis connection parameters for the event stream sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig holds the bus connection parameters. An empty Broker forces
// mock mode.
type MQTTConfig struct {
	Broker          string
	ClientID        string
	Username        string
	Password        string
	QoS             byte
	ReconnectPeriod time.Duration
}

// GatewayConfig tunes the gateway core and its background sweeps.
type GatewayConfig struct {
	EnableMock     bool
	MockInterval   time.Duration
	SweepInterval  time.Duration
	OfflineTimeout time.Duration
	EventStream    string
	ConfigTopic    string
}

// Config is the full service configuration, loaded from environment
// variables with defaults suitable for local development.
type Config struct {
	DataProvider string // "memory" or "postgres"
	Database     DatabaseConfig
	Redis        RedisConfig
	MQTT         MQTTConfig
	Gateway      GatewayConfig

	Log struct {
		Level  string
		Format string
	}
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DataProvider = getEnv("DATA_PROVIDER", "memory")

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "cuveris")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "cuveris-gateway")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1
	cfg.MQTT.ReconnectPeriod = getEnvDuration("MQTT_RECONNECT_PERIOD", 2*time.Second)

	cfg.Gateway.EnableMock = getEnvBool("ENABLE_MQTT_MOCK", false)
	cfg.Gateway.MockInterval = getEnvDuration("MOCK_INTERVAL", 5*time.Second)
	cfg.Gateway.SweepInterval = getEnvDuration("LIVENESS_SWEEP_INTERVAL", 10*time.Second)
	cfg.Gateway.OfflineTimeout = getEnvDuration("LIVENESS_OFFLINE_TIMEOUT", 60*time.Second)
	cfg.Gateway.EventStream = getEnv("EVENT_STREAM", "cuveris:events")
	cfg.Gateway.ConfigTopic = getEnv("MQTT_CONFIG_TOPIC", "global/config/fleet")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// bare numbers are taken as milliseconds, matching the broker's
		// reconnectPeriod convention
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultValue
}
