package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/eddielth/telemetry-hub/logger"
)

// Config is the application configuration
type Config struct {
	MQTT         MQTTConfig             `mapstructure:"mqtt"`
	NATS         NATSConfig             `mapstructure:"nats"`
	Redis        RedisConfig            `mapstructure:"redis"`
	Cache        CacheConfig            `mapstructure:"cache"`
	Presence     PresenceConfig         `mapstructure:"presence"`
	Registry     RegistryConfig         `mapstructure:"registry"`
	Dispatch     DispatchConfig         `mapstructure:"dispatch"`
	Fanout       FanoutConfig           `mapstructure:"fanout"`
	Alerting     AlertingConfig         `mapstructure:"alerting"`
	HTTP         HTTPConfig             `mapstructure:"http"`
	Transformers map[string]Transformer `mapstructure:"transformers"`
	Logger       LoggerConfig           `mapstructure:"logger"`
}

// MQTTConfig configures the MQTT ingress bridge
type MQTTConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Broker   string   `mapstructure:"broker"`
	ClientID string   `mapstructure:"client_id"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	Topics   []string `mapstructure:"topics"`
	// PresenceFromTelemetry enqueues a status ping for every telemetry message.
	PresenceFromTelemetry bool `mapstructure:"presence_from_telemetry"`
}

// NATSConfig configures the JetStream ingestion queues
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
	// Retention bounds how long an unconsumed job stays in the stream.
	Retention time.Duration `mapstructure:"retention"`
	Telemetry QueueConfig   `mapstructure:"telemetry"`
	Status    QueueConfig   `mapstructure:"status"`
}

// QueueConfig configures one logical queue
type QueueConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	// LockLease is the JetStream ack wait; it must exceed the slowest downstream I/O.
	LockLease  time.Duration `mapstructure:"lock_lease"`
	MaxDeliver int           `mapstructure:"max_deliver"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	Retryable  bool          `mapstructure:"retryable"`
}

// RedisConfig configures the key-value store shared by cache, presence and cooldowns
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CacheConfig configures the latest-value cache
type CacheConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	MaxReadings int           `mapstructure:"max_readings"`
}

// PresenceConfig configures liveness TTLs
type PresenceConfig struct {
	OnlineTTL   time.Duration `mapstructure:"online_ttl"`
	LastSeenTTL time.Duration `mapstructure:"last_seen_ttl"`
}

// RegistryConfig selects the device registry and rule store backend
type RegistryConfig struct {
	// Type is one of mysql, postgresql or file.
	Type     string        `mapstructure:"type"`
	DSN      string        `mapstructure:"dsn"`
	Path     string        `mapstructure:"path"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	CacheMax int           `mapstructure:"cache_max"`
}

// DispatchConfig configures family classification
type DispatchConfig struct {
	LegacyClimateIDs []string `mapstructure:"legacy_climate_ids"`
}

// FanoutConfig configures websocket fan-out
type FanoutConfig struct {
	JWTSecret  string `mapstructure:"jwt_secret"`
	SendBuffer int    `mapstructure:"send_buffer"`
}

// AlertingConfig configures notification dispatch
type AlertingConfig struct {
	WebhookURL     string        `mapstructure:"webhook_url"`
	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	BroadcastAlert bool          `mapstructure:"broadcast_alerts"`
}

// HTTPConfig configures the HTTP surface
type HTTPConfig struct {
	Addr    string   `mapstructure:"addr"`
	APIKeys []string `mapstructure:"api_keys"`
}

// Transformer points at an enrichment script for one device family
type Transformer struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// LoggerConfig configures logging
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// ConfigChangeCallback is invoked after the config file changed and was parsed
type ConfigChangeCallback func(cfg *Config) error

const envPrefix = "TELEMETRY"

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.topics", []string{"devices/+/telemetry", "devices/+/status"})
	v.SetDefault("mqtt.presence_from_telemetry", true)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.stream", "INGEST")
	v.SetDefault("nats.retention", time.Hour)
	v.SetDefault("nats.telemetry.concurrency", 5)
	v.SetDefault("nats.telemetry.lock_lease", 2*time.Minute)
	v.SetDefault("nats.telemetry.max_deliver", 5)
	v.SetDefault("nats.telemetry.retry_delay", 5*time.Second)
	v.SetDefault("nats.telemetry.retryable", true)
	v.SetDefault("nats.status.concurrency", 5)
	v.SetDefault("nats.status.lock_lease", 30*time.Second)
	v.SetDefault("nats.status.max_deliver", 1)
	v.SetDefault("nats.status.retryable", false)

	v.SetDefault("redis.addr", "127.0.0.1:6379")

	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.max_readings", 1440)

	v.SetDefault("presence.online_ttl", 3*time.Minute)
	v.SetDefault("presence.last_seen_ttl", 24*time.Hour)

	v.SetDefault("registry.type", "file")
	v.SetDefault("registry.path", "devices.yaml")
	v.SetDefault("registry.cache_ttl", time.Minute)
	v.SetDefault("registry.cache_max", 10000)

	v.SetDefault("dispatch.legacy_climate_ids", []string{"2af0"})

	v.SetDefault("fanout.send_buffer", 256)

	v.SetDefault("alerting.webhook_timeout", 5*time.Second)
	v.SetDefault("alerting.broadcast_alerts", true)

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads the configuration file at configPath, applying defaults
// and TELEMETRY_* environment overrides
func LoadConfig(configPath string) (*Config, error) {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}
	return decode(v)
}

// Validate checks values that have no sensible fallback
func (c *Config) Validate() error {
	if c.NATS.Telemetry.Concurrency <= 0 || c.NATS.Status.Concurrency <= 0 {
		return fmt.Errorf("nats: queue concurrency must be positive")
	}
	if c.NATS.Telemetry.LockLease <= 0 || c.NATS.Status.LockLease <= 0 {
		return fmt.Errorf("nats: lock_lease must be positive")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache: ttl must be positive")
	}
	if c.Presence.OnlineTTL <= 0 || c.Presence.LastSeenTTL < c.Presence.OnlineTTL {
		return fmt.Errorf("presence: last_seen_ttl must be at least online_ttl")
	}
	switch c.Registry.Type {
	case "file":
		if c.Registry.Path == "" {
			return fmt.Errorf("registry: path required for file registry")
		}
	case "mysql", "postgresql":
		if c.Registry.DSN == "" {
			return fmt.Errorf("registry: dsn required for %s registry", c.Registry.Type)
		}
	default:
		return fmt.Errorf("registry: unsupported type %q", c.Registry.Type)
	}
	return nil
}

// WatchConfig watches the config file and calls callback with the re-parsed config
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	v := newViper(absPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", absPath, err)
	}

	// editors often emit several write events per save
	var (
		mu               sync.Mutex
		lastChangeTime   time.Time
		debounceInterval = 2 * time.Second
	)

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		mu.Lock()
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			mu.Unlock()
			return
		}
		lastChangeTime = now
		mu.Unlock()

		logger.Info("config file changed: %s", e.Name)

		newConfig, err := decode(v)
		if err != nil {
			logger.Error("failed to parse updated config: %v", err)
			return
		}

		if err := callback(newConfig); err != nil {
			logger.Error("failed to apply updated config: %v", err)
			return
		}

		logger.Info("updated config applied")
	})
	v.WatchConfig()

	return nil
}
