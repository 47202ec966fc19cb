package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" validate:"oneof=postgres sqlite"`
	Host         string `mapstructure:"host" validate:"required_if=Driver postgres"`
	Port         string `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password" json:"-"`
	Name         string `mapstructure:"name" validate:"required_if=Driver postgres"`
	SSLMode      string `mapstructure:"ssl_mode"`
	Path         string `mapstructure:"path" validate:"required_if=Driver sqlite"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" validate:"min=0"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"min=1"`
	LogSQL       bool   `mapstructure:"log_sql"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password" json:"-"`
	DB       int    `mapstructure:"db"`
}

type TelemetryConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name" validate:"required"`
	Insecure    bool   `mapstructure:"insecure"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// EngineConfig tunes the dispatch and reconciliation passes.
type EngineConfig struct {
	DispatchLimit    int           `mapstructure:"dispatch_limit" validate:"min=1"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	ReplyInterval    time.Duration `mapstructure:"reply_interval"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	MaxAttempts      int           `mapstructure:"max_attempts" validate:"min=1"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	SendTimeout      time.Duration `mapstructure:"send_timeout"`
	IMAPFetchLimit   int           `mapstructure:"imap_fetch_limit" validate:"min=1"`
	IMAPTimeout      time.Duration `mapstructure:"imap_timeout"`
	TrackingBaseURL  string        `mapstructure:"tracking_base_url" validate:"omitempty,url"`
	EventsPerMinute  int           `mapstructure:"events_per_minute" validate:"min=1"`
}

type Config struct {
	Environment   string          `mapstructure:"environment"`
	ServerPort    string          `mapstructure:"server_port" validate:"required"`
	EncryptionKey string          `mapstructure:"encryption_key" json:"-"`
	TriggerSecret string          `mapstructure:"trigger_secret" json:"-"`
	JWTSecret     string          `mapstructure:"jwt_secret" json:"-"`
	SentryDSN     string          `mapstructure:"sentry_dsn" json:"-"`
	Database      DatabaseConfig  `mapstructure:"database"`
	Redis         RedisConfig     `mapstructure:"redis"`
	Telemetry     TelemetryConfig `mapstructure:"telemetry"`
	Log           LogConfig       `mapstructure:"log"`
	Engine        EngineConfig    `mapstructure:"engine"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server_port", "5000")
	v.SetDefault("encryption_key", "")
	v.SetDefault("trigger_secret", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("sentry_dsn", "")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "outcraftly")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "outcraftly.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.log_sql", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.service_name", "outcraftly")
	v.SetDefault("telemetry.insecure", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("engine.dispatch_limit", 100)
	v.SetDefault("engine.dispatch_interval", time.Minute)
	v.SetDefault("engine.reply_interval", 5*time.Minute)
	v.SetDefault("engine.cleanup_interval", time.Hour)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.retry_backoff", 15*time.Minute)
	v.SetDefault("engine.send_timeout", 30*time.Second)
	v.SetDefault("engine.imap_fetch_limit", 50)
	v.SetDefault("engine.imap_timeout", 30*time.Second)
	v.SetDefault("engine.tracking_base_url", "")
	v.SetDefault("engine.events_per_minute", 120)
}

// Load reads defaults, then the optional config file, then the environment.
// Nested keys map to upper-case env names with dots replaced by
// underscores, e.g. ENGINE_MAX_ATTEMPTS.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("outcraftly")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/outcraftly")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads the configuration into AppConfig.
func LoadConfig(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	AppConfig = *cfg
	return nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	switch len(c.EncryptionKey) {
	case 0, 16, 24, 32:
	default:
		return fmt.Errorf("invalid configuration: encryption_key must be 16, 24 or 32 bytes")
	}
	if c.Environment == "production" && c.TriggerSecret == "" && c.JWTSecret == "" {
		return fmt.Errorf("invalid configuration: trigger_secret or jwt_secret is required in production")
	}
	return nil
}
