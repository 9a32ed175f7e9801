package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Health    HealthConfig    `mapstructure:"health"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	MetricsPort      int           `mapstructure:"metrics_port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type PricingConfig struct {
	FilePath       string        `mapstructure:"file_path"`
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

type BillingConfig struct {
	// Timezone aligns daily cost windows, e.g. "UTC" or "America/New_York".
	Timezone         string        `mapstructure:"timezone"`
	RateCacheTTL     time.Duration `mapstructure:"rate_cache_ttl"`
	DailyCounterTTL  time.Duration `mapstructure:"daily_counter_ttl"`
	WeeklyCounterTTL time.Duration `mapstructure:"weekly_counter_ttl"`
}

type LimitsConfig struct {
	// DefaultWindow applies when a key enables rate limiting without an
	// explicit window.
	DefaultWindow  time.Duration `mapstructure:"default_window"`
	ConcurrencyTTL time.Duration `mapstructure:"concurrency_ttl"`
}

type UpstreamConfig struct {
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxConnsPerHost int           `mapstructure:"max_conns_per_host"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	TLSHandshake    time.Duration `mapstructure:"tls_handshake_timeout"`
}

type HealthConfig struct {
	// Per-kind quarantine TTL overrides. Zero keeps the built-in default.
	ServerErrorTTL time.Duration `mapstructure:"server_error_ttl"`
	OverloadTTL    time.Duration `mapstructure:"overload_ttl"`
	AuthErrorTTL   time.Duration `mapstructure:"auth_error_ttl"`
	TimeoutTTL     time.Duration `mapstructure:"timeout_ttl"`
	RateLimitTTL   time.Duration `mapstructure:"rate_limit_ttl"`
}

type SchedulerConfig struct {
	StickyTTL time.Duration `mapstructure:"sticky_ttl"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/relayd")
	}

	setDefaults()

	viper.SetEnvPrefix("RELAY")
	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis url is required")
	}
	if _, err := time.LoadLocation(c.Billing.Timezone); err != nil {
		return fmt.Errorf("invalid billing timezone %q: %w", c.Billing.Timezone, err)
	}
	return nil
}

// Location resolves the billing timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Billing.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.metrics_port", 9090)
	viper.SetDefault("server.read_timeout", "60s")
	viper.SetDefault("server.write_timeout", "600s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	viper.SetDefault("redis.url", "redis://localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 100)

	viper.SetDefault("pricing.file_path", "config/model_prices.json")
	viper.SetDefault("pricing.reload_interval", "5m")

	viper.SetDefault("billing.timezone", "UTC")
	viper.SetDefault("billing.rate_cache_ttl", "60s")
	viper.SetDefault("billing.daily_counter_ttl", "48h")
	viper.SetDefault("billing.weekly_counter_ttl", "336h")

	viper.SetDefault("limits.default_window", "1m")
	viper.SetDefault("limits.concurrency_ttl", "5m")

	viper.SetDefault("upstream.max_idle_conns", 1024)
	viper.SetDefault("upstream.max_conns_per_host", 512)
	viper.SetDefault("upstream.idle_conn_timeout", "90s")
	viper.SetDefault("upstream.request_timeout", "600s")
	viper.SetDefault("upstream.connect_timeout", "30s")
	viper.SetDefault("upstream.tls_handshake_timeout", "10s")

	viper.SetDefault("health.server_error_ttl", "300s")
	viper.SetDefault("health.overload_ttl", "600s")
	viper.SetDefault("health.auth_error_ttl", "1800s")
	viper.SetDefault("health.timeout_ttl", "300s")
	viper.SetDefault("health.rate_limit_ttl", "300s")

	viper.SetDefault("scheduler.sticky_ttl", "1h")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "stdout")

	viper.SetDefault("cors.allowed_origins", []string{"*"})
	viper.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	viper.SetDefault("cors.allowed_headers", []string{"*"})
	viper.SetDefault("cors.allow_credentials", false)
	viper.SetDefault("cors.max_age", 300)
}

func bindEnvVars() {
	_ = viper.BindEnv("server.port", "RELAY_PORT")
	_ = viper.BindEnv("server.metrics_port", "RELAY_METRICS_PORT")
	_ = viper.BindEnv("redis.url", "RELAY_REDIS_URL", "REDIS_URL")
	_ = viper.BindEnv("redis.password", "RELAY_REDIS_PASSWORD")
	_ = viper.BindEnv("pricing.file_path", "RELAY_PRICING_FILE")
	_ = viper.BindEnv("billing.timezone", "RELAY_BILLING_TIMEZONE")
	_ = viper.BindEnv("logging.level", "RELAY_LOG_LEVEL")
	_ = viper.BindEnv("logging.format", "RELAY_LOG_FORMAT")
}
