package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Clock     ClockConfig     `mapstructure:"clock"`
	Market    MarketConfig    `mapstructure:"market"`
	Mode      ModeConfig      `mapstructure:"mode"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Cycle     CycleConfig     `mapstructure:"cycle"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Portfolio PortfolioConfig `mapstructure:"portfolio"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	API       APIConfig       `mapstructure:"api"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // console or json
}

// DatabaseConfig contains PostgreSQL settings. When disabled the engine runs
// on in-memory stores, which is the default for development.
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings for the key-value and pub/sub seams
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains event bus settings
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// VaultConfig contains HashiCorp Vault settings for secret resolution
type VaultConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"` // falls back to VAULT_TOKEN
	MountPath  string `mapstructure:"mount_path"`
	SecretPath string `mapstructure:"secret_path"`
}

// ClockConfig controls the shared virtual clock
type ClockConfig struct {
	// SyncVirtual attaches the clock to the key-value store so sibling
	// processes observe the same virtual time during replay.
	SyncVirtual bool `mapstructure:"sync_virtual"`
}

// MarketConfig describes the traded market and its calendar
type MarketConfig struct {
	Instrument string          `mapstructure:"instrument"`
	Calendar   CalendarConfig  `mapstructure:"calendar"`
	Sim        SimSourceConfig `mapstructure:"sim"`
}

// CalendarConfig parameterizes the weekly market schedule
type CalendarConfig struct {
	Days       []string `mapstructure:"days"`     // e.g. ["mon","tue","wed","thu","fri"]
	Open       string   `mapstructure:"open"`     // "09:15", inclusive
	Close      string   `mapstructure:"close"`    // "15:30", exclusive
	Timezone   string   `mapstructure:"timezone"` // IANA name
	AlwaysOpen bool     `mapstructure:"always_open"`
}

// SimSourceConfig configures the simulated market data source
type SimSourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	StartPrice float64       `mapstructure:"start_price"`
	Volatility float64       `mapstructure:"volatility"` // per-tick stddev as fraction of price
	Seed       int64         `mapstructure:"seed"`
	Interval   time.Duration `mapstructure:"interval"`
}

// ModeConfig contains trading mode settings
type ModeConfig struct {
	Initial   string `mapstructure:"initial"`    // paper_mock, paper_live, live
	ForceOpen bool   `mapstructure:"force_open"` // run cycles even when the calendar is closed
}

// LLMConfig contains provider router settings
type LLMConfig struct {
	Providers        []ProviderConfig `mapstructure:"providers"`
	Temperature      float64          `mapstructure:"temperature"`
	MaxTokens        int              `mapstructure:"max_tokens"`
	Timeout          time.Duration    `mapstructure:"timeout"`
	FailureThreshold int              `mapstructure:"failure_threshold"` // consecutive failures before the breaker opens
	CooldownSeconds  int              `mapstructure:"cooldown_seconds"`
	SoftThrottle     int              `mapstructure:"soft_throttle"` // requests per rolling minute before deprioritization
	RolloverHour     int              `mapstructure:"rollover_hour"` // local hour for daily usage reset
}

// ProviderConfig describes one LLM provider
type ProviderConfig struct {
	Name             string  `mapstructure:"name"`
	Priority         int     `mapstructure:"priority"` // lower = preferred
	Model            string  `mapstructure:"model"`
	Endpoint         string  `mapstructure:"endpoint"`
	APIKey           string  `mapstructure:"api_key"`     // literal key; prefer api_key_env
	APIKeyEnv        string  `mapstructure:"api_key_env"` // env var or Vault field name
	PerMinuteLimit   int     `mapstructure:"per_minute_limit"`
	PerDayLimit      int     `mapstructure:"per_day_limit"`
	PerDayTokenQuota int64   `mapstructure:"per_day_token_quota"` // 0 = unlimited
	CostPer1KTokens  float64 `mapstructure:"cost_per_1k_tokens"`
}

// AgentsConfig contains agent runtime settings
type AgentsConfig struct {
	GraphPath     string  `mapstructure:"graph_path"` // optional YAML graph, built-in default otherwise
	MaxConcurrent int64   `mapstructure:"max_concurrent"`
	MinConsensus  float64 `mapstructure:"min_consensus"` // below this the cycle resolves to HOLD
}

// CycleConfig contains orchestrator settings
type CycleConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	MinConfidence float64       `mapstructure:"min_confidence"` // minimum to hand a signal to the position manager
	IdleRecheck   time.Duration `mapstructure:"idle_recheck"`   // sleep between gate checks while the market is closed
}

// RiskConfig contains risk engine limits. Percentages are fractions of total
// equity unless noted.
type RiskConfig struct {
	MaxRiskPerTradePct       float64 `mapstructure:"max_risk_per_trade_pct"`
	MaxPortfolioRiskPct      float64 `mapstructure:"max_portfolio_risk_pct"`
	MaxDailyLossPct          float64 `mapstructure:"max_daily_loss_pct"`
	MaxConsecutiveLosses     int     `mapstructure:"max_consecutive_losses"`
	MinRewardRatio           float64 `mapstructure:"min_reward_ratio"`
	MaxPositionSizePct       float64 `mapstructure:"max_position_size_pct"`
	MarginRequirementPct     float64 `mapstructure:"margin_requirement_pct"`
	MaxOpenPositions         int     `mapstructure:"max_open_positions"`
	CooldownAfterLossMinutes int     `mapstructure:"cooldown_after_loss_minutes"`
	CircuitBreakerLossPct    float64 `mapstructure:"circuit_breaker_loss_pct"`
	DailyResetHour           int     `mapstructure:"daily_reset_hour"`
}

// PortfolioConfig contains position manager settings
type PortfolioConfig struct {
	InitialCapital float64 `mapstructure:"initial_capital"`
	CommissionPct  float64 `mapstructure:"commission_pct"`
}

// AlertsConfig contains alert sink settings. The durable store sink is always
// on; the rest are optional.
type AlertsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Push     PushConfig     `mapstructure:"push"`
	Bus      BusSinkConfig  `mapstructure:"bus"`
}

// TelegramConfig configures the Telegram chat sink
type TelegramConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	BotTokenEnv string  `mapstructure:"bot_token_env"`
	ChatIDs     []int64 `mapstructure:"chat_ids"`
}

// SMTPConfig configures the email sink
type SMTPConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	From        string   `mapstructure:"from"`
	To          []string `mapstructure:"to"`
	UserEnv     string   `mapstructure:"user_env"`
	PasswordEnv string   `mapstructure:"password_env"`
}

// PushConfig configures the FCM push sink
type PushConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	CredentialsPath string   `mapstructure:"credentials_path"`
	DeviceTokens    []string `mapstructure:"device_tokens"`
	MinSeverity     string   `mapstructure:"min_severity"`
}

// BusSinkConfig configures alert publication on the event bus
type BusSinkConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// GatewayConfig contains fan-out gateway settings
type GatewayConfig struct {
	Host                 string              `mapstructure:"host"`
	Port                 int                 `mapstructure:"port"`
	MaxChannelsPerClient int                 `mapstructure:"max_channels_per_client"`
	MaxPatternsPerClient int                 `mapstructure:"max_patterns_per_client"`
	MessagesPerSecond    float64             `mapstructure:"messages_per_second"` // 0 disables the token bucket
	MessageBurst         int                 `mapstructure:"message_burst"`
	Roles                map[string][]string `mapstructure:"roles"`  // role -> allowed channel patterns
	Tokens               map[string]string   `mapstructure:"tokens"` // auth token -> role
	AllowAnonymous       bool                `mapstructure:"allow_anonymous"`
	AnonymousRole        string              `mapstructure:"anonymous_role"`
}

// APIConfig contains control surface settings
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MetricsConfig contains Prometheus settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("TRADEFABRIC")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment variables apply
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "TradeFabric")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "tradefabric")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")

	// Vault defaults
	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "http://localhost:8200")
	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.secret_path", "tradefabric")

	// Clock defaults
	v.SetDefault("clock.sync_virtual", false)

	// Market defaults: NSE cash session
	v.SetDefault("market.instrument", "NIFTY")
	v.SetDefault("market.calendar.days", []string{"mon", "tue", "wed", "thu", "fri"})
	v.SetDefault("market.calendar.open", "09:15")
	v.SetDefault("market.calendar.close", "15:30")
	v.SetDefault("market.calendar.timezone", "Asia/Kolkata")
	v.SetDefault("market.calendar.always_open", false)
	v.SetDefault("market.sim.enabled", true)
	v.SetDefault("market.sim.start_price", 22000.0)
	v.SetDefault("market.sim.volatility", 0.0004)
	v.SetDefault("market.sim.seed", 42)
	v.SetDefault("market.sim.interval", "2s")

	// Mode defaults
	v.SetDefault("mode.initial", "paper_mock")
	v.SetDefault("mode.force_open", false)

	// LLM defaults
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.timeout", "30s")
	v.SetDefault("llm.failure_threshold", 2)
	v.SetDefault("llm.cooldown_seconds", 30)
	v.SetDefault("llm.soft_throttle", 10)
	v.SetDefault("llm.rollover_hour", 0)

	// Agent defaults
	v.SetDefault("agents.max_concurrent", 4)
	v.SetDefault("agents.min_consensus", 0.5)

	// Cycle defaults
	v.SetDefault("cycle.interval", "15m")
	v.SetDefault("cycle.min_confidence", 0.7)
	v.SetDefault("cycle.idle_recheck", "1m")

	// Risk defaults
	v.SetDefault("risk.max_risk_per_trade_pct", 0.01)
	v.SetDefault("risk.max_portfolio_risk_pct", 0.05)
	v.SetDefault("risk.max_daily_loss_pct", 0.03)
	v.SetDefault("risk.max_consecutive_losses", 3)
	v.SetDefault("risk.min_reward_ratio", 1.5)
	v.SetDefault("risk.max_position_size_pct", 0.25)
	v.SetDefault("risk.margin_requirement_pct", 1.0)
	v.SetDefault("risk.max_open_positions", 5)
	v.SetDefault("risk.cooldown_after_loss_minutes", 30)
	v.SetDefault("risk.circuit_breaker_loss_pct", 0.10)
	v.SetDefault("risk.daily_reset_hour", 0)

	// Portfolio defaults
	v.SetDefault("portfolio.initial_capital", 100000.0)
	v.SetDefault("portfolio.commission_pct", 0.0)

	// Alert sink defaults
	v.SetDefault("alerts.telegram.enabled", false)
	v.SetDefault("alerts.telegram.bot_token_env", "TELEGRAM_BOT_TOKEN")
	v.SetDefault("alerts.smtp.enabled", false)
	v.SetDefault("alerts.smtp.port", 587)
	v.SetDefault("alerts.smtp.user_env", "SMTP_USER")
	v.SetDefault("alerts.smtp.password_env", "SMTP_PASSWORD")
	v.SetDefault("alerts.push.enabled", false)
	v.SetDefault("alerts.push.min_severity", "CRITICAL")
	v.SetDefault("alerts.bus.enabled", false)

	// Gateway defaults
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8082)
	v.SetDefault("gateway.max_channels_per_client", 50)
	v.SetDefault("gateway.max_patterns_per_client", 10)
	v.SetDefault("gateway.messages_per_second", 0.0)
	v.SetDefault("gateway.message_burst", 20)
	v.SetDefault("gateway.roles", map[string][]string{
		"user":     {"market:*"},
		"trader":   {"market:*", "engine:*"},
		"admin":    {"market:*", "engine:*", "alerts:*"},
		"internal": {"*"},
	})
	v.SetDefault("gateway.allow_anonymous", true)
	v.SetDefault("gateway.anonymous_role", "user")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9100)
}

// Validate checks configuration coherence beyond what unmarshaling enforces
func (c *Config) Validate() error {
	switch c.Mode.Initial {
	case "paper_mock", "paper_live", "live", "":
	default:
		return fmt.Errorf("invalid mode.initial %q", c.Mode.Initial)
	}

	seen := make(map[string]bool, len(c.LLM.Providers))
	for _, p := range c.LLM.Providers {
		if p.Name == "" {
			return fmt.Errorf("llm provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate llm provider %q", p.Name)
		}
		seen[p.Name] = true
	}

	if c.Cycle.MinConfidence < 0 || c.Cycle.MinConfidence > 1 {
		return fmt.Errorf("cycle.min_confidence must be in [0,1], got %v", c.Cycle.MinConfidence)
	}
	if c.Risk.MaxRiskPerTradePct <= 0 || c.Risk.MaxRiskPerTradePct > 1 {
		return fmt.Errorf("risk.max_risk_per_trade_pct must be in (0,1], got %v", c.Risk.MaxRiskPerTradePct)
	}
	if c.Risk.DailyResetHour < 0 || c.Risk.DailyResetHour > 23 {
		return fmt.Errorf("risk.daily_reset_hour must be in [0,23], got %d", c.Risk.DailyResetHour)
	}
	if c.Portfolio.InitialCapital <= 0 {
		return fmt.Errorf("portfolio.initial_capital must be positive, got %v", c.Portfolio.InitialCapital)
	}
	if c.Gateway.AllowAnonymous && c.Gateway.AnonymousRole == "" {
		return fmt.Errorf("gateway.anonymous_role required when gateway.allow_anonymous is set")
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// GetRedisAddr returns the Redis address in host:port form
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
