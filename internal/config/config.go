package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig                 `mapstructure:"app"`
	Database   DatabaseConfig            `mapstructure:"database"`
	Redis      RedisConfig               `mapstructure:"redis"`
	NATS       NATSConfig                `mapstructure:"nats"`
	LLM        LLMConfig                 `mapstructure:"llm"`
	MCP        MCPConfig                 `mapstructure:"mcp"`
	Trading    TradingConfig             `mapstructure:"trading"`
	Risk       RiskConfig                `mapstructure:"risk"`
	Exchanges  map[string]ExchangeConfig `mapstructure:"exchanges"`
	API        APIConfig                 `mapstructure:"api"`
	Monitoring MonitoringConfig          `mapstructure:"monitoring"`
	Debate     DebateConfig              `mapstructure:"debate"`
	Cooldown   CooldownConfig            `mapstructure:"cooldown"`
	Trailing   TrailingConfig            `mapstructure:"trailing"`
	Quota      QuotaConfig               `mapstructure:"quota"`
	Pyramiding PyramidingConfig          `mapstructure:"pyramiding"`
	Broadcast  BroadcastConfig           `mapstructure:"broadcast"`
	Executor   ExecutorConfig            `mapstructure:"executor"`
}

// RoleConfig names one debate-panel analyst role and its model.
type RoleConfig struct {
	Name  string `mapstructure:"name"`
	Title string `mapstructure:"title"`
	Emoji string `mapstructure:"emoji"`
	Model string `mapstructure:"model"`
}

// DebateConfig configures the debate orchestrator's panel and timeouts.
type DebateConfig struct {
	Roles         []RoleConfig  `mapstructure:"roles"`
	RefereeModel  string        `mapstructure:"referee_model"`
	RefereeTimeout time.Duration `mapstructure:"referee_timeout"`
	RoleTimeout   time.Duration `mapstructure:"role_timeout"`
	DebateTimeout time.Duration `mapstructure:"debate_timeout"`
	HotSymbols    []string      `mapstructure:"hot_symbols"`
	ColdSymbols   []string      `mapstructure:"cold_symbols"`
}

// CooldownConfig configures per-action signal cooldowns.
type CooldownConfig struct {
	SignalCooldown map[string]time.Duration `mapstructure:"signal_cooldown"`
	CloseCooldown  time.Duration            `mapstructure:"close_cooldown"`
}

// TrailingConfig configures the position supervisor's trailing ladder.
type TrailingConfig struct {
	L1                   float64            `mapstructure:"l1"`
	L2                   float64            `mapstructure:"l2"`
	L3                   float64            `mapstructure:"l3"`
	L4                   float64            `mapstructure:"l4"`
	D1                   float64            `mapstructure:"d1"`
	D2                   float64            `mapstructure:"d2"`
	D3                   float64            `mapstructure:"d3"`
	D4                   float64            `mapstructure:"d4"`
	AdverseTightenPct    float64            `mapstructure:"adverse_tighten_pct"`
	TightenWindow        time.Duration      `mapstructure:"tighten_window"`
	PositionTimeoutHours map[string]float64 `mapstructure:"position_timeout_hours"`
}

// QuotaConfig configures the daily LLM call/token budget.
type QuotaConfig struct {
	DailyTokenLimit int                `mapstructure:"daily_token_limit"`
	DailyCallLimit  int                `mapstructure:"daily_call_limit"`
	PriceInPer1k    map[string]float64 `mapstructure:"price_in_per_1k"`
	PriceOutPer1k   map[string]float64 `mapstructure:"price_out_per_1k"`
}

// PyramidingConfig configures how an opposite-direction signal on an open
// position is handled.
type PyramidingConfig struct {
	OnOpposite string `mapstructure:"on_opposite"` // "close_then_open" (default) | "close_only" | "ignore"
}

// ExecutorConfig configures the trade executor (§4.3): position sizing,
// leverage/margin mode, and the orphan-order sweep cadence.
type ExecutorConfig struct {
	AmountUSDT        float64            `mapstructure:"amount_usdt"`
	MaxPositionUSDT   float64            `mapstructure:"max_position_usdt"`
	AmountPct         float64            `mapstructure:"amount_pct"`
	MaxPositionPct    float64            `mapstructure:"max_position_pct"`
	DefaultLeverage   int                `mapstructure:"default_leverage"`
	MarginType        string             `mapstructure:"margin_type"` // "ISOLATED" | "CROSSED"
	OrphanSweepPeriod time.Duration      `mapstructure:"orphan_sweep_period"`
	MaxRetries        int                `mapstructure:"max_retries"`
}

// BroadcastConfig configures the WS broadcast sink.
type BroadcastConfig struct {
	MaxClients   int           `mapstructure:"max_clients"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	BatchSize    int           `mapstructure:"batch_size"`
	AuthToken    string        `mapstructure:"auth_token"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
}

// DatabaseConfig contains PostgreSQL/TimescaleDB settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	URL             string `mapstructure:"url"`
	EnableJetStream bool   `mapstructure:"enable_jetstream"`
}

// LLMConfig contains LLM gateway settings
type LLMConfig struct {
	Gateway       string  `mapstructure:"gateway"`        // "bifrost"
	Endpoint      string  `mapstructure:"endpoint"`       // "http://localhost:8080/v1/chat/completions"
	PrimaryModel  string  `mapstructure:"primary_model"`  // "claude-sonnet-4-20250514"
	FallbackModel string  `mapstructure:"fallback_model"` // "gpt-4-turbo"
	Temperature   float64 `mapstructure:"temperature"`    // 0.7
	MaxTokens     int     `mapstructure:"max_tokens"`     // 2000
	EnableCaching bool    `mapstructure:"enable_caching"` // true
	Timeout       int     `mapstructure:"timeout"`        // 30000 (ms)
}

// MCPConfig contains MCP server configuration (hybrid architecture)
type MCPConfig struct {
	External MCPExternalServers `mapstructure:"external"` // External MCP servers (CoinGecko, etc.)
	Internal MCPInternalServers `mapstructure:"internal"` // Custom MCP servers
}

// MCPExternalServers contains configuration for external MCP servers
type MCPExternalServers struct {
	CoinGecko MCPExternalServerConfig `mapstructure:"coingecko"`
}

// MCPInternalServers contains configuration for custom MCP servers
type MCPInternalServers struct {
	OrderExecutor       MCPInternalServerConfig `mapstructure:"order_executor"`
	RiskAnalyzer        MCPInternalServerConfig `mapstructure:"risk_analyzer"`
	TechnicalIndicators MCPInternalServerConfig `mapstructure:"technical_indicators"`
	MarketData          MCPInternalServerConfig `mapstructure:"market_data"`
}

// MCPExternalServerConfig contains configuration for an external MCP server
type MCPExternalServerConfig struct {
	Enabled     bool               `mapstructure:"enabled"`
	Name        string             `mapstructure:"name"`
	URL         string             `mapstructure:"url"`
	Transport   string             `mapstructure:"transport"` // "http_streaming"
	Description string             `mapstructure:"description"`
	CacheTTL    int                `mapstructure:"cache_ttl"` // seconds
	RateLimit   MCPRateLimitConfig `mapstructure:"rate_limit"`
	Tools       []string           `mapstructure:"tools"`
}

// MCPInternalServerConfig contains configuration for a custom MCP server
type MCPInternalServerConfig struct {
	Enabled     bool              `mapstructure:"enabled"`
	Name        string            `mapstructure:"name"`
	Command     string            `mapstructure:"command"`   // path to binary
	Transport   string            `mapstructure:"transport"` // "stdio"
	Description string            `mapstructure:"description"`
	Args        []string          `mapstructure:"args"`
	Env         map[string]string `mapstructure:"env"`
	Tools       []string          `mapstructure:"tools"`
	Note        string            `mapstructure:"note"` // optional note
}

// MCPRateLimitConfig contains rate limit settings
type MCPRateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

// TradingConfig contains trading settings
type TradingConfig struct {
	Mode            string   `mapstructure:"mode"`             // "paper" or "live"
	Symbols         []string `mapstructure:"symbols"`          // ["BTCUSDT", "ETHUSDT"]
	Exchange        string   `mapstructure:"exchange"`         // "binance"
	InitialCapital  float64  `mapstructure:"initial_capital"`  // 10000.0
	MaxPositions    int      `mapstructure:"max_positions"`    // 3
	DefaultQuantity float64  `mapstructure:"default_quantity"` // 0.01
}

// RiskConfig contains risk management settings
type RiskConfig struct {
	MaxPositionSize     float64 `mapstructure:"max_position_size"`     // 0.1 (10% of portfolio)
	MaxDailyLoss        float64 `mapstructure:"max_daily_loss"`        // 0.02 (2%)
	MaxDrawdown         float64 `mapstructure:"max_drawdown"`          // 0.1 (10%)
	DefaultStopLoss     float64 `mapstructure:"default_stop_loss"`     // 0.02 (2%)
	DefaultTakeProfit   float64 `mapstructure:"default_take_profit"`   // 0.05 (5%)
	LLMApprovalRequired bool    `mapstructure:"llm_approval_required"` // true
	MinConfidence       float64 `mapstructure:"min_confidence"`        // 0.7

	// Risk Gate (§4.5) thresholds, read as a snapshot at gate entry.
	TradeEnabled          bool               `mapstructure:"trade_enabled"`
	DisabledSymbols       []string           `mapstructure:"disabled_symbols"`
	ConfidenceFloor       map[string]int     `mapstructure:"confidence_floor"` // keyed by Action
	MaxDailyDrawdownPct   float64            `mapstructure:"max_daily_drawdown_pct"`
	LossStreakK           int                `mapstructure:"loss_streak_k"`
	MinNotionalUSDT       float64            `mapstructure:"min_notional_usdt"`
}

// ExchangeConfig contains exchange-specific settings
type ExchangeConfig struct {
	APIKey      string     `mapstructure:"api_key"`
	SecretKey   string     `mapstructure:"secret_key"`
	Testnet     bool       `mapstructure:"testnet"`
	RateLimitMS int        `mapstructure:"rate_limit_ms"`
	Fees        FeeConfig  `mapstructure:"fees"`
}

// FeeConfig contains exchange fee structure
type FeeConfig struct {
	Maker           float64 `mapstructure:"maker"`              // Maker fee percentage (e.g., 0.001 = 0.1%)
	Taker           float64 `mapstructure:"taker"`              // Taker fee percentage (e.g., 0.001 = 0.1%)
	BaseSlippage    float64 `mapstructure:"base_slippage"`      // Base slippage percentage (e.g., 0.0005 = 0.05%)
	MarketImpact    float64 `mapstructure:"market_impact"`      // Market impact per unit (e.g., 0.0001 = 0.01%)
	MaxSlippage     float64 `mapstructure:"max_slippage"`       // Maximum slippage percentage (e.g., 0.003 = 0.3%)
	Withdrawal      float64 `mapstructure:"withdrawal"`         // Withdrawal fee percentage (optional)
}

// APIConfig contains REST API settings
type APIConfig struct {
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	OrchestratorURL string   `mapstructure:"orchestrator_url"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
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
	v.SetEnvPrefix("CRYPTOFUNK")

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration using comprehensive validation
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "CryptoFunk")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "cryptofunk")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enable_jetstream", true)

	// LLM defaults
	v.SetDefault("llm.gateway", "bifrost")
	v.SetDefault("llm.endpoint", "http://localhost:8080/v1/chat/completions")
	v.SetDefault("llm.primary_model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.fallback_model", "gpt-4-turbo")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.enable_caching", true)
	v.SetDefault("llm.timeout", 30000)

	// MCP defaults - External servers
	v.SetDefault("mcp.external.coingecko.enabled", true)
	v.SetDefault("mcp.external.coingecko.name", "CoinGecko MCP")
	v.SetDefault("mcp.external.coingecko.url", "https://mcp.api.coingecko.com/mcp")
	v.SetDefault("mcp.external.coingecko.transport", "http_streaming")
	v.SetDefault("mcp.external.coingecko.cache_ttl", 60)
	v.SetDefault("mcp.external.coingecko.rate_limit.enabled", true)
	v.SetDefault("mcp.external.coingecko.rate_limit.requests_per_minute", 100)

	// MCP defaults - Internal servers
	v.SetDefault("mcp.internal.order_executor.enabled", true)
	v.SetDefault("mcp.internal.order_executor.name", "Order Executor")
	v.SetDefault("mcp.internal.order_executor.command", "./bin/order-executor-server")
	v.SetDefault("mcp.internal.order_executor.transport", "stdio")

	v.SetDefault("mcp.internal.risk_analyzer.enabled", true)
	v.SetDefault("mcp.internal.risk_analyzer.name", "Risk Analyzer")
	v.SetDefault("mcp.internal.risk_analyzer.command", "./bin/risk-analyzer-server")
	v.SetDefault("mcp.internal.risk_analyzer.transport", "stdio")

	v.SetDefault("mcp.internal.technical_indicators.enabled", true)
	v.SetDefault("mcp.internal.technical_indicators.name", "Technical Indicators")
	v.SetDefault("mcp.internal.technical_indicators.command", "./bin/technical-indicators-server")
	v.SetDefault("mcp.internal.technical_indicators.transport", "stdio")

	v.SetDefault("mcp.internal.market_data.enabled", false)
	v.SetDefault("mcp.internal.market_data.name", "Market Data (Binance)")
	v.SetDefault("mcp.internal.market_data.command", "./bin/market-data-server")
	v.SetDefault("mcp.internal.market_data.transport", "stdio")

	// Trading defaults
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("trading.exchange", "binance")
	v.SetDefault("trading.initial_capital", 10000.0)
	v.SetDefault("trading.max_positions", 3)
	v.SetDefault("trading.default_quantity", 0.01)

	// Risk defaults
	v.SetDefault("risk.max_position_size", 0.1)
	v.SetDefault("risk.max_daily_loss", 0.02)
	v.SetDefault("risk.max_drawdown", 0.1)
	v.SetDefault("risk.default_stop_loss", 0.02)
	v.SetDefault("risk.default_take_profit", 0.05)
	v.SetDefault("risk.llm_approval_required", true)
	v.SetDefault("risk.min_confidence", 0.7)
	v.SetDefault("risk.trade_enabled", true)
	v.SetDefault("risk.max_daily_drawdown_pct", 0.05)
	v.SetDefault("risk.loss_streak_k", 4)
	v.SetDefault("risk.min_notional_usdt", 5.0)
	v.SetDefault("risk.confidence_floor", map[string]interface{}{
		"BUY": 60, "SELL": 60, "SHORT": 65, "COVER": 50,
	})

	// Debate defaults
	v.SetDefault("debate.referee_model", "claude-sonnet-4-20250514")
	v.SetDefault("debate.referee_timeout", 20*time.Second)
	v.SetDefault("debate.role_timeout", 15*time.Second)
	v.SetDefault("debate.debate_timeout", 60*time.Second)
	v.SetDefault("debate.hot_symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("debate.cold_symbols", []string{})

	// Cooldown defaults
	v.SetDefault("cooldown.close_cooldown", 5*time.Minute)
	v.SetDefault("cooldown.signal_cooldown", map[string]interface{}{
		"BUY": 15 * time.Minute, "SELL": 15 * time.Minute,
		"SHORT": 15 * time.Minute, "COVER": 15 * time.Minute,
	})

	// Trailing ladder defaults (favorable-move percent / tighten distance)
	v.SetDefault("trailing.l1", 0.01)
	v.SetDefault("trailing.l2", 0.02)
	v.SetDefault("trailing.l3", 0.035)
	v.SetDefault("trailing.l4", 0.05)
	v.SetDefault("trailing.d1", 0.015)
	v.SetDefault("trailing.d2", 0.010)
	v.SetDefault("trailing.d3", 0.007)
	v.SetDefault("trailing.d4", 0.005)
	v.SetDefault("trailing.adverse_tighten_pct", 0.006)
	v.SetDefault("trailing.tighten_window", 10*time.Minute)
	v.SetDefault("trailing.position_timeout_hours", map[string]interface{}{
		"default": 24.0, "BTCUSDT": 48.0, "ETHUSDT": 48.0,
	})

	// Quota defaults
	v.SetDefault("quota.daily_token_limit", 2_000_000)
	v.SetDefault("quota.daily_call_limit", 500)
	v.SetDefault("quota.price_in_per_1k", map[string]interface{}{
		"claude-sonnet-4-20250514": 0.003, "gpt-4-turbo": 0.01,
	})
	v.SetDefault("quota.price_out_per_1k", map[string]interface{}{
		"claude-sonnet-4-20250514": 0.015, "gpt-4-turbo": 0.03,
	})

	// Pyramiding defaults
	v.SetDefault("pyramiding.on_opposite", "close_then_open")

	// Broadcast defaults
	v.SetDefault("broadcast.max_clients", 50)
	v.SetDefault("broadcast.send_timeout", 2*time.Second)
	v.SetDefault("broadcast.ping_interval", 30*time.Second)
	v.SetDefault("broadcast.pong_timeout", 60*time.Second)
	v.SetDefault("broadcast.batch_size", 10)
	v.SetDefault("broadcast.auth_token", "")

	// Executor defaults
	v.SetDefault("executor.amount_usdt", 100.0)
	v.SetDefault("executor.max_position_usdt", 500.0)
	v.SetDefault("executor.amount_pct", 0.02)
	v.SetDefault("executor.max_position_pct", 0.1)
	v.SetDefault("executor.default_leverage", 5)
	v.SetDefault("executor.margin_type", "ISOLATED")
	v.SetDefault("executor.orphan_sweep_period", 5*time.Minute)
	v.SetDefault("executor.max_retries", 3)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)
	v.SetDefault("api.orchestrator_url", "http://localhost:8081")

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	// Exchange fee defaults (Binance-like structure)
	v.SetDefault("exchanges.binance.fees.maker", 0.001)          // 0.1% maker fee
	v.SetDefault("exchanges.binance.fees.taker", 0.001)          // 0.1% taker fee
	v.SetDefault("exchanges.binance.fees.base_slippage", 0.0005) // 0.05% base slippage
	v.SetDefault("exchanges.binance.fees.market_impact", 0.0001) // 0.01% market impact
	v.SetDefault("exchanges.binance.fees.max_slippage", 0.003)   // 0.3% max slippage
	v.SetDefault("exchanges.binance.fees.withdrawal", 0.0)       // No withdrawal fee by default
}

// Note: Comprehensive validation is now in validation.go
// The Config.Validate() method is called during Load()

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetOrchestratorURL returns the orchestrator URL
func (c *APIConfig) GetOrchestratorURL() string {
	return c.OrchestratorURL
}

// GetTimeout returns the LLM timeout as time.Duration
func (c *LLMConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}
