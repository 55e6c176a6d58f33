package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"prize-vault/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Lottery   LotteryConfig   `mapstructure:"lottery"`
	Allocator AllocatorConfig `mapstructure:"allocator"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Emergency EmergencyConfig `mapstructure:"emergency"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	API       APIConfig       `mapstructure:"api"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	// Retention prunes pool snapshots older than this; zero keeps everything.
	Retention time.Duration `mapstructure:"retention"`
}

// SchedulerConfig governs the keeper cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	StepTimeout     time.Duration `mapstructure:"step_timeout"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	RetryMaxBackoff time.Duration `mapstructure:"retry_max_backoff"`
}

// VaultConfig describes the pool, its asset and the operator identities.
type VaultConfig struct {
	Name               string        `mapstructure:"name"`
	Address            string        `mapstructure:"address"`
	AssetAddress       string        `mapstructure:"asset_address"`
	AssetSymbol        string        `mapstructure:"asset_symbol"`
	AssetDecimals      int32         `mapstructure:"asset_decimals"`
	LocalChainID       uint64        `mapstructure:"local_chain_id"`
	EscrowAddress      string        `mapstructure:"escrow_address"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
	BalanceConcurrency int           `mapstructure:"balance_concurrency"`
	MaxRiskTolerance   uint64        `mapstructure:"max_risk_tolerance"`
	CrossChain         bool          `mapstructure:"cross_chain"`
	// ReserveBps of total assets stays liquid for withdrawals.
	ReserveBps uint64 `mapstructure:"reserve_bps"`
	// MinDeploy is the smallest idle amount, in asset units, worth allocating.
	MinDeploy decimal.Decimal `mapstructure:"min_deploy"`
	Admin     string          `mapstructure:"admin"`
	// Operator is the keeper identity; it is granted agent, oracle and guardian.
	Operator  string   `mapstructure:"operator"`
	Guardians []string `mapstructure:"guardians"`
}

// LotteryConfig holds draw parameters.
type LotteryConfig struct {
	Address            string          `mapstructure:"address"`
	Interval           time.Duration   `mapstructure:"interval"`
	MinPrize           decimal.Decimal `mapstructure:"min_prize"`
	DevFeeBps          uint64          `mapstructure:"dev_fee_bps"`
	CarryFeeBps        uint64          `mapstructure:"carry_fee_bps"`
	BurnFeeBps         uint64          `mapstructure:"burn_fee_bps"`
	DevAddress         string          `mapstructure:"dev_address"`
	AutoDraw           bool            `mapstructure:"auto_draw"`
	DrawCron           string          `mapstructure:"draw_cron"`
	GasLimit           uint64          `mapstructure:"gas_limit"`
	FulfillmentTimeout time.Duration   `mapstructure:"fulfillment_timeout"`
	RandomnessSeed     string          `mapstructure:"randomness_seed"`
	RandomnessDelay    time.Duration   `mapstructure:"randomness_delay"`
}

// AllocatorConfig tunes plan generation.
type AllocatorConfig struct {
	MinYieldBps            uint64        `mapstructure:"min_yield_bps"`
	MaxSingleAllocationBps uint64        `mapstructure:"max_single_allocation_bps"`
	RebalanceThresholdBps  uint64        `mapstructure:"rebalance_threshold_bps"`
	Freshness              time.Duration `mapstructure:"freshness"`
	LiquidityBonusBps      uint64        `mapstructure:"liquidity_bonus_bps"`
	LiquidityDepthMultiple uint64        `mapstructure:"liquidity_depth_multiple"`
	BaseGas                uint64        `mapstructure:"base_gas"`
	GasPerAllocation       uint64        `mapstructure:"gas_per_allocation"`
}

// RegistryConfig tunes strategy selection.
type RegistryConfig struct {
	Freshness          time.Duration `mapstructure:"freshness"`
	SameChainBps       uint64        `mapstructure:"same_chain_bps"`
	DiversificationBps uint64        `mapstructure:"diversification_bps"`
}

// RiskConfig configures the oracle and the external assessment feed.
type RiskConfig struct {
	Validity           time.Duration `mapstructure:"validity"`
	EmergencyThreshold uint64        `mapstructure:"emergency_threshold"`
	FeedURL            string        `mapstructure:"feed_url"`
	FeedTimeout        time.Duration `mapstructure:"feed_timeout"`
	UserAgent          string        `mapstructure:"user_agent"`
	HistorySize        int           `mapstructure:"history_size"`
}

// EmergencyConfig configures the controller and automatic escalation.
type EmergencyConfig struct {
	Cooldown    time.Duration `mapstructure:"cooldown"`
	AutoTrigger bool          `mapstructure:"auto_trigger"`
	AutoLevel   string        `mapstructure:"auto_level"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// SampleWindow is the minimum gap between share-price samples used for APY.
	SampleWindow time.Duration `mapstructure:"sample_window"`
}

// APIConfig configures the read-only HTTP server.
type APIConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Listen       string        `mapstructure:"listen"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Draws    bool           `mapstructure:"draws"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDraws int `mapstructure:"max_draws"`
}

// CatalogConfig points at the chains/strategies seed file.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRIZEVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "prizevault")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70766b72))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.step_timeout", "30s")
	v.SetDefault("scheduler.retry_attempts", 3)
	v.SetDefault("scheduler.retry_backoff", "500ms")
	v.SetDefault("scheduler.retry_max_backoff", "5s")

	v.SetDefault("vault.name", "main")
	v.SetDefault("vault.address", "0x00000000000000000000000000000000000a0001")
	v.SetDefault("vault.asset_address", "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	v.SetDefault("vault.asset_symbol", "USDC")
	v.SetDefault("vault.asset_decimals", 6)
	v.SetDefault("vault.local_chain_id", 1)
	v.SetDefault("vault.escrow_address", "0x00000000000000000000000000000000000e0001")
	v.SetDefault("vault.call_timeout", "30s")
	v.SetDefault("vault.balance_concurrency", 8)
	v.SetDefault("vault.max_risk_tolerance", 6000)
	v.SetDefault("vault.cross_chain", true)
	v.SetDefault("vault.reserve_bps", 1000)
	v.SetDefault("vault.min_deploy", "100")
	v.SetDefault("vault.admin", "0x00000000000000000000000000000000000ad001")
	v.SetDefault("vault.operator", "0x00000000000000000000000000000000000a9001")

	v.SetDefault("lottery.address", "0x00000000000000000000000000000000000c0001")
	v.SetDefault("lottery.interval", "168h")
	v.SetDefault("lottery.min_prize", "10")
	v.SetDefault("lottery.dev_fee_bps", 0)
	v.SetDefault("lottery.carry_fee_bps", 0)
	v.SetDefault("lottery.burn_fee_bps", 0)
	v.SetDefault("lottery.auto_draw", false)
	v.SetDefault("lottery.draw_cron", "0 0 12 * * 0")
	v.SetDefault("lottery.gas_limit", 200000)
	v.SetDefault("lottery.fulfillment_timeout", "1h")
	v.SetDefault("lottery.randomness_delay", "0s")

	v.SetDefault("allocator.min_yield_bps", 200)
	v.SetDefault("allocator.max_single_allocation_bps", 4000)
	v.SetDefault("allocator.rebalance_threshold_bps", 500)
	v.SetDefault("allocator.freshness", "24h")
	v.SetDefault("allocator.liquidity_bonus_bps", 11000)
	v.SetDefault("allocator.liquidity_depth_multiple", 10)
	v.SetDefault("allocator.base_gas", 50000)
	v.SetDefault("allocator.gas_per_allocation", 180000)

	v.SetDefault("registry.freshness", "24h")
	v.SetDefault("registry.same_chain_bps", 11000)
	v.SetDefault("registry.diversification_bps", 10500)

	v.SetDefault("risk.validity", "24h")
	v.SetDefault("risk.emergency_threshold", 8000)
	v.SetDefault("risk.feed_timeout", "10s")
	v.SetDefault("risk.user_agent", "prizevault/1.0")
	v.SetDefault("risk.history_size", 256)

	v.SetDefault("emergency.cooldown", "1h")
	v.SetDefault("emergency.auto_trigger", true)
	v.SetDefault("emergency.auto_level", "HIGH")

	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.sample_window", "24h")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.draws", true)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_draws", 10000)

	v.SetDefault("catalog.path", "catalog.yaml")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "")
	v.SetDefault("database.retention", "0s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			decimalHook(),
		)
	}
}

// decimalHook decodes strings and numbers into decimal.Decimal.
func decimalHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(decimal.Decimal{})
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(v))
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDraws <= 0 {
		return fmt.Errorf("export.max_draws must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.RetryAttempts <= 0 {
		return fmt.Errorf("scheduler.retry_attempts must be greater than zero")
	}
	for name, addr := range map[string]string{
		"vault.address":        c.Vault.Address,
		"vault.asset_address":  c.Vault.AssetAddress,
		"vault.escrow_address": c.Vault.EscrowAddress,
		"vault.admin":          c.Vault.Admin,
		"vault.operator":       c.Vault.Operator,
		"lottery.address":      c.Lottery.Address,
	} {
		if !common.IsHexAddress(addr) || common.HexToAddress(addr) == (common.Address{}) {
			return fmt.Errorf("%s must be a non-zero hex address", name)
		}
	}
	for _, g := range c.Vault.Guardians {
		if !common.IsHexAddress(g) {
			return fmt.Errorf("vault.guardians: invalid address %q", g)
		}
	}
	if c.Vault.MaxRiskTolerance > 10000 {
		return fmt.Errorf("vault.max_risk_tolerance must be at most 10000 bps")
	}
	if c.Vault.ReserveBps > 10000 {
		return fmt.Errorf("vault.reserve_bps must be at most 10000 bps")
	}
	if c.Vault.MinDeploy.IsNegative() {
		return fmt.Errorf("vault.min_deploy cannot be negative")
	}
	if fees := c.Lottery.DevFeeBps + c.Lottery.CarryFeeBps + c.Lottery.BurnFeeBps; fees > 10000 {
		return fmt.Errorf("lottery fees sum to %d bps, more than 100%%", fees)
	}
	if c.Lottery.DevFeeBps > 0 && !common.IsHexAddress(c.Lottery.DevAddress) {
		return fmt.Errorf("lottery.dev_address 必须配置")
	}
	if c.Lottery.MinPrize.IsNegative() {
		return fmt.Errorf("lottery.min_prize cannot be negative")
	}
	if c.Risk.EmergencyThreshold > 10000 {
		return fmt.Errorf("risk.emergency_threshold must be at most 10000 bps")
	}
	if c.Allocator.MaxSingleAllocationBps > 10000 {
		return fmt.Errorf("allocator.max_single_allocation_bps must be at most 10000 bps")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxDraws returns either the CLI override or config default.
func (c *Config) ResolveMaxDraws(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDraws
}
