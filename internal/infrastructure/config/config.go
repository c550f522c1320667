package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/zono819/leverage-loop/internal/domain/entity"
	"gopkg.in/yaml.v3"
)

// Config represents application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Chain     ChainConfig     `yaml:"chain"`
	Lending   LendingConfig   `yaml:"lending"`
	Router    RouterConfig    `yaml:"router"`
	Engine    EngineConfig    `yaml:"engine"`
	Reward    RewardConfig    `yaml:"reward"`
	Markets   []MarketConfig  `yaml:"markets"`
	Store     StoreConfig     `yaml:"store"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Log       LogConfig       `yaml:"log"`
	Simulator SimulatorConfig `yaml:"simulator"`
}

// AppConfig represents application settings
type AppConfig struct {
	Name        string        `yaml:"name"`
	Environment string        `yaml:"environment"`
	Debug       bool          `yaml:"debug"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// ChainConfig represents node connection and signing settings
type ChainConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	WSURL          string        `yaml:"ws_url"`
	ChainID        int64         `yaml:"chain_id"`
	PrivateKey     string        `yaml:"private_key"`
	Owner          string        `yaml:"owner"`
	RateLimit      float64       `yaml:"rate_limit"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ReceiptTimeout time.Duration `yaml:"receipt_timeout"`
	GasMultiplier  float64       `yaml:"gas_multiplier"`
	MaxRetries     int           `yaml:"max_retries"`
}

// LendingConfig represents lending protocol addresses
type LendingConfig struct {
	Comptroller string `yaml:"comptroller"`
	RewardToken string `yaml:"reward_token"`
	// Lens is the CompoundLens used to read pending reward; empty reads compAccrued
	Lens string `yaml:"lens"`
}

// RouterConfig represents DEX router settings
type RouterConfig struct {
	Address    string `yaml:"address"`
	Via        string `yaml:"via"`
	ViaFeeTier uint32 `yaml:"via_fee_tier"`
}

// EngineConfig represents engine settings
type EngineConfig struct {
	Dust                   string        `yaml:"dust"`
	CorrectorRepay         *bool         `yaml:"corrector_repay"`
	DefaultIterations      int           `yaml:"default_iterations"`
	MaxIterations          int           `yaml:"max_iterations"`
	MaxUnwindIterations    int           `yaml:"max_unwind_iterations"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	Cooldown               time.Duration `yaml:"cooldown"`
}

// RewardConfig represents reward harvesting settings
type RewardConfig struct {
	RequireMinOut  bool          `yaml:"require_min_out"`
	DeadlineWindow time.Duration `yaml:"deadline_window"`
}

// MarketConfig represents one market as written in the config file
type MarketConfig struct {
	Symbol       string `yaml:"symbol"`
	Receipt      string `yaml:"receipt"`
	Underlying   string `yaml:"underlying"`
	TargetFactor string `yaml:"target_factor"`
	MaxFactor    string `yaml:"max_factor"`
	FeeTier      uint32 `yaml:"fee_tier"`
	Dust         string `yaml:"dust"`
}

// StoreConfig represents checkpoint storage settings
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// MetricsConfig represents metrics endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// WatcherConfig represents watcher settings
type WatcherConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	UseHeadFeed  bool          `yaml:"use_head_feed"`
}

// LogConfig represents logging settings
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// SimulatorConfig represents the in-memory market used by simulate
type SimulatorConfig struct {
	CollateralFactor   string `yaml:"collateral_factor"`
	BorrowRatePerBlock string `yaml:"borrow_rate_per_block"`
	SupplyRatePerBlock string `yaml:"supply_rate_per_block"`
	SupplySpeed        string `yaml:"supply_speed"`
	BorrowSpeed        string `yaml:"borrow_speed"`
	Blocks             uint64 `yaml:"blocks"`
}

// Load loads configuration from YAML file with .env and env overrides
func Load(path string) (*Config, error) {
	cfg := Default()

	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// Load from YAML file
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables
	cfg.loadEnvOverrides()

	// Validate
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns configuration defaults
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "loopbot",
			Environment: "development",
			GracePeriod: 30 * time.Second,
		},
		Chain: ChainConfig{
			ChainID:        1,
			RateLimit:      10,
			RequestTimeout: 15 * time.Second,
			ReceiptTimeout: 5 * time.Minute,
			GasMultiplier:  1.2,
			MaxRetries:     3,
		},
		Router: RouterConfig{ViaFeeTier: 3000},
		Engine: EngineConfig{
			DefaultIterations:      20,
			MaxIterations:          50,
			MaxUnwindIterations:    50,
			MaxConsecutiveFailures: 3,
			Cooldown:               5 * time.Minute,
		},
		Reward:  RewardConfig{DeadlineWindow: 5 * time.Minute},
		Store:   StoreConfig{Driver: "badger", Path: "data/checkpoints"},
		Metrics: MetricsConfig{Address: ":9090", Path: "/metrics"},
		Watcher: WatcherConfig{PollInterval: time.Minute},
		Log:     LogConfig{Level: "info", Format: "json", Output: "stdout"},
		Simulator: SimulatorConfig{
			CollateralFactor: "1",
			Blocks:           13_292,
		},
	}
}

// loadEnvOverrides overrides config with environment variables
func (c *Config) loadEnvOverrides() {
	// Chain settings
	if v := os.Getenv("LOOPBOT_PRIVATE_KEY"); v != "" {
		c.Chain.PrivateKey = v
	}
	if v := os.Getenv("LOOPBOT_RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if v := os.Getenv("LOOPBOT_WS_URL"); v != "" {
		c.Chain.WSURL = v
	}
	if v := os.Getenv("LOOPBOT_OWNER"); v != "" {
		c.Chain.Owner = v
	}
	if v := os.Getenv("LOOPBOT_CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Chain.ChainID = n
		}
	}

	// App settings
	if v := os.Getenv("APP_ENVIRONMENT"); v != "" {
		c.App.Environment = v
	}
	if v := os.Getenv("APP_DEBUG"); v != "" {
		c.App.Debug = v == "true" || v == "1"
	}

	// Log settings
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}

	// Engine settings
	if v := os.Getenv("LOOPBOT_REQUIRE_MIN_OUT"); v != "" {
		c.Reward.RequireMinOut = v == "true" || v == "1"
	}
	if v := os.Getenv("LOOPBOT_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("LOOPBOT_METRICS_ADDRESS"); v != "" {
		c.Metrics.Address = v
	}
}

// validate validates configuration
func (c *Config) validate() error {
	if len(c.Markets) == 0 {
		return fmt.Errorf("at least one market is required")
	}
	if _, err := c.MarketConfigs(); err != nil {
		return err
	}
	if _, err := c.Dust(); err != nil {
		return err
	}
	for name, addr := range map[string]string{
		"chain.owner":          c.Chain.Owner,
		"lending.comptroller":  c.Lending.Comptroller,
		"lending.reward_token": c.Lending.RewardToken,
		"lending.lens":         c.Lending.Lens,
		"router.address":       c.Router.Address,
		"router.via":           c.Router.Via,
	} {
		if addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s: invalid address %q", name, addr)
		}
	}
	if c.Engine.MaxIterations <= 0 {
		return fmt.Errorf("engine.max_iterations must be positive")
	}
	if c.Engine.DefaultIterations <= 0 || c.Engine.DefaultIterations > c.Engine.MaxIterations {
		return fmt.Errorf("engine.default_iterations must be in [1, %d]", c.Engine.MaxIterations)
	}
	if c.Engine.MaxUnwindIterations <= 0 {
		return fmt.Errorf("engine.max_unwind_iterations must be positive")
	}
	switch c.Store.Driver {
	case "badger", "memory":
	default:
		return fmt.Errorf("store.driver must be badger or memory, got %q", c.Store.Driver)
	}
	if c.Store.Driver == "badger" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for badger")
	}
	if c.Chain.RateLimit <= 0 {
		c.Chain.RateLimit = 10 // default
	}
	return nil
}

// ValidateLive checks the settings needed to talk to a real chain
func (c *Config) ValidateLive() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpc_url is required")
	}
	if c.Chain.PrivateKey == "" {
		return fmt.Errorf("chain.private_key is required (set LOOPBOT_PRIVATE_KEY)")
	}
	if c.Lending.Comptroller == "" || c.Lending.RewardToken == "" {
		return fmt.Errorf("lending.comptroller and lending.reward_token are required")
	}
	if c.Router.Address == "" {
		return fmt.Errorf("router.address is required")
	}
	return nil
}

// CorrectorRepay returns whether corrector remove repays debt; default true
func (c *Config) CorrectorRepay() bool {
	return c.Engine.CorrectorRepay == nil || *c.Engine.CorrectorRepay
}

// Dust returns the engine-wide dust threshold
func (c *Config) Dust() (*big.Int, error) {
	return parseAmount("engine.dust", c.Engine.Dust)
}

// MarketConfigs converts the configured markets into validated domain configs
func (c *Config) MarketConfigs() ([]entity.MarketConfig, error) {
	out := make([]entity.MarketConfig, 0, len(c.Markets))
	for i, m := range c.Markets {
		where := fmt.Sprintf("markets[%d]", i)
		if m.Symbol != "" {
			where = "market " + m.Symbol
		}
		if !common.IsHexAddress(m.Receipt) || !common.IsHexAddress(m.Underlying) {
			return nil, fmt.Errorf("%s: receipt and underlying must be addresses", where)
		}
		target, err := entity.ParseMantissa(m.TargetFactor)
		if err != nil {
			return nil, fmt.Errorf("%s: target_factor: %w", where, err)
		}
		maxFactor, err := entity.ParseMantissa(m.MaxFactor)
		if err != nil {
			return nil, fmt.Errorf("%s: max_factor: %w", where, err)
		}
		cfg := entity.MarketConfig{
			Symbol:           strings.ToUpper(m.Symbol),
			ReceiptHandle:    common.HexToAddress(m.Receipt),
			UnderlyingHandle: common.HexToAddress(m.Underlying),
			TargetFactor:     target,
			MaxFactor:        maxFactor,
			SwapFeeTier:      m.FeeTier,
		}
		if m.Dust != "" {
			if cfg.Dust, err = parseAmount(where+": dust", m.Dust); err != nil {
				return nil, err
			}
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", where, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Address parses a configured address; empty yields the zero address
func Address(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

// Mantissa parses an optional decimal into a 1e18 mantissa; empty yields nil
func Mantissa(name, s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	v, err := entity.ParseMantissa(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func parseAmount(name, s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid amount %q", name, s)
	}
	return v, nil
}
