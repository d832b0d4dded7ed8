package infra

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"nft_market/internal/domain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	maxDecimals = 18
)

// GenesisAsset is a unique asset minted at startup.
type GenesisAsset struct {
	Collection string `yaml:"collection"`
	ID         uint64 `yaml:"id"`
	Owner      string `yaml:"owner"`
}

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Token struct {
		Address  string `yaml:"address"`
		Symbol   string `yaml:"symbol"`
		Decimals int32  `yaml:"decimals"`
	} `yaml:"token"`

	Marketplace struct {
		Address string `yaml:"address"`
	} `yaml:"marketplace"`

	Auction struct {
		Enabled       bool            `yaml:"enabled"`
		Address       string          `yaml:"address"`
		Seller        string          `yaml:"seller"`
		Collection    string          `yaml:"collection"`
		AssetID       uint64          `yaml:"asset_id"`
		StartingPrice decimal.Decimal `yaml:"starting_price"`
		Duration      time.Duration   `yaml:"duration"`
	} `yaml:"auction"`

	Genesis struct {
		Balances map[string]decimal.Decimal `yaml:"balances"`
		Assets   []GenesisAsset             `yaml:"assets"`
	} `yaml:"genesis"`

	Engine struct {
		InboxSize int    `yaml:"inbox_size"`
		DumpFile  string `yaml:"dump_file"`
	} `yaml:"engine"`

	Storage struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`

	Server struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"server"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML, applies defaults and environment overrides, and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	// 환경 변수 오버라이드 지원
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "nft_market"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverSQLite
	}
	if c.Storage.DSN == "" && c.Storage.Driver == DriverSQLite {
		c.Storage.DSN = "data/nft_market.db"
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
	if c.Engine.InboxSize <= 0 {
		c.Engine.InboxSize = 256
	}
	if c.Engine.DumpFile == "" {
		c.Engine.DumpFile = "panic_dump.json"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	for field, addr := range map[string]string{
		"token.address":       c.Token.Address,
		"marketplace.address": c.Marketplace.Address,
		"auction.address":     c.Auction.Address,
	} {
		if strings.TrimSpace(addr) == "" {
			return &domain.ConfigError{Field: field, Err: errors.New("address is required")}
		}
	}
	if strings.EqualFold(c.Marketplace.Address, c.Auction.Address) {
		return &domain.ConfigError{Field: "auction.address", Err: errors.New("must differ from marketplace.address")}
	}
	if c.Token.Decimals < 0 || c.Token.Decimals > maxDecimals {
		return &domain.ConfigError{Field: "token.decimals", Err: fmt.Errorf("must be between 0 and %d", maxDecimals)}
	}

	if c.Auction.Enabled {
		if c.Auction.Seller == "" || c.Auction.Collection == "" {
			return &domain.ConfigError{Field: "auction", Err: errors.New("seller and collection are required")}
		}
		price, err := c.ToBaseUnits(c.Auction.StartingPrice)
		if err != nil {
			return &domain.ConfigError{Field: "auction.starting_price", Err: err}
		}
		if price <= 0 {
			return &domain.ConfigError{Field: "auction.starting_price", Err: errors.New("must be positive")}
		}
		if c.Auction.Duration < time.Second {
			return &domain.ConfigError{Field: "auction.duration", Err: errors.New("must be at least 1s")}
		}
	}

	for owner, amount := range c.Genesis.Balances {
		if _, err := c.ToBaseUnits(amount); err != nil {
			return &domain.ConfigError{Field: "genesis.balances." + owner, Err: err}
		}
	}
	for i, a := range c.Genesis.Assets {
		if a.Collection == "" || a.Owner == "" {
			return &domain.ConfigError{Field: fmt.Sprintf("genesis.assets[%d]", i), Err: errors.New("collection and owner are required")}
		}
	}

	switch c.Storage.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return &domain.ConfigError{Field: "storage.driver", Err: fmt.Errorf("unsupported driver %q", c.Storage.Driver)}
	}
	if c.Storage.DSN == "" {
		return &domain.ConfigError{Field: "storage.dsn", Err: errors.New("dsn is required")}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &domain.ConfigError{Field: "logging.level", Err: fmt.Errorf("unknown level %q", c.Logging.Level)}
	}

	return nil
}

// ToBaseUnits converts a human amount (e.g. 12.5) to integer token units.
// Amounts with more fractional digits than the token supports are rejected.
func (c *Config) ToBaseUnits(amount decimal.Decimal) (int64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", amount)
	}
	units := amount.Shift(c.Token.Decimals)
	if !units.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimals", amount, c.Token.Decimals)
	}
	if units.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, fmt.Errorf("amount %s overflows", amount)
	}
	return units.IntPart(), nil
}

// GenesisBalances returns the configured opening balances in base units.
func (c *Config) GenesisBalances() (map[domain.Address]int64, error) {
	out := make(map[domain.Address]int64, len(c.Genesis.Balances))
	for owner, amount := range c.Genesis.Balances {
		addr, err := domain.ParseAddress(owner)
		if err != nil {
			return nil, &domain.ConfigError{Field: "genesis.balances", Err: err}
		}
		units, err := c.ToBaseUnits(amount)
		if err != nil {
			return nil, &domain.ConfigError{Field: "genesis.balances." + owner, Err: err}
		}
		out[addr] = units
	}
	return out, nil
}

// FormatAmount renders base units as a fixed-point decimal string.
func FormatAmount(units int64, decimals int32) string {
	return decimal.New(units, -decimals).StringFixed(decimals)
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if dsn := os.Getenv("NFTM_STORAGE_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}
	if driver := os.Getenv("NFTM_STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if addr := os.Getenv("NFTM_LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if level := os.Getenv("NFTM_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
}
