// Package config loads and validates the perpcore configuration from YAML
// and environment variables, and converts the human-readable decimal values
// into the fixed-point integers the core operates on.
package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/openclob/perpcore/internal/margin"
	"github.com/openclob/perpcore/internal/oracle"
	"github.com/openclob/perpcore/pkg/fixedpoint"
)

// MarketConfig describes one perpetual market. Prices and ratios are
// decimal strings ("1800.5", "0.01"); sizes are in base-asset units.
type MarketConfig struct {
	Index                     int64  `mapstructure:"index"`
	Symbol                    string `mapstructure:"symbol"`
	UnderlyingPrice           string `mapstructure:"underlying_price"`
	MaxOracleSpreadRatio      string `mapstructure:"max_oracle_spread_ratio"`
	MaxLiquidationPriceSpread string `mapstructure:"max_liquidation_price_spread"`
	MinSizeRequirement        string `mapstructure:"min_size_requirement"`
	MaxLiquidationRatio       string `mapstructure:"max_liquidation_ratio"`
}

type Config struct {
	LogLevel string `mapstructure:"log_level"`

	ChainID           int64  `mapstructure:"chain_id"`
	VerifyingContract string `mapstructure:"verifying_contract"`

	MinAllowableMargin string `mapstructure:"min_allowable_margin"`
	TakerFee           string `mapstructure:"taker_fee"`
	MakerFee           string `mapstructure:"maker_fee"`

	// IOCExpirationCap bounds how far in the future an IOC order may expire,
	// in seconds.
	IOCExpirationCap uint64 `mapstructure:"ioc_expiration_cap"`

	MetricsAddr string `mapstructure:"metrics_addr"`

	Markets []MarketConfig `mapstructure:"markets"`
}

// Load reads the configuration file at path (or the defaults when path is
// empty) with PERPCORE_-prefixed environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("log_level", "info")
	v.SetDefault("chain_id", 321123)
	v.SetDefault("verifying_contract", "0x0300000000000000000000000000000000000000")
	v.SetDefault("min_allowable_margin", "0.2")
	v.SetDefault("taker_fee", "0.0005")
	v.SetDefault("maker_fee", "0.0001")
	v.SetDefault("ioc_expiration_cap", 20)
	v.SetDefault("metrics_addr", ":9100")

	v.SetEnvPrefix("PERPCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ChainID <= 0 {
		return fmt.Errorf("chain_id must be positive, got %d", c.ChainID)
	}
	for _, field := range []struct{ name, value string }{
		{"min_allowable_margin", c.MinAllowableMargin},
		{"taker_fee", c.TakerFee},
		{"maker_fee", c.MakerFee},
	} {
		if _, err := decimal.NewFromString(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	seen := make(map[int64]bool, len(c.Markets))
	for _, m := range c.Markets {
		if seen[m.Index] {
			return fmt.Errorf("duplicate market index %d", m.Index)
		}
		seen[m.Index] = true
	}
	return nil
}

// MarginParams converts the fee and margin ratios to 1e6 fixed point.
func (c *Config) MarginParams() (margin.Params, error) {
	minMargin, err := ratio6(c.MinAllowableMargin)
	if err != nil {
		return margin.Params{}, fmt.Errorf("min_allowable_margin: %w", err)
	}
	takerFee, err := ratio6(c.TakerFee)
	if err != nil {
		return margin.Params{}, fmt.Errorf("taker_fee: %w", err)
	}
	makerFee, err := ratio6(c.MakerFee)
	if err != nil {
		return margin.Params{}, fmt.Errorf("maker_fee: %w", err)
	}
	return margin.Params{
		MinAllowableMargin: minMargin,
		TakerFee:           takerFee,
		MakerFee:           makerFee,
	}, nil
}

// MarketParams converts one market's decimal config into the oracle
// adapter's fixed-point parameters.
func (m MarketConfig) MarketParams() (*oracle.MarketParams, error) {
	price, err := decimal.NewFromString(m.UnderlyingPrice)
	if err != nil {
		return nil, fmt.Errorf("underlying_price: %w", err)
	}
	spread, errSpread := ratio6(m.MaxOracleSpreadRatio)
	if errSpread != nil {
		return nil, fmt.Errorf("max_oracle_spread_ratio: %w", errSpread)
	}
	liqSpread, errLiq := ratio6(m.MaxLiquidationPriceSpread)
	if errLiq != nil {
		return nil, fmt.Errorf("max_liquidation_price_spread: %w", errLiq)
	}
	minSize, err := decimal.NewFromString(m.MinSizeRequirement)
	if err != nil {
		return nil, fmt.Errorf("min_size_requirement: %w", err)
	}
	liqRatio, errRatio := ratio6(m.MaxLiquidationRatio)
	if errRatio != nil {
		return nil, fmt.Errorf("max_liquidation_ratio: %w", errRatio)
	}
	return &oracle.MarketParams{
		Symbol:                    m.Symbol,
		UnderlyingPrice:           fixedpoint.Scale6(price),
		MaxOracleSpreadRatio:      spread,
		MaxLiquidationPriceSpread: liqSpread,
		MinSizeRequirement:        fixedpoint.Scale18(minSize),
		MaxLiquidationRatio:       liqRatio,
	}, nil
}

// ratio6 parses a decimal ratio string into 1e6 fixed point.
func ratio6(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("ratio must not be negative, got %s", s)
	}
	return fixedpoint.Scale6(d), nil
}
