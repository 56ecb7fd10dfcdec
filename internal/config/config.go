package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	zerologlog "github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/umbrellasoft/ratecore/internal/types"
)

// Connector kinds understood by the supervisor.
const (
	KindREST = "rest"
	KindWS   = "ws"
)

// Config is the full application configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`
	// UpdateInterval is the cadence at which the display layer polls the
	// state store. The core itself does not consume it; it is carried
	// here so the display reads one config source.
	UpdateInterval time.Duration              `mapstructure:"update_interval"`
	ReportSchedule string                     `mapstructure:"report_schedule"`
	Exchanges      map[string]*ExchangeConfig `mapstructure:"exchanges"`
}

// ExchangeConfig describes one exchange connector.
type ExchangeConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Kind           string        `mapstructure:"kind"`
	BaseURL        string        `mapstructure:"base_url"`
	WSURL          string        `mapstructure:"ws_url"`
	Assets         []string      `mapstructure:"assets"`
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	ReferenceAsset string        `mapstructure:"reference_asset"`
	FiatCurrency   string        `mapstructure:"fiat_currency"`
	TickerInterval time.Duration `mapstructure:"ticker_interval"`
	RateInterval   time.Duration `mapstructure:"rate_interval"`
	// Spreads maps a quote label to a markdown percentage; each update
	// derives a per-label quote price from the base price. Commission is
	// added on top of every spread.
	Spreads    map[string]float64 `mapstructure:"spreads"`
	Commission float64            `mapstructure:"commission"`
}

// LoadConfig reads the YAML config file at configPath, applies defaults
// and environment overrides, and validates the result.
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	zerologlog.Info().
		Str("path", configPath).
		Int("exchanges", len(cfg.Exchanges)).
		Msg("config loaded")
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = time.Second
	}
	if cfg.ReportSchedule == "" {
		cfg.ReportSchedule = "@every 1m"
	}
	for _, ex := range cfg.Exchanges {
		if ex.Kind == "" {
			ex.Kind = KindREST
		}
		if ex.ReferenceAsset == "" {
			ex.ReferenceAsset = "USDT"
		}
		if ex.FiatCurrency == "" {
			ex.FiatCurrency = "RUB"
		}
		if ex.TickerInterval <= 0 {
			ex.TickerInterval = 5 * time.Second
		}
		if ex.RateInterval <= 0 {
			ex.RateInterval = 10 * time.Second
		}
	}
}

// applyEnvOverrides lets credentials live outside the config file:
// RATECORE_<EXCHANGE>_API_KEY / RATECORE_<EXCHANGE>_API_SECRET.
func applyEnvOverrides(cfg *Config) {
	for name, ex := range cfg.Exchanges {
		prefix := "RATECORE_" + strings.ToUpper(name) + "_"
		if v := os.Getenv(prefix + "API_KEY"); v != "" {
			ex.APIKey = v
		}
		if v := os.Getenv(prefix + "API_SECRET"); v != "" {
			ex.APISecret = v
		}
	}
}

// Validate checks every enabled exchange for the fields its connector
// kind requires. A violation is fatal to the whole process; nothing has
// started yet when it surfaces.
func Validate(cfg *Config) error {
	for name, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		switch ex.Kind {
		case KindREST:
			if ex.BaseURL == "" {
				return types.NewConfigError(fmt.Sprintf("exchange %s: base_url is required for rest connectors", name))
			}
		case KindWS:
			if ex.WSURL == "" {
				return types.NewConfigError(fmt.Sprintf("exchange %s: ws_url is required for ws connectors", name))
			}
		default:
			return types.NewConfigError(fmt.Sprintf("exchange %s: unknown connector kind %q", name, ex.Kind))
		}
		if len(ex.Assets) == 0 {
			return types.NewConfigError(fmt.Sprintf("exchange %s: at least one asset is required", name))
		}
	}
	return nil
}
