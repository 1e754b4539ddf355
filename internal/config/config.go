// Package config loads server settings from defaults, an optional config
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/stotra/trade-engine/internal/quote"
	"github.com/stotra/trade-engine/internal/simulator"
)

// Config is the full server configuration.
type Config struct {
	Port            string        `mapstructure:"port"`
	LogLevel        string        `mapstructure:"log_level"`
	DatabaseURL     string        `mapstructure:"database_url"`
	RedisURL        string        `mapstructure:"redis_url"`
	OperatorToken   string        `mapstructure:"operator_token"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Quote     Quote     `mapstructure:"quote"`
	Stream    Stream    `mapstructure:"stream"`
	Simulator Simulator `mapstructure:"simulator"`
	HTTP      HTTP      `mapstructure:"http"`
}

type Quote struct {
	Providers       []string          `mapstructure:"providers"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	CacheTTL        time.Duration     `mapstructure:"cache_ttl"`
	AlphaVantageKey string            `mapstructure:"alphavantage_key"`
	FinnhubKey      string            `mapstructure:"finnhub_key"`
	YahooURL        string            `mapstructure:"yahoo_url"`
	StaticPrices    map[string]string `mapstructure:"static_prices"`
}

type Stream struct {
	Interval time.Duration `mapstructure:"interval"`
	Backfill int           `mapstructure:"backfill"`
	Jitter   float64       `mapstructure:"jitter"`
}

type Simulator struct {
	// DefaultDuration is in minutes.
	DefaultDuration int `mapstructure:"default_duration"`
}

type HTTP struct {
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("operator_token", "")
	v.SetDefault("shutdown_timeout", 10*time.Second)

	v.SetDefault("quote.providers", []string{"yahoo", "static"})
	v.SetDefault("quote.timeout", 5*time.Second)
	v.SetDefault("quote.cache_ttl", 5*time.Minute)
	v.SetDefault("quote.alphavantage_key", "")
	v.SetDefault("quote.finnhub_key", "")
	v.SetDefault("quote.yahoo_url", quote.DefaultYahooURL)
	v.SetDefault("quote.static_prices", map[string]string{
		"AAPL": "190.00",
		"NVDA": "880.00",
		"TSLA": "175.00",
		"MSFT": "415.00",
	})

	v.SetDefault("stream.interval", 3*time.Second)
	v.SetDefault("stream.backfill", 30)
	v.SetDefault("stream.jitter", 0.0)

	v.SetDefault("simulator.default_duration", simulator.DefaultDurationMinutes)

	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
}

// Load reads configuration. path may be empty; otherwise it names a YAML,
// TOML or JSON file. Environment variables override both, with nested keys
// joined by underscores (QUOTE_CACHE_TTL, STREAM_INTERVAL, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	for i, p := range cfg.Quote.Providers {
		cfg.Quote.Providers[i] = strings.ToLower(strings.TrimSpace(p))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port must be set"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Quote.Providers) == 0 {
		errs = append(errs, errors.New("quote.providers must list at least one provider"))
	}
	for _, p := range c.Quote.Providers {
		if !slices.Contains(quote.KnownProviders, p) {
			errs = append(errs, fmt.Errorf("quote.providers: unknown provider %q", p))
		}
	}
	if _, err := c.StaticPrices(); err != nil {
		errs = append(errs, err)
	}

	positive := map[string]time.Duration{
		"shutdown_timeout":   c.ShutdownTimeout,
		"quote.timeout":      c.Quote.Timeout,
		"quote.cache_ttl":    c.Quote.CacheTTL,
		"stream.interval":    c.Stream.Interval,
		"http.read_timeout":  c.HTTP.ReadTimeout,
		"http.write_timeout": c.HTTP.WriteTimeout,
		"http.idle_timeout":  c.HTTP.IdleTimeout,
	}
	keys := make([]string, 0, len(positive))
	for k := range positive {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if positive[k] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", k, positive[k]))
		}
	}

	if c.Stream.Backfill < 0 {
		errs = append(errs, fmt.Errorf("stream.backfill must not be negative, got %d", c.Stream.Backfill))
	}
	if c.Stream.Jitter < 0 || c.Stream.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("stream.jitter must be in [0, 1), got %v", c.Stream.Jitter))
	}
	if d := c.Simulator.DefaultDuration; d < simulator.MinDurationMinutes || d > simulator.MaxDurationMinutes {
		errs = append(errs, fmt.Errorf("simulator.default_duration must be between %d and %d minutes, got %d",
			simulator.MinDurationMinutes, simulator.MaxDurationMinutes, d))
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// StaticPrices decodes the offline provider's price table.
func (c *Config) StaticPrices() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Quote.StaticPrices))
	for sym, raw := range c.Quote.StaticPrices {
		p, err := decimal.NewFromString(raw)
		if err != nil || !p.IsPositive() {
			return nil, fmt.Errorf("quote.static_prices[%s]: invalid price %q", sym, raw)
		}
		out[strings.ToUpper(sym)] = p
	}
	return out, nil
}

// ProviderOptions converts the quote section for quote.BuildProviders.
func (c *Config) ProviderOptions() (quote.ProviderOptions, error) {
	prices, err := c.StaticPrices()
	if err != nil {
		return quote.ProviderOptions{}, err
	}
	return quote.ProviderOptions{
		YahooURL:        c.Quote.YahooURL,
		AlphaVantageKey: c.Quote.AlphaVantageKey,
		FinnhubKey:      c.Quote.FinnhubKey,
		StaticPrices:    prices,
		Timeout:         c.Quote.Timeout,
	}, nil
}
