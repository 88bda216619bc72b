package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server     Server              `mapstructure:"server"`
	Logger     Logger              `mapstructure:"logger"`
	Database   Database            `mapstructure:"database"`
	MarketData MarketData          `mapstructure:"marketdata"`
	Exchanges  map[string]Exchange `mapstructure:"exchanges"`
	Trading    Trading             `mapstructure:"trading"`
}

// Server holds the configuration for the HTTP API server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// MarketData holds the configuration for the market data provider.
type MarketData struct {
	BaseURL         string  `mapstructure:"base_url"`
	CacheTTLSeconds int     `mapstructure:"cache_ttl_seconds"`
	RateLimit       float64 `mapstructure:"rate_limit"`
	RateLimitBurst  int     `mapstructure:"rate_limit_burst"`
}

// Exchange holds per-exchange credentials and endpoints. Passphrase is
// only used by exchanges whose signing scheme requires one.
type Exchange struct {
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	Passphrase     string  `mapstructure:"passphrase"`
	BaseURL        string  `mapstructure:"base_url"`
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Trading holds the configuration for order and portfolio handling.
type Trading struct {
	QuoteCurrency            string  `mapstructure:"quote_currency"`
	DefaultExchange          string  `mapstructure:"default_exchange"`
	RebalanceThresholdPct    float64 `mapstructure:"rebalance_threshold_pct"`
	ReconcileIntervalSeconds int     `mapstructure:"reconcile_interval_seconds"`
	DryRun                   bool    `mapstructure:"dry_run"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("marketdata.cache_ttl_seconds", 30)
	viper.SetDefault("marketdata.rate_limit", 20)      // requests per second
	viper.SetDefault("marketdata.rate_limit_burst", 5) // burst size
	viper.SetDefault("trading.quote_currency", "USDT")
	viper.SetDefault("trading.default_exchange", "binance")
	viper.SetDefault("trading.rebalance_threshold_pct", 1.0)
	viper.SetDefault("trading.reconcile_interval_seconds", 15)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
