package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the risk engine.
type Config struct {
	Quotes      Quotes         `mapstructure:"quotes"`
	Risk        Risk           `mapstructure:"risk"`
	Challenge   Challenge      `mapstructure:"challenge"`
	Payouts     []PayoutOption `mapstructure:"payouts"`
	Instruments []Instrument   `mapstructure:"instruments"`
	Notify      Notify         `mapstructure:"notify"`
	Logger      Logger         `mapstructure:"logger"`
	Server      Server         `mapstructure:"server"`
	Database    Database       `mapstructure:"database"`
}

// Quotes holds the configuration for the price source client.
type Quotes struct {
	BaseURL        string  `mapstructure:"base_url"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	CacheTTL       int     `mapstructure:"cache_ttl"` // seconds
	SpreadOverride float64 `mapstructure:"spread_override"`
}

// Risk holds wallet solvency thresholds.
type Risk struct {
	StopOutLevel    float64 `mapstructure:"stop_out_level"` // margin level %
	DefaultLeverage float64 `mapstructure:"default_leverage"`
}

// Challenge holds evaluation-account policy.
type Challenge struct {
	InactivityDays int     `mapstructure:"inactivity_days"`
	SweepInterval  int     `mapstructure:"sweep_interval"` // seconds between scheduled sweeps
	Scaling        Scaling `mapstructure:"scaling"`
}

// Scaling describes the funded-account scale-up milestone.
type Scaling struct {
	PayoutsRequired   int     `mapstructure:"payouts_required"`
	ProfitRequiredPct float64 `mapstructure:"profit_required_pct"`
	IncreasePct       float64 `mapstructure:"increase_pct"`
	MaxScalePct       float64 `mapstructure:"max_scale_pct"`
}

// PayoutOption is one configured payout plan referenced by name from
// challenge accounts.
type PayoutOption struct {
	Name                 string  `mapstructure:"name"`
	ProfitSplitPct       float64 `mapstructure:"profit_split_pct"`
	Frequency            string  `mapstructure:"frequency"` // weekly, bi-weekly, monthly, on_demand
	MinPayoutPct         float64 `mapstructure:"min_payout_pct"`
	RequireConsistency   bool    `mapstructure:"require_consistency"`
	ConsistencyThreshold float64 `mapstructure:"consistency_threshold"`
}

// Instrument seeds one row of the static instrument table.
type Instrument struct {
	Symbol       string  `mapstructure:"symbol"`
	ContractSize float64 `mapstructure:"contract_size"`
	Leverage     float64 `mapstructure:"leverage"`
}

// Notify holds the webhook target for state-change notifications.
type Notify struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// Server holds the configuration for the API server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("quotes.rate_limit", 20) // requests per second
	viper.SetDefault("quotes.rate_limit_burst", 5)
	viper.SetDefault("quotes.cache_ttl", 2)
	viper.SetDefault("risk.stop_out_level", 50)
	viper.SetDefault("risk.default_leverage", 100)
	viper.SetDefault("challenge.inactivity_days", 30)
	viper.SetDefault("challenge.sweep_interval", 3600)
	viper.SetDefault("challenge.scaling.payouts_required", 3)
	viper.SetDefault("challenge.scaling.profit_required_pct", 10)
	viper.SetDefault("challenge.scaling.increase_pct", 25)
	viper.SetDefault("challenge.scaling.max_scale_pct", 100)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}

// Option returns the payout option with the given name.
func (c *Config) Option(name string) (PayoutOption, bool) {
	for _, o := range c.Payouts {
		if o.Name == name {
			return o, true
		}
	}
	return PayoutOption{}, false
}
