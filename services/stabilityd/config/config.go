package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for stabilityd.
type Config struct {
	ListenAddress string       `yaml:"listen"`
	DatabasePath  string       `yaml:"database"`
	Oracle        OracleConfig `yaml:"oracle"`
	Policy        PolicyConfig `yaml:"policy"`
	Admin         AdminConfig  `yaml:"admin"`
	Bridge        BridgeConfig `yaml:"bridge"`
	Ingest        IngestConfig `yaml:"ingest"`
}

// OracleConfig tunes the price aggregation loop.
type OracleConfig struct {
	Interval Duration `yaml:"interval"`
	MaxAge   Duration `yaml:"max_age"`
	MinFeeds int      `yaml:"min_feeds"`
	Pair     Pair     `yaml:"pair"`
	Sources  []Source `yaml:"sources"`
}

// Source describes an upstream price feed.
type Source struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Asset    string `yaml:"asset"`
}

// Pair identifies the base/quote pair the daemon tracks.
type Pair struct {
	Base  string `yaml:"base"`
	Quote string `yaml:"quote"`
}

// PolicyConfig carries the monetary policy and the opening ledger balances.
// Amounts are whole tokens; ratios are basis points.
type PolicyConfig struct {
	TargetPrice        float64  `yaml:"target_price"`
	ToleranceBps       uint64   `yaml:"tolerance_bps"`
	ReserveRatioBps    uint64   `yaml:"reserve_ratio_bps"`
	MaxChangeBps       uint64   `yaml:"max_change_bps"`
	DampingBps         uint64   `yaml:"damping_bps"`
	RebalanceInterval  Duration `yaml:"rebalance_interval"`
	LookbackWindow     Duration `yaml:"lookback_window"`
	InitialSupply      float64  `yaml:"initial_supply"`
	InitialReserve     float64  `yaml:"initial_reserve"`
	RebalanceAutomatic bool     `yaml:"rebalance_automatic"`
}

// AdminConfig secures the admin endpoints.
type AdminConfig struct {
	BearerToken string `yaml:"bearer_token"`
	TLSCert     string `yaml:"tls_cert"`
	TLSKey      string `yaml:"tls_key"`
	ClientCA    string `yaml:"client_ca"`
}

// BridgeConfig wires executed adjustments to an external consumer.
type BridgeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
}

// IngestConfig throttles the public price ingest endpoint.
type IngestConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7085"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/stabilityd.sqlite"
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = 30 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 2 * time.Minute
	}
	if cfg.Oracle.MinFeeds <= 0 {
		cfg.Oracle.MinFeeds = 1
	}
	if cfg.Oracle.Pair.Base == "" {
		cfg.Oracle.Pair.Base = "CIV"
	}
	if cfg.Oracle.Pair.Quote == "" {
		cfg.Oracle.Pair.Quote = "USD"
	}
	if cfg.Policy.TargetPrice == 0 {
		cfg.Policy.TargetPrice = 1.0
	}
	if cfg.Policy.RebalanceInterval.Duration == 0 {
		cfg.Policy.RebalanceInterval.Duration = time.Hour
	}
	if cfg.Policy.LookbackWindow.Duration == 0 {
		cfg.Policy.LookbackWindow.Duration = 10 * time.Minute
	}
	if cfg.Ingest.RatePerSecond <= 0 {
		cfg.Ingest.RatePerSecond = 5
	}
	if cfg.Ingest.Burst <= 0 {
		cfg.Ingest.Burst = 10
	}
}

func validate(cfg Config) error {
	if len(cfg.Oracle.Sources) == 0 {
		return fmt.Errorf("at least one oracle source must be configured")
	}
	for _, source := range cfg.Oracle.Sources {
		if strings.TrimSpace(source.Name) == "" {
			return fmt.Errorf("oracle source missing name")
		}
		if strings.TrimSpace(source.Type) == "" {
			return fmt.Errorf("oracle source %q missing type", source.Name)
		}
	}
	if cfg.Oracle.MinFeeds > len(cfg.Oracle.Sources) {
		return fmt.Errorf("min_feeds %d exceeds configured sources %d", cfg.Oracle.MinFeeds, len(cfg.Oracle.Sources))
	}
	if cfg.Policy.TargetPrice <= 0 {
		return fmt.Errorf("policy target_price must be positive")
	}
	if cfg.Policy.InitialSupply < 0 || cfg.Policy.InitialReserve < 0 {
		return fmt.Errorf("initial balances must not be negative")
	}
	if strings.TrimSpace(cfg.Admin.BearerToken) == "" {
		return fmt.Errorf("admin bearer_token must be configured")
	}
	if cfg.Bridge.Enabled && strings.TrimSpace(cfg.Bridge.Endpoint) == "" {
		return fmt.Errorf("bridge endpoint must be configured when the bridge is enabled")
	}
	return nil
}
