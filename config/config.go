package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
	_ "time/tzdata" // exchange timezones without a system zoneinfo

	"gopkg.in/yaml.v3"

	"vqi-trader/internal/execution"
	"vqi-trader/internal/indicator"
	"vqi-trader/internal/markethours"
	"vqi-trader/internal/model"
	"vqi-trader/internal/portfolio"
	"vqi-trader/internal/scheduler"
	"vqi-trader/internal/strategy"
)

// Config holds all application configuration: a YAML file overlaid on the
// defaults, then environment overrides.
type Config struct {
	App struct {
		LogLevel    string `yaml:"log_level"`
		MetricsAddr string `yaml:"metrics_addr"`
		APIAddr     string `yaml:"api_addr"` // REST API and snapshot stream, empty disables
	} `yaml:"app"`

	Feed struct {
		URL               string        `yaml:"url"`
		ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
		MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
		QueueSize         int           `yaml:"queue_size"` // per consumer and per instrument
	} `yaml:"feed"`

	Redis struct {
		Enabled   bool          `yaml:"enabled"`
		Addr      string        `yaml:"addr"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		Prefix    string        `yaml:"prefix"`
		LatestTTL time.Duration `yaml:"latest_ttl"`
	} `yaml:"redis"`

	SQLite struct {
		BarsPath    string `yaml:"bars_path"`
		JournalPath string `yaml:"journal_path"`
	} `yaml:"sqlite"`

	Notify struct {
		TelegramToken  string `yaml:"telegram_token"`
		TelegramChatID string `yaml:"telegram_chat_id"`
		WebhookURL     string `yaml:"webhook_url"`
	} `yaml:"notify"`

	Market   markethours.Config   `yaml:"market"`
	Risk     portfolio.RiskLimits `yaml:"risk"`
	Schedule scheduler.Config     `yaml:"schedule"`

	Paper struct {
		Latency time.Duration `yaml:"latency"`
		Equity  float64       `yaml:"equity"`
	} `yaml:"paper"`

	// Strategies are decoded over the defaults of their kind.
	Strategies []strategy.Settings `yaml:"-"`
}

// DefaultInstrument is the Osaka Nikkei 225 mini.
var DefaultInstrument = model.Instrument{Symbol: "NK225M", Exchange: "OSE", PriceTick: 5, Size: 100}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.App.LogLevel = "info"
	c.App.MetricsAddr = ":9090"
	c.App.APIAddr = ":8080"
	c.Feed.URL = "ws://localhost:8765/ws"
	c.Feed.ReconnectDelay = time.Second
	c.Feed.MaxReconnectDelay = 30 * time.Second
	c.Feed.QueueSize = 4096
	c.Redis.Enabled = true
	c.Redis.Addr = "localhost:6379"
	c.Redis.Prefix = "vqi"
	c.Redis.LatestTTL = 30 * time.Minute
	c.SQLite.BarsPath = "data/bars.db"
	c.SQLite.JournalPath = "data/journal.db"
	c.Market = markethours.DefaultConfig()
	c.Risk = portfolio.DefaultRiskLimits()
	c.Schedule = scheduler.DefaultConfig()
	c.Paper.Latency = 50 * time.Millisecond
	c.Paper.Equity = 10_000_000
	return c
}

// Load reads config from a YAML file, then applies environment variable
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	var raw struct {
		Strategies []yaml.Node `yaml:"strategies"`
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	for i := range raw.Strategies {
		s, err := decodeStrategy(&raw.Strategies[i])
		if err != nil {
			return nil, fmt.Errorf("parse strategy %d: %w", i, err)
		}
		cfg.Strategies = append(cfg.Strategies, s)
	}
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = []strategy.Settings{strategy.DefaultSettings("rth_nk225m", DefaultInstrument)}
	}

	cfg.applyEnv()
	return cfg, nil
}

// decodeStrategy overlays node on the defaults of the kind it names.
func decodeStrategy(node *yaml.Node) (strategy.Settings, error) {
	var peek struct {
		Kind string `yaml:"kind"`
	}
	if err := node.Decode(&peek); err != nil {
		return strategy.Settings{}, err
	}
	s := strategy.DefaultSettings("", DefaultInstrument)
	if peek.Kind == strategy.KindVQ {
		s = strategy.DefaultVQSettings("", DefaultInstrument)
	}
	if err := node.Decode(&s); err != nil {
		return strategy.Settings{}, err
	}
	m, err := indicator.ParseMethod(string(s.VQI.Method))
	if err != nil {
		return strategy.Settings{}, err
	}
	s.VQI.Method = m
	if s.VQI.CurrencyPoint == 0 {
		s.VQI.CurrencyPoint = s.Instrument.PriceTick
	}
	return s, nil
}

func (c *Config) applyEnv() {
	c.App.LogLevel = getEnv("LOG_LEVEL", c.App.LogLevel)
	c.App.MetricsAddr = getEnv("METRICS_ADDR", c.App.MetricsAddr)
	c.App.APIAddr = getEnv("API_ADDR", c.App.APIAddr)
	c.Feed.URL = getEnv("FEED_URL", c.Feed.URL)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.SQLite.BarsPath = getEnv("SQLITE_PATH", c.SQLite.BarsPath)
	c.SQLite.JournalPath = getEnv("JOURNAL_PATH", c.SQLite.JournalPath)
	c.Notify.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", c.Notify.TelegramToken)
	c.Notify.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.Notify.TelegramChatID)
	c.Notify.WebhookURL = getEnv("WEBHOOK_URL", c.Notify.WebhookURL)
	c.Paper.Latency = getEnvDuration("PAPER_LATENCY", c.Paper.Latency)
}

// PaperConfig returns the paper gateway settings.
func (c *Config) PaperConfig() execution.PaperConfig {
	return execution.PaperConfig{Latency: c.Paper.Latency}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Feed.URL == "" {
		errs = append(errs, errors.New("feed.url is required"))
	}
	if c.Feed.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("feed.queue_size must be > 0, got %d", c.Feed.QueueSize))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.SQLite.BarsPath == "" {
		errs = append(errs, errors.New("sqlite.bars_path is required"))
	}
	if _, err := markethours.New(c.Market); err != nil {
		errs = append(errs, err)
	}
	if c.Paper.Latency < 0 {
		errs = append(errs, fmt.Errorf("paper.latency must be >= 0, got %v", c.Paper.Latency))
	}
	if len(c.Strategies) == 0 {
		errs = append(errs, errors.New("at least one strategy is required"))
	}
	seen := make(map[string]bool)
	for _, s := range c.Strategies {
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate strategy name %q", s.Name))
		}
		seen[s.Name] = true
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("strategy %q: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Instruments returns the distinct instruments traded, in strategy order.
func (c *Config) Instruments() []model.Instrument {
	var out []model.Instrument
	seen := make(map[string]bool)
	for _, s := range c.Strategies {
		if seen[s.Instrument.Symbol] {
			continue
		}
		seen[s.Instrument.Symbol] = true
		out = append(out, s.Instrument)
	}
	return out
}

// Symbols returns the distinct symbols traded.
func (c *Config) Symbols() []string {
	insts := c.Instruments()
	out := make([]string, len(insts))
	for i, in := range insts {
		out[i] = in.Symbol
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return d
}
