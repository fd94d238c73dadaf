package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Super-Protocol/price-proxy/internal/model"
)

// Environment selects logging and server defaults.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
	EnvTest        Environment = "test"
)

// Config is the full application configuration.
type Config struct {
	Port          int           `yaml:"port"`
	Environment   Environment   `yaml:"environment"`
	PairsFilePath string        `yaml:"pairsFilePath,omitempty"`
	Logger        LoggerConfig  `yaml:"logger"`
	Proxy         string        `yaml:"proxy,omitempty"`
	Refetch       RefetchConfig `yaml:"refetch"`
	PairCleanup   CleanupConfig `yaml:"pairCleanup"`
	PairsTTL      []PairTTL     `yaml:"pairsTtl,omitempty"`
	Sources       SourcesConfig `yaml:"sources"`
	MarketData    MarketData    `yaml:"marketData,omitempty"`
	MetricsPush   MetricsPush   `yaml:"metricsPush,omitempty"`
}

// LoggerConfig controls zerolog output.
type LoggerConfig struct {
	Level           string `yaml:"level"`
	IsPrettyEnabled bool   `yaml:"isPrettyEnabled"`
}

// RefetchConfig drives the proactive refresh scheduler.
type RefetchConfig struct {
	Enabled                  bool        `yaml:"enabled"`
	StaleTriggerBeforeExpiry int         `yaml:"staleTriggerBeforeExpiry"` // ms
	BatchInterval            int         `yaml:"batchInterval"`            // ms
	MinTimeBetweenRefreshes  int         `yaml:"minTimeBetweenRefreshes"`  // ms
	FailedPairsRetry         RetryConfig `yaml:"failedPairsRetry"`
}

// RetryConfig bounds the failed-pair retry queue.
type RetryConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxAttempts   int  `yaml:"maxAttempts"`
	RetryDelay    int  `yaml:"retryDelay"`    // ms
	CheckInterval int  `yaml:"checkInterval"` // ms
}

// CleanupConfig drives removal of inactive pair registrations.
type CleanupConfig struct {
	Enabled           bool `yaml:"enabled"`
	InactiveTimeoutMs int  `yaml:"inactiveTimeoutMs"`
	CleanupIntervalMs int  `yaml:"cleanupIntervalMs"`
}

// PairTTL is a per-pair cache TTL override. A nil Source matches any source.
type PairTTL struct {
	Pair   [2]string `yaml:"pair"`
	Source *string   `yaml:"source,omitempty"`
	TTL    int       `yaml:"ttl"` // ms
}

// SourcesConfig maps provider name to its adapter configuration.
type SourcesConfig map[string]*SourceConfig

// SourceConfig configures one source adapter.
type SourceConfig struct {
	Enabled       bool          `yaml:"enabled"`
	APIKey        string        `yaml:"apiKey,omitempty"`
	TTL           int           `yaml:"ttl"` // ms
	MaxConcurrent int           `yaml:"maxConcurrent"`
	TimeoutMs     int           `yaml:"timeoutMs"`
	RPS           *float64      `yaml:"rps"` // nil = unlimited
	UseProxy      ProxyOption   `yaml:"useProxy,omitempty"`
	MaxRetries    int           `yaml:"maxRetries"`
	Refetch       bool          `yaml:"refetch"`
	MaxBatchSize  int           `yaml:"maxBatchSize,omitempty"`
	BaseURL       string        `yaml:"baseUrl,omitempty"`
	Stream        *StreamConfig `yaml:"stream,omitempty"`
}

// StreamConfig configures the streaming side of a source, when present.
type StreamConfig struct {
	AutoReconnect        bool   `yaml:"autoReconnect"`
	ReconnectInterval    int    `yaml:"reconnectInterval"` // ms
	MaxReconnectAttempts int    `yaml:"maxReconnectAttempts"`
	HeartbeatInterval    int    `yaml:"heartbeatInterval"` // ms
	WSURL                string `yaml:"wsUrl,omitempty"`
	BatchSize            int    `yaml:"batchSize,omitempty"`
	RateLimit            *int   `yaml:"rateLimit,omitempty"`
}

// MarketData holds pairs to pre-register at boot.
type MarketData struct {
	Pairs []MarketPair `yaml:"pairs,omitempty"`
}

// MarketPair is a (pair, sources) pre-registration entry.
type MarketPair struct {
	Pair    [2]string `yaml:"pair"`
	Sources []string  `yaml:"sources,omitempty"`
}

// MetricsPush configures optional pushing of metrics to a remote gateway.
type MetricsPush struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url,omitempty"`
	IntervalMs int    `yaml:"intervalMs,omitempty"`
}

// ProxyOption is either a bool ("use the global proxy") or a proxy URL.
type ProxyOption struct {
	Enabled bool
	URL     string
}

// UnmarshalYAML accepts `true`, `false`, or a URL string.
func (p *ProxyOption) UnmarshalYAML(value *yaml.Node) error {
	var b bool
	if err := value.Decode(&b); err == nil {
		p.Enabled = b
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("useProxy must be a bool or a URL string")
	}
	if _, err := url.Parse(s); err != nil {
		return fmt.Errorf("useProxy URL %q: %w", redactURL(s), err)
	}
	p.Enabled = true
	p.URL = s
	return nil
}

// MarshalYAML mirrors UnmarshalYAML.
func (p ProxyOption) MarshalYAML() (interface{}, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	return p.Enabled, nil
}

// Duration helpers. Millisecond ints are kept in the schema for parity with
// the wire format; everything downstream works with time.Duration.

func (r RefetchConfig) StaleTrigger() time.Duration { return msec(r.StaleTriggerBeforeExpiry) }
func (r RefetchConfig) Batch() time.Duration        { return msec(r.BatchInterval) }
func (r RefetchConfig) MinBetween() time.Duration   { return msec(r.MinTimeBetweenRefreshes) }
func (r RetryConfig) Delay() time.Duration          { return msec(r.RetryDelay) }
func (r RetryConfig) Check() time.Duration          { return msec(r.CheckInterval) }
func (c CleanupConfig) InactiveTimeout() time.Duration { return msec(c.InactiveTimeoutMs) }
func (c CleanupConfig) CleanupInterval() time.Duration { return msec(c.CleanupIntervalMs) }
func (s *SourceConfig) TTLDuration() time.Duration     { return msec(s.TTL) }
func (s *SourceConfig) Timeout() time.Duration         { return msec(s.TimeoutMs) }
func (p PairTTL) TTLDuration() time.Duration           { return msec(p.TTL) }
func (m MetricsPush) Interval() time.Duration          { return msec(m.IntervalMs) }
func (s *StreamConfig) Reconnect() time.Duration       { return msec(s.ReconnectInterval) }
func (s *StreamConfig) Heartbeat() time.Duration       { return msec(s.HeartbeatInterval) }

func msec(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// ShutdownTimeout bounds graceful HTTP drain on exit.
func (c *Config) ShutdownTimeout() time.Duration { return 15 * time.Second }

// sourcesRequiringKey cannot be queried anonymously.
var sourcesRequiringKey = map[string]bool{
	string(model.SourceCryptoCompare):    true,
	string(model.SourceFinnhub):          true,
	string(model.SourceAlphaVantage):     true,
	string(model.SourceExchangeRateHost): true,
}

// Load reads, expands and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.expandSecrets()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Environment == "" {
		c.Environment = EnvDevelopment
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
}

// expandSecrets resolves ${ENV_VAR} references in api keys and proxy URLs.
func (c *Config) expandSecrets() {
	c.Proxy = os.ExpandEnv(c.Proxy)
	for _, sc := range c.Sources {
		if sc == nil {
			continue
		}
		sc.APIKey = os.ExpandEnv(sc.APIKey)
		if sc.UseProxy.URL != "" {
			sc.UseProxy.URL = os.ExpandEnv(sc.UseProxy.URL)
		}
	}
}

// Validate enforces the recognized ranges. A source that is enabled but
// missing a required api key is disabled rather than rejected.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("environment must be development, production or test, got %q", c.Environment)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}

	if c.Refetch.Enabled {
		if err := inRange("refetch.staleTriggerBeforeExpiry", c.Refetch.StaleTriggerBeforeExpiry, 100, 60000); err != nil {
			return err
		}
		if err := inRange("refetch.batchInterval", c.Refetch.BatchInterval, 100, 10000); err != nil {
			return err
		}
		if err := inRange("refetch.minTimeBetweenRefreshes", c.Refetch.MinTimeBetweenRefreshes, 100, 60000); err != nil {
			return err
		}
		if c.Refetch.FailedPairsRetry.Enabled {
			fr := c.Refetch.FailedPairsRetry
			if err := inRange("failedPairsRetry.maxAttempts", fr.MaxAttempts, 1, 1000); err != nil {
				return err
			}
			if err := inRange("failedPairsRetry.retryDelay", fr.RetryDelay, 1000, 3600000); err != nil {
				return err
			}
			if err := inRange("failedPairsRetry.checkInterval", fr.CheckInterval, 5000, 300000); err != nil {
				return err
			}
		}
	}

	if c.PairCleanup.Enabled {
		if err := inRange("pairCleanup.inactiveTimeoutMs", c.PairCleanup.InactiveTimeoutMs, 60000, 86400000); err != nil {
			return err
		}
		if err := inRange("pairCleanup.cleanupIntervalMs", c.PairCleanup.CleanupIntervalMs, 5000, 3600000); err != nil {
			return err
		}
	}

	for i, override := range c.PairsTTL {
		if override.Pair[0] == "" || override.Pair[1] == "" {
			return fmt.Errorf("pairsTtl[%d]: pair symbols must be non-empty", i)
		}
		if override.TTL < 1000 {
			return fmt.Errorf("pairsTtl[%d]: ttl %dms below minimum 1000ms", i, override.TTL)
		}
		if override.Source != nil && !model.IsKnownSource(*override.Source) {
			return fmt.Errorf("pairsTtl[%d]: unknown source %q", i, *override.Source)
		}
	}

	for name, sc := range c.Sources {
		if !model.IsKnownSource(name) {
			return fmt.Errorf("sources.%s: unknown source", name)
		}
		if sc == nil {
			return fmt.Errorf("sources.%s: empty configuration", name)
		}
		if !sc.Enabled {
			continue
		}
		if sc.TTL < 1000 {
			return fmt.Errorf("sources.%s: ttl %dms below minimum 1000ms", name, sc.TTL)
		}
		if sc.MaxConcurrent < 1 {
			return fmt.Errorf("sources.%s: maxConcurrent must be >= 1", name)
		}
		if sc.TimeoutMs < 1000 {
			return fmt.Errorf("sources.%s: timeoutMs %d below minimum 1000", name, sc.TimeoutMs)
		}
		if sc.RPS != nil && *sc.RPS <= 0 {
			return fmt.Errorf("sources.%s: rps must be > 0 or null", name)
		}
		if sc.MaxRetries < 0 || sc.MaxRetries > 10 {
			return fmt.Errorf("sources.%s: maxRetries %d out of range [0..10]", name, sc.MaxRetries)
		}
		if sc.Stream != nil {
			if sc.Stream.MaxReconnectAttempts < 0 || sc.Stream.MaxReconnectAttempts > 100 {
				return fmt.Errorf("sources.%s: stream.maxReconnectAttempts out of range [0..100]", name)
			}
			if sc.Stream.HeartbeatInterval != 0 && sc.Stream.HeartbeatInterval < 5000 {
				return fmt.Errorf("sources.%s: stream.heartbeatInterval below minimum 5000ms", name)
			}
		}
		if sourcesRequiringKey[name] && sc.APIKey == "" {
			log.Warn().Str("source", name).Msg("source requires an api key but none configured, disabling")
			sc.Enabled = false
		}
	}
	return nil
}

func inRange(field string, v, lo, hi int) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s %d out of range [%d..%d]", field, v, lo, hi)
	}
	return nil
}

// redactURL strips credentials, query and fragment for safe logging.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// RedactURL is redactURL for callers outside this package.
func RedactURL(raw string) string { return redactURL(raw) }
