package config

import "time"

// Config is the top-level YAML structure.
type Config struct {
	Version     string          `yaml:"version"`
	Log         LogConf         `yaml:"log"`
	Pipeline    PipelineConf    `yaml:"pipeline"`
	Aggregation AggregationConf `yaml:"aggregation"`
	Store       StoreConf       `yaml:"store"`
	Transport   TransportConf   `yaml:"transport"`
	Query       QueryConf       `yaml:"query"`
	Simulator   SimulatorConf   `yaml:"simulator"`
}

// LogConf selects the slog handler. Level is hot-reloadable.
type LogConf struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// PipelineConf holds tunable concurrency settings.
type PipelineConf struct {
	Workers    int `yaml:"workers"`
	QueueDepth int `yaml:"queue_depth"`
	// UnroutableChannel receives success events with an unknown payment
	// method. Empty means they are dropped.
	UnroutableChannel string `yaml:"unroutable_channel"`
}

// AggregationConf configures windows, retention, dedup and store retries.
type AggregationConf struct {
	Window          time.Duration `yaml:"window"`
	Retention       time.Duration `yaml:"retention"`
	DedupCapacity   int           `yaml:"dedup_capacity"`
	DedupTTL        time.Duration `yaml:"dedup_ttl"`
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed"`
	// MaxSkew is how far past the wall clock an event may move stream time.
	MaxSkew time.Duration `yaml:"max_skew"`
}

// StoreConf picks the state store backend.
type StoreConf struct {
	Backend      string    `yaml:"backend"` // memory | redis
	SnapshotPath string    `yaml:"snapshot_path"`
	Redis        RedisConf `yaml:"redis"`
}

// TransportConf picks the event log backend.
type TransportConf struct {
	Backend  string        `yaml:"backend"` // memory | redis
	Capacity int           `yaml:"capacity"`
	Group    string        `yaml:"group"`
	Consumer string        `yaml:"consumer"`
	Block    time.Duration `yaml:"block"`
	MaxLen   int64         `yaml:"max_len"`
	Redis    RedisConf     `yaml:"redis"`
}

// RedisConf locates a Redis server.
type RedisConf struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// QueryConf configures the read façade. DefaultRange is hot-reloadable.
type QueryConf struct {
	DefaultRange time.Duration `yaml:"default_range"`
}

// SimulatorConf drives the built-in synthetic producers.
type SimulatorConf struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// FailureRate is nil when the key is absent, so an explicit 0 survives
	// defaulting.
	FailureRate *float64 `yaml:"failure_rate"`
}

// DefaultFailureRate is the share of simulated events marked FAILED when
// simulator.failure_rate is not set.
const DefaultFailureRate = 0.2

// Rate returns the configured failure rate, or DefaultFailureRate.
func (s SimulatorConf) Rate() float64 {
	if s.FailureRate == nil {
		return DefaultFailureRate
	}
	return *s.FailureRate
}
