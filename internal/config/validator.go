package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/paystream/internal/transport"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Validate checks the config for:
//   - Known backends, and a Redis address when a redis backend is chosen
//   - Positive windows, retention at least one window, and sane rates
//   - Log level and format values slog understands
//   - An unroutable channel that is not one of the pipeline's own channels
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level: unknown level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		add("log.format: must be text or json, got %q", cfg.Log.Format)
	}

	if cfg.Pipeline.Workers < 1 {
		add("pipeline.workers: must be >= 1")
	}
	if cfg.Pipeline.QueueDepth < 1 {
		add("pipeline.queue_depth: must be >= 1")
	}
	if ch := cfg.Pipeline.UnroutableChannel; ch != "" && slices.Contains(transport.Channels, ch) {
		add("pipeline.unroutable_channel: %q is already a source or output channel", ch)
	}

	agg := cfg.Aggregation
	if agg.Window <= 0 {
		add("aggregation.window: must be positive")
	} else if time.Hour%agg.Window != 0 && agg.Window%time.Hour != 0 {
		add("aggregation.window: %s does not divide an hour evenly", agg.Window)
	}
	if agg.Retention < agg.Window {
		add("aggregation.retention: %s is shorter than the window %s", agg.Retention, agg.Window)
	}
	if agg.DedupCapacity < 0 {
		add("aggregation.dedup_capacity: must not be negative")
	}
	if agg.RetryMaxElapsed < 0 {
		add("aggregation.retry_max_elapsed: must not be negative")
	}
	if agg.MaxSkew < 0 {
		add("aggregation.max_skew: must not be negative")
	}

	validateBackend("store", cfg.Store.Backend, cfg.Store.Redis, add)
	validateBackend("transport", cfg.Transport.Backend, cfg.Transport.Redis, add)

	if cfg.Query.DefaultRange <= 0 {
		add("query.default_range: must be positive")
	}
	if r := cfg.Simulator.Rate(); r < 0 || r > 1 {
		add("simulator.failure_rate: %v is outside [0, 1]", r)
	}
	if cfg.Simulator.Enabled && cfg.Simulator.Interval <= 0 {
		add("simulator.interval: must be positive when the simulator is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateBackend(section, backend string, rc RedisConf, add func(string, ...any)) {
	switch backend {
	case BackendMemory:
	case BackendRedis:
		if rc.Addr == "" {
			add("%s.redis.addr: required when backend is redis", section)
		}
	default:
		add("%s.backend: unknown backend %q", section, backend)
	}
}
