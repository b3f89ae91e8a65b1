package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					cfg, err := l.load()
					if err != nil {
						slog.Warn("config reload failed, keeping previous config", "path", l.path, "err", err)
						continue
					}
					l.mu.Lock()
					l.current = cfg
					callbacks := make([]func(*Config), len(l.onChange))
					copy(callbacks, l.onChange)
					l.mu.Unlock()
					for _, fn := range callbacks {
						fn(cfg)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the config file.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", l.path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 8
	}
	if cfg.Pipeline.QueueDepth == 0 {
		cfg.Pipeline.QueueDepth = 1000
	}
	if cfg.Aggregation.Window == 0 {
		cfg.Aggregation.Window = time.Minute
	}
	if cfg.Aggregation.Retention == 0 {
		cfg.Aggregation.Retention = 24 * time.Hour
	}
	if cfg.Aggregation.DedupCapacity == 0 {
		cfg.Aggregation.DedupCapacity = 100000
	}
	if cfg.Aggregation.DedupTTL == 0 {
		cfg.Aggregation.DedupTTL = cfg.Aggregation.Retention
	}
	if cfg.Aggregation.RetryMaxElapsed == 0 {
		cfg.Aggregation.RetryMaxElapsed = 30 * time.Second
	}
	if cfg.Aggregation.MaxSkew == 0 {
		cfg.Aggregation.MaxSkew = time.Hour
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}
	if cfg.Transport.Backend == "" {
		cfg.Transport.Backend = BackendMemory
	}
	if cfg.Transport.Capacity == 0 {
		cfg.Transport.Capacity = 10000
	}
	if cfg.Transport.Block == 0 {
		cfg.Transport.Block = time.Second
	}
	if cfg.Query.DefaultRange == 0 {
		cfg.Query.DefaultRange = 10 * time.Minute
	}
	if cfg.Simulator.Interval == 0 {
		cfg.Simulator.Interval = 3 * time.Second
	}
	if cfg.Simulator.FailureRate == nil {
		rate := DefaultFailureRate
		cfg.Simulator.FailureRate = &rate
	}
}
