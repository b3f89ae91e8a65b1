package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/paystream/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paystream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	l, err := config.NewLoader(writeConfig(t, "version: \"1\"\n"))
	require.NoError(t, err)
	cfg := l.Config()

	assert.Equal(t, time.Minute, cfg.Aggregation.Window)
	assert.Equal(t, 24*time.Hour, cfg.Aggregation.Retention)
	assert.Equal(t, 24*time.Hour, cfg.Aggregation.DedupTTL)
	assert.Equal(t, 30*time.Second, cfg.Aggregation.RetryMaxElapsed)
	assert.Equal(t, 10*time.Minute, cfg.Query.DefaultRange)
	assert.Equal(t, config.BackendMemory, cfg.Store.Backend)
	assert.Equal(t, config.BackendMemory, cfg.Transport.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Pipeline.UnroutableChannel)
	assert.Equal(t, time.Hour, cfg.Aggregation.MaxSkew)
	require.NotNil(t, cfg.Simulator.FailureRate)
	assert.Equal(t, config.DefaultFailureRate, cfg.Simulator.Rate())
	assert.NoError(t, config.Validate(cfg))
}

func TestLoader_ExplicitZeroFailureRateKept(t *testing.T) {
	l, err := config.NewLoader(writeConfig(t, "version: \"1\"\nsimulator:\n  failure_rate: 0\n"))
	require.NoError(t, err)

	assert.Zero(t, l.Config().Simulator.Rate())
	assert.NoError(t, config.Validate(l.Config()))
}

func TestValidate_UnroutableChannelMustBeDistinct(t *testing.T) {
	for _, ch := range []string{"source-card", "source-wallet", "dlq-failed", "unified-success", "success-card", "success-wallet"} {
		l, err := config.NewLoader(writeConfig(t, "version: \"1\"\npipeline:\n  unroutable_channel: "+ch+"\n"))
		require.NoError(t, err)
		assert.ErrorContains(t, config.Validate(l.Config()), "pipeline.unroutable_channel", ch)
	}

	l, err := config.NewLoader(writeConfig(t, "version: \"1\"\npipeline:\n  unroutable_channel: unroutable\n"))
	require.NoError(t, err)
	assert.NoError(t, config.Validate(l.Config()))
}

func TestLoader_ExampleFileIsValid(t *testing.T) {
	l, err := config.NewLoader(filepath.Join("..", "..", "configs", "paystream.yaml"))
	require.NoError(t, err)
	assert.NoError(t, config.Validate(l.Config()))
	assert.Equal(t, 3*time.Second, l.Config().Simulator.Interval)
}

func TestLoader_ParseError(t *testing.T) {
	_, err := config.NewLoader(writeConfig(t, "version: [\n"))
	assert.ErrorContains(t, err, "parse config")

	_, err = config.NewLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	l, err := config.NewLoader(writeConfig(t, `
version: "1"
log:
  level: loud
aggregation:
  window: 7m
  retention: 1m
store:
  backend: redis
transport:
  backend: kafka
simulator:
  failure_rate: 1.5
`))
	require.NoError(t, err)

	err = config.Validate(l.Config())
	require.Error(t, err)
	for _, want := range []string{
		"log.level",
		"aggregation.window",
		"aggregation.retention",
		"store.redis.addr",
		"transport.backend",
		"simulator.failure_rate",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_VersionRequired(t *testing.T) {
	l, err := config.NewLoader(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)
	assert.ErrorContains(t, config.Validate(l.Config()), "version is required")
}

func TestLoader_ReloadNotifies(t *testing.T) {
	path := writeConfig(t, "version: \"1\"\nlog:\n  level: info\n")
	l, err := config.NewLoader(path)
	require.NoError(t, err)

	var got *config.Config
	l.OnChange(func(c *config.Config) { got = c })

	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\nlog:\n  level: debug\nquery:\n  default_range: 5m\n"), 0o644))
	cfg, err := l.Reload()
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "debug", got.Log.Level)
	assert.Equal(t, 5*time.Minute, cfg.Query.DefaultRange)
	assert.Same(t, cfg, l.Config())
}

func TestLoader_WatchPicksUpWrites(t *testing.T) {
	path := writeConfig(t, "version: \"1\"\n")
	l, err := config.NewLoader(path)
	require.NoError(t, err)

	changed := make(chan *config.Config, 4)
	l.OnChange(func(c *config.Config) { changed <- c })
	stop, err := l.Watch()
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\nlog:\n  level: error\n"), 0o644))

	// A write can surface as several events; wait for the final content.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Log.Level == "error" {
				return
			}
		case <-deadline:
			t.Fatal("no reload after write")
		}
	}
}
