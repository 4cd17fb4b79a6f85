package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ondevice-gateway/internal/backend"
	"ondevice-gateway/internal/variant"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, map[variant.Variant]int{
		variant.Base:          11535,
		variant.Deterministic: 11536,
		variant.Creative:      11537,
	}, cfg.PortMap())

	vs, err := cfg.VariantList()
	require.NoError(t, err)
	assert.Equal(t, variant.All, vs)
	assert.Equal(t, EngineEcho, cfg.Engine.Kind)
	assert.False(t, cfg.CacheConfig().Enabled())
}

func TestLoadFromCLIArgs(t *testing.T) {
	args := []string{
		"--variants", "base,creative",
		"--port-base", "9000",
		"--engine", "upstream",
		"--upstream-url", "http://127.0.0.1:8080",
		"--upstream-model", "llama",
		"--cache-ttl", "30s",
		"--rate-limit-rps", "2.5",
	}
	cfg, err := Load(args)
	require.NoError(t, err)

	vs, err := cfg.VariantList()
	require.NoError(t, err)
	assert.Equal(t, []variant.Variant{variant.Base, variant.Creative}, vs)
	assert.Equal(t, 9000, cfg.Ports.Base)
	assert.Equal(t, EngineUpstream, cfg.Engine.Kind)
	assert.Equal(t, "llama", cfg.Engine.Model)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 2.5, cfg.RateLimit.RPS)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("GATEWAY_PORT_CREATIVE", "12000")
	t.Setenv("GATEWAY_VARIANTS", "deterministic, creative")
	t.Setenv("CACHE_BACKEND", "memory")
	t.Setenv("CACHE_TTL", "1m")
	t.Setenv("GATEWAY_FORWARD_TOKEN", "shared")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 12000, cfg.Ports.Creative)
	assert.Equal(t, []string{"deterministic", "creative"}, cfg.Variants)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "shared", cfg.ForwardToken)
}

func TestLoadBadEnv(t *testing.T) {
	t.Setenv("GATEWAY_PORT_BASE", "eleven")
	_, err := Load(nil)
	assert.Error(t, err)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	content := `
host: 127.0.0.2
variants: [base]
ports:
  base: 20000
  deterministic: 20001
  creative: 20002
engine:
  kind: echo
  unavailable_reason: model-not-ready
timeouts:
  shutdown: 3s
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.2", cfg.Host)
	assert.Equal(t, []string{"base"}, cfg.Variants)
	assert.Equal(t, 20001, cfg.Ports.Deterministic)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Shutdown)
	assert.Equal(t, "debug", cfg.Log.Level)

	reason, err := cfg.EchoReason()
	require.NoError(t, err)
	assert.Equal(t, backend.ReasonModelNotReady, reason)
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_version: from-file\nhost: 127.0.0.3\n"), 0o644))

	t.Setenv("GATEWAY_CONFIG", path)
	t.Setenv("GATEWAY_SERVER_VERSION", "from-env")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.ServerVersion)
	assert.Equal(t, "127.0.0.3", cfg.Host)

	cfg, err = Load([]string{"--server-version", "from-flag"})
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.ServerVersion)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"upstream without url":   func(c *Config) { c.Engine.Kind = EngineUpstream; c.Engine.Model = "m" },
		"upstream without model": func(c *Config) { c.Engine.Kind = EngineUpstream; c.Engine.BaseURL = "http://x" },
		"unknown engine":         func(c *Config) { c.Engine.Kind = "gpu" },
		"unknown variant":        func(c *Config) { c.Variants = []string{"base", "wild"} },
		"duplicate variant":      func(c *Config) { c.Variants = []string{"base", "base"} },
		"no variants":            func(c *Config) { c.Variants = nil },
		"duplicate ports":        func(c *Config) { c.Ports.Creative = c.Ports.Base },
		"bad port":               func(c *Config) { c.Ports.Deterministic = 70000 },
		"redis without addr":     func(c *Config) { c.Cache.Backend = "redis" },
		"unknown cache":          func(c *Config) { c.Cache.Backend = "disk" },
		"cache without ttl":      func(c *Config) { c.Cache.Backend = "memory"; c.Cache.TTL = 0 },
		"negative rate":          func(c *Config) { c.RateLimit.RPS = -1 },
		"negative cache bound":   func(c *Config) { c.Cache.MaxEntries = -1 },
		"bad echo reason":        func(c *Config) { c.Engine.UnavailableReason = "sleepy" },
		"empty host":             func(c *Config) { c.Host = " " },
		"zero body limit":        func(c *Config) { c.MaxBodyBytes = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
