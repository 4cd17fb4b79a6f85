// Package config loads gateway settings with flags > env > file precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"ondevice-gateway/internal/backend"
	"ondevice-gateway/internal/cache"
	"ondevice-gateway/internal/variant"
)

const (
	EngineUpstream = "upstream"
	EngineEcho     = "echo"

	defaultConfigFile = "gateway.yaml"
)

type Config struct {
	Host          string   `yaml:"host"`
	Variants      []string `yaml:"variants"`
	Ports         Ports    `yaml:"ports"`
	ServerVersion string   `yaml:"server_version"`
	MaxBodyBytes  int64    `yaml:"max_body_bytes"`

	// ForwardToken is shared by processes that forward to each other;
	// empty means a per-process random token.
	ForwardToken string `yaml:"forward_token"`

	Engine    EngineConfig    `yaml:"engine"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Log       LogConfig       `yaml:"log"`
}

type Ports struct {
	Base          int `yaml:"base"`
	Deterministic int `yaml:"deterministic"`
	Creative      int `yaml:"creative"`
}

type EngineConfig struct {
	Kind      string        `yaml:"kind"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	Timeout   time.Duration `yaml:"timeout"`
	Languages []string      `yaml:"languages"`
	// Echo engine only: report this reason instead of being available.
	UnavailableReason string `yaml:"unavailable_reason"`
	// Echo engine only: pause between streamed words.
	TokenDelay time.Duration `yaml:"token_delay"`
}

type CacheConfig struct {
	Backend    string        `yaml:"backend"`
	TTL        time.Duration `yaml:"ttl"`
	Prefix     string        `yaml:"prefix"`
	RedisAddr  string        `yaml:"redis_addr"`
	MaxEntries int           `yaml:"max_entries"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type TimeoutsConfig struct {
	ReadHeader  time.Duration `yaml:"read_header"`
	InfoRequest time.Duration `yaml:"info_request"`
	Shutdown    time.Duration `yaml:"shutdown"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultConfig serves all three variants on their well-known ports with the
// echo engine.
func DefaultConfig() *Config {
	return &Config{
		Host:     "127.0.0.1",
		Variants: []string{variant.Base.String(), variant.Deterministic.String(), variant.Creative.String()},
		Ports: Ports{
			Base:          variant.Base.DefaultPort(),
			Deterministic: variant.Deterministic.DefaultPort(),
			Creative:      variant.Creative.DefaultPort(),
		},
		ServerVersion: "1.0.0",
		MaxBodyBytes:  1 << 20,
		Engine: EngineConfig{
			Kind:      EngineEcho,
			Timeout:   60 * time.Second,
			Languages: []string{"en"},
		},
		Cache: CacheConfig{
			Backend: cache.BackendNone,
			TTL:     5 * time.Minute,
			Prefix:  "ondevice-gateway",
		},
		Timeouts: TimeoutsConfig{
			ReadHeader:  10 * time.Second,
			InfoRequest: 5 * time.Second,
			Shutdown:    10 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds a Config by merging, lowest precedence first: defaults, a YAML
// file (--config, $GATEWAY_CONFIG or ./gateway.yaml), .env, the process
// environment and CLI flags. The result is validated.
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	path, explicit := configPath(args)
	if err := cfg.loadYAML(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.parseFlags(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configPath(args []string) (string, bool) {
	// Parse into a scratch config; real errors surface in parseFlags.
	fs := DefaultConfig().flagSet()
	fs.SetOutput(io.Discard)
	_ = fs.Parse(args)

	if path, _ := fs.GetString("config"); path != "" {
		return path, true
	}
	if v := os.Getenv("GATEWAY_CONFIG"); v != "" {
		return v, true
	}
	return defaultConfigFile, false
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"GATEWAY_HOST":           &c.Host,
		"GATEWAY_SERVER_VERSION": &c.ServerVersion,
		"GATEWAY_ENGINE":         &c.Engine.Kind,
		"GATEWAY_FORWARD_TOKEN":  &c.ForwardToken,
		"UPSTREAM_BASE_URL":      &c.Engine.BaseURL,
		"UPSTREAM_API_KEY":       &c.Engine.APIKey,
		"UPSTREAM_MODEL":         &c.Engine.Model,
		"CACHE_BACKEND":          &c.Cache.Backend,
		"REDIS_ADDR":             &c.Cache.RedisAddr,
		"LOG_LEVEL":              &c.Log.Level,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"GATEWAY_PORT_BASE":          &c.Ports.Base,
		"GATEWAY_PORT_DETERMINISTIC": &c.Ports.Deterministic,
		"GATEWAY_PORT_CREATIVE":      &c.Ports.Creative,
		"RATE_LIMIT_BURST":           &c.RateLimit.Burst,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("GATEWAY_VARIANTS"); v != "" {
		c.Variants = splitList(v)
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: CACHE_TTL: %w", err)
		}
		c.Cache.TTL = d
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimit.RPS = f
	}
	return nil
}

func (c *Config) parseFlags(args []string) error {
	return c.flagSet().Parse(args)
}

func (c *Config) flagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	fs.String("config", "", "Path to a YAML config file")
	fs.StringVar(&c.Host, "host", c.Host, "Bind host, also used to reach sibling variants")
	fs.StringSliceVar(&c.Variants, "variants", c.Variants, "Variants served by this process")
	fs.IntVar(&c.Ports.Base, "port-base", c.Ports.Base, "Port of the base variant")
	fs.IntVar(&c.Ports.Deterministic, "port-deterministic", c.Ports.Deterministic, "Port of the deterministic variant")
	fs.IntVar(&c.Ports.Creative, "port-creative", c.Ports.Creative, "Port of the creative variant")
	fs.StringVar(&c.ServerVersion, "server-version", c.ServerVersion, "Version reported by /status")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", c.MaxBodyBytes, "Maximum chat request body size")
	fs.StringVar(&c.Engine.Kind, "engine", c.Engine.Kind, "Generation engine (upstream, echo)")
	fs.StringVar(&c.Engine.BaseURL, "upstream-url", c.Engine.BaseURL, "Base URL of the local inference server")
	fs.StringVar(&c.Engine.Model, "upstream-model", c.Engine.Model, "Model name on the inference server")
	fs.StringVar(&c.Engine.APIKey, "upstream-api-key", c.Engine.APIKey, "API key for the inference server")
	fs.StringVar(&c.Engine.UnavailableReason, "echo-unavailable", c.Engine.UnavailableReason, "Make the echo engine report this reason")
	fs.StringVar(&c.Cache.Backend, "cache", c.Cache.Backend, "Deterministic cache backend (none, memory, redis)")
	fs.DurationVar(&c.Cache.TTL, "cache-ttl", c.Cache.TTL, "Deterministic cache TTL")
	fs.StringVar(&c.Cache.RedisAddr, "redis-addr", c.Cache.RedisAddr, "Redis address for the redis cache backend")
	fs.IntVar(&c.Cache.MaxEntries, "cache-max-entries", c.Cache.MaxEntries, "Entry bound for the memory cache backend (0 = default)")
	fs.Float64Var(&c.RateLimit.RPS, "rate-limit-rps", c.RateLimit.RPS, "Per-IP requests per second (0 disables)")
	fs.IntVar(&c.RateLimit.Burst, "rate-limit-burst", c.RateLimit.Burst, "Per-IP burst")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log level (debug, info, warn, error)")
	fs.BoolVar(&c.Log.Development, "dev", c.Log.Development, "Human-readable development logging")
	return fs
}

// Validate checks that the configuration describes a startable process.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Host) == "" {
		errs = append(errs, errors.New("host is required"))
	}

	vs, err := c.VariantList()
	if err != nil {
		errs = append(errs, err)
	}
	ports := c.PortMap()
	owner := make(map[int]variant.Variant)
	for _, v := range variant.All {
		p := ports[v]
		if p <= 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("ports.%s: %d is not a valid port", v, p))
			continue
		}
		if other, dup := owner[p]; dup {
			errs = append(errs, fmt.Errorf("ports.%s: %d already used by %s", v, p, other))
		}
		owner[p] = v
	}
	if err == nil && len(vs) == 0 {
		errs = append(errs, errors.New("variants: at least one variant is required"))
	}

	switch c.Engine.Kind {
	case EngineUpstream:
		if c.Engine.BaseURL == "" {
			errs = append(errs, errors.New("engine.base_url is required for the upstream engine"))
		}
		if c.Engine.Model == "" {
			errs = append(errs, errors.New("engine.model is required for the upstream engine"))
		}
	case EngineEcho:
		if _, err := c.EchoReason(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("engine.kind: unknown engine %q", c.Engine.Kind))
	}

	switch c.Cache.Backend {
	case "", cache.BackendNone:
	case cache.BackendMemory, cache.BackendRedis:
		if c.Cache.TTL <= 0 {
			errs = append(errs, errors.New("cache.ttl must be positive when caching is enabled"))
		}
		if c.Cache.Backend == cache.BackendRedis && c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend))
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, errors.New("cache.max_entries must not be negative"))
	}

	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// VariantList parses Variants, preserving order.
func (c *Config) VariantList() ([]variant.Variant, error) {
	out := make([]variant.Variant, 0, len(c.Variants))
	seen := make(map[variant.Variant]bool)
	for _, name := range c.Variants {
		v, err := variant.Parse(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("variants: %w", err)
		}
		if seen[v] {
			return nil, fmt.Errorf("variants: %s listed twice", v)
		}
		seen[v] = true
		out = append(out, v)
	}
	return out, nil
}

// PortMap holds every variant's port, served here or not, so base can reach
// siblings running in another process.
func (c *Config) PortMap() map[variant.Variant]int {
	return map[variant.Variant]int{
		variant.Base:          c.Ports.Base,
		variant.Deterministic: c.Ports.Deterministic,
		variant.Creative:      c.Ports.Creative,
	}
}

// EchoReason is the configured unavailability of the echo engine.
func (c *Config) EchoReason() (backend.Reason, error) {
	if c.Engine.UnavailableReason == "" {
		return backend.ReasonNone, nil
	}
	r := backend.ParseReason(c.Engine.UnavailableReason)
	if r == backend.ReasonUnknown && c.Engine.UnavailableReason != backend.ReasonUnknown.String() {
		return r, fmt.Errorf("engine.unavailable_reason: unknown reason %q", c.Engine.UnavailableReason)
	}
	return r, nil
}

func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		Backend:    c.Cache.Backend,
		TTL:        c.Cache.TTL,
		Prefix:     c.Cache.Prefix,
		RedisAddr:  c.Cache.RedisAddr,
		MaxEntries: c.Cache.MaxEntries,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
