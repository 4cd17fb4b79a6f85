// Package upstream is an engine backed by an OpenAI-compatible inference
// server on the local machine (llama.cpp, Ollama, LM Studio and similar).
// Upstream failures are reported, never retried.
package upstream

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	// required fields
	BaseURL string
	Model   string

	APIKey string

	RequestTimeout      time.Duration // one-shot generation timeout (default: 60s)
	AvailabilityTimeout time.Duration // model list probe timeout (default: 3s)
	MaxIdleConnsPerHost int           // default: 16

	Languages []string

	// Custom HTTP client (for testing or special configs)
	HTTPClient *http.Client
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("BaseURL is required")
	}
	if c.Model == "" {
		return errors.New("Model is required")
	}
	return nil
}

// WithDefaults returns a copy of Config with defaults applied and BaseURL
// normalised so paths can be appended.
func (c *Config) WithDefaults() Config {
	cfg := *c
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.AvailabilityTimeout <= 0 {
		cfg.AvailabilityTimeout = 3 * time.Second
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 16
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"en"}
	}
	return cfg
}

type Engine struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

func New(cfg Config, logger *zap.Logger) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid upstream config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: loopbackTransport(cfg)}
	}

	return &Engine{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.Named("upstream"),
	}, nil
}

// loopbackTransport keeps a small pool of connections to the local server.
// No overall client timeout: streamed generations are bounded by the caller's context.
func loopbackTransport(cfg Config) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConnsPerHost,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Close releases idle connections.
func (e *Engine) Close() error {
	e.httpClient.CloseIdleConnections()
	return nil
}

func (e *Engine) SupportedLanguages() []string {
	out := make([]string, len(e.cfg.Languages))
	copy(out, e.cfg.Languages)
	return out
}
