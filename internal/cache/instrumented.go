package cache

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"ondevice-gateway/internal/metrics"
	"ondevice-gateway/pkg/logging/logging"
)

const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultError = "error"
)

// instrumented counts lookups per backend and logs cache traffic on the
// request logger, which already carries the variant and request id.
type instrumented struct {
	inner   ExactCache
	backend string
}

func instrument(inner ExactCache, backend string) ExactCache {
	return &instrumented{inner: inner, backend: backend}
}

func (c *instrumented) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	body, hit, err := c.inner.Get(ctx, key)

	result := resultMiss
	switch {
	case err != nil:
		result = resultError
	case hit:
		result = resultHit
	}
	metrics.CacheLookupsTotal.WithLabelValues(c.backend, result).Inc()

	fields := []zap.Field{
		zap.String("digest", digest(key)),
		zap.String("result", result),
		zap.Int("bytes", len(body)),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		c.logger(ctx).Warn("completion cache lookup failed", append(fields, zap.Error(err))...)
	} else {
		c.logger(ctx).Debug("completion cache lookup", fields...)
	}
	return body, hit, err
}

func (c *instrumented) Set(ctx context.Context, key string, body []byte, ttl time.Duration) error {
	err := c.inner.Set(ctx, key, body, ttl)
	if err != nil {
		metrics.CacheStoreFailuresTotal.WithLabelValues(c.backend).Inc()
		c.logger(ctx).Warn("completion cache store failed",
			zap.String("digest", digest(key)),
			zap.Error(err),
		)
		return err
	}
	c.logger(ctx).Debug("completion cached",
		zap.String("digest", digest(key)),
		zap.Int("bytes", len(body)),
		zap.Duration("ttl", ttl),
	)
	return nil
}

func (c *instrumented) logger(ctx context.Context) *zap.Logger {
	return logging.L(ctx).With(zap.String("cache_backend", c.backend))
}

// digest shortens the request hash at the end of a key for log lines.
func digest(key string) string {
	d := key[strings.LastIndexByte(key, ':')+1:]
	if len(d) > 12 {
		d = d[:12]
	}
	return d
}
