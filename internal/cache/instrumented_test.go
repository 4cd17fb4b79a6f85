package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"ondevice-gateway/internal/metrics"
	"ondevice-gateway/pkg/logging/logging"
)

type brokenCache struct{ err error }

func (b brokenCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, b.err }
func (b brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return b.err
}

func lookups(t *testing.T, backend, result string) float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.CacheLookupsTotal)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			if got["backend"] == backend && got["result"] == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestInstrumentedLookups(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := logging.WithLogger(context.Background(), zap.New(core))

	c := instrument(NewMemoryExactCache(4), "instrumented-test")
	key := ExactCacheKey{Variant: "deterministic", ModelID: "m", VersionID: "v", Hash: "0123456789abcdef0123"}.String()

	if _, hit, _ := c.Get(ctx, key); hit {
		t.Fatalf("unexpected hit on empty cache")
	}
	if err := c.Set(ctx, key, []byte("hello"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, hit, _ := c.Get(ctx, key); !hit || string(got) != "hello" {
		t.Fatalf("expected hit, got %q %v", got, hit)
	}

	if n := lookups(t, "instrumented-test", resultMiss); n != 1 {
		t.Fatalf("misses = %v, want 1", n)
	}
	if n := lookups(t, "instrumented-test", resultHit); n != 1 {
		t.Fatalf("hits = %v, want 1", n)
	}

	entries := logs.FilterMessage("completion cache lookup").All()
	if len(entries) != 2 {
		t.Fatalf("expected two lookup log lines, got %d", len(entries))
	}
	fields := entries[1].ContextMap()
	if fields["digest"] != "0123456789ab" || fields["result"] != resultHit || fields["cache_backend"] != "instrumented-test" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestInstrumentedErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := logging.WithLogger(context.Background(), zap.New(core))

	cause := errors.New("connection refused")
	c := instrument(brokenCache{err: cause}, "instrumented-broken")

	if _, _, err := c.Get(ctx, "exact:a:b:c:d"); !errors.Is(err, cause) {
		t.Fatalf("Get error = %v, want %v", err, cause)
	}
	if err := c.Set(ctx, "exact:a:b:c:d", []byte("x"), time.Minute); !errors.Is(err, cause) {
		t.Fatalf("Set error = %v, want %v", err, cause)
	}

	if n := lookups(t, "instrumented-broken", resultError); n != 1 {
		t.Fatalf("errors = %v, want 1", n)
	}
	if logs.FilterLevelExact(zapcore.WarnLevel).Len() != 2 {
		t.Fatalf("expected two warnings, got %d", logs.FilterLevelExact(zapcore.WarnLevel).Len())
	}
}

func TestDigest(t *testing.T) {
	if got := digest("exact:v:m:1:abc"); got != "abc" {
		t.Fatalf("digest = %q", got)
	}
	if got := digest("nocolons"); got != "nocolons" {
		t.Fatalf("digest = %q", got)
	}
}
