package cache

import (
	"context"
	"time"
)

// ExactCacheKey scopes a cached completion to the variant and model that
// produced it. Hash covers only the request fields that reach the engine.
type ExactCacheKey struct {
	Variant   string
	ModelID   string
	VersionID string
	Hash      string
}

func (k ExactCacheKey) String() string {
	return "exact:" + k.Variant + ":" + k.ModelID + ":" + k.VersionID + ":" + k.Hash
}

// ExactCache stores serialized chat.completion bodies.
type ExactCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, body []byte, ttl time.Duration) error
}
