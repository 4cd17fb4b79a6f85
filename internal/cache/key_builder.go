package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"ondevice-gateway/internal/openai"
)

// keyMaterial is the part of a request that determines deterministic output.
// Sampling values are absent: the deterministic variant overrides them.
type keyMaterial struct {
	Messages  []openai.ChatMessage `json:"messages"`
	MaxTokens int                  `json:"max_tokens,omitempty"`
	Stop      openai.Stop          `json:"stop,omitempty"`
}

// BuildExactCacheKey hashes the normalized request together with the model
// name so entries never leak across models or server versions.
func BuildExactCacheKey(n *openai.Normalized, variantName, modelID, versionID string) (ExactCacheKey, error) {
	body, err := json.Marshal(keyMaterial{
		Messages:  n.Request.Messages,
		MaxTokens: n.MaxTokens(),
		Stop:      n.Request.Stop,
	})
	if err != nil {
		return ExactCacheKey{}, err
	}

	modelID = strings.TrimSpace(modelID)
	sum := sha256.Sum256([]byte("model:" + modelID + "|body:" + string(body)))

	return ExactCacheKey{
		Variant:   strings.TrimSpace(variantName),
		ModelID:   modelID,
		VersionID: strings.TrimSpace(versionID),
		Hash:      hex.EncodeToString(sum[:]),
	}, nil
}
