package openai

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"ondevice-gateway/internal/apperr"
)

const (
	DefaultTemperature = 0.7
	DefaultTopP        = 0.95
)

// Normalized is a validated request plus the effective sampling values used
// for routing and generation. Request keeps the caller's values untouched and
// Raw is the original body for verbatim forwarding.
type Normalized struct {
	Request     ChatCompletionRequest
	Raw         []byte
	Temperature float64
	TopP        float64
}

func (n *Normalized) MaxTokens() int {
	if n.Request.MaxTokens == nil {
		return 0
	}
	return *n.Request.MaxTokens
}

// Normalize decodes and validates a chat completion body. It has no side
// effects; every failure is a validation error.
func Normalize(raw []byte) (*Normalized, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, apperr.Validation("", "request body is required")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	var req ChatCompletionRequest
	if err := dec.Decode(&req); err != nil {
		return nil, apperr.Validation("", "invalid JSON payload: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, apperr.Validation("", "request body must contain a single JSON object")
	}

	if len(req.Messages) == 0 {
		return nil, apperr.Validation("messages", "messages must contain at least one message")
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return nil, apperr.Validation("max_tokens", "max_tokens must be a positive integer")
	}

	n := &Normalized{
		Request:     req,
		Raw:         raw,
		Temperature: DefaultTemperature,
		TopP:        DefaultTopP,
	}
	if req.Temperature != nil {
		n.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		n.TopP = *req.TopP
	}
	return n, nil
}
