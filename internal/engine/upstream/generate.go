package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"ondevice-gateway/internal/backend"
)

const maxErrorBody = 200

// Availability probes GET /v1/models and requires the configured model to be listed.
func (e *Engine) Availability(parentCtx context.Context) backend.Availability {
	ctx, cancel := context.WithTimeout(parentCtx, e.cfg.AvailabilityTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+"/v1/models", nil)
	if err != nil {
		return backend.NotReady(backend.ReasonUnknown)
	}
	e.authorize(req)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Debug("upstream unreachable", zap.Error(err))
		return backend.NotReady(backend.ReasonModelNotReady)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backend.NotReady(backend.ReasonFeatureDisabled)
	case resp.StatusCode == http.StatusNotFound:
		return backend.NotReady(backend.ReasonDeviceIneligible)
	case resp.StatusCode == http.StatusServiceUnavailable:
		return backend.NotReady(backend.ReasonModelNotReady)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return backend.NotReady(backend.ReasonUnknown)
	}

	var list wireModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		e.logger.Debug("upstream model list undecodable", zap.Error(err))
		return backend.NotReady(backend.ReasonUnknown)
	}
	for _, m := range list.Data {
		if m.ID == e.cfg.Model {
			return backend.Ready()
		}
	}
	return backend.NotReady(backend.ReasonModelNotReady)
}

func (e *Engine) Respond(parentCtx context.Context, s backend.Session, opts backend.Options) (string, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(parentCtx, e.cfg.RequestTimeout)
	defer cancel()

	resp, err := e.post(ctx, e.toWire(s, opts, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("upstream: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("upstream: response has no choices")
	}

	e.logger.Debug("upstream generation completed",
		zap.String("model", e.cfg.Model),
		zap.String("finish_reason", out.Choices[0].FinishReason),
		zap.Duration("duration", time.Since(start)),
	)
	return out.Choices[0].Message.Content, nil
}

// StreamResponse reads the upstream delta stream and republishes it as
// cumulative snapshots.
func (e *Engine) StreamResponse(ctx context.Context, s backend.Session, opts backend.Options) (<-chan backend.Snapshot, error) {
	resp, err := e.post(ctx, e.toWire(s, opts, true))
	if err != nil {
		return nil, err
	}

	out := make(chan backend.Snapshot)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		send := func(snap backend.Snapshot) bool {
			select {
			case <-ctx.Done():
				return false
			case out <- snap:
				return true
			}
		}

		var text strings.Builder
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if ctx.Err() == nil {
					send(backend.Snapshot{Err: fmt.Errorf("upstream: read stream: %w", err)})
				}
				return
			}

			line = bytes.TrimSpace(line)
			payload, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				continue
			}
			payload = bytes.TrimSpace(payload)
			if bytes.Equal(payload, []byte("[DONE]")) {
				return
			}

			var chunk wireChunk
			if err := json.Unmarshal(payload, &chunk); err != nil {
				send(backend.Snapshot{Err: fmt.Errorf("upstream: decode stream chunk: %w", err)})
				return
			}

			grew := false
			for _, c := range chunk.Choices {
				if c.Index == 0 && c.Delta.Content != "" {
					text.WriteString(c.Delta.Content)
					grew = true
				}
			}
			if grew && !send(backend.Snapshot{Text: text.String()}) {
				e.logger.Debug("upstream stream abandoned", zap.Error(ctx.Err()))
				return
			}
		}
	}()

	return out, nil
}

func (e *Engine) post(ctx context.Context, body wireRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	e.authorize(req)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var werr wireError
	if err := json.Unmarshal(raw, &werr); err == nil && werr.Error.Message != "" {
		return nil, fmt.Errorf("upstream %d: %s (%s)", resp.StatusCode, werr.Error.Message, werr.Error.Type)
	}
	return nil, fmt.Errorf("upstream %d: %s", resp.StatusCode, truncate(string(raw), maxErrorBody))
}

func (e *Engine) authorize(req *http.Request) {
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
