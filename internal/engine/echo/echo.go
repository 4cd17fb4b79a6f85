// Package echo is an in-process engine that answers by reflecting the
// active prompt. It needs no model and is used for local development and
// tests.
package echo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ondevice-gateway/internal/backend"
)

type Config struct {
	// Reason, when not ReasonNone, makes the engine report itself unavailable.
	Reason backend.Reason
	// TokenDelay paces streamed words.
	TokenDelay time.Duration
	Languages  []string
}

type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"en"}
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Availability(context.Context) backend.Availability {
	if e.cfg.Reason != backend.ReasonNone {
		return backend.NotReady(e.cfg.Reason)
	}
	return backend.Ready()
}

func (e *Engine) SupportedLanguages() []string {
	out := make([]string, len(e.cfg.Languages))
	copy(out, e.cfg.Languages)
	return out
}

func (e *Engine) Respond(ctx context.Context, s backend.Session, opts backend.Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return reply(s, opts), nil
}

// StreamResponse emits the reply word by word as cumulative snapshots.
func (e *Engine) StreamResponse(ctx context.Context, s backend.Session, opts backend.Options) (<-chan backend.Snapshot, error) {
	words := strings.SplitAfter(reply(s, opts), " ")
	out := make(chan backend.Snapshot)

	go func() {
		defer close(out)

		var b strings.Builder
		for _, w := range words {
			if e.cfg.TokenDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(e.cfg.TokenDelay):
				}
			}
			b.WriteString(w)
			select {
			case <-ctx.Done():
				return
			case out <- backend.Snapshot{Text: b.String()}:
			}
		}
	}()

	return out, nil
}

func reply(s backend.Session, opts backend.Options) string {
	text := fmt.Sprintf("You said: %s", strings.TrimSpace(s.Prompt))
	if opts.MaxTokens > 0 {
		words := strings.Fields(text)
		if len(words) > opts.MaxTokens {
			text = strings.Join(words[:opts.MaxTokens], " ")
		}
	}
	return text
}
