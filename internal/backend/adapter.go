package backend

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"ondevice-gateway/internal/apperr"
	"ondevice-gateway/internal/metrics"
	"ondevice-gateway/internal/openai"
	"ondevice-gateway/pkg/logging/logging"
)

// Adapter exposes availability and one-shot/incremental generation over an
// Engine. It holds no per-request state.
type Adapter struct {
	engine Engine
}

func NewAdapter(engine Engine) *Adapter {
	return &Adapter{engine: engine}
}

func (a *Adapter) CheckAvailability(ctx context.Context) Availability {
	av := a.engine.Availability(ctx)
	if !av.Available {
		metrics.BackendUnavailableTotal.WithLabelValues(av.Reason.String()).Inc()
	}
	return av
}

func (a *Adapter) SupportedLanguages() []string {
	return a.engine.SupportedLanguages()
}

// Generate runs a one-shot generation and returns the completed text.
func (a *Adapter) Generate(ctx context.Context, conv []openai.ChatMessage, opts Options) (string, error) {
	session, err := a.prepare(ctx, conv)
	if err != nil {
		return "", err
	}

	start := time.Now()
	text, err := a.engine.Respond(ctx, session, opts)
	if err != nil {
		return "", apperr.Internal(err, "generation failed")
	}

	logging.L(ctx).Debug("generation completed",
		zap.Int("history_turns", len(session.History)),
		zap.Int("response_bytes", len(text)),
		zap.Duration("duration", time.Since(start)),
	)
	return text, nil
}

// GenerateStream starts an incremental generation. The returned channel
// carries cumulative snapshots and is closed when generation ends or ctx is
// cancelled.
func (a *Adapter) GenerateStream(ctx context.Context, conv []openai.ChatMessage, opts Options) (<-chan Snapshot, error) {
	session, err := a.prepare(ctx, conv)
	if err != nil {
		return nil, err
	}

	ch, err := a.engine.StreamResponse(ctx, session, opts)
	if err != nil {
		return nil, apperr.Internal(err, "generation failed")
	}
	return ch, nil
}

func (a *Adapter) prepare(ctx context.Context, conv []openai.ChatMessage) (Session, error) {
	if len(conv) == 0 {
		return Session{}, apperr.Validation("messages", "conversation is empty")
	}
	if av := a.CheckAvailability(ctx); !av.Available {
		return Session{}, apperr.Unavailable(av.Reason.Message())
	}
	return BuildSession(conv)
}

// BuildSession converts every message but the last into engine context and
// uses the last one as the active prompt. Tool and unknown roles count as
// user prompts.
func BuildSession(conv []openai.ChatMessage) (Session, error) {
	if len(conv) == 0 {
		return Session{}, apperr.Validation("messages", "conversation is empty")
	}

	var (
		s            Session
		instructions []string
	)
	for _, m := range conv[:len(conv)-1] {
		switch m.Role {
		case openai.RoleSystem:
			instructions = append(instructions, m.Content)
		case openai.RoleAssistant:
			s.History = append(s.History, Turn{Kind: TurnResponse, Text: m.Content})
		default:
			s.History = append(s.History, Turn{Kind: TurnPrompt, Text: m.Content})
		}
	}
	s.Instructions = strings.Join(instructions, "\n\n")
	s.Prompt = conv[len(conv)-1].Content
	return s, nil
}
