package upstream

import (
	"ondevice-gateway/internal/backend"
)

// Request shape sent to the inference server.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Index        int         `json:"index"`
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

type wireError struct {
	Error struct {
		Message string      `json:"message"`
		Type    string      `json:"type"`
		Code    interface{} `json:"code"`
	} `json:"error"`
}

// Chunk shape for streaming responses (each SSE "data:" event).
type wireChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

type wireModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// toWire rebuilds an OpenAI message list from an engine session.
func (e *Engine) toWire(s backend.Session, opts backend.Options, stream bool) wireRequest {
	msgs := make([]wireMessage, 0, len(s.History)+2)
	if s.Instructions != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: s.Instructions})
	}
	for _, t := range s.History {
		role := "user"
		if t.Kind == backend.TurnResponse {
			role = "assistant"
		}
		msgs = append(msgs, wireMessage{Role: role, Content: t.Text})
	}
	msgs = append(msgs, wireMessage{Role: "user", Content: s.Prompt})

	return wireRequest{
		Model:       e.cfg.Model,
		Messages:    msgs,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		MaxTokens:   opts.MaxTokens,
		Stop:        opts.Stop,
		Stream:      stream,
	}
}
