package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ondevice-gateway/internal/apperr"
	"ondevice-gateway/internal/backend"
	"ondevice-gateway/internal/cache"
	"ondevice-gateway/internal/metrics"
	"ondevice-gateway/internal/openai"
	"ondevice-gateway/internal/proxy"
	"ondevice-gateway/internal/routing"
	"ondevice-gateway/internal/stream"
	"ondevice-gateway/internal/variant"
	"ondevice-gateway/pkg/logging/logging"
)

// VariantHeader names the variant that produced a response.
const VariantHeader = "X-Gateway-Variant"

// ChatConfig wires a ChatHandler to one variant's dependencies.
type ChatConfig struct {
	Variant   variant.Variant
	Adapter   *backend.Adapter
	Forwarder *proxy.Forwarder
	// Ports of the sibling variants, used when routing forwards.
	Ports map[variant.Variant]int

	// Optional exact cache, consulted only by the deterministic variant.
	Cache     cache.ExactCache
	CacheTTL  time.Duration
	VersionID string
}

// ChatHandler holds dependencies for the /v1/chat/completions endpoint.
type ChatHandler struct {
	cfg ChatConfig
	now func() time.Time
}

func NewChatHandler(cfg ChatConfig) *ChatHandler {
	if cfg.Variant != variant.Deterministic {
		cfg.Cache = nil
	}
	return &ChatHandler{cfg: cfg, now: time.Now}
}

// ChatCompletion handles POST /v1/chat/completions.
func (h *ChatHandler) ChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := h.now()

	w.Header().Set(VariantHeader, h.cfg.Variant.String())

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			openai.WriteError(w, apperr.TooLarge(mbe.Limit))
			return
		}
		openai.WriteError(w, apperr.Validation("", "could not read request body: %v", err))
		return
	}

	req, err := openai.Normalize(raw)
	if err != nil {
		logger.Info("invalid request", zap.Error(err))
		openai.WriteError(w, err)
		return
	}

	decision := routing.Decide(h.cfg.Variant, req.Temperature, req.TopP)
	metrics.RoutingDecisionsTotal.WithLabelValues(h.cfg.Variant.String(), decision.String()).Inc()
	logger.Debug("routing_decision",
		zap.String("decision", decision.String()),
		zap.Float64("temperature", req.Temperature),
		zap.Float64("top_p", req.TopP),
		zap.Bool("stream", req.Request.IsStream()),
	)

	if decision.Forward {
		h.forward(w, r, decision.Target, req)
		return
	}

	sampling := routing.Effective(h.cfg.Variant, req.Temperature, req.TopP)
	opts := backend.Options{
		Temperature: sampling.Temperature,
		TopP:        sampling.TopP,
		MaxTokens:   req.MaxTokens(),
		Stop:        req.Request.Stop,
	}

	if req.Request.IsStream() {
		h.stream(w, r, req, opts)
	} else {
		h.complete(w, r, req, opts)
	}

	logger.Info("chat_completion",
		zap.String("model", h.cfg.Variant.DisplayName()),
		zap.Bool("stream", req.Request.IsStream()),
		zap.Int("messages", len(req.Request.Messages)),
		zap.Duration("total_latency", h.now().Sub(start)),
	)
}

func (h *ChatHandler) forward(w http.ResponseWriter, r *http.Request, target variant.Variant, req *openai.Normalized) {
	port, ok := h.cfg.Ports[target]
	if !ok || h.cfg.Forwarder == nil {
		metrics.ForwardFailuresTotal.WithLabelValues(target.String()).Inc()
		openai.WriteError(w, apperr.Gateway(nil, "no %s sibling is configured", target))
		return
	}

	if err := h.cfg.Forwarder.Forward(w, r, port, req.Raw); err != nil {
		metrics.ForwardFailuresTotal.WithLabelValues(target.String()).Inc()
		openai.WriteError(w, err)
	}
}

func (h *ChatHandler) complete(w http.ResponseWriter, r *http.Request, req *openai.Normalized, opts backend.Options) {
	ctx := r.Context()
	logger := logging.L(ctx)
	model := h.cfg.Variant.DisplayName()

	var cacheKey string
	if h.cfg.Cache != nil {
		key, err := cache.BuildExactCacheKey(req, h.cfg.Variant.String(), model, h.cfg.VersionID)
		if err != nil {
			logger.Warn("key_builder_error", zap.Error(err))
		} else {
			cacheKey = key.String()
			cached, hit, err := h.cfg.Cache.Get(ctx, cacheKey)
			// The cache is best-effort; errors fall through as a miss.
			if err == nil && hit {
				// A hit is served only while the engine could have produced it.
				if av := h.cfg.Adapter.CheckAvailability(ctx); !av.Available {
					openai.WriteError(w, apperr.Unavailable(av.Reason.Message()))
					return
				}
				openai.WriteJSON(w, http.StatusOK, h.response(model, string(cached)))
				return
			}
		}
	}

	text, err := h.cfg.Adapter.Generate(ctx, req.Request.Messages, opts)
	if err != nil {
		logger.Warn("generation failed", zap.Error(err))
		openai.WriteError(w, err)
		return
	}

	if cacheKey != "" {
		_ = h.cfg.Cache.Set(ctx, cacheKey, []byte(text), h.cfg.CacheTTL)
	}

	openai.WriteJSON(w, http.StatusOK, h.response(model, text))
}

func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, req *openai.Normalized, opts backend.Options) {
	id := newCompletionID()
	ctx := logging.WithFields(r.Context(), zap.String("completion_id", id))

	stream.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	t := stream.New(w, id, h.cfg.Variant.DisplayName(), h.now().Unix())
	err := t.Run(ctx, h.cfg.Adapter, req.Request.Messages, opts)

	outcome := "done"
	switch {
	case err != nil:
		outcome = "cancelled"
		logging.L(ctx).Info("stream ended early", zap.Int("events", t.Events()), zap.Error(err))
	case t.State() == stream.StateError:
		outcome = "error"
	}
	metrics.StreamsTotal.WithLabelValues(h.cfg.Variant.String(), outcome).Inc()
}

func (h *ChatHandler) response(model, text string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		ID:      newCompletionID(),
		Object:  openai.ObjectChatCompletion,
		Created: h.now().Unix(),
		Model:   model,
		Choices: []openai.ChatChoice{{
			Index:        0,
			Message:      openai.ChatMessage{Role: openai.RoleAssistant, Content: text},
			FinishReason: openai.FinishReasonStop,
		}},
	}
}

func newCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}
