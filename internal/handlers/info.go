package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"ondevice-gateway/internal/apperr"
	"ondevice-gateway/internal/backend"
	"ondevice-gateway/internal/openai"
	"ondevice-gateway/internal/variant"
	"ondevice-gateway/pkg/logging/logging"
)

// InfoHandler serves the read-only endpoints of one variant.
type InfoHandler struct {
	variant   variant.Variant
	adapter   *backend.Adapter
	versionID string
	started   int64
}

func NewInfoHandler(v variant.Variant, adapter *backend.Adapter, versionID string, started int64) *InfoHandler {
	return &InfoHandler{variant: v, adapter: adapter, versionID: versionID, started: started}
}

// Health handles GET /health.
func (h *InfoHandler) Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Status handles GET /status with a live availability check.
func (h *InfoHandler) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(VariantHeader, h.variant.String())

	av, ok := h.check(r.Context(), w)
	if !ok {
		return
	}

	openai.WriteJSON(w, http.StatusOK, openai.Status{
		ModelAvailable:              av.Available,
		Reason:                      av.Reason.Message(),
		SupportedLanguages:          h.adapter.SupportedLanguages(),
		ServerVersion:               h.versionID,
		AppleIntelligenceCompatible: av.Reason != backend.ReasonDeviceIneligible,
	})
}

// Models handles GET /v1/models. The list holds this variant's model only
// while the backend can serve it.
func (h *InfoHandler) Models(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(VariantHeader, h.variant.String())

	av, ok := h.check(r.Context(), w)
	if !ok {
		return
	}

	list := openai.ModelList{Object: "list", Data: []openai.Model{}}
	if av.Available {
		list.Data = append(list.Data, openai.Model{
			ID:      h.variant.DisplayName(),
			Object:  "model",
			Created: h.started,
			OwnedBy: "system",
		})
	}
	openai.WriteJSON(w, http.StatusOK, list)
}

func (h *InfoHandler) check(ctx context.Context, w http.ResponseWriter) (backend.Availability, bool) {
	av := h.adapter.CheckAvailability(ctx)
	if err := ctx.Err(); errors.Is(err, context.DeadlineExceeded) {
		logging.L(ctx).Warn("availability check timed out", zap.Error(err))
		openai.WriteError(w, apperr.Timeout(err, "availability check timed out"))
		return backend.Availability{}, false
	}
	return av, true
}
