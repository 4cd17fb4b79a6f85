package openai

import (
	"encoding/json"
	"net/http"

	"ondevice-gateway/internal/apperr"
)

// NewErrorResponse converts any error into the OpenAI error envelope.
func NewErrorResponse(err error) ErrorResponse {
	ae := apperr.From(err)
	return ErrorResponse{Error: ErrorDetail{
		Message: ae.Error(),
		Type:    ae.Kind.Type(),
		Param:   ae.Param,
		Code:    ae.Code,
	}}
}

// WriteError writes err as a JSON error body with the status of its kind.
func WriteError(w http.ResponseWriter, err error) {
	ae := apperr.From(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Kind.Status())
	_ = json.NewEncoder(w).Encode(NewErrorResponse(ae))
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
