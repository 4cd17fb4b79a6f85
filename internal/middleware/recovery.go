package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ondevice-gateway/internal/apperr"
	"ondevice-gateway/internal/openai"
	"ondevice-gateway/pkg/logging/logging"
)

// Recoverer turns a handler panic into a 500 with an OpenAI error body. A
// panic after the response has started, such as mid-stream, is only logged.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logging.L(r.Context()).Error("panic recovered",
					zap.Any("error", rec),
					zap.Bool("response_started", ww.Status() != 0),
					zap.ByteString("stack", debug.Stack()),
				)
				if ww.Status() != 0 {
					return
				}

				cause, ok := rec.(error)
				if !ok {
					cause = errors.New(fmt.Sprint(rec))
				}
				openai.WriteError(w, apperr.Internal(cause, "internal server error"))
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
