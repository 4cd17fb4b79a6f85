package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ondevice-gateway/internal/apperr"
	"ondevice-gateway/internal/handlers"
	"ondevice-gateway/internal/metrics"
	"ondevice-gateway/internal/middleware"
	"ondevice-gateway/internal/openai"
	"ondevice-gateway/internal/variant"
)

type Options struct {
	Variant variant.Variant
	Logger  *zap.Logger
	Chat    *handlers.ChatHandler
	Info    *handlers.InfoHandler

	MaxBodyBytes int64
	// InfoTimeout bounds /status and /v1/models.
	InfoTimeout time.Duration
	// Limiter is optional; nil disables rate limiting.
	Limiter *middleware.IPRateLimiter
	// ForwardToken authenticates requests relayed by sibling variants.
	ForwardToken string
}

// NewRouter builds the HTTP surface of one variant.
func NewRouter(opts Options) http.Handler {
	r := chi.NewRouter()
	SetupRouter(r, opts)
	return r
}

func SetupRouter(r *chi.Mux, opts Options) {
	r.Use(metrics.Middleware(opts.Variant.String()))

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.TrustForwarded(opts.ForwardToken))

	r.Use(middleware.LoggingContext(opts.Logger, opts.Variant.String()))
	r.Use(middleware.Recoverer())
	r.Use(middleware.RateLimit(opts.Limiter))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		openai.WriteError(w, apperr.NotFound("unknown route %s", r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		openai.WriteError(w, apperr.MethodNotAllowed("%s is not allowed on %s", r.Method, r.URL.Path))
	})

	r.Get("/health", opts.Info.Health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Deadline(opts.InfoTimeout))
		r.Get("/status", opts.Info.Status)
		r.Get("/v1/models", opts.Info.Models)
	})

	r.With(middleware.MaxBodySize(opts.MaxBodyBytes)).
		Post("/v1/chat/completions", opts.Chat.ChatCompletion)

	r.Handle("/metrics", metrics.Handler())
}
