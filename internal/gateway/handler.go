package gateway

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"ondevice-gateway/internal/backend"
	"ondevice-gateway/internal/cache"
	"ondevice-gateway/internal/handlers"
	"ondevice-gateway/internal/httpserver"
	"ondevice-gateway/internal/middleware"
	"ondevice-gateway/internal/proxy"
	"ondevice-gateway/internal/variant"
)

// Deps are shared by every variant hosted in one process.
type Deps struct {
	Engine backend.Engine
	Logger *zap.Logger

	// Host is both the bind host and the loopback host siblings are dialed on.
	Host  string
	Ports map[variant.Variant]int

	ServerVersion string
	Cache         cache.ExactCache
	CacheTTL      time.Duration
	MaxBodyBytes  int64
	InfoTimeout   time.Duration
	Limiter       *middleware.IPRateLimiter

	// ForwardToken is presented by the forwarder and checked by every
	// variant, so relayed requests are admitted once.
	ForwardToken string
}

// NewHandler assembles the full HTTP surface of variant v.
func NewHandler(v variant.Variant, d Deps) http.Handler {
	adapter := backend.NewAdapter(d.Engine)

	siblings := make(map[variant.Variant]int, len(d.Ports))
	for sv, port := range d.Ports {
		if sv != v {
			siblings[sv] = port
		}
	}

	chat := handlers.NewChatHandler(handlers.ChatConfig{
		Variant:   v,
		Adapter:   adapter,
		Forwarder: proxy.New(d.Host, nil).WithToken(d.ForwardToken),
		Ports:     siblings,
		Cache:     d.Cache,
		CacheTTL:  d.CacheTTL,
		VersionID: d.ServerVersion,
	})
	info := handlers.NewInfoHandler(v, adapter, d.ServerVersion, time.Now().Unix())

	return httpserver.NewRouter(httpserver.Options{
		Variant:      v,
		Logger:       d.Logger,
		Chat:         chat,
		Info:         info,
		MaxBodyBytes: d.MaxBodyBytes,
		InfoTimeout:  d.InfoTimeout,
		Limiter:      d.Limiter,
		ForwardToken: d.ForwardToken,
	})
}
