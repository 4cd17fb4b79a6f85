package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"ondevice-gateway/internal/openai"
	"ondevice-gateway/internal/proxy"
	"ondevice-gateway/pkg/logging/logging"
)

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) openai.ErrorDetail {
	t.Helper()
	var body openai.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body.Error
}

func TestLoggingContextAttachesFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	h := LoggingContext(zap.New(core), "creative")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logging.L(r.Context()).Info("inside")
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "creative", fields["variant"])
	assert.Equal(t, "/status", fields["path"])
	assert.Equal(t, http.MethodGet, fields["method"])
}

func TestRecoverer(t *testing.T) {
	h := LoggingContext(zaptest.NewLogger(t), "base")(Recoverer()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "server_error", decodeError(t, rr).Type)
}

func TestRecovererAfterResponseStarted(t *testing.T) {
	h := LoggingContext(zaptest.NewLogger(t), "base")(Recoverer()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data: {}\n\n")
		w.(http.Flusher).Flush()
		panic("boom")
	})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.Equal(t, "data: {}\n\n", rr.Body.String())
	assert.True(t, rr.Flushed)
}

func TestDeadline(t *testing.T) {
	var deadline time.Time
	var ok bool
	h := Deadline(50 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 50*time.Millisecond)

	h = Deadline(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok = r.Context().Deadline()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok)
}

func TestMaxBodySizeDeclared(t *testing.T) {
	called := false
	h := MaxBodySize(8)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"messages":[]}`)))

	assert.False(t, called)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, "invalid_request_error", decodeError(t, rr).Type)
}

func TestMaxBodySizeStreamedBody(t *testing.T) {
	var readErr error
	h := MaxBodySize(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"messages":[]}`))
	req.ContentLength = -1
	h.ServeHTTP(httptest.NewRecorder(), req)

	var mbe *http.MaxBytesError
	assert.ErrorAs(t, readErr, &mbe)
}

func TestRateLimit(t *testing.T) {
	l := NewIPRateLimiter(0.001, 2)
	h := RateLimit(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:1000"))
	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:1002"))
	assert.Equal(t, http.StatusNoContent, do("10.0.0.2:1000"))
	assert.Equal(t, 2, l.size())
}

func TestRateLimitDisabled(t *testing.T) {
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	h := RateLimit(nil)(next)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimiterCleanup(t *testing.T) {
	l := NewIPRateLimiter(10, 1)
	l.idle = time.Millisecond
	l.Allow("10.0.0.1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Cleanup(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return l.size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTrustForwarded(t *testing.T) {
	var (
		gotAddr      string
		gotForwarded bool
		gotToken     string
	)
	h := TrustForwarded("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAddr = r.RemoteAddr
		gotForwarded = IsForwarded(r.Context())
		gotToken = r.Header.Get(proxy.TokenHeader)
	}))

	cases := []struct {
		name          string
		token         string
		wantAddr      string
		wantForwarded bool
	}{
		{"trusted sibling", "secret", "203.0.113.7", true},
		{"wrong token", "guess", "127.0.0.1:40000", false},
		{"no token", "", "127.0.0.1:40000", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			req.RemoteAddr = "127.0.0.1:40000"
			req.Header.Set("X-Forwarded-For", "203.0.113.7")
			if tc.token != "" {
				req.Header.Set(proxy.TokenHeader, tc.token)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)

			assert.Equal(t, tc.wantAddr, gotAddr)
			assert.Equal(t, tc.wantForwarded, gotForwarded)
			assert.Empty(t, gotToken)
		})
	}
}

func TestTrustForwardedEmptyTokenTrustsNothing(t *testing.T) {
	var forwarded bool
	h := TrustForwarded("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded = IsForwarded(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(proxy.TokenHeader, "")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.False(t, forwarded)
}

func TestRateLimitSpoofedClientHeaders(t *testing.T) {
	l := NewIPRateLimiter(0.001, 1)
	h := TrustForwarded("secret")(RateLimit(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	do := func(xff, token string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.RemoteAddr = "10.0.0.9:5000"
		req.Header.Set("X-Forwarded-For", xff)
		req.Header.Set("X-Real-IP", xff)
		if token != "" {
			req.Header.Set(proxy.TokenHeader, token)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusNoContent, do("192.0.2.1", ""))
	assert.Equal(t, http.StatusTooManyRequests, do("192.0.2.2", ""))
	assert.Equal(t, http.StatusTooManyRequests, do("192.0.2.3", "guess"))
	// Relayed requests were charged where they entered.
	assert.Equal(t, http.StatusNoContent, do("192.0.2.4", "secret"))
	assert.Equal(t, 1, l.size())
}
