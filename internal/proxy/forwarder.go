// Package proxy relays a chat completion request to a sibling gateway
// instance on the loopback interface and copies its response back as-is.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"ondevice-gateway/internal/apperr"
	"ondevice-gateway/pkg/logging/logging"
)

const chatPath = "/v1/chat/completions"

// TokenHeader carries the shared forward token. A sibling that sees the
// expected value trusts X-Forwarded-For and skips admission checks already
// applied where the request entered.
const TokenHeader = "X-Gateway-Forward-Token"

// hop-by-hop headers are owned by each connection, not relayed.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Trailer":           true,
	"Te":                true,
}

type Forwarder struct {
	host   string
	token  string
	client *http.Client
}

// New returns a Forwarder dialing host. A nil client gets a pooled
// transport without an overall timeout so streamed relays are bounded only
// by the caller's context.
func New(host string, client *http.Client) *Forwarder {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
				DisableCompression:  true,
			},
		}
	}
	return &Forwarder{host: host, client: client}
}

// WithToken sets the token presented to siblings in TokenHeader.
func (f *Forwarder) WithToken(token string) *Forwarder {
	f.token = token
	return f
}

// URL is the sibling endpoint for port.
func (f *Forwarder) URL(port int) string {
	return "http://" + net.JoinHostPort(f.host, strconv.Itoa(port)) + chatPath
}

// Forward POSTs body to the sibling on port and relays status, headers and
// body to w, flushing after every read so SSE frames pass through in order.
// An error is returned only when nothing has been written to w yet.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, port int, body []byte) error {
	ctx := r.Context()
	logger := logging.L(ctx)
	url := f.URL(port)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperr.Gateway(err, "build forward request")
	}
	req.Header.Set("Content-Type", "application/json")
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}
	if id := r.Header.Get("X-Request-Id"); id != "" {
		req.Header.Set("X-Request-Id", id)
	}
	if ip := remoteHost(r.RemoteAddr); ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	if f.token != "" {
		req.Header.Set(TokenHeader, f.token)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		logger.Warn("forward failed", zap.String("url", url), zap.Error(err))
		return apperr.Gateway(err, "sibling on port %d is unreachable", port)
	}
	defer resp.Body.Close()

	dst := w.Header()
	for k, vv := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		dst.Del(k)
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	n, err := relay(w, resp.Body)
	fields := []zap.Field{
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Int64("bytes", n),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("forward relay interrupted", append(fields, zap.Error(err))...)
		return nil
	}
	logger.Debug("forward completed", fields...)
	return nil
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func relay(w http.ResponseWriter, src io.Reader) (int64, error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)

	var total int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			written, err := w.Write(buf[:n])
			total += int64(written)
			if err != nil {
				return total, err
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return total, err
			}
		}
		if readErr == io.EOF {
			return total, nil
		}
		if readErr != nil {
			return total, readErr
		}
	}
}
