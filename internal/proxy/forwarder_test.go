package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ondevice-gateway/internal/apperr"
)

func sibling(t *testing.T, h http.HandlerFunc) (host string, port int) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, p, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err = strconv.Atoi(p)
	require.NoError(t, err)
	return host, port
}

func inbound(header http.Header) *http.Request {
	r := httptest.NewRequest(http.MethodPost, chatPath, nil)
	r.RemoteAddr = "203.0.113.7:51000"
	for k, vv := range header {
		r.Header[k] = vv
	}
	return r
}

func TestForwardRelaysVerbatim(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":"Hello"}],"temperature":0.05}`)

	var gotBody []byte
	var gotPath, gotType string
	host, port := sibling(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Gateway-Variant", "deterministic")
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, `{"odd":true}`)
	})

	rr := httptest.NewRecorder()
	err := New(host, nil).Forward(rr, inbound(nil), port, body)
	require.NoError(t, err)

	assert.Equal(t, chatPath, gotPath)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, body, gotBody)

	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, "deterministic", rr.Header().Get("X-Gateway-Variant"))
	assert.Equal(t, `{"odd":true}`, rr.Body.String())
}

func TestForwardRelaysStreamInOrder(t *testing.T) {
	host, port := sibling(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, "data: {\"n\":%d}\n\n", i)
			f.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	rr := httptest.NewRecorder()
	err := New(host, nil).Forward(rr, inbound(http.Header{"Accept": {"text/event-stream"}}), port, []byte(`{"stream":true}`))
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	assert.True(t, rr.Flushed)

	want := "data: {\"n\":0}\n\ndata: {\"n\":1}\n\ndata: {\"n\":2}\n\ndata: {\"n\":3}\n\ndata: {\"n\":4}\n\ndata: [DONE]\n\n"
	assert.Equal(t, want, rr.Body.String())
}

func TestForwardUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	rr := httptest.NewRecorder()
	err = New("127.0.0.1", nil).Forward(rr, inbound(nil), port, []byte(`{}`))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindGateway))
	assert.Equal(t, http.StatusBadGateway, apperr.From(err).Kind.Status())
	assert.Zero(t, rr.Body.Len())
}

func TestForwardIdentifiesClient(t *testing.T) {
	var got http.Header
	host, port := sibling(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	})

	in := inbound(http.Header{
		"X-Request-Id":    {"req-1"},
		"X-Forwarded-For": {"198.51.100.1"},
		TokenHeader:       {"client-supplied"},
	})

	rr := httptest.NewRecorder()
	require.NoError(t, New(host, nil).WithToken("secret").Forward(rr, in, port, []byte(`{}`)))

	assert.Equal(t, "203.0.113.7", got.Get("X-Forwarded-For"))
	assert.Equal(t, "secret", got.Get(TokenHeader))
	assert.Equal(t, "req-1", got.Get("X-Request-Id"))

	rr = httptest.NewRecorder()
	require.NoError(t, New(host, nil).Forward(rr, in, port, []byte(`{}`)))
	assert.Empty(t, got.Get(TokenHeader))
}

func TestURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:11536/v1/chat/completions", New("127.0.0.1", nil).URL(11536))
	assert.True(t, strings.HasPrefix(New("::1", nil).URL(1), "http://[::1]:1/"))
}
