package gateway

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ondevice-gateway/internal/variant"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
}

func TestServerLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewServer(variant.Base, okHandler(), zaptest.NewLogger(t), Timeouts{})

	assert.Equal(t, StateStopped, s.State())
	assert.Nil(t, s.Addr())

	// Stop on a stopped server is a no-op.
	require.NoError(t, s.Stop(ctx))

	require.NoError(t, s.Start(ctx, Listen{Host: "127.0.0.1", Port: 0}))
	require.True(t, s.IsRunning())
	addr := s.Addr()
	require.NotNil(t, addr)

	// Start while running keeps the existing listener.
	require.NoError(t, s.Start(ctx, Listen{Host: "127.0.0.1", Port: 0}))
	assert.Equal(t, addr.String(), s.Addr().String())

	resp, err := http.Get("http://" + addr.String() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, StateStopped, s.State())
	require.NoError(t, s.Stop(ctx))

	// The port is released.
	ln, err := net.Listen("tcp", addr.String())
	require.NoError(t, err)
	ln.Close()

	// And the server can come back.
	require.NoError(t, s.Start(ctx, Listen{Host: "127.0.0.1", Port: 0}))
	require.NoError(t, s.Stop(ctx))
}

func TestServerBindFailure(t *testing.T) {
	ctx := context.Background()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	s := NewServer(variant.Creative, okHandler(), zaptest.NewLogger(t), Timeouts{})
	err = s.Start(ctx, Listen{Host: "127.0.0.1", Port: port})
	require.Error(t, err)
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, err, s.LastError())

	require.NoError(t, s.Start(ctx, Listen{Host: "127.0.0.1", Port: 0}))
	assert.NoError(t, s.LastError())
	require.NoError(t, s.Stop(ctx))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
}
