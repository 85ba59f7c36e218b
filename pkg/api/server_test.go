package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagaweave/sagaweave/config"
	"github.com/sagaweave/sagaweave/pkg/api/handlers"
	"github.com/sagaweave/sagaweave/pkg/logger"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestHTTPServer_StartAndShutdown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = freePort(t)

	log := logger.New(&logger.Config{
		Level:  logger.ErrorLevel,
		Format: "json",
		Output: "stdout",
	})

	srv := NewHTTPServer(cfg, log, &Handlers{
		Health: handlers.NewHealthHandler(staticChecker{}),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	baseURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	var resp *http.Response
	var err error
	require.Eventually(t, func() bool {
		resp, err = http.Get(baseURL + "/health")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "server did not come up")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after shutdown")
	}
}
