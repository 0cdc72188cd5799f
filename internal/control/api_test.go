package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sklyar/fanout/internal/server"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestAPI(t *testing.T) (*httptest.Server, *server.Controller) {
	t.Helper()

	reg := prometheus.NewRegistry()
	ctrl := server.New(
		server.WithLogger(discard),
		server.WithMetrics(server.NewMetrics(reg)),
		server.WithListenFunc(func(uint16) (net.Listener, error) {
			return net.Listen("tcp", "127.0.0.1:0")
		}),
	)

	api := NewAPI(ctrl,
		WithLogger(discard),
		WithGatherer(reg),
		WithMaxPayload(16),
	)

	srv := httptest.NewServer(api.Routes())
	t.Cleanup(func() {
		srv.Close()
		ctrl.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, ctrl.Wait(ctx))
	})

	return srv, ctrl
}

func post(t *testing.T, srv *httptest.Server, path, body string) (int, string) {
	t.Helper()

	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(b)
}

func status(t *testing.T, srv *httptest.Server) server.Status {
	t.Helper()

	resp, err := http.Get(srv.URL + "/api/server/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st server.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func TestAPI_Start(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "malformed body",
			body:       "{",
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"failed to decode request"}`,
		},
		{
			name:       "missing port",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"invalid request: port is required"}`,
		},
		{
			name:       "port out of range",
			body:       `{"port":70000}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"failed to decode request"}`,
		},
		{
			name:       "started",
			body:       `{"port":9000}`,
			wantStatus: http.StatusOK,
			wantBody:   `{"port":9000,"message":"Server started on port 9000"}`,
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, _ := newTestAPI(t)

			code, body := post(t, srv, "/api/server/start", tt.body)
			assert.Equal(t, tt.wantStatus, code)
			assert.JSONEq(t, tt.wantBody, body)
		})
	}
}

func TestAPI_StartTwice(t *testing.T) {
	t.Parallel()

	srv, _ := newTestAPI(t)

	code, _ := post(t, srv, "/api/server/start?wait=1", `{"port":9000}`)
	require.Equal(t, http.StatusOK, code)

	code, body := post(t, srv, "/api/server/start", `{"port":9001}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.JSONEq(t, `{"error":"server already running"}`, body)
}

func TestAPI_StartWaitReportsBindFailure(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	ctrl := server.New(
		server.WithLogger(discard),
		server.WithMetrics(server.NewMetrics(reg)),
		server.WithListenFunc(func(uint16) (net.Listener, error) {
			return nil, fmt.Errorf("address already in use")
		}),
	)
	srv := httptest.NewServer(NewAPI(ctrl, WithLogger(discard), WithGatherer(reg)).Routes())
	defer srv.Close()
	defer ctrl.Stop()

	code, body := post(t, srv, "/api/server/start?wait=1", `{"port":9000}`)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, body, "address already in use")

	assert.False(t, status(t, srv).Running, "failed bind left the server running")

	code, _ = post(t, srv, "/api/server/start?wait=1", `{"port":9000}`)
	assert.Equal(t, http.StatusBadGateway, code, "retry was refused instead of attempted")
}

func TestAPI_Lifecycle(t *testing.T) {
	t.Parallel()

	srv, ctrl := newTestAPI(t)

	st := status(t, srv)
	assert.False(t, st.Running)

	code, _ := post(t, srv, "/api/server/start?wait=1", `{"port":9000}`)
	require.Equal(t, http.StatusOK, code)

	st = status(t, srv)
	require.True(t, st.Running)
	assert.Equal(t, uint16(9000), st.Port)
	require.NotEmpty(t, st.Addr)

	conn, err := net.Dial("tcp", st.Addr)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return ctrl.Status().Sessions == 1
	}, time.Second, time.Millisecond)

	code, _ = post(t, srv, "/api/server/broadcast", "hello")
	require.Equal(t, http.StatusAccepted, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	b := make([]byte, len("hello"))
	_, err = io.ReadFull(conn, b)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	code, _ = post(t, srv, "/api/server/stop", "")
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = post(t, srv, "/api/server/stop", "")
	assert.Equal(t, http.StatusNoContent, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.False(t, status(t, srv).Running)
}

func TestAPI_BroadcastWhileStopped(t *testing.T) {
	t.Parallel()

	srv, _ := newTestAPI(t)

	code, _ := post(t, srv, "/api/server/broadcast", "dropped")
	assert.Equal(t, http.StatusAccepted, code)
}

func TestAPI_BroadcastTooLarge(t *testing.T) {
	t.Parallel()

	srv, _ := newTestAPI(t)

	code, _ := post(t, srv, "/api/server/broadcast", strings.Repeat("x", 17))
	assert.Equal(t, http.StatusRequestEntityTooLarge, code)
}

func TestAPI_Websocket(t *testing.T) {
	t.Parallel()

	srv, ctrl := newTestAPI(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/server/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err, "tap must be refused while stopped")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	code, _ := post(t, srv, "/api/server/start?wait=1", `{"port":9000}`)
	require.Equal(t, http.StatusOK, code)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the tap subscribes before the upgrade completes
	ctrl.Broadcast([]byte{0x01, 0x02, 0x03})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	typ, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, msg)

	ctrl.Stop()

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	srv, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(b))

	code, _ := post(t, srv, "/api/server/broadcast", "dropped")
	require.Equal(t, http.StatusAccepted, code)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	b, _ = io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(b), "fanout_broadcasts_dropped_total 1")
	assert.Contains(t, string(b), "fanout_server_running 0")
}
