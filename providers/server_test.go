package providers

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/broker/config"
	"github.com/orchestra-mcp/broker/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type testServer struct {
	*Server
	ln *fasthttputil.InmemoryListener
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HeartbeatMS = 0

	srv, err := NewServer(cfg, nil, zerolog.Nop())
	require.NoError(t, err)

	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = ln.Close()
	})
	return &testServer{Server: srv, ln: ln}
}

func (ts *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{
		NetDial: func(_, _ string) (net.Conn, error) { return ts.ln.Dial() },
	}
	conn, _, err := dialer.Dial("ws://broker.test/ws"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (ts *testServer) do(t *testing.T, method, target, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	resp, err := ts.App().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp.StatusCode, out
}

func readFrame(t *testing.T, conn *websocket.Conn) types.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f types.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebSocketSession(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "?user=alice")

	connected := readFrame(t, conn)
	require.Equal(t, types.CommandConnected, connected.Command)
	require.NotEmpty(t, connected.Session)

	info := ts.Broker().ClientInfo(connected.Session)
	require.NotNil(t, info)
	assert.Equal(t, "alice", info.Principal)

	require.NoError(t, conn.WriteJSON(types.Frame{
		Command:      types.CommandSubscribe,
		Subscription: "1",
		Destination:  "/topic/chat",
		Receipt:      "r-1",
	}))
	receipt := readFrame(t, conn)
	assert.Equal(t, types.CommandReceipt, receipt.Command)
	assert.Equal(t, "r-1", receipt.ReceiptID)

	require.NoError(t, conn.WriteJSON(types.Frame{
		Command:     types.CommandSend,
		Destination: "/topic/chat",
		Payload:     json.RawMessage(`"hi"`),
	}))
	msg := readFrame(t, conn)
	assert.Equal(t, types.CommandMessage, msg.Command)
	assert.Equal(t, "1", msg.Subscription)
	assert.JSONEq(t, `"hi"`, string(msg.Payload))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	errFrame := readFrame(t, conn)
	assert.Equal(t, types.CommandError, errFrame.Command)
	assert.Equal(t, "invalid_frame", errFrame.Code)

	require.NoError(t, conn.WriteJSON(types.Frame{Command: types.CommandSend, Destination: "/nowhere"}))
	errFrame = readFrame(t, conn)
	assert.Equal(t, "destination_not_found", errFrame.Code)
}

func TestWebSocketPrincipalHeader(t *testing.T) {
	ts := newTestServer(t)
	dialer := websocket.Dialer{
		NetDial: func(_, _ string) (net.Conn, error) { return ts.ln.Dial() },
	}
	conn, _, err := dialer.Dial("ws://broker.test/ws", http.Header{"X-Principal": []string{"bob"}})
	require.NoError(t, err)
	defer conn.Close()

	connected := readFrame(t, conn)
	assert.Equal(t, []string{connected.Session}, ts.Broker().Sessions().SessionsFor("bob"))
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	ts := newTestServer(t)

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/ws")
	ts.Handler()(&ctx)

	assert.Equal(t, fasthttp.StatusUpgradeRequired, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "upgrade_required")
}

func TestHTTPPublish(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "?user=alice")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(types.Frame{Command: types.CommandSubscribe, Subscription: "s", Destination: "/topic/news", Receipt: "ok"}))
	readFrame(t, conn)

	status, body := ts.do(t, http.MethodPost, "/ws/publish/topic/news", `{"headline":"test"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "/topic/news", body["destination"])
	assert.Equal(t, float64(1), body["queued"])

	msg := readFrame(t, conn)
	assert.JSONEq(t, `{"headline":"test"}`, string(msg.Payload))

	status, body = ts.do(t, http.MethodPost, "/ws/publish/nowhere", `1`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "destination_not_found", body["error"])

	status, _ = ts.do(t, http.MethodPost, "/ws/publish/topic/news", `{broken`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodPost, "/ws/publish/app/chat", `1`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHTTPSendToUser(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "?user=alice")
	session := readFrame(t, conn).Session

	require.NoError(t, conn.WriteJSON(types.Frame{Command: types.CommandSubscribe, Subscription: "n", Destination: "/user/alice/queue/notify", Receipt: "ok"}))
	readFrame(t, conn)

	status, body := ts.do(t, http.MethodPost, "/ws/users/alice/queue/notify", `"ping"`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["queued"])

	msg := readFrame(t, conn)
	assert.Equal(t, "/queue/notify-"+session, msg.Destination)
	assert.Equal(t, "n", msg.Subscription)
}

func TestIntrospectionRoutes(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "?user=alice")
	session := readFrame(t, conn).Session

	require.NoError(t, conn.WriteJSON(types.Frame{Command: types.CommandSubscribe, Subscription: "1", Destination: "/topic/a", Receipt: "ok"}))
	readFrame(t, conn)

	status, body := ts.do(t, http.MethodGet, "/ws/info", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["websocket"])
	assert.Equal(t, float64(1), body["clients"])
	assert.Equal(t, false, body["bridge"])

	status, body = ts.do(t, http.MethodGet, "/ws/clients", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, body = ts.do(t, http.MethodGet, "/ws/clients/"+session, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", body["principal"])

	status, body = ts.do(t, http.MethodGet, "/ws/destinations", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, body = ts.do(t, http.MethodGet, "/ws/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "inbound.submitted")
	assert.Contains(t, body, "outbound.completed")

	status, _ = ts.do(t, http.MethodGet, "/ws/clients/ghost", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAdminDisconnect(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "?user=alice")
	session := readFrame(t, conn).Session

	status, _ := ts.do(t, http.MethodDelete, "/ws/clients/"+session, "")
	assert.Equal(t, http.StatusNoContent, status)
	assert.Nil(t, ts.Broker().ClientInfo(session))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	status, _ = ts.do(t, http.MethodDelete, "/ws/clients/"+session, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(types.ErrOverloaded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.EOF))
}
