package websocket

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/game/session"
	"github.com/cory-johannsen/arena/internal/protocol"
)

// echoHandler answers each envelope with an Error naming its kind.
type echoHandler struct {
	ended chan error
}

func (h *echoHandler) HandleSession(ctx context.Context, t session.Transport) error {
	for {
		env, err := t.ReadEnvelope(ctx)
		if err != nil {
			if protocol.IsProtocolError(err) {
				_ = t.WriteEnvelope(ctx, protocol.Envelope{Payload: &protocol.Error{Code: "protocol_error"}})
				continue
			}
			h.ended <- err
			return err
		}
		_ = t.WriteEnvelope(ctx, protocol.Envelope{RoomID: env.RoomID, Payload: &protocol.Error{Code: "echo", Message: string(env.Kind())}})
	}
}

func newTestServer(t *testing.T, codecName string) (*httptest.Server, *echoHandler, protocol.Codec) {
	t.Helper()
	codec, err := protocol.NewCodec(codecName, 0)
	require.NoError(t, err)
	h := &echoHandler{ended: make(chan error, 1)}
	cfg := config.WebSocketConfig{Path: "/ws", MetricsPath: "/metrics"}
	srv := NewServer(cfg, NewHandler(codec, h, 0, time.Second, zaptest.NewLogger(t)), zaptest.NewLogger(t))
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return ts, h, codec
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, codec protocol.Codec, typ websocket.MessageType, data []byte) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, typ, data))
	_, reply, err := ws.Read(ctx)
	require.NoError(t, err)
	env, err := codec.Unmarshal(reply)
	require.NoError(t, err)
	return env
}

func TestHandler_JSONEnvelopePerMessage(t *testing.T) {
	ts, _, codec := newTestServer(t, "json")
	ws := dial(t, ts)

	data, err := codec.Marshal(protocol.Envelope{RoomID: "r1", Payload: &protocol.Observe{}})
	require.NoError(t, err)
	env := roundTrip(t, ws, codec, websocket.MessageText, data)
	assert.Equal(t, "r1", env.RoomID)
	assert.Equal(t, "observe", env.Payload.(*protocol.Error).Message)
}

func TestHandler_BinaryCodec(t *testing.T) {
	ts, _, codec := newTestServer(t, "binary")
	ws := dial(t, ts)

	data, err := codec.Marshal(protocol.Envelope{RoomID: "r2", Payload: &protocol.Join{Plugin: "counter"}})
	require.NoError(t, err)
	env := roundTrip(t, ws, codec, websocket.MessageBinary, data)
	assert.Equal(t, "join", env.Payload.(*protocol.Error).Message)
}

func TestHandler_WrongMessageTypeIsProtocolError(t *testing.T) {
	ts, _, codec := newTestServer(t, "json")
	ws := dial(t, ts)

	env := roundTrip(t, ws, codec, websocket.MessageBinary, []byte(`{}`))
	assert.Equal(t, "protocol_error", env.Payload.(*protocol.Error).Code)

	env = roundTrip(t, ws, codec, websocket.MessageText, []byte(`not json`))
	assert.Equal(t, "protocol_error", env.Payload.(*protocol.Error).Code)
}

func TestHandler_ClientCloseIsEOF(t *testing.T) {
	ts, h, _ := newTestServer(t, "json")
	ws := dial(t, ts)
	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "bye"))

	select {
	case err := <-h.ended:
		assert.True(t, errors.Is(err, io.EOF), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestServer_ServesMetrics(t *testing.T) {
	ts, _, _ := newTestServer(t, "json")
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestServer_ListenAndStop(t *testing.T) {
	codec, err := protocol.NewCodec("json", 0)
	require.NoError(t, err)
	h := &echoHandler{ended: make(chan error, 1)}
	cfg := config.WebSocketConfig{Host: "127.0.0.1", Path: "/ws"}
	srv := NewServer(cfg, NewHandler(codec, h, 0, time.Second, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer ws.CloseNow()

	srv.Stop()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
	select {
	case <-h.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("open session was not ended by Stop")
	}
}
