package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	. "github.com/nhoel/portcullis/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startGateway(t *testing.T, cfg GatewayConfig) (*Gateway, context.CancelFunc) {
	t.Helper()
	gw, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx)
	require.Eventually(t, func() bool { return gw.server.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	return gw, cancel
}

func dialAndHandshake(t *testing.T, gw *Gateway, clientID, mode, role string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+gw.server.Addr()+"/ws", nil)
	require.NoError(t, err)
	_, _, err = ws.ReadMessage() // challenge
	require.NoError(t, err)
	req, _ := MarshalRequest("req-1", "connect", ConnectParams{
		MinProtocol: 3, MaxProtocol: 3,
		Client: ClientInfo{ID: clientID, Version: "1.0", Platform: "ios", Mode: mode},
		Role:   role,
		Auth:   &ConnectAuth{Token: "test-token"},
	})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, req))
	_, msg, err := ws.ReadMessage() // hello-ok
	require.NoError(t, err)
	frame, err := ParseFrame(msg)
	require.NoError(t, err)
	res, ok := frame.(*ResponseFrame)
	require.True(t, ok)
	require.True(t, res.OK, "handshake failed: %+v", res.Error)
	return ws
}

// awaitResponse reads frames, skipping events, until the response with the
// given id arrives.
func awaitResponse(t *testing.T, ws *websocket.Conn, id string) *ResponseFrame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, msg, err := ws.ReadMessage()
		require.NoError(t, err)
		frame, err := ParseFrame(msg)
		require.NoError(t, err)
		if res, ok := frame.(*ResponseFrame); ok && res.ID == id {
			return res
		}
	}
}

func TestIntegration_ConnectRegistersSession(t *testing.T) {
	gw, cancel := startGateway(t, GatewayConfig{Port: 0, AuthToken: "test-token"})
	defer cancel()

	ws := dialAndHandshake(t, gw, "iphone-test", "node", "")
	defer ws.Close()

	sessions := gw.registry.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, "iphone-test", sessions[0].ClientID)
	assert.Equal(t, "node", sessions[0].Role)

	entries := gw.presence.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "iphone-test", entries[0].ClientID)
}

func TestIntegration_OperatorSessionRegistered(t *testing.T) {
	gw, cancel := startGateway(t, GatewayConfig{Port: 0, AuthToken: "test-token"})
	defer cancel()

	ws := dialAndHandshake(t, gw, "console-1", "ui", "operator")
	defer ws.Close()

	sessions := gw.registry.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, "console-1", sessions[0].ClientID)
	assert.Equal(t, "operator", sessions[0].Role)
}

func TestIntegration_PresenceBroadcastOnJoin(t *testing.T) {
	gw, cancel := startGateway(t, GatewayConfig{Port: 0, AuthToken: "test-token"})
	defer cancel()

	ws1 := dialAndHandshake(t, gw, "client-a", "node", "")
	defer ws1.Close()

	ws2 := dialAndHandshake(t, gw, "client-b", "node", "")
	defer ws2.Close()

	// The first client hears about the second joining.
	ws1.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, msg, err := ws1.ReadMessage()
		require.NoError(t, err)
		frame, err := ParseFrame(msg)
		require.NoError(t, err)
		evt, ok := frame.(*EventFrame)
		if !ok || evt.Event != "presence.updated" {
			continue
		}
		var payload struct {
			Presence []PresenceEntry `json:"presence"`
			Version  uint64          `json:"version"`
		}
		require.NoError(t, json.Unmarshal(evt.Payload, &payload))
		if len(payload.Presence) == 2 {
			ids := []string{payload.Presence[0].ClientID, payload.Presence[1].ClientID}
			assert.Contains(t, ids, "client-a")
			assert.Contains(t, ids, "client-b")
			return
		}
	}
}

func TestIntegration_PingAndPresenceList(t *testing.T) {
	gw, cancel := startGateway(t, GatewayConfig{Port: 0, AuthToken: "test-token"})
	defer cancel()

	ws := dialAndHandshake(t, gw, "iphone-test", "node", "")
	defer ws.Close()

	pingReq, _ := MarshalRequest("req-2", "ping", nil)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, pingReq))
	res := awaitResponse(t, ws, "req-2")
	assert.True(t, res.OK)

	listReq, _ := MarshalRequest("req-3", "presence.list", nil)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, listReq))
	res = awaitResponse(t, ws, "req-3")
	require.True(t, res.OK)

	var payload struct {
		Presence []PresenceEntry `json:"presence"`
	}
	require.NoError(t, json.Unmarshal(res.Payload, &payload))
	require.Len(t, payload.Presence, 1)
	assert.Equal(t, "iphone-test", payload.Presence[0].ClientID)
}

func TestIntegration_UnknownMethodRejected(t *testing.T) {
	gw, cancel := startGateway(t, GatewayConfig{Port: 0, AuthToken: "test-token"})
	defer cancel()

	ws := dialAndHandshake(t, gw, "iphone-test", "node", "")
	defer ws.Close()

	req, _ := MarshalRequest("req-2", "no.such.method", nil)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, req))
	res := awaitResponse(t, ws, "req-2")
	assert.False(t, res.OK)
	assert.Equal(t, ErrUnavailable, res.Error.Code)
}

func TestIntegration_TickKeepAlive(t *testing.T) {
	gw, cancel := startGateway(t, GatewayConfig{
		Port:         0,
		AuthToken:    "test-token",
		TickInterval: 100 * time.Millisecond, // fast for testing
	})
	defer cancel()

	ws := dialAndHandshake(t, gw, "iphone-test", "node", "")
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	tickCount := 0
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			break // deadline exceeded
		}
		frame, _ := ParseFrame(msg)
		if evt, ok := frame.(*EventFrame); ok && evt.Event == "tick" {
			tickCount++
		}
	}

	assert.GreaterOrEqual(t, tickCount, 2, "should have received at least 2 ticks in 500ms at 100ms interval")
}

func TestIntegration_GracefulShutdown(t *testing.T) {
	gw, cancel := startGateway(t, GatewayConfig{Port: 0, AuthToken: "test-token"})

	ws := dialAndHandshake(t, gw, "iphone-test", "node", "")
	defer ws.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	gw.Shutdown(shutdownCtx)
	cancel()

	// Client should see the shutdown event before the connection closes.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	sawShutdown := false
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			break
		}
		frame, _ := ParseFrame(msg)
		if evt, ok := frame.(*EventFrame); ok && evt.Event == "shutdown" {
			sawShutdown = true
		}
	}

	assert.True(t, sawShutdown, "should have received shutdown event before connection closed")
}

func TestIntegration_ReconnectAfterDrop(t *testing.T) {
	gw, cancel := startGateway(t, GatewayConfig{Port: 0, AuthToken: "test-token"})
	defer cancel()

	// First connection
	ws1 := dialAndHandshake(t, gw, "iphone-1", "node", "")
	assert.Len(t, gw.registry.List(), 1)

	// Drop it
	ws1.Close()
	time.Sleep(100 * time.Millisecond)

	// Reconnect with the same client id
	ws2 := dialAndHandshake(t, gw, "iphone-1", "node", "")
	defer ws2.Close()

	// Should still be exactly 1 session, not 2
	sessions := gw.registry.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, "iphone-1", sessions[0].ClientID)
}
