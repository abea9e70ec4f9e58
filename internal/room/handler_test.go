package room

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-listen/internal/protocol"
)

func newTestServer(t *testing.T, opts HandlerOptions) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := chi.NewRouter()
	NewHandler(hub, zap.NewNop(), opts).Routes(r)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Done()
	})
	return srv, hub
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, msgType, roomID string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(msgType, roomID, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func TestHandler_WebSocketRoundTrip(t *testing.T) {
	srv, hub := newTestServer(t, HandlerOptions{})
	alice := dialWS(t, srv)
	bob := dialWS(t, srv)

	writeEnvelope(t, alice, protocol.TypeJoinRoom, "lobby", protocol.JoinPayload{Member: protocol.MemberInfo{Name: "Alice"}})
	assert.Equal(t, []string{"Alice"}, memberNames(t, readEnvelope(t, alice)))

	writeEnvelope(t, bob, protocol.TypeJoinRoom, "lobby", protocol.JoinPayload{Member: protocol.MemberInfo{Name: "Bob"}})
	assert.Len(t, memberNames(t, readEnvelope(t, alice)), 2)
	assert.Len(t, memberNames(t, readEnvelope(t, bob)), 2)

	writeEnvelope(t, bob, protocol.TypeChatMessage, "lobby", protocol.ChatPayload{Author: "Bob", Text: "hey", Time: "08:15"})
	env := readEnvelope(t, alice)
	require.Equal(t, protocol.TypeChatMessage, env.Type)
	var chat protocol.ChatPayload
	require.NoError(t, env.DecodePayload(&chat))
	assert.Equal(t, "hey", chat.Text)

	assert.Equal(t, 2, hub.ConnectionCount())

	// Closing the socket removes Bob from the room.
	bob.Close()
	assert.Equal(t, []string{"Alice"}, memberNames(t, readEnvelope(t, alice)))
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, testTimeout, testTick)
}

func TestHandler_InvalidFrame(t *testing.T) {
	srv, _ := newTestServer(t, HandlerOptions{})
	conn := dialWS(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, protocol.CodeInvalidMessage, errorCode(t, readEnvelope(t, conn)))

	// The connection survives a bad frame.
	writeEnvelope(t, conn, protocol.TypePing, "", nil)
	assert.Equal(t, protocol.TypePong, readEnvelope(t, conn).Type)
}

func TestHandler_RateLimit(t *testing.T) {
	srv, _ := newTestServer(t, HandlerOptions{RateLimit: 0.001, RateBurst: 1})
	conn := dialWS(t, srv)

	writeEnvelope(t, conn, protocol.TypePing, "", nil)
	writeEnvelope(t, conn, protocol.TypePing, "", nil)

	assert.Equal(t, protocol.TypePong, readEnvelope(t, conn).Type)
	assert.Equal(t, protocol.CodeRateLimited, errorCode(t, readEnvelope(t, conn)))
}

func TestHandler_RejectionsKeepFrameOrder(t *testing.T) {
	srv, _ := newTestServer(t, HandlerOptions{})
	conn := dialWS(t, srv)

	writeEnvelope(t, conn, protocol.TypePing, "", nil)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	writeEnvelope(t, conn, protocol.TypePing, "", nil)

	assert.Equal(t, protocol.TypePong, readEnvelope(t, conn).Type)
	assert.Equal(t, protocol.CodeInvalidMessage, errorCode(t, readEnvelope(t, conn)))
	assert.Equal(t, protocol.TypePong, readEnvelope(t, conn).Type)
}

func TestHandler_ZeroBurstStillAdmitsFrames(t *testing.T) {
	srv, _ := newTestServer(t, HandlerOptions{RateLimit: 100, RateBurst: 0})
	conn := dialWS(t, srv)

	writeEnvelope(t, conn, protocol.TypePing, "", nil)
	assert.Equal(t, protocol.TypePong, readEnvelope(t, conn).Type)
}

func TestHandler_REST(t *testing.T) {
	srv, _ := newTestServer(t, HandlerOptions{})
	conn := dialWS(t, srv)
	writeEnvelope(t, conn, protocol.TypeJoinRoom, "lobby", protocol.JoinPayload{Member: protocol.MemberInfo{Name: "Alice"}})
	readEnvelope(t, conn)

	resp, err := http.Get(srv.URL + "/api/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rooms []Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	assert.Equal(t, []Info{{ID: "lobby", Members: 1}}, rooms)

	resp2, err := http.Get(srv.URL + "/api/rooms/lobby/members")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var members protocol.MembershipPayload
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&members))
	require.Len(t, members.Members, 1)
	assert.Equal(t, "Alice", members.Members[0].Name)

	long := strings.Repeat("x", protocol.MaxRoomIDLength+1)
	resp3, err := http.Get(srv.URL + "/api/rooms/" + long + "/members")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}
