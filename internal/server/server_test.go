package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/room-chat/internal/chat"
	"github.com/omochice/room-chat/internal/server"
	"github.com/omochice/room-chat/pkg/protocol"
)

func newTestServer(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	srv := server.New(server.Config{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func TestRoutes_Health(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	resp, _ = do(t, http.MethodGet, ts.URL+"/", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoutes_CreateAndGetRoom(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/rooms", "  lobby \n")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var room chat.Room
	require.NoError(t, json.Unmarshal([]byte(body), &room))
	assert.Equal(t, "lobby", room.RoomID)
	assert.NotEmpty(t, room.ID)
	assert.Empty(t, room.Messages)

	resp, body = do(t, http.MethodPost, ts.URL+"/api/v1/rooms", "lobby")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Room already exists!", body)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/v1/rooms/lobby", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(body), &room))
	assert.Equal(t, "lobby", room.RoomID)

	resp, body = do(t, http.MethodGet, ts.URL+"/api/v1/rooms/ghost", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Room not found!!", body)

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/v1/rooms", "   ")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoutes_MessagesPagination(t *testing.T) {
	srv, ts := newTestServer(t)
	_, err := srv.Store().CreateRoom("lobby")
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		require.NoError(t, srv.Hub().Publish("lobby", protocol.Message{Sender: "bob", Content: fmt.Sprint(i)}))
	}

	tests := []struct {
		query string
		first string
		count int
	}{
		{query: "", first: "5", count: 20},
		{query: "?page=0&size=10", first: "15", count: 10},
		{query: "?page=1&size=10", first: "5", count: 10},
		{query: "?page=2&size=10", first: "0", count: 10},
		{query: "?page=1", first: "0", count: 20},
		{query: "?page=x&size=y", first: "5", count: 20},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/rooms/lobby/messages"+tt.query, "")
			require.Equal(t, http.StatusOK, resp.StatusCode)
			var msgs []protocol.Message
			require.NoError(t, json.Unmarshal([]byte(body), &msgs))
			require.Len(t, msgs, tt.count)
			assert.Equal(t, tt.first, msgs[0].Content)
		})
	}

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/rooms/ghost/messages", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Room not found!!", body)
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		f, err := protocol.Decode(data)
		require.NoError(t, err)
		return f
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, f *protocol.Frame) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, f.Encode()))
}

func TestWebsocket_RawStomp(t *testing.T) {
	srv, ts := newTestServer(t)
	_, err := srv.Store().CreateRoom("lobby")
	require.NoError(t, err)

	dialer := websocket.Dialer{Subprotocols: []string{"v12.stomp"}}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "v12.stomp", resp.Header.Get("Sec-WebSocket-Protocol"))

	writeFrame(t, conn, protocol.NewFrame(protocol.CmdConnect, protocol.HdrAcceptVersion, "1.2", protocol.HdrHeartBeat, "0,0"))
	assert.Equal(t, protocol.CmdConnected, readFrame(t, conn).Command)

	writeFrame(t, conn, protocol.NewFrame(protocol.CmdSubscribe,
		protocol.HdrID, "sub-0",
		protocol.HdrDestination, "/topic/room/lobby",
	))
	send := protocol.NewFrame(protocol.CmdSend,
		protocol.HdrDestination, "/app/sendMessage/lobby",
		protocol.HdrContentType, protocol.ContentTypeJSON,
	)
	send.Body = []byte(`{"sender":"alice","content":"hello","roomId":"lobby"}`)
	writeFrame(t, conn, send)

	f := readFrame(t, conn)
	require.Equal(t, protocol.CmdMessage, f.Command)
	msg, err := protocol.JSON.Unmarshal(f.Body)
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "hello", msg.Content)

	stored, err := srv.Store().Messages("lobby", 0, 20)
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	writeFrame(t, conn, protocol.NewFrame(protocol.CmdDisconnect, protocol.HdrReceipt, "bye"))
	r := readFrame(t, conn)
	assert.Equal(t, protocol.CmdReceipt, r.Command)
	assert.Equal(t, "bye", r.Value(protocol.HdrReceiptID))
}

func startServer(t *testing.T, cfg server.Config) *server.Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv := server.New(cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Stop(ctx))
	})
	return srv
}

func TestServer_SinglePortSniffing(t *testing.T) {
	srv := startServer(t, server.Config{})

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	connect := protocol.NewFrame(protocol.CmdConnect, protocol.HdrAcceptVersion, "1.2")
	_, err = conn.Write(connect.Encode())
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "CONNECTED\n", line)
}

func TestServer_DedicatedTCP(t *testing.T) {
	srv := startServer(t, server.Config{TCPAddr: "127.0.0.1:0"})
	require.NotEmpty(t, srv.TCPAddr())

	conn, err := net.Dial("tcp", srv.TCPAddr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(protocol.NewFrame(protocol.CmdStomp, protocol.HdrAcceptVersion, "1.2").Encode())
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "CONNECTED\n", line)
}

func TestServer_StopEndsSessions(t *testing.T) {
	srv := server.New(server.Config{Addr: "127.0.0.1:0"})
	require.NoError(t, srv.Start())

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(protocol.NewFrame(protocol.CmdConnect).Encode())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.Equal(t, 0, srv.Hub().ClientCount())
}

func TestServer_NATSBridge(t *testing.T) {
	ns := natstest.RunRandClientPortServer()
	defer ns.Shutdown()

	srv := startServer(t, server.Config{NATSURL: ns.ClientURL()})
	_, err := srv.Store().CreateRoom("lobby")
	require.NoError(t, err)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync("room.lobby")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, nc.Publish("app.sendMessage.lobby", []byte(`{"sender":"carol","content":"via nats"}`)))

	m, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	msg, err := protocol.JSON.Unmarshal(m.Data)
	require.NoError(t, err)
	assert.Equal(t, "carol", msg.Sender)
	assert.Equal(t, "lobby", msg.RoomID)

	stored, err := srv.Store().Messages("lobby", 0, 20)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	// Messages accepted from STOMP clients are forwarded too.
	require.NoError(t, srv.Hub().Publish("lobby", protocol.Message{Sender: "dave", Content: "via hub"}))
	m, err = sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	msg, err = protocol.JSON.Unmarshal(m.Data)
	require.NoError(t, err)
	assert.Equal(t, "dave", msg.Sender)
}
