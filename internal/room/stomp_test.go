package room_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/omochice/room-chat/internal/channel/stomp"
	"github.com/omochice/room-chat/internal/room"
	"github.com/omochice/room-chat/pkg/protocol"
)

// scriptedBroker accepts one STOMP session and, once the client
// subscribes, pushes the given bodies to it in order.
func scriptedBroker(t *testing.T, bodies ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("failed to accept websocket: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "")
		ctx := r.Context()

		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			f, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			switch f.Command {
			case protocol.CmdConnect:
				reply := protocol.NewFrame(protocol.CmdConnected, protocol.HdrVersion, "1.2", protocol.HdrHeartBeat, "0,0")
				c.Write(ctx, websocket.MessageText, reply.Encode())
			case protocol.CmdSubscribe:
				id := f.Value(protocol.HdrID)
				for _, body := range bodies {
					m := protocol.NewFrame(protocol.CmdMessage,
						protocol.HdrSubscription, id,
						protocol.HdrDestination, f.Value(protocol.HdrDestination),
						protocol.HdrContentType, protocol.ContentTypeJSON,
					)
					m.Body = []byte(body)
					c.Write(ctx, websocket.MessageText, m.Encode())
				}
			case protocol.CmdDisconnect:
				reply := protocol.NewFrame(protocol.CmdReceipt, protocol.HdrReceiptID, f.Value(protocol.HdrReceipt))
				c.Write(ctx, websocket.MessageText, reply.Encode())
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}))
}

func TestManager_DropsMalformedFrames(t *testing.T) {
	srv := scriptedBroker(t,
		`{"sender":"bob","content":"one","roomId":"lobby"}`,
		`{"sender":`,
		`[]`,
		`{"sender":"bob","content":"two","roomId":"lobby"}`,
	)
	defer srv.Close()

	dialer := stomp.NewDialer(stomp.WithHeartBeat(protocol.HeartBeat{}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	m := room.New(dialer, wsURL, nil)

	require.NoError(t, m.EnterRoom(context.Background(), "lobby", "alice"))
	require.Eventually(t, func() bool { return len(m.Messages()) == 2 }, 2*time.Second, 10*time.Millisecond)

	msgs := m.Messages()
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)
	assert.Equal(t, room.Connected, m.State())

	require.NoError(t, m.LeaveRoom())
	assert.Equal(t, room.Disconnected, m.State())
}

func TestManager_ConnectRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	dialer := stomp.NewDialer(stomp.WithHandshakeTimeout(time.Second))
	m := room.New(dialer, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)

	err := m.EnterRoom(context.Background(), "lobby", "alice")

	assert.Error(t, err)
	assert.Equal(t, room.Failed, m.State())
}
