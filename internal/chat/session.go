package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/omochice/room-chat/pkg/protocol"
)

// ServerName is sent in the server header of CONNECTED.
const ServerName = "room-chat"

// errSessionEnded stops the read loop after DISCONNECT or an ERROR frame.
var errSessionEnded = errors.New("session ended")

// Serve runs one STOMP session on conn until the peer disconnects, the
// session fails or ctx is done. conn is closed on return.
func (h *Hub) Serve(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := newClient(conn)
	logger := h.logger.With("remote", conn.RemoteAddr())
	beats := make(chan time.Duration, 1)

	h.Register(client)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(client, beats, logger)
		cancel()
	}()

	defer func() {
		h.Unregister(client)
		close(client.Outgoing)
		<-writerDone
		conn.Close()
	}()

	s := &session{hub: h, client: client, logger: logger, beats: beats}
	var dec protocol.Decoder
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			logger.Debug("read failed", "error", err)
			return nil
		}

		dec.Feed(data)
		for {
			f, err := dec.Next()
			if err != nil {
				s.fail(ctx, "malformed frame", err.Error())
				return fmt.Errorf("failed to decode frame: %w", err)
			}
			if f == nil {
				break
			}
			if err := s.handle(ctx, f); err != nil {
				if errors.Is(err, errSessionEnded) {
					return nil
				}
				return err
			}
		}
	}
}

func (h *Hub) writeLoop(client *Client, beats <-chan time.Duration, logger *slog.Logger) {
	var tick <-chan time.Time
	for {
		select {
		case d := <-beats:
			if d > 0 {
				t := time.NewTicker(d)
				defer t.Stop()
				tick = t.C
			}
		case data, ok := <-client.Outgoing:
			if !ok {
				return
			}
			if err := h.write(client, data); err != nil {
				logger.Debug("failed to write to client", "error", err)
				return
			}
		case <-tick:
			if err := h.write(client, []byte{'\n'}); err != nil {
				logger.Debug("failed to send heart-beat", "error", err)
				return
			}
		}
	}
}

func (h *Hub) write(client *Client, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()
	return client.Conn.Write(ctx, data)
}

type session struct {
	hub       *Hub
	client    *Client
	logger    *slog.Logger
	beats     chan<- time.Duration
	connected bool
}

func (s *session) handle(ctx context.Context, f *protocol.Frame) error {
	if !s.connected && f.Command != protocol.CmdConnect && f.Command != protocol.CmdStomp {
		s.fail(ctx, "not connected", "send CONNECT first")
		return errSessionEnded
	}

	switch f.Command {
	case protocol.CmdConnect, protocol.CmdStomp:
		if s.connected {
			s.fail(ctx, "already connected", "")
			return errSessionEnded
		}
		if err := s.connect(ctx, f); err != nil {
			return errSessionEnded
		}
		return nil

	case protocol.CmdSubscribe:
		id, dest := f.Value(protocol.HdrID), f.Value(protocol.HdrDestination)
		if id == "" || dest == "" {
			s.fail(ctx, "invalid subscription", "id and destination are required")
			return errSessionEnded
		}
		s.client.subscribe(id, dest)
		s.logger.Debug("subscribed", "id", id, "destination", dest)

	case protocol.CmdUnsubscribe:
		id := f.Value(protocol.HdrID)
		if !s.client.unsubscribe(id) {
			s.logger.Debug("unknown subscription", "id", id)
		}

	case protocol.CmdSend:
		if err := s.send(f); err != nil {
			s.fail(ctx, err.Error(), "")
			return errSessionEnded
		}

	case protocol.CmdDisconnect:
		s.receipt(ctx, f)
		s.logger.Debug("client disconnected", "user", s.client.Username)
		return errSessionEnded

	case protocol.CmdAck, protocol.CmdNack, protocol.CmdBegin, protocol.CmdCommit, protocol.CmdAbort:
		// Messages are auto-acknowledged and never transacted.

	default:
		s.fail(ctx, "unknown command", f.Command)
		return errSessionEnded
	}

	s.receipt(ctx, f)
	return nil
}

func (s *session) connect(ctx context.Context, f *protocol.Frame) error {
	clientHB, err := protocol.ParseHeartBeat(f.Value(protocol.HdrHeartBeat))
	if err != nil {
		s.fail(ctx, "invalid heart-beat", err.Error())
		return err
	}
	serverHB := protocol.HeartBeat{Send: s.hub.heartBeat}
	outgoing, _ := protocol.Negotiate(serverHB, clientHB)
	s.beats <- outgoing

	s.client.Username = f.Value(protocol.HdrLogin)
	s.connected = true
	s.reply(ctx, protocol.NewFrame(protocol.CmdConnected,
		protocol.HdrVersion, "1.2",
		protocol.HdrHeartBeat, serverHB.String(),
		protocol.HdrServer, ServerName,
		protocol.HdrSession, uuid.NewString(),
	))
	s.logger.Info("client connected", "user", s.client.Username)
	return nil
}

func (s *session) send(f *protocol.Frame) error {
	dest := f.Value(protocol.HdrDestination)
	roomID, ok := protocol.RoomFromSendDestination(dest)
	if !ok {
		return fmt.Errorf("unknown destination %s", dest)
	}
	codec, err := protocol.CodecFor(f.Value(protocol.HdrContentType))
	if err != nil {
		return err
	}
	msg, err := codec.Unmarshal(f.Body)
	if err != nil {
		return fmt.Errorf("malformed message: %w", err)
	}
	if err := s.hub.Publish(roomID, msg); err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return fmt.Errorf("room %s not found", roomID)
		}
		return err
	}
	s.logger.Debug("message", "room", roomID, "sender", msg.Sender)
	return nil
}

func (s *session) receipt(ctx context.Context, f *protocol.Frame) {
	if id := f.Value(protocol.HdrReceipt); id != "" {
		s.reply(ctx, protocol.NewFrame(protocol.CmdReceipt, protocol.HdrReceiptID, id))
	}
}

// fail sends an ERROR frame. The caller ends the session afterwards.
func (s *session) fail(ctx context.Context, message, detail string) {
	s.logger.Warn("session error", "message", message, "detail", detail)
	f := protocol.NewFrame(protocol.CmdError, protocol.HdrMessage, message)
	if detail != "" {
		f.Set(protocol.HdrContentType, "text/plain")
		f.Body = []byte(detail)
	}
	s.reply(ctx, f)
}

func (s *session) reply(ctx context.Context, f *protocol.Frame) {
	select {
	case s.client.Outgoing <- f.Encode():
	case <-ctx.Done():
	}
}
