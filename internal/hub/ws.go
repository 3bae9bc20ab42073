package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/househunt/internal/identity"
	"github.com/haasonsaas/househunt/internal/realtime"
	"github.com/haasonsaas/househunt/pkg/models"
)

const (
	wsMaxPayloadBytes = 1 << 16
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

// Authorizer decides whether userID may join topic.
type Authorizer func(ctx context.Context, userID, topic string) error

// Server speaks the realtime websocket protocol on top of a Hub. Requests
// must already carry an authenticated user (see identity.Middleware).
type Server struct {
	hub       *Hub
	authorize Authorizer
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewServer creates the websocket endpoint. authorize may be nil.
func NewServer(h *Hub, authorize Authorizer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:       h,
		authorize: authorize,
		logger:    logger.With("component", "realtime-ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, ok := identity.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	session := &wsSession{
		server: s,
		conn:   conn,
		client: s.hub.NewClient(user.ID),
		user:   user,
		ctx:    ctx,
		cancel: cancel,
	}
	session.run()
}

type wsSession struct {
	server *Server
	conn   *websocket.Conn
	client *Client
	user   identity.User
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *wsSession) run() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop()
	}()
	s.readLoop()

	s.cancel()
	s.server.hub.Disconnect(s.client)
	<-done
	_ = s.conn.Close()
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck

		if err := validateClientFrame(data); err != nil {
			s.reply(realtime.Frame{}, fmt.Errorf("invalid frame: %w", err))
			continue
		}
		var frame realtime.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.reply(realtime.Frame{}, fmt.Errorf("invalid frame: %w", err))
			continue
		}
		s.reply(frame, s.handle(frame))
	}
}

func (s *wsSession) handle(frame realtime.Frame) error {
	h := s.server.hub
	switch frame.Type {
	case realtime.FrameJoin:
		var opts realtime.ChannelOptions
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &opts); err != nil {
				return fmt.Errorf("invalid join options: %w", err)
			}
		}
		if s.server.authorize != nil {
			if err := s.server.authorize(s.ctx, s.user.ID, frame.Topic); err != nil {
				return err
			}
		}
		return h.Join(s.client, frame.Topic, opts)
	case realtime.FrameLeave:
		h.Leave(s.client, frame.Topic)
		return nil
	case realtime.FrameTrack:
		var p models.Presence
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return fmt.Errorf("invalid presence: %w", err)
		}
		p.UserID = s.user.ID
		return h.Track(s.client, frame.Topic, p)
	case realtime.FrameUntrack:
		h.Untrack(s.client, frame.Topic)
		return nil
	case realtime.FrameBroadcast:
		return h.Broadcast(s.client, frame.Topic, frame.Event, frame.Payload)
	case realtime.FrameHeartbeat:
		return nil
	default:
		return fmt.Errorf("unsupported frame type %q", frame.Type)
	}
}

func (s *wsSession) reply(req realtime.Frame, err error) {
	frame := realtime.Frame{Type: realtime.FrameReply, Topic: req.Topic, Ref: req.Ref, Status: realtime.ReplyOK}
	if err != nil {
		frame.Status = realtime.ReplyError
		frame.Error = err.Error()
	}
	s.server.hub.Reply(s.client, frame)
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame, ok := <-s.client.Frames():
			if !ok {
				// Disconnected by the hub; end the socket so the reader exits.
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "disconnected"),
					time.Now().Add(wsWriteWait))
				_ = s.conn.Close()
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := s.conn.WriteJSON(frame); err != nil {
				s.cancel()
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				_ = s.conn.Close()
				return
			}
		}
	}
}
