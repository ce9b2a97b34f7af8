package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devpm/relay/common/wire"
	"github.com/devpm/relay/internal/relayer/hub"
)

const (
	authDeadline  = 10 * time.Second
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Frames are useless without a valid token, so any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the connection, authenticates the first frame and
// then forwards hub events until the peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "error", err)
		return
	}
	defer conn.Close()

	ident, err := s.wsAuthenticate(r.Context(), conn)
	if err != nil {
		s.wsSend(conn, wire.TypeAuthFail, wire.AuthFailPayload{Reason: "invalid token"})
		return
	}
	if err := s.wsSend(conn, wire.TypeAuthOK, struct{}{}); err != nil {
		return
	}
	s.log.Info("websocket peer connected", "role", ident.role, "device_id", ident.deviceID)

	sub := s.hub.Subscribe()
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go s.wsWriter(ctx, conn, sub)
	go s.wsPinger(ctx, conn)

	// Drain inbound frames. Nothing beyond the auth frame is required; the
	// read loop exists to notice the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.log.Info("websocket peer disconnected", "device_id", ident.deviceID)
			return
		}
	}
}

func (s *Server) wsAuthenticate(ctx context.Context, conn *websocket.Conn) (*identity, error) {
	conn.SetReadDeadline(time.Now().Add(authDeadline))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	env, err := wire.ParseEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.Type != wire.TypeAuth {
		return nil, errors.New("first frame must be auth")
	}
	var payload wire.AuthPayload
	if err := env.Decode(&payload); err != nil {
		return nil, err
	}
	if payload.Token == "" {
		return nil, errors.New("empty token")
	}
	return s.identityForToken(ctx, payload.Token)
}

// wsWriter forwards hub events as JSON envelopes. It owns data frames; the
// pinger uses control frames, which gorilla allows concurrently.
func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, sub *hub.Subscription) {
	for {
		ev, err := sub.Recv(ctx)
		if errors.Is(err, hub.ErrSlowConsumer) {
			s.log.Warn("websocket peer too slow, closing")
			conn.Close()
			return
		}
		if err != nil {
			return
		}
		env, err := wire.NewEnvelope(ev.Type, ev.Payload)
		if err != nil {
			s.log.Error("encode event", "type", ev.Type, "error", err)
			continue
		}
		data, err := json.Marshal(env)
		if err != nil {
			s.log.Error("marshal envelope", "type", ev.Type, "error", err)
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			return
		}
	}
}

func (s *Server) wsPinger(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				conn.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) wsSend(conn *websocket.Conn, msgType string, payload any) error {
	env, err := wire.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteMessage(websocket.TextMessage, data)
}
