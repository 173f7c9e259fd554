package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"entitysync/internal/protocol"
	"entitysync/internal/sim/world"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	readTimeout      = 60 * time.Second

	// DefaultQueue is the per-connection outbound frame buffer. A peer that
	// falls this far behind is resynchronized by the world.
	DefaultQueue = 256
)

type Server struct {
	world *world.World
	log   *log.Logger
	queue int

	upgrader websocket.Upgrader
}

func NewServer(w *world.World, logger *log.Logger) *Server {
	return &Server{
		world: w,
		log:   logger,
		queue: DefaultQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// SetQueue overrides the outbound buffer used for new connections.
func (s *Server) SetQueue(n int) {
	if n > 0 {
		s.queue = n
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		session, out := s.handshake(conn)
		if session == "" {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case <-ctx.Done():
					return
				case f := <-out:
					mt := websocket.BinaryMessage
					if f.Text {
						mt = websocket.TextMessage
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(mt, f.Data); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop. Only binary packets carry entity state; text frames
		// after the handshake are ignored.
	read:
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			select {
			case s.world.Inbox() <- world.Inbound{SessionID: session, Data: msg}:
			case <-ctx.Done():
				break read
			}
		}
		cancel()
		<-done

		select {
		case s.world.Leave() <- session:
		case <-time.After(time.Second):
			s.log.Printf("ws: leave for %s not delivered", session)
		}
	}
}

// handshake reads HELLO and asks the world to admit the peer. A refused or
// malformed HELLO is answered with an ERROR message and a close frame.
func (s *Server) handshake(conn *websocket.Conn) (string, chan world.Frame) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.refuse(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return "", nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		s.refuse(conn, protocol.ErrProtoBadRequest, "bad HELLO")
		return "", nil
	}

	out := make(chan world.Frame, s.queue)
	respCh := make(chan world.JoinResponse, 1)
	timeout := time.NewTimer(handshakeTimeout)
	defer timeout.Stop()

	select {
	case s.world.Join() <- world.JoinRequest{Hello: hello, Out: out, Resp: respCh}:
	case <-timeout.C:
		s.refuse(conn, protocol.ErrBusy, "server busy")
		return "", nil
	}
	var resp world.JoinResponse
	select {
	case resp = <-respCh:
	case <-timeout.C:
		s.refuse(conn, protocol.ErrBusy, "server busy")
		return "", nil
	}
	if resp.Error != nil {
		_ = writeJSON(conn, resp.Error)
		closeWith(conn, websocket.ClosePolicyViolation, resp.Error.Code)
		return "", nil
	}

	if err := writeJSON(conn, resp.Welcome); err != nil {
		s.world.Leave() <- resp.Welcome.SessionID
		return "", nil
	}
	s.log.Printf("ws: %s joined as %s", conn.RemoteAddr(), resp.Welcome.SessionID)
	return resp.Welcome.SessionID, out
}

func (s *Server) refuse(conn *websocket.Conn, code, msg string) {
	_ = writeJSON(conn, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         msg,
	})
	closeWith(conn, websocket.ClosePolicyViolation, code)
}

func closeWith(conn *websocket.Conn, status int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(status, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
