package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"entitysync/internal/observerproto"
	"entitysync/internal/sim/world"
)

// Server exposes read-only world state to local tooling: a bootstrap
// document, periodic metrics and an optional live audit feed.
type Server struct {
	world *world.World
	log   *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu   sync.Mutex
	subs map[string]chan []byte
}

func NewServer(w *world.World, logger *log.Logger) *Server {
	return &Server{
		world: w,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: map[string]chan []byte{},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			ServerID:        s.world.ServerID().String(),
			Tick:            s.world.CurrentTick(),
			WorldParams: observerproto.WorldParams{
				TickRateHz:        s.world.TickRateHz(),
				PacketBudgetBytes: s.world.PacketBudgetBytes(),
			},
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

// WriteAudit fans an audit record out to subscribers of the audit feed. It
// runs on the world goroutine and never blocks; slow subscribers lose records.
func (s *Server) WriteAudit(e world.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return nil
	}
	b, err := json.Marshal(observerproto.AuditMsg{
		Type:            observerproto.TypeAudit,
		ProtocolVersion: observerproto.Version,
		Tick:            e.Tick,
		Entity:          e.Entity,
		Action:          e.Action,
		Peer:            e.Peer,
		From:            e.From,
		To:              e.To,
		Priority:        e.Priority,
		Reason:          e.Reason,
	})
	if err != nil {
		return err
	}
	for _, ch := range s.subs {
		select {
		case ch <- b:
		default:
		}
	}
	return nil
}

func (s *Server) setAudits(sid string, ch chan []byte, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.subs[sid] = ch
	} else {
		delete(s.subs, sid)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		auditOut := make(chan []byte, 256)
		s.setAudits(sid, auditOut, sub.Audits)
		defer s.setAudits(sid, nil, false)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		subUpdates := make(chan observerproto.SubscribeMsg, 1)

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			ticker := time.NewTicker(time.Duration(sub.IntervalMS) * time.Millisecond)
			defer ticker.Stop()
			for {
				var b []byte
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case u := <-subUpdates:
					ticker.Reset(time.Duration(u.IntervalMS) * time.Millisecond)
					continue
				case <-ticker.C:
					b = s.metricsFrame()
				case b = <-auditOut:
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					return
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			u, ok := parseSubscribe(msg)
			if !ok {
				continue
			}
			s.setAudits(sid, auditOut, u.Audits)
			select {
			case subUpdates <- u:
			default:
				// Drop updates under load; the client may resend.
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) metricsFrame() []byte {
	m := s.world.Metrics()
	b, _ := json.Marshal(observerproto.MetricsMsg{
		Type:            observerproto.TypeMetrics,
		ProtocolVersion: observerproto.Version,
		Tick:            m.Tick,
		Entities:        m.Entities,
		Owned:           m.Owned,
		Peers:           m.Peers,
		InboxLen:        m.InboxLen,
		StepMS:          m.StepMS,
		SentBytes:       m.SentBytes,
		Rejected:        m.Rejected,
	})
	return b
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	if sub.IntervalMS <= 0 {
		sub.IntervalMS = 1000
	}
	if sub.IntervalMS < 50 {
		sub.IntervalMS = 50
	}
	return sub, true
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
