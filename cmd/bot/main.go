package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"entitysync/internal/protocol"
	"entitysync/internal/sim/entity"
)

func main() {
	var (
		url    = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name   = flag.String("name", "bot", "peer name")
		rateHz = flag.Int("rate", 10, "send rate in Hz")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	b := newBot(uuid.New(), entity.WallClock)
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PeerID:          b.self.String(),
		ClockUsec:       entity.WallClock(),
		Name:            *name,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		logger.Fatalf("read WELCOME: %v", err)
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		logger.Fatalf("handshake refused: %s", msg)
	}
	if welcome.WorldParams.PacketBudgetBytes > 0 {
		b.budget = welcome.WorldParams.PacketBudgetBytes
	}
	b.skew = int64(entity.WallClock()) - int64(welcome.ServerClockUsec)
	logger.Printf("WELCOME session=%s server=%s tick_rate=%d entities=%d", welcome.SessionID, welcome.ServerID, welcome.WorldParams.TickRateHz, welcome.WorldParams.EntityCount)

	// Reader goroutine.
	frames := make(chan []byte, 64)
	go func() {
		defer close(frames)
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				frames <- msg
			} else {
				logger.Printf("server: %s", msg)
			}
		}
	}()

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	if err := b.spawn(r); err != nil {
		logger.Fatalf("spawn: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	ticker := time.NewTicker(time.Second / time.Duration(max(*rateHz, 1)))
	defer ticker.Stop()
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	for {
		select {
		case <-stop:
			return
		case f, ok := <-frames:
			if !ok {
				logger.Printf("connection closed")
				return
			}
			if err := b.receive(f); err != nil {
				logger.Printf("receive: %v", err)
			}
		case <-ticker.C:
			for _, pkt := range b.step(r) {
				if err := conn.WriteMessage(websocket.BinaryMessage, pkt); err != nil {
					logger.Printf("send: %v", err)
					return
				}
			}
		case <-report.C:
			p := b.own.Position()
			logger.Printf("replicas=%d own=%s pos=(%.2f,%.2f,%.2f)", len(b.replicas), b.own.ID(), p.X, p.Y, p.Z)
		}
	}
}
