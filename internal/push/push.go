// Package push implements the /ws push channel from spec §4.9/§6: a
// websocket upgrade, a tagged-envelope framing shared with internal/eventbus,
// and the keep-alive probe/eviction loop.
package push

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voidsync/voidsync/internal/eventbus"
)

// clientTag names a message a client may send.
type clientTag string

const (
	tagPing        clientTag = "Ping"
	tagSubscribe   clientTag = "Subscribe"
	tagUnsubscribe clientTag = "Unsubscribe"
)

// inboundMessage is the tagged envelope a client sends.
type inboundMessage struct {
	Type    clientTag `json:"type"`
	Channel string    `json:"channel,omitempty"`
}

// outboundMessage is the tagged envelope the server sends, matching
// eventbus.Event's {type, data} shape.
type outboundMessage struct {
	Type eventbus.EventType `json:"type"`
	Data any                `json:"data,omitempty"`
}

const (
	keepAliveInterval = 30 * time.Second
	missedPongLimit   = 2
	writeTimeout      = 10 * time.Second

	// readDeadlineDuration allows for missedPongLimit consecutive missed
	// probes before a read times out and the connection is evicted, plus a
	// small margin to absorb scheduling jitter around the ping tick.
	readDeadlineDuration = keepAliveInterval*missedPongLimit + 5*time.Second
)

// Server upgrades /ws connections and bridges them to the event bus.
type Server struct {
	bus      *eventbus.Bus
	upgrader websocket.Upgrader
	logger   *log.Logger
}

// New constructs a push Server bound to bus.
func New(bus *eventbus.Bus, logger *log.Logger) *Server {
	return &Server{
		bus:    bus,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The push channel carries no credentials of its own; origin
			// checking is the HTTP layer's concern, not this transport's.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("push: upgrade failed", "error", err)
		}
		return
	}

	clientID := uuid.NewString()
	sub := s.bus.Connect(clientID)

	conn.SetReadDeadline(time.Now().Add(readDeadlineDuration))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadlineDuration))
		return nil
	})

	// A websocket connection allows only one concurrent writer, so every
	// reply flows through replies into a single writeLoop goroutine, which
	// also writes push events and keep-alive pings, rather than being
	// written directly from here.
	replies := make(chan outboundMessage, subscriberReplyBuffer)
	done := make(chan struct{})
	writerExited := make(chan struct{})
	go func() {
		defer close(writerExited)
		s.writeLoop(conn, sub, replies, done)
	}()

	sendReply(replies, writerExited, outboundMessage{Type: eventbus.EventConnected, Data: map[string]string{"clientId": clientID}})
	s.readLoop(conn, clientID, replies, writerExited)

	close(done)
	s.bus.Remove(clientID)
	_ = conn.Close()
}

// sendReply enqueues msg for the writer goroutine, never blocking once the
// writer has already exited (e.g. on a write failure).
func sendReply(replies chan<- outboundMessage, writerExited <-chan struct{}, msg outboundMessage) {
	select {
	case replies <- msg:
	case <-writerExited:
	}
}

func (s *Server) readLoop(conn *websocket.Conn, clientID string, replies chan<- outboundMessage, writerExited <-chan struct{}) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case tagPing:
			sendReply(replies, writerExited, outboundMessage{Type: eventbus.EventPong})
		case tagSubscribe:
			s.bus.Subscribe(clientID, eventbus.Channel(msg.Channel))
			sendReply(replies, writerExited, outboundMessage{Type: eventbus.EventSubscribed, Data: map[string]string{"channel": msg.Channel}})
		case tagUnsubscribe:
			s.bus.Unsubscribe(clientID, eventbus.Channel(msg.Channel))
			sendReply(replies, writerExited, outboundMessage{Type: eventbus.EventUnsubscribed, Data: map[string]string{"channel": msg.Channel}})
		}
	}
}

const subscriberReplyBuffer = 8

// writeLoop is the connection's sole writer: it drains the subscriber's
// push-event outbox, the reader's reply queue, and runs the keep-alive
// probe, closing the connection when a write or ping fails.
func (s *Server) writeLoop(conn *websocket.Conn, sub *eventbus.Subscriber, replies <-chan outboundMessage, done <-chan struct{}) {
	defer func() { _ = conn.Close() }()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case event := <-sub.Outbox():
			if err := s.send(conn, outboundMessage{Type: event.Type, Data: event.Data}); err != nil {
				return
			}
		case msg := <-replies:
			if err := s.send(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, msg outboundMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}
