package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxWSConnections = 200

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Read-only debug feed, no credentials flow over it; allow any origin.
		return true
	},
}

// WSPublisher is a Publisher that fans bundle transition events out to
// connected operators over a WebSocket, the same hub-and-broadcast shape
// as a dashboard metrics feed but re-pointed at ad-hoc topics instead of a
// fixed per-tenant metrics payload. It never blocks the caller: Publish
// only enqueues onto an internal channel, and a full channel drops the
// event rather than stalling the control loop.
type WSPublisher struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan Event

	done   chan struct{}
	closed bool
}

// NewWSPublisher creates a WSPublisher and starts its broadcast loop. Call
// ServeHTTP from an HTTP mux to expose the feed, and Close to shut it down.
func NewWSPublisher() *WSPublisher {
	p := &WSPublisher{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan Event, 256),
		done:       make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *WSPublisher) run() {
	for {
		select {
		case <-p.done:
			p.shutdown()
			return
		case conn := <-p.register:
			p.mu.Lock()
			if len(p.clients) >= maxWSConnections {
				p.mu.Unlock()
				conn.Close()
				log.Printf("[STREAMING] ⚠️ websocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			p.clients[conn] = true
			p.mu.Unlock()
		case conn := <-p.unregister:
			p.mu.Lock()
			if _, ok := p.clients[conn]; ok {
				delete(p.clients, conn)
				conn.Close()
			}
			p.mu.Unlock()
		case event := <-p.events:
			p.broadcast(event)
		}
	}
}

func (p *WSPublisher) broadcast(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for conn := range p.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("[STREAMING] websocket write error: %v", err)
			go func(c *websocket.Conn) { p.unregister <- c }(conn)
		}
	}
}

func (p *WSPublisher) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.clients {
		conn.Close()
	}
	p.clients = make(map[*websocket.Conn]bool)
}

// Publish implements streaming.Publisher. It never returns an error for a
// disconnected or slow client; those are handled entirely inside the
// broadcast loop, matching the best-effort publish contract the control
// loop relies on.
func (p *WSPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("streaming: marshal payload for topic %s: %w", topic, err)
	}
	event := Event{
		ID:        fmt.Sprintf("%s-%d", topic, time.Now().UnixNano()),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "bundleworker",
	}
	select {
	case p.events <- event:
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Channel full: an operator feed lagging behind is not a reason
		// to block bundle processing.
		log.Printf("[STREAMING] ⚠️ dropping event for topic %s, broadcast channel full", topic)
	}
	return nil
}

// Close stops the broadcast loop and disconnects every client. Safe to
// call once.
func (p *WSPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.done)
	return nil
}

// ServeHTTP upgrades the request to a WebSocket and streams every
// published event to it until the client disconnects. Register this on a
// debug/operator-only route; the feed carries no per-tenant filtering.
func (p *WSPublisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[STREAMING] websocket upgrade failed: %v", err)
		return
	}
	p.register <- conn

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	p.unregister <- conn
}
