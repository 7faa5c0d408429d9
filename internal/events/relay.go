package events

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Relay forwards events published on a Bus to websocket subscribers,
// grouped by take id.
type Relay struct {
	bus *Bus
	log *log.Logger

	mu      sync.RWMutex
	clients map[int]map[*websocket.Conn]bool

	unsubscribe func()
}

// NewRelay constructs a Relay subscribed to every event on bus.
func NewRelay(bus *Bus, logger *log.Logger) *Relay {
	if logger == nil {
		logger = log.Default()
	}
	r := &Relay{bus: bus, log: logger, clients: make(map[int]map[*websocket.Conn]bool)}
	r.unsubscribe = bus.Subscribe(HandlerFunc(r.broadcast))
	return r
}

func (r *Relay) broadcast(e Event) {
	r.mu.RLock()
	conns := r.clients[e.TakeID]
	r.mu.RUnlock()
	if len(conns) == 0 {
		return
	}
	data, err := Marshal(e)
	if err != nil {
		r.log.Printf("[events] marshal failed for relay: %v", err)
		return
	}
	r.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(conns))
	for c := range conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()
	for _, conn := range targets {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			r.unregister(e.TakeID, conn)
			conn.Close()
		}
	}
}

func (r *Relay) register(takeID int, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[takeID] == nil {
		r.clients[takeID] = make(map[*websocket.Conn]bool)
	}
	r.clients[takeID][conn] = true
}

func (r *Relay) unregister(takeID int, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conns, ok := r.clients[takeID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(r.clients, takeID)
		}
	}
}

// ServeHTTP upgrades a connection and subscribes it to one take's
// events. Expected path: /ws/events/{take_id}.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	path := strings.TrimPrefix(req.URL.Path, "/ws/events/")
	path = strings.TrimSuffix(path, "/")
	var takeID int
	if _, err := fmt.Sscanf(path, "%d", &takeID); err != nil {
		http.Error(w, "take_id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Printf("[events] upgrade error: %v", err)
		return
	}
	r.register(takeID, conn)
	go r.readPump(takeID, conn)
}

func (r *Relay) readPump(takeID int, conn *websocket.Conn) {
	defer func() {
		r.unregister(takeID, conn)
		conn.Close()
	}()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// ClientCount returns the total number of connected relay clients.
func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conns := range r.clients {
		n += len(conns)
	}
	return n
}

// Close unsubscribes from the bus and drops all connections.
func (r *Relay) Close() {
	r.unsubscribe()
	r.mu.Lock()
	defer r.mu.Unlock()
	for takeID, conns := range r.clients {
		for c := range conns {
			c.Close()
		}
		delete(r.clients, takeID)
	}
}
