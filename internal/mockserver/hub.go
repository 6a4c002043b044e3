package mockserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jobtrack/jobtrack/internal/job"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// frame is the wire shape of a push event.
type frame struct {
	Event job.EventType `json:"event"`
	Data  any           `json:"data"`
}

// Hub fans push events out to every connected peer.
type Hub struct {
	mu         sync.RWMutex
	peers      map[*peer]bool
	broadcast  chan []byte
	register   chan *peer
	unregister chan *peer
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	log        *slog.Logger
}

func newHub(log *slog.Logger) *Hub {
	return &Hub{
		peers:      make(map[*peer]bool),
		broadcast:  make(chan []byte, sendBuffer),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        log,
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case p := <-h.register:
			h.mu.Lock()
			h.peers[p] = true
			h.mu.Unlock()
			h.log.Debug("mockserver: peer connected", "peer_id", p.id)

		case p := <-h.unregister:
			h.mu.Lock()
			if h.peers[p] {
				delete(h.peers, p)
				close(p.send)
			}
			h.mu.Unlock()
			h.log.Debug("mockserver: peer disconnected", "peer_id", p.id)

		case msg := <-h.broadcast:
			h.fanOut(msg)

		case <-h.stop:
			h.mu.Lock()
			for p := range h.peers {
				delete(h.peers, p)
				close(p.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) fanOut(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.peers {
		select {
		case p.send <- msg:
		default:
			h.log.Warn("mockserver: peer send buffer full", "peer_id", p.id)
		}
	}
}

// Publish queues one event for every connected peer. Events are delivered in
// publish order.
func (h *Hub) Publish(event job.EventType, data any) {
	msg, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		h.log.Error("mockserver: encode event", "event", event, "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	case <-h.stop:
	}
}

// Peers returns the number of connected peers.
func (h *Hub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// DropAll closes every peer connection without a close frame, as a network
// failure would.
func (h *Hub) DropAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.peers {
		p.conn.Close()
	}
}

func (h *Hub) close() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("mockserver: websocket upgrade failed", "error", err)
		return
	}
	p := &peer{
		id:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	select {
	case h.register <- p:
	case <-h.stop:
		conn.Close()
		return
	}
	go p.writePump()
	go p.readPump()
}

type peer struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// readPump only watches for pongs and the close of the connection; peers
// never send events.
func (p *peer) readPump() {
	defer func() {
		select {
		case p.hub.unregister <- p:
		case <-p.hub.stop:
		}
		p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.hub.log.Debug("mockserver: peer read error", "peer_id", p.id, "error", err)
			}
			return
		}
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				p.hub.log.Debug("mockserver: peer write error", "peer_id", p.id, "error", err)
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
