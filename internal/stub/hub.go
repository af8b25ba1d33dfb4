package stub

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quangdng/notifeed/internal/feed"
	"github.com/quangdng/notifeed/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 12 * time.Second
	pingPeriod = 4 * time.Second

	sendBufferSize = 64
)

// hub fans freshly created notification records out to each of a user's open
// push connections.
type hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*pushConn]struct{}
	upgrader websocket.Upgrader
	log      *zap.Logger
}

type pushConn struct {
	id     string
	hub    *hub
	userID string
	socket *websocket.Conn
	send   chan feed.Record
	once   sync.Once
}

func newHub() *hub {
	return &hub{
		clients: make(map[string]map[*pushConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logger.WithModule("stub.hub"),
	}
}

// serve upgrades the request and pumps records to the subscriber until the
// connection drops.
func (h *hub) serve(userID string, w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	conn := &pushConn{
		id:     uuid.NewString(),
		hub:    h,
		userID: userID,
		socket: socket,
		send:   make(chan feed.Record, sendBufferSize),
	}
	h.register(conn)

	go conn.writeLoop()
	conn.readLoop()
}

// broadcast queues a record for every open connection of the user. Slow
// consumers are dropped rather than blocking the rest.
func (h *hub) broadcast(userID string, rec feed.Record) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients[userID] {
		select {
		case conn.send <- rec:
		default:
			h.log.Warn("dropping backpressure client",
				zap.String("conn", conn.id), zap.String("user", userID))
			go conn.close()
		}
	}
}

func (h *hub) register(conn *pushConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[conn.userID] == nil {
		h.clients[conn.userID] = make(map[*pushConn]struct{})
	}
	h.clients[conn.userID][conn] = struct{}{}
}

func (h *hub) unregister(conn *pushConn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns := h.clients[conn.userID]; conns != nil {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, conn.userID)
		}
	}
}

// closeAll tears down every connection, used on server shutdown.
func (h *hub) closeAll() {
	h.mu.RLock()
	var all []*pushConn
	for _, conns := range h.clients {
		for conn := range conns {
			all = append(all, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range all {
		conn.close()
	}
}

func (c *pushConn) readLoop() {
	defer c.close()

	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Clients only send control frames; discard anything else.
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *pushConn) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(rec); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *pushConn) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		close(c.send)
		_ = c.socket.Close()
	})
}
