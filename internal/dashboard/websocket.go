package dashboard

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// wsHub manages the set of dashboard observers and fans state
// snapshots out to all of them.
//
// A single hub goroutine handles registration, unregistration, and
// broadcasting. All mutations of the observer map happen in that
// goroutine via channels, so no lock is needed.
type wsHub struct {
	observers map[*wsConn]bool

	// last holds the most recent snapshot so a freshly connected
	// observer gets state immediately instead of waiting out a tick.
	last []byte

	broadcastCh  chan []byte
	registerCh   chan *wsConn
	unregisterCh chan *wsConn
}

// wsConn wraps a single observer connection.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
}

// upgrader handles HTTP → WebSocket protocol upgrade. CheckOrigin
// allows all origins since the dashboard is served on the same port as
// the proxy.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSHub() *wsHub {
	return &wsHub{
		observers:    make(map[*wsConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
	}
}

// run is the hub event loop. Runs in a background goroutine for the
// life of the process.
func (h *wsHub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.observers[conn] = true
			if h.last != nil {
				select {
				case conn.send <- h.last:
				default:
				}
			}
			slog.Debug("dashboard observer connected", "total", len(h.observers))

		case conn := <-h.unregisterCh:
			if _, ok := h.observers[conn]; ok {
				delete(h.observers, conn)
				close(conn.send)
				slog.Debug("dashboard observer disconnected", "total", len(h.observers))
			}

		case msg := <-h.broadcastCh:
			h.last = msg
			for conn := range h.observers {
				select {
				case conn.send <- msg:
				default:
					// Send buffer full. Drop the observer so a slow
					// client cannot stall the broadcast.
					delete(h.observers, conn)
					close(conn.send)
				}
			}
		}
	}
}

// broadcast queues a snapshot for all observers. Non-blocking; if the
// hub is backed up the frame is dropped, the next tick replaces it.
func (h *wsHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

// handleDashboardSocket upgrades a /ws/dashboard request and registers
// the observer with the hub.
func (d *Dashboard) handleDashboardSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("dashboard websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{
		conn: conn,
		send: make(chan []byte, 64),
	}
	d.hub.registerCh <- client

	go client.writePump()
	go client.readPump(d.hub)
}

// writePump sends queued snapshots to the observer. One goroutine per
// connection; the hub closes the send channel on unregister.
func (c *wsConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump drains inbound frames. Observers never send anything
// meaningful; reading is how disconnects are detected.
func (c *wsConn) readPump(hub *wsHub) {
	defer func() {
		hub.unregisterCh <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
