package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wasender/internal/eventbus"
	"wasender/internal/runtime/supervisor"
	logx "wasender/pkg/logx"
)

// wsMessage is the frame pushed to UI clients: the eventbus envelope, as-is.
type wsMessage struct {
	Topic string    `json:"topic"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data"`
}

// wsHub re-broadcasts eventbus topics to every connected WebSocket client.
// Clients are write-only; inbound frames are drained and ignored.
type wsHub struct {
	bus eventbus.Bus
	log logx.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*wsConn]struct{}
	started bool
	sup     *supervisor.Supervisor
}

type wsConn struct {
	conn *websocket.Conn
	send chan wsMessage
	once sync.Once
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

func newWSHub(bus eventbus.Bus, log logx.Logger) *wsHub {
	return &wsHub{
		bus: bus,
		log: log.With(logx.String("component", "ws")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The hub only pushes status events; any origin may observe.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: map[*wsConn]struct{}{},
	}
}

func (h *wsHub) start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true
	h.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(h.log))
	h.sup.Go0("ws.fanout", h.fanout)
}

func (h *wsHub) stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = map[*wsConn]struct{}{}
	sup := h.sup
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	sup.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = sup.Wait(ctx)
}

// fanout pumps every bus event to every connected client. Slow clients
// drop frames rather than stall the bus.
func (h *wsHub) fanout(ctx context.Context) {
	events, unsub := h.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			msg := wsMessage{Topic: ev.Topic, Time: ev.Time, Data: ev.Data}
			h.mu.Lock()
			for c := range h.conns {
				select {
				case c.send <- msg:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *wsHub) handleConnect(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	started := h.started
	h.mu.Unlock()
	if !started {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws upgrade failed", logx.Err(err))
		return
	}
	c := &wsConn{conn: conn, send: make(chan wsMessage, 32)}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.log.Debug("ws client connected", logx.Int("clients", n))

	h.sup.Go0("ws.write", func(ctx context.Context) {
		defer h.drop(c)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-c.send:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	})
	h.sup.Go0("ws.read", func(context.Context) {
		defer h.drop(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
}

func (h *wsHub) drop(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.close()
}
