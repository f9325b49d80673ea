// Package signal is the WebSocket transport adapter: it upgrades the
// connection, runs the read/write pumps and dispatches decoded events into
// the presence synchronizer and the relay.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/app"
	"github.com/dkeye/Presence/internal/config"
	"github.com/dkeye/Presence/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	cfg      *config.Config
	reg      *app.Registry
	presence *app.Synchronizer
	relay    *app.Relay
}

func NewController(cfg *config.Config, reg *app.Registry, presence *app.Synchronizer, relay *app.Relay) *Controller {
	ctl := &Controller{cfg: cfg, reg: reg, presence: presence, relay: relay}
	// A member that cannot drain its send buffer is as good as gone:
	// closing the transport funnels it into the disconnect cleanup.
	presence.SetSlowHandler(ctl.kick)
	return ctl
}

// wsConn adapts one gorilla connection to core.SignalConnection. The send
// channel preserves enqueue order per recipient.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the request and starts the pumps. Each transport
// connection gets its own opaque id, distinct from the user identity the
// auth layer attaches later through join events.
func (ctl *Controller) HandleWS(ctx context.Context, c *gin.Context) {
	sid := core.ConnID(uuid.NewString())
	log.Info().Str("module", "signal").Str("conn", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan core.Frame, ctl.cfg.SendBuffer),
	}
	ctl.reg.Create(sid, conn)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, cancel, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}

func (ctl *Controller) kick(id core.ConnID) {
	if conn, ok := ctl.reg.Conn(id); ok {
		conn.Close()
	}
}
