package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/protocol"
)

const writeWait = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, cancel context.CancelFunc, c *wsConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump owns the connection's inbound side and, through its defer, the
// exactly-once disconnect cleanup for this connection.
func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, sid core.ConnID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(sid)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.presence.Disconnect(sid)
	}()

	pongWait := ctl.cfg.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "signal").Str("conn", string(sid)).Msg("readPump read error")
				}
				return
			}
			ctl.handleFrame(sid, data)
		}
	}
}

// handleFrame decodes once at the boundary and dispatches on the closed
// event union. Malformed or unknown frames are dropped: these events have
// no response channel.
func (ctl *Controller) handleFrame(sid core.ConnID, data core.Frame) {
	ev, err := protocol.DecodeClient(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(sid)).Msg("dropping frame")
		return
	}

	switch e := ev.(type) {
	case protocol.TextSubscribe:
		if e.Leave {
			ctl.presence.LeaveText(e.Channel, sid)
		} else {
			ctl.presence.JoinText(e.Channel, sid)
		}
	case protocol.JoinRoom:
		ctl.presence.Join(e.Key, sid, e.User)
	case protocol.LeaveRoom:
		ctl.presence.Leave(e.Key, sid, e.UserID)
	case protocol.StateUpdate:
		ctl.presence.UpdateState(e.Key, sid, e.Update)
	case protocol.JoinMesh:
		ctl.presence.JoinMesh(e.Key, sid, e.UserID, e.HasVideo)
	case protocol.LeaveMesh:
		ctl.presence.Leave(e.Key, sid, e.UserID)
	case protocol.SignalMessage:
		ctl.relay.Forward(e.Key, e.Target, sid, e.Stage, e.Signal)
	}
}
