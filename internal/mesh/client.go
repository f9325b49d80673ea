package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/protocol"
)

const clientWriteWait = 5 * time.Second

// Client is the signaling connection of one session: it implements Signaler
// for the coordinator's outbound events and pumps server events back into it.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

// Dial connects to the signaling endpoint (ws[s]://host/api/ws).
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	log.Info().Str("module", "mesh.client").Str("url", url).Msg("connected")
	return &Client{conn: conn}, nil
}

// Send implements Signaler. Writes are serialized; gorilla allows only one
// concurrent writer.
func (c *Client) Send(ev protocol.ClientEvent) error {
	frame, err := protocol.EncodeClient(ev)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Run reads server events and feeds them to the coordinator until the
// context ends or the connection drops. It closes the coordinator's links on
// the way out, mirroring the server-side disconnect cleanup.
func (c *Client) Run(ctx context.Context, coord *Coordinator) error {
	defer coord.Close()

	c.conn.SetPongHandler(func(string) error { return nil })
	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		ev, err := protocol.DecodeServer(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "mesh.client").Msg("dropping frame")
			continue
		}
		coord.HandleEvent(ev)
	}
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(clientWriteWait))
	return c.conn.Close()
}
