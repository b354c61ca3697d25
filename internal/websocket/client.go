package websocket

import (
	"context"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
)

// Client is one WebSocket connection belonging to an account.
type Client struct {
	hub       *Hub
	conn      *ws.Conn
	accountID string
	send      chan []byte
}

func NewClient(hub *Hub, conn *ws.Conn, accountID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		accountID: accountID,
		send:      make(chan []byte, sendBufferSize),
	}
}

// Run serves the connection until the peer goes away or ctx ends. Entitlement
// pushes are written from a separate goroutine while this one only watches
// for the close.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.push(ctx)
	c.awaitClose(ctx)
}

// awaitClose drops anything the browser sends. Reading is still needed so
// close and pong frames get processed.
func (c *Client) awaitClose(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

// push writes queued account events. A closed send channel means the hub
// has dropped this client; the ping keeps idle proxies from cutting the
// connection and surfaces dead peers.
func (c *Client) push(ctx context.Context) {
	keepalive := time.NewTicker(pingInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, ws.MessageText, msg); err != nil {
				return
			}
		}
	}
}
