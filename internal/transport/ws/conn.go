// Package ws provides the nhooyr.io/websocket transport for the realtime
// channel.
package ws

import (
	"context"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/omochice/chatwidget/internal/realtime"
)

// readLimit bounds a single inbound frame. Replies can be long.
const readLimit = 1 << 20

// Conn adapts nhooyr.io/websocket to realtime.Conn.
type Conn struct {
	conn *websocket.Conn
}

// NewConn wraps an established websocket.Conn.
func NewConn(conn *websocket.Conn) *Conn {
	conn.SetReadLimit(readLimit)
	return &Conn{conn: conn}
}

// Read implements realtime.Conn.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

// Write implements realtime.Conn.
// Frames are JSON so they are sent as text messages.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close implements realtime.Conn.
func (c *Conn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// Dialer opens nhooyr websocket connections.
type Dialer struct {
	// HTTPClient is used for the upgrade request. Nil means http.DefaultClient.
	HTTPClient *http.Client
	Header     http.Header
}

// Dial implements realtime.Dialer.
func (d Dialer) Dial(ctx context.Context, url string) (realtime.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}
