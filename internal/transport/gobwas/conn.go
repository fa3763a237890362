// Package gobwas provides a low-allocation realtime transport built on
// github.com/gobwas/ws.
package gobwas

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/chatwidget/internal/realtime"
)

// Conn wraps a client-side net.Conn speaking websocket frames.
type Conn struct {
	conn   net.Conn
	reader io.Reader

	readMu  sync.Mutex
	writeMu sync.Mutex
	once    sync.Once
}

// NewConn wraps conn. br holds any bytes the handshake read past the
// response headers; it may be nil.
func NewConn(conn net.Conn, br *bufio.Reader) *Conn {
	var r io.Reader = conn
	if br != nil && br.Buffered() > 0 {
		r = io.MultiReader(br, conn)
	}
	return &Conn{conn: conn, reader: r}
}

type readWriter struct {
	io.Reader
	io.Writer
}

// Read implements realtime.Conn. Control frames (ping/pong/close) are handled
// by wsutil; only text and binary payloads are returned.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	stop := c.watch(ctx, c.conn.SetReadDeadline)
	defer stop()

	rw := readWriter{Reader: c.reader, Writer: lockedWriter{c}}
	data, _, err := wsutil.ReadServerData(rw)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return data, err
}

// Write implements realtime.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	stop := c.watch(ctx, c.conn.SetWriteDeadline)
	defer stop()

	return wsutil.WriteClientText(c.conn, data)
}

// Close implements realtime.Conn. It sends a close frame before closing the
// underlying socket.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// watch arms deadline when ctx is cancelled so a blocked read or write
// returns. The returned func disarms it.
func (c *Conn) watch(ctx context.Context, deadline func(time.Time) error) func() {
	if d, ok := ctx.Deadline(); ok {
		_ = deadline(d)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = deadline(time.Now())
		case <-done:
		}
	}()
	return func() {
		close(done)
		_ = deadline(time.Time{})
	}
}

// lockedWriter serialises control-frame replies written during Read with
// application writes.
type lockedWriter struct{ c *Conn }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

// Dialer opens gobwas websocket connections.
type Dialer struct{}

// Dial implements realtime.Dialer.
func (Dialer) Dial(ctx context.Context, url string) (realtime.Conn, error) {
	conn, br, _, err := ws.Dialer{}.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	if br != nil && br.Buffered() == 0 {
		ws.PutReader(br)
		br = nil
	}
	return NewConn(conn, br), nil
}
