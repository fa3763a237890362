// Package realtime owns the subscription socket that delivers replies.
//
// A Channel moves through Disconnected → Connecting → SubscriptionPending →
// Subscribed. Any transport error or close returns it to Disconnected; the
// channel never reconnects on its own.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/omochice/chatwidget/pkg/protocol"
)

// ErrConnection is returned when the socket cannot be opened or subscribed.
var ErrConnection = errors.New("realtime connection error")

// ErrNotConnected is returned by WaitSubscribed when no connection exists.
var ErrNotConnected = errors.New("realtime channel not connected")

// Conn abstracts one message-oriented socket.
type Conn interface {
	// Read returns the next complete message.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single text message.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error
}

// Dialer opens Conns.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// State is the channel's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscriptionPending
	StateSubscribed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateSubscriptionPending:
		return "SUBSCRIPTION_PENDING"
	case StateSubscribed:
		return "SUBSCRIBED"
	default:
		return "UNKNOWN"
	}
}

// Handler consumes parsed application frames.
type Handler func(protocol.Event)

// Hooks observe channel activity. All fields are optional and are called
// without internal locks held.
type Hooks struct {
	OnStateChange func(State)
	OnError       func(error)
	OnMalformed   func(error)
}

// Config configures a Channel.
type Config struct {
	URL              string
	ChannelName      string
	HandshakeTimeout time.Duration
}

// connection is one dialled socket and its read loop.
type connection struct {
	conn       Conn
	token      string
	cancel     context.CancelFunc
	done       chan struct{}
	subscribed chan struct{}
	once       sync.Once
}

// Channel is a single realtime subscription.
type Channel struct {
	cfg    Config
	dialer Dialer
	logger zerolog.Logger

	// lifecycle serializes Connect and Disconnect.
	lifecycle sync.Mutex

	mu      sync.Mutex
	state   State
	current *connection
	handler Handler
	hooks   Hooks
}

// New creates a disconnected Channel.
func New(cfg Config, dialer Dialer, logger zerolog.Logger) *Channel {
	return &Channel{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With().Str("component", "realtime").Str("channel", cfg.ChannelName).Logger(),
	}
}

// OnEvent registers the single consumer of application frames, replacing
// any previous one.
func (c *Channel) OnEvent(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// SetHooks installs observation hooks.
func (c *Channel) SetHooks(h Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = h
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect closes any existing connection, dials a new one and sends the
// subscribe command. It returns once the command is written; use
// WaitSubscribed to wait for the server's confirmation.
func (c *Channel) Connect(ctx context.Context, token string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.disconnectLocked()
	c.setState(nil, StateConnecting)

	dialCtx := ctx
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}

	conn, err := c.dialer.Dial(dialCtx, c.cfg.URL)
	if err != nil {
		c.setState(nil, StateDisconnected)
		return fmt.Errorf("%w: dial: %w", ErrConnection, err)
	}

	frame, err := protocol.EncodeSubscribe(c.cfg.ChannelName, token)
	if err != nil {
		_ = conn.Close()
		c.setState(nil, StateDisconnected)
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if err := conn.Write(dialCtx, frame); err != nil {
		_ = conn.Close()
		c.setState(nil, StateDisconnected)
		return fmt.Errorf("%w: subscribe: %w", ErrConnection, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	cn := &connection{
		conn:       conn,
		token:      token,
		cancel:     cancel,
		done:       make(chan struct{}),
		subscribed: make(chan struct{}),
	}

	c.mu.Lock()
	c.current = cn
	c.mu.Unlock()
	c.setState(cn, StateSubscriptionPending)

	go c.readLoop(loopCtx, cn)

	c.logger.Info().Str("url", c.cfg.URL).Msg("connected, subscription pending")
	return nil
}

// Disconnect closes the connection and waits for its read loop to exit.
// Safe to call when already disconnected.
func (c *Channel) Disconnect() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.disconnectLocked()
}

func (c *Channel) disconnectLocked() {
	c.mu.Lock()
	cn := c.current
	c.current = nil
	c.mu.Unlock()

	if cn == nil {
		return
	}

	if frame, err := protocol.EncodeUnsubscribe(c.cfg.ChannelName, cn.token); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		_ = cn.conn.Write(ctx, frame)
		cancel()
	}
	cn.cancel()
	_ = cn.conn.Close()
	<-cn.done

	c.setState(nil, StateDisconnected)
	c.logger.Info().Msg("disconnected")
}

// WaitSubscribed blocks until the current connection is confirmed, the
// connection is lost, or ctx is done.
func (c *Channel) WaitSubscribed(ctx context.Context) error {
	c.mu.Lock()
	cn := c.current
	c.mu.Unlock()
	if cn == nil {
		return ErrNotConnected
	}

	select {
	case <-cn.subscribed:
		return nil
	case <-cn.done:
		return errors.Wrap(ErrConnection, "connection closed before confirmation")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setState updates the state. When cn is non-nil the update only applies if
// cn is still the current connection.
func (c *Channel) setState(cn *connection, s State) {
	c.mu.Lock()
	if cn != nil && c.current != cn {
		c.mu.Unlock()
		return
	}
	changed := c.state != s
	c.state = s
	hook := c.hooks.OnStateChange
	c.mu.Unlock()

	if changed && hook != nil {
		hook(s)
	}
}

func (c *Channel) readLoop(ctx context.Context, cn *connection) {
	defer close(cn.done)

	for {
		data, err := cn.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("realtime read failed")
			c.mu.Lock()
			current := c.current == cn
			if current {
				c.current = nil
			}
			onError := c.hooks.OnError
			c.mu.Unlock()

			if current {
				_ = cn.conn.Close()
				if onError != nil {
					onError(fmt.Errorf("%w: %w", ErrConnection, err))
				}
				c.setState(nil, StateDisconnected)
			}
			return
		}

		c.dispatch(cn, data)
	}
}

func (c *Channel) dispatch(cn *connection, data []byte) {
	frame, err := protocol.ParseFrame(data)
	if err != nil {
		c.logger.Warn().Err(err).Int("size", len(data)).Msg("dropping malformed frame")
		c.mu.Lock()
		onMalformed := c.hooks.OnMalformed
		c.mu.Unlock()
		if onMalformed != nil {
			onMalformed(err)
		}
		return
	}

	if frame.Kind == protocol.FrameKindControl {
		switch frame.Control {
		case protocol.ControlConfirmSubscription:
			cn.once.Do(func() { close(cn.subscribed) })
			c.setState(cn, StateSubscribed)
			c.logger.Info().Msg("subscription confirmed")
		case protocol.ControlRejectSubscription:
			c.logger.Warn().Msg("subscription rejected by server")
		case protocol.ControlPing:
			c.logger.Trace().Msg("ping")
		default:
			c.logger.Debug().Str("type", string(frame.Control)).Msg("control frame")
		}
		return
	}

	c.mu.Lock()
	h := c.handler
	current := c.current == cn
	c.mu.Unlock()
	if !current || h == nil {
		return
	}
	h(frame.Event)
}
