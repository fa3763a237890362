package realtime

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/chatwidget/pkg/protocol"
)

// pipeConn is an in-memory Conn. Frames pushed with send are returned by
// Read; writes are recorded.
type pipeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newPipeConn() *pipeConn {
	return &pipeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *pipeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.inbound:
		return data, nil
	case <-p.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), data...))
	return nil
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) send(t *testing.T, data []byte) {
	t.Helper()
	p.inbound <- data
}

func (p *pipeConn) written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*pipeConn
	err   error
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newPipeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *pipeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func newTestChannel(d Dialer) *Channel {
	return New(Config{URL: "ws://test/cable", ChannelName: "RoomChannel", HandshakeTimeout: time.Second}, d, zerolog.Nop())
}

func mustControl(t *testing.T, ct protocol.ControlType) []byte {
	t.Helper()
	data, err := protocol.EncodeControl(ct, "")
	require.NoError(t, err)
	return data
}

func TestChannel_ConnectSubscribes(t *testing.T) {
	d := &fakeDialer{}
	ch := newTestChannel(d)

	require.NoError(t, ch.Connect(context.Background(), "tok-1"))
	defer ch.Disconnect()
	assert.Equal(t, StateSubscriptionPending, ch.State())

	conn := d.last()
	writes := conn.written()
	require.Len(t, writes, 1)
	name, channel, token, err := protocol.DecodeCommand(writes[0])
	require.NoError(t, err)
	assert.Equal(t, "subscribe", name)
	assert.Equal(t, "RoomChannel", channel)
	assert.Equal(t, "tok-1", token)

	conn.send(t, mustControl(t, protocol.ControlWelcome))
	conn.send(t, mustControl(t, protocol.ControlConfirmSubscription))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ch.WaitSubscribed(ctx))
	assert.Equal(t, StateSubscribed, ch.State())
}

func TestChannel_DeliversOnlyApplicationFrames(t *testing.T) {
	d := &fakeDialer{}
	ch := newTestChannel(d)

	events := make(chan protocol.Event, 4)
	ch.OnEvent(func(e protocol.Event) { events <- e })

	var malformed int
	var mu sync.Mutex
	ch.SetHooks(Hooks{OnMalformed: func(error) {
		mu.Lock()
		malformed++
		mu.Unlock()
	}})

	require.NoError(t, ch.Connect(context.Background(), "tok"))
	defer ch.Disconnect()

	conn := d.last()
	conn.send(t, mustControl(t, protocol.ControlPing))
	conn.send(t, []byte("{not json"))
	reply, err := protocol.EncodeMessageCreated("", protocol.ActorBot, "Hello!")
	require.NoError(t, err)
	conn.send(t, reply)

	select {
	case e := <-events:
		assert.Equal(t, protocol.EventMessageCreated, e.Name)
		assert.Equal(t, protocol.ActorBot, e.Reply.ActorKind)
		assert.Equal(t, "Hello!", e.Reply.Content)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	assert.Empty(t, events, "control frames must not reach the handler")
	mu.Lock()
	assert.Equal(t, 1, malformed)
	mu.Unlock()
}

func TestChannel_DialFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	ch := newTestChannel(d)

	err := ch.Connect(context.Background(), "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, StateDisconnected, ch.State())
	assert.ErrorIs(t, ch.WaitSubscribed(context.Background()), ErrNotConnected)
}

func TestChannel_RemoteCloseReturnsToDisconnected(t *testing.T) {
	d := &fakeDialer{}
	ch := newTestChannel(d)

	errs := make(chan error, 1)
	ch.SetHooks(Hooks{OnError: func(err error) { errs <- err }})

	require.NoError(t, ch.Connect(context.Background(), "tok"))
	_ = d.last().Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrConnection)
	case <-time.After(time.Second):
		t.Fatal("expected connection error")
	}
	assert.Eventually(t, func() bool { return ch.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
}

func TestChannel_ReconnectReplacesConnection(t *testing.T) {
	d := &fakeDialer{}
	ch := newTestChannel(d)

	events := make(chan protocol.Event, 4)
	ch.OnEvent(func(e protocol.Event) { events <- e })

	require.NoError(t, ch.Connect(context.Background(), "tok-a"))
	first := d.last()
	require.NoError(t, ch.Connect(context.Background(), "tok-b"))
	defer ch.Disconnect()
	second := d.last()

	require.NotSame(t, first, second)
	select {
	case <-first.closed:
	default:
		t.Fatal("first connection should be closed")
	}

	// The old connection sent an unsubscribe before closing.
	writes := first.written()
	require.Len(t, writes, 2)
	name, _, token, err := protocol.DecodeCommand(writes[1])
	require.NoError(t, err)
	assert.Equal(t, "unsubscribe", name)
	assert.Equal(t, "tok-a", token)

	reply, err := protocol.EncodeMessageCreated("", protocol.ActorAgent, "from b")
	require.NoError(t, err)
	second.send(t, reply)

	select {
	case e := <-events:
		assert.Equal(t, "from b", e.Reply.Content)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestChannel_DisconnectIdempotent(t *testing.T) {
	d := &fakeDialer{}
	ch := newTestChannel(d)

	var states []State
	var mu sync.Mutex
	ch.SetHooks(Hooks{OnStateChange: func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}})

	ch.Disconnect()
	require.NoError(t, ch.Connect(context.Background(), "tok"))
	ch.Disconnect()
	ch.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateSubscriptionPending, StateDisconnected}, states)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "SUBSCRIBED", StateSubscribed.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
